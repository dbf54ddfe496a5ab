package honeypot

import (
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

type ipTableFile struct {
	Version   string    `json:"version"`
	SingleIPs []IPEntry `json:"single_ips"`
	Ranges    []IPEntry `json:"ranges"`
}

type comboTableFile struct {
	Version          string      `json:"version"`
	SuspiciousCombos []ComboRule `json:"suspicious_combos"`
}

type osTableFile struct {
	Version           string                      `json:"version"`
	Fingerprints      []OSFingerprint             `json:"fingerprints"`
	ServiceIndicators map[string]ServiceIndicator `json:"service_indicators"`
}

// ParseTables builds lookup tables from the three raw JSON documents. Any
// of them may be empty; missing data just disables that check.
func ParseTables(ipsJSON, combosJSON, osJSON []byte) (*Tables, error) {
	var (
		ips    ipTableFile
		combos comboTableFile
		osfp   osTableFile
	)
	if len(ipsJSON) > 0 {
		if err := json.Unmarshal(ipsJSON, &ips); err != nil {
			return nil, errors.Wrap(err, "parse honeypot ip table")
		}
	}
	if len(combosJSON) > 0 {
		if err := json.Unmarshal(combosJSON, &combos); err != nil {
			return nil, errors.Wrap(err, "parse service pattern table")
		}
	}
	if len(osJSON) > 0 {
		if err := json.Unmarshal(osJSON, &osfp); err != nil {
			return nil, errors.Wrap(err, "parse os fingerprint table")
		}
	}
	return buildTables(ips, combos, osfp)
}
