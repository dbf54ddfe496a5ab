package honeypot

import (
	"net/netip"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go4.org/netipx"
)

// IPEntry names one known honeypot address or CIDR range.
type IPEntry struct {
	Name   string `json:"name"`
	IP     string `json:"ip,omitempty"`
	CIDR   string `json:"cidr,omitempty"`
	Score  int    `json:"score"`
	Source string `json:"source,omitempty"`
}

// ComboRule flags a suspicious combination of detected services. A target
// exposing MinMatch or more of the required tags earns the rule's score.
type ComboRule struct {
	Name     string   `json:"name"`
	Requires []string `json:"requires"`
	MinMatch int      `json:"min_match,omitempty"`
	Score    int      `json:"score"`
	Reason   string   `json:"reason,omitempty"`
}

// OSFingerprint maps banner content to an OS label, either by plain
// substring or by service-scoped regular expression.
type OSFingerprint struct {
	OS       string              `json:"os"`
	Patterns []string            `json:"patterns,omitempty"`
	Services map[string][]string `json:"services,omitempty"`
}

// ServiceIndicator is a weaker hint: seeing the named product in a banner
// suggests the listed operating systems.
type ServiceIndicator struct {
	LikelyOS   []string `json:"likely_os"`
	Confidence float64  `json:"confidence,omitempty"`
}

// IPMatch is the outcome of an address lookup.
type IPMatch struct {
	Name   string
	Score  int
	Source string
}

// ComboMatch is one triggered service-combination rule.
type ComboMatch struct {
	Name   string
	Score  int
	Reason string
}

type compiledFingerprint struct {
	os       string
	patterns []string
	services map[string][]*regexp.Regexp
}

// Tables holds the immutable lookup data the detector consults: honeypot
// IP ranges, suspicious service combinations and OS fingerprints. Built
// once at startup, read-only afterwards.
type Tables struct {
	Version string

	singles map[netip.Addr]IPEntry
	ranges  []rangeEntry
	ipset   *netipx.IPSet

	combos []ComboRule

	fingerprints []compiledFingerprint
	indicators   []indicatorEntry
}

type indicatorEntry struct {
	name string
	info ServiceIndicator
}

type rangeEntry struct {
	prefix netip.Prefix
	entry  IPEntry
}

// NewTables builds lookup tables from already-parsed entries, for callers
// that assemble their data programmatically rather than from JSON. Entries
// carrying an IP populate the single-address index, entries carrying a CIDR
// the range list. Any argument may be nil.
func NewTables(ips []IPEntry, combos []ComboRule, fingerprints []OSFingerprint, indicators map[string]ServiceIndicator) (*Tables, error) {
	t := &Tables{
		singles: make(map[netip.Addr]IPEntry),
		combos:  combos,
	}
	for name, info := range indicators {
		t.indicators = append(t.indicators, indicatorEntry{name: strings.ToLower(name), info: info})
	}
	sort.Slice(t.indicators, func(i, j int) bool { return t.indicators[i].name < t.indicators[j].name })

	var b netipx.IPSetBuilder
	for _, e := range ips {
		switch {
		case e.IP != "":
			addr, err := netip.ParseAddr(e.IP)
			if err != nil {
				return nil, errors.Wrapf(err, "honeypot ip %q", e.IP)
			}
			t.singles[addr] = e
			b.Add(addr)
		case e.CIDR != "":
			prefix, err := netip.ParsePrefix(e.CIDR)
			if err != nil {
				return nil, errors.Wrapf(err, "honeypot range %q", e.CIDR)
			}
			t.ranges = append(t.ranges, rangeEntry{prefix: prefix.Masked(), entry: e})
			b.AddPrefix(prefix)
		default:
			return nil, errors.Errorf("honeypot entry %q carries neither ip nor cidr", e.Name)
		}
	}
	ipset, err := b.IPSet()
	if err != nil {
		return nil, errors.Wrap(err, "build ip set")
	}
	t.ipset = ipset

	for _, fp := range fingerprints {
		cfp := compiledFingerprint{os: fp.OS, services: make(map[string][]*regexp.Regexp)}
		for _, p := range fp.Patterns {
			cfp.patterns = append(cfp.patterns, strings.ToLower(p))
		}
		for svc, exprs := range fp.Services {
			for _, expr := range exprs {
				re, err := regexp.Compile("(?i)" + expr)
				if err != nil {
					return nil, errors.Wrapf(err, "os fingerprint %q pattern %q", fp.OS, expr)
				}
				cfp.services[svc] = append(cfp.services[svc], re)
			}
		}
		t.fingerprints = append(t.fingerprints, cfp)
	}
	return t, nil
}

func buildTables(ips ipTableFile, combos comboTableFile, osfp osTableFile) (*Tables, error) {
	entries := make([]IPEntry, 0, len(ips.SingleIPs)+len(ips.Ranges))
	entries = append(entries, ips.SingleIPs...)
	entries = append(entries, ips.Ranges...)

	t, err := NewTables(entries, combos.SuspiciousCombos, osfp.Fingerprints, osfp.ServiceIndicators)
	if err != nil {
		return nil, err
	}
	t.Version = ips.Version
	return t, nil
}

// CheckIP looks up addr against the known honeypot addresses and ranges.
// The IPSet answers the common miss in one probe; only hits walk the range
// list to recover the matching entry.
func (t *Tables) CheckIP(ip string) (IPMatch, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return IPMatch{}, false
	}
	addr = addr.Unmap()
	if !t.ipset.Contains(addr) {
		return IPMatch{}, false
	}
	if e, ok := t.singles[addr]; ok {
		return IPMatch{Name: e.Name, Score: e.Score, Source: e.Source}, true
	}
	for _, r := range t.ranges {
		if r.prefix.Contains(addr) {
			return IPMatch{Name: r.entry.Name, Score: r.entry.Score, Source: r.entry.Source}, true
		}
	}
	return IPMatch{}, false
}

// CheckServices evaluates every combination rule against the detected
// service tags and returns all triggered rules with their summed score.
func (t *Tables) CheckServices(services []string) ([]ComboMatch, int) {
	present := make(map[string]bool, len(services))
	for _, s := range services {
		present[strings.ToUpper(s)] = true
	}

	var matches []ComboMatch
	total := 0
	for _, rule := range t.combos {
		need := rule.MinMatch
		if need <= 0 {
			need = len(rule.Requires)
		}
		have := 0
		for _, req := range rule.Requires {
			if present[strings.ToUpper(req)] {
				have++
			}
		}
		if have >= need {
			matches = append(matches, ComboMatch{Name: rule.Name, Score: rule.Score, Reason: rule.Reason})
			total += rule.Score
		}
	}
	return matches, total
}

// GuessOS resolves an OS label from banner content: service-scoped regex
// fingerprints first, then plain substring patterns, then product
// indicators. Returns "" when nothing matches.
func (t *Tables) GuessOS(banner, service string) string {
	lower := strings.ToLower(banner)
	for _, fp := range t.fingerprints {
		if service != "" {
			for _, re := range fp.services[service] {
				if re.MatchString(banner) {
					return fp.os
				}
			}
		}
		for _, p := range fp.patterns {
			if strings.Contains(lower, p) {
				return fp.os
			}
		}
	}
	for _, ind := range t.indicators {
		if strings.Contains(lower, ind.name) && len(ind.info.LikelyOS) > 0 {
			return ind.info.LikelyOS[0]
		}
	}
	return ""
}
