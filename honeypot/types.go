package honeypot

// Verdict labels the overall likelihood that a target is a deception
// system. Thresholds are fixed: below 40 LOW, 40 to 59 MEDIUM, 60 and
// above HIGH.
type Verdict string

const (
	VerdictLow    Verdict = "LOW"
	VerdictMedium Verdict = "MEDIUM"
	VerdictHigh   Verdict = "HIGH"
)

// Component is one sub-score with its cap and a human-readable reason, so
// callers can render a breakdown instead of a bare number.
type Component struct {
	Score   int      `json:"score"`
	Max     int      `json:"max,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// Score is the complete verdict for one scanned target. It is computed
// once per finished scan and never mutated afterwards.
type Score struct {
	Density     Component `json:"portDensity"`
	Consistency Component `json:"bannerConsistency"`
	Timing      Component `json:"timing"`
	Database    Component `json:"database,omitempty"`
	Total       int       `json:"total"`
	Verdict     Verdict   `json:"verdict"`
	Likely      bool      `json:"likelyHoneypot"`
}

// Observation is the slice of a scan report the detector needs. Keeping it
// a plain value decouples scoring from the scanning engine: the detector
// is a pure function over this input.
type Observation struct {
	TargetIP  string
	OpenPorts []int
	Banners   map[int]string
	OSGuesses map[int]string
	// Timings holds per-port response latency in milliseconds.
	Timings  map[int]float64
	Services []string
}

func verdictFor(total int) (Verdict, bool) {
	switch {
	case total >= 60:
		return VerdictHigh, true
	case total >= 40:
		return VerdictMedium, false
	default:
		return VerdictLow, false
	}
}
