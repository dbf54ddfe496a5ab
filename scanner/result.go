package scanner

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"spyglass/fingerprint"
	"spyglass/honeypot"
)

// PortState is the three-way classification of a probed port. CLOSED means
// the host actively refused, so it is reachable; FILTERED means nothing
// answered before the timeout.
type PortState string

const (
	StateOpen     PortState = "OPEN"
	StateClosed   PortState = "CLOSED"
	StateFiltered PortState = "FILTERED"
)

// PortResult is the outcome for one port.
type PortResult struct {
	Port      int                        `json:"port"`
	State     PortState                  `json:"state"`
	Service   fingerprint.Identification `json:"service,omitempty"`
	Banner    string                     `json:"banner,omitempty"`
	TLS       bool                       `json:"tls,omitempty"`
	LatencyMS float64                    `json:"latencyMs,omitempty"`
	// Stage records how far the staged prober got in deep mode.
	Stage int `json:"stage,omitempty"`
}

// Report collects all results for one target. Results are sorted by port
// once the scan finishes and the report is read-only afterwards.
type Report struct {
	ID         string       `json:"id"`
	Target     string       `json:"target"`
	ResolvedIP string       `json:"resolvedIp"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Deep       bool         `json:"deep"`
	Results    []PortResult `json:"results"`

	osOnce  sync.Once
	osGuess string
}

func newReport(target, resolved string, deep bool) *Report {
	return &Report{
		ID:         uuid.NewString(),
		Target:     target,
		ResolvedIP: resolved,
		StartedAt:  time.Now(),
		Deep:       deep,
	}
}

func (r *Report) finish(results []PortResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].Port < results[j].Port })
	r.Results = results
	r.FinishedAt = time.Now()
}

// Open returns the OPEN subset in port order.
func (r *Report) Open() []PortResult {
	var open []PortResult
	for _, res := range r.Results {
		if res.State == StateOpen {
			open = append(open, res)
		}
	}
	return open
}

// OSGuess derives the aggregate OS for the target by majority vote over
// the per-banner guesses. Computed lazily and cached; ties break toward
// the lowest port so the answer is stable.
func (r *Report) OSGuess() string {
	r.osOnce.Do(func() {
		counts := map[string]int{}
		first := map[string]int{}
		for _, res := range r.Results {
			os := res.Service.OSGuess
			if os == "" {
				continue
			}
			counts[os]++
			if _, ok := first[os]; !ok {
				first[os] = res.Port
			}
		}
		best := ""
		for os, n := range counts {
			switch {
			case best == "", n > counts[best], n == counts[best] && first[os] < first[best]:
				best = os
			}
		}
		r.osGuess = best
	})
	return r.osGuess
}

// Observation projects the report into the detector's input shape.
func (r *Report) Observation() honeypot.Observation {
	obs := honeypot.Observation{
		TargetIP:  r.ResolvedIP,
		Banners:   map[int]string{},
		OSGuesses: map[int]string{},
		Timings:   map[int]float64{},
	}
	seen := map[string]bool{}
	for _, res := range r.Results {
		if res.State != StateOpen {
			continue
		}
		obs.OpenPorts = append(obs.OpenPorts, res.Port)
		if res.Banner != "" {
			obs.Banners[res.Port] = res.Banner
		}
		if res.Service.OSGuess != "" {
			obs.OSGuesses[res.Port] = res.Service.OSGuess
		}
		if res.LatencyMS > 0 {
			obs.Timings[res.Port] = res.LatencyMS
		}
		if svc := res.Service.Service; svc != "" && svc != fingerprint.ServiceUnknown && !seen[svc] {
			seen[svc] = true
			obs.Services = append(obs.Services, svc)
		}
	}
	return obs
}
