package honeypot

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// DensityStep awards Points once the open-port count reaches MinPorts.
type DensityStep struct {
	MinPorts int
	Points   int
}

// Weights collects every scoring constant. The values below were observed
// as working defaults, not derived invariants, so callers may tune them.
type Weights struct {
	DensitySteps    []DensityStep
	DensityMax      int
	ConflictPoints  int
	ConsistencyMax  int
	FastThresholdMS float64
	FastRatio       float64
	JitterCV        float64
	TimingPoints    int
	TimingMax       int
}

// DefaultWeights returns the standard scoring constants: density saturates
// at 40 points for 100 open ports, each extra OS family costs 15 up to 30,
// and sub-5ms or near-zero-jitter timing costs 15 each up to 30.
func DefaultWeights() Weights {
	return Weights{
		DensitySteps: []DensityStep{
			{MinPorts: 10, Points: 5},
			{MinPorts: 20, Points: 15},
			{MinPorts: 30, Points: 25},
			{MinPorts: 50, Points: 35},
			{MinPorts: 100, Points: 40},
		},
		DensityMax:      40,
		ConflictPoints:  15,
		ConsistencyMax:  30,
		FastThresholdMS: 5,
		FastRatio:       0.5,
		JitterCV:        0.05,
		TimingPoints:    15,
		TimingMax:       30,
	}
}

// osIndicators maps OS families to the banner substrings that imply them.
// A host whose services imply more than one family is suspicious.
var osIndicators = map[string][]string{
	"linux":   {"ubuntu", "debian", "centos", "fedora", "rhel", "linux", "openssh"},
	"windows": {"windows", "microsoft", "iis", "win32", "win64"},
	"freebsd": {"freebsd"},
	"macos":   {"darwin", "macos", "osx"},
}

// Detector scores completed scans. Tables may be nil, which disables the
// database bonus. Score is a pure function: no I/O, no retained state, so
// scoring the same observation twice yields the same result.
type Detector struct {
	tables *Tables
	w      Weights
}

func NewDetector(tables *Tables) *Detector {
	return &Detector{tables: tables, w: DefaultWeights()}
}

func (d *Detector) WithWeights(w Weights) *Detector {
	d.w = w
	return d
}

// Score aggregates the four sub-scores and clamps the total to [0, 100].
func (d *Detector) Score(obs Observation) Score {
	density := d.scoreDensity(len(obs.OpenPorts))
	consistency := d.scoreConsistency(obs.Banners, obs.OSGuesses)
	timing := d.scoreTiming(obs.Timings)
	database := d.scoreDatabase(obs)

	total := density.Score + consistency.Score + timing.Score + database.Score
	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}
	verdict, likely := verdictFor(total)

	return Score{
		Density:     density,
		Consistency: consistency,
		Timing:      timing,
		Database:    database,
		Total:       total,
		Verdict:     verdict,
		Likely:      likely,
	}
}

func (d *Detector) scoreDensity(openCount int) Component {
	score := 0
	for _, step := range d.w.DensitySteps {
		if openCount >= step.MinPorts {
			score = step.Points
		}
	}
	if score > d.w.DensityMax {
		score = d.w.DensityMax
	}
	reason := fmt.Sprintf("%d open ports is normal", openCount)
	switch {
	case score >= 35:
		reason = fmt.Sprintf("%d open ports is extremely suspicious", openCount)
	case score >= 25:
		reason = fmt.Sprintf("%d open ports is highly unusual", openCount)
	case score >= 15:
		reason = fmt.Sprintf("%d open ports is above normal", openCount)
	case score >= 5:
		reason = fmt.Sprintf("%d open ports is slightly elevated", openCount)
	}
	return Component{Score: score, Max: d.w.DensityMax, Reason: reason}
}

func (d *Detector) scoreConsistency(banners, osGuesses map[int]string) Component {
	families := map[string][]int{}
	ports := make([]int, 0, len(banners))
	for port := range banners {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	for _, port := range ports {
		combined := strings.ToLower(banners[port] + " " + osGuesses[port])
		for family, indicators := range osIndicators {
			for _, ind := range indicators {
				if strings.Contains(combined, ind) {
					families[family] = append(families[family], port)
					break
				}
			}
		}
	}

	names := make([]string, 0, len(families))
	for f := range families {
		names = append(names, f)
	}
	sort.Strings(names)

	score := 0
	var details []string
	if len(names) > 1 {
		score = len(names) * d.w.ConflictPoints
		if score > d.w.ConsistencyMax {
			score = d.w.ConsistencyMax
		}
		for _, f := range names {
			p := families[f]
			if len(p) > 3 {
				p = p[:3]
			}
			details = append(details, fmt.Sprintf("%s on ports %v", strings.ToUpper(f), p))
		}
	}

	reason := "OS indicators are consistent"
	switch {
	case len(names) > 2:
		reason = "multiple conflicting OS indicators detected"
	case len(names) == 2:
		reason = "OS mismatch between services"
	}
	return Component{Score: score, Max: d.w.ConsistencyMax, Reason: reason, Details: details}
}

func (d *Detector) scoreTiming(timings map[int]float64) Component {
	samples := make([]float64, 0, len(timings))
	for _, ms := range timings {
		if ms > 0 {
			samples = append(samples, ms)
		}
	}
	if len(samples) == 0 {
		return Component{Max: d.w.TimingMax, Reason: "no timing data available"}
	}

	score := 0
	var details []string

	fast := 0
	for _, ms := range samples {
		if ms < d.w.FastThresholdMS {
			fast++
		}
	}
	if float64(fast)/float64(len(samples)) > d.w.FastRatio {
		score += d.w.TimingPoints
		details = append(details, fmt.Sprintf("%d/%d responses under %.0fms", fast, len(samples), d.w.FastThresholdMS))
	}

	if len(samples) >= 3 {
		mean, stdev := meanStdev(samples)
		if mean > 0 {
			if cv := stdev / mean; cv < d.w.JitterCV {
				score += d.w.TimingPoints
				details = append(details, fmt.Sprintf("near-zero timing jitter (CV=%.3f)", cv))
			}
		}
	}
	if score > d.w.TimingMax {
		score = d.w.TimingMax
	}

	reason := "timing patterns appear normal"
	if len(details) > 0 {
		reason = details[0]
	}
	return Component{Score: score, Max: d.w.TimingMax, Reason: reason, Details: details}
}

func (d *Detector) scoreDatabase(obs Observation) Component {
	if d.tables == nil {
		return Component{}
	}
	score := 0
	var details []string

	if obs.TargetIP != "" {
		if match, ok := d.tables.CheckIP(obs.TargetIP); ok && match.Score > 0 {
			score += match.Score
			details = append(details, fmt.Sprintf("known address: %s (+%d)", match.Name, match.Score))
		}
	}
	if len(obs.Services) > 0 {
		matches, comboScore := d.tables.CheckServices(obs.Services)
		score += comboScore
		for _, m := range matches {
			details = append(details, fmt.Sprintf("%s: %s (+%d)", m.Name, m.Reason, m.Score))
		}
	}

	reason := ""
	if len(details) > 0 {
		reason = details[0]
	}
	return Component{Score: score, Reason: reason, Details: details}
}

// meanStdev returns the mean and sample standard deviation.
func meanStdev(samples []float64) (float64, float64) {
	n := float64(len(samples))
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	mean := sum / n
	if len(samples) < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, s := range samples {
		d := s - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}
