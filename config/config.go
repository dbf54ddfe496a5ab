package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"spyglass/honeypot"
	"spyglass/scanner"
)

var iniOptions = ini.LoadOptions{
	SkipUnrecognizableLines:  true,
	SpaceBeforeInlineComment: true,
}

// Scan holds the per-invocation engine defaults.
type Scan struct {
	Ports          string        `ini:"ports" comment:"default port spec, e.g. 1-1024 or 22,80,443"`
	Concurrency    int           `ini:"concurrency" comment:"simultaneous connection ceiling, max 5000"`
	Deep           bool          `ini:"deep" comment:"staged protocol probing"`
	ConnectTimeout time.Duration `ini:"connect_timeout"`
	BannerWait     time.Duration `ini:"banner_wait"`
	Deadline       time.Duration `ini:"deadline" comment:"whole-scan bound, 0 disables"`
	MaxPPS         int           `ini:"max_pps" comment:"connection attempts per second, 0 disables"`
	AutoTune       bool          `ini:"auto_tune" comment:"let the worker pool resize below the ceiling"`
}

// Probe holds the staged prober's timing windows.
type Probe struct {
	PassiveWait    time.Duration `ini:"passive_wait"`
	ResponseWait   time.Duration `ini:"response_wait"`
	ConfidenceStop int           `ini:"confidence_stop" comment:"stop probing at this identification confidence"`
}

// Scoring exposes the detector constants. These are documented defaults,
// not invariants, so operators may rebalance them.
type Scoring struct {
	ConflictPoints  int     `ini:"conflict_points"`
	ConsistencyMax  int     `ini:"consistency_max"`
	FastThresholdMS float64 `ini:"fast_threshold_ms" comment:"latency below this is implausibly fast"`
	FastRatio       float64 `ini:"fast_ratio"`
	JitterCV        float64 `ini:"jitter_cv"`
	TimingPoints    int     `ini:"timing_points"`
	TimingMax       int     `ini:"timing_max"`
}

// Output controls CLI rendering and logging.
type Output struct {
	LogLevel   string `ini:"log_level"`
	JSONLog    bool   `ini:"json_log"`
	NoColor    bool   `ini:"no_color"`
	ReportFile string `ini:"report_file" comment:"write the JSON report here when set"`
}

type Config struct {
	Scan    Scan    `ini:"scan"`
	Probe   Probe   `ini:"probe"`
	Scoring Scoring `ini:"scoring"`
	Output  Output  `ini:"output"`
}

func Default() *Config {
	w := honeypot.DefaultWeights()
	pt := scanner.DefaultProbeTunables()
	return &Config{
		Scan: Scan{
			Ports:          "1-1024",
			Concurrency:    scanner.DefaultConcurrency,
			ConnectTimeout: 2 * time.Second,
			BannerWait:     2 * time.Second,
		},
		Probe: Probe{
			PassiveWait:    pt.PassiveWait,
			ResponseWait:   pt.ResponseWait,
			ConfidenceStop: pt.ConfidenceStop,
		},
		Scoring: Scoring{
			ConflictPoints:  w.ConflictPoints,
			ConsistencyMax:  w.ConsistencyMax,
			FastThresholdMS: w.FastThresholdMS,
			FastRatio:       w.FastRatio,
			JitterCV:        w.JitterCV,
			TimingPoints:    w.TimingPoints,
			TimingMax:       w.TimingMax,
		},
		Output: Output{
			LogLevel: "info",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error: the
// defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	src, err := ini.LoadSources(iniOptions, path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %s", path)
	}
	if err := src.MapTo(cfg); err != nil {
		return nil, errors.Wrapf(err, "map config %s", path)
	}
	return cfg, nil
}

// Save writes the config, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config dir")
	}
	file := ini.Empty()
	if err := ini.ReflectFrom(file, c); err != nil {
		return errors.Wrap(err, "reflect config")
	}
	return errors.Wrapf(file.SaveTo(path), "save config %s", path)
}

// Params builds engine parameters for one target from the configured
// defaults.
func (c *Config) Params(target string, ports []int) scanner.Params {
	return scanner.Params{
		Target:         target,
		Ports:          ports,
		Concurrency:    c.Scan.Concurrency,
		Deep:           c.Scan.Deep,
		ConnectTimeout: c.Scan.ConnectTimeout,
		BannerWait:     c.Scan.BannerWait,
		Deadline:       c.Scan.Deadline,
		MaxPPS:         c.Scan.MaxPPS,
		AutoTune:       c.Scan.AutoTune,
	}.WithDefaults()
}

func (c *Config) ProbeTunables() scanner.ProbeTunables {
	return scanner.ProbeTunables{
		PassiveWait:    c.Probe.PassiveWait,
		ResponseWait:   c.Probe.ResponseWait,
		ConfidenceStop: c.Probe.ConfidenceStop,
	}
}

func (c *Config) Weights() honeypot.Weights {
	w := honeypot.DefaultWeights()
	if c.Scoring.ConflictPoints > 0 {
		w.ConflictPoints = c.Scoring.ConflictPoints
	}
	if c.Scoring.ConsistencyMax > 0 {
		w.ConsistencyMax = c.Scoring.ConsistencyMax
	}
	if c.Scoring.FastThresholdMS > 0 {
		w.FastThresholdMS = c.Scoring.FastThresholdMS
	}
	if c.Scoring.FastRatio > 0 {
		w.FastRatio = c.Scoring.FastRatio
	}
	if c.Scoring.JitterCV > 0 {
		w.JitterCV = c.Scoring.JitterCV
	}
	if c.Scoring.TimingPoints > 0 {
		w.TimingPoints = c.Scoring.TimingPoints
	}
	if c.Scoring.TimingMax > 0 {
		w.TimingMax = c.Scoring.TimingMax
	}
	return w
}
