package scanner

import (
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultConcurrency is the slot-limiter ceiling when the caller does
	// not pick one. MaxConcurrency is the documented safe upper bound.
	DefaultConcurrency = 500
	MaxConcurrency     = 5000

	defaultConnectTimeout = 2 * time.Second
	defaultBannerWait     = 2 * time.Second
)

// Params describes one scan invocation.
type Params struct {
	Target string
	Ports  []int

	// Concurrency caps simultaneously open connection attempts.
	Concurrency int

	// Deep switches banner grabbing from the single passive/active probe
	// to the staged prober.
	Deep bool

	ConnectTimeout time.Duration
	BannerWait     time.Duration

	// Deadline bounds the whole invocation. Zero means no deadline;
	// pending ports at the deadline are reported FILTERED.
	Deadline time.Duration

	// MaxPPS throttles connection attempts per second. Zero disables the
	// token bucket.
	MaxPPS int

	// AutoTune lets the worker pool grow and shrink below the ceiling
	// based on load. The ceiling itself is never exceeded.
	AutoTune bool
}

// WithDefaults fills zero values without touching what the caller set.
func (p Params) WithDefaults() Params {
	if p.Concurrency <= 0 {
		p.Concurrency = DefaultConcurrency
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = defaultConnectTimeout
	}
	if p.BannerWait <= 0 {
		p.BannerWait = defaultBannerWait
	}
	return p
}

// Validate rejects malformed input before any network activity.
func (p Params) Validate() error {
	if p.Target == "" {
		return ErrEmptyTarget
	}
	if len(p.Ports) == 0 {
		return ErrNoPorts
	}
	for _, port := range p.Ports {
		if port < 1 || port > 65535 {
			return errors.Wrapf(ErrPortRange, "port %d", port)
		}
	}
	if p.Concurrency < 1 || p.Concurrency > MaxConcurrency {
		return errors.Wrapf(ErrConcurrencyRange, "concurrency %d", p.Concurrency)
	}
	return nil
}
