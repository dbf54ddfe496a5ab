package scanner

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"spyglass/utils"
)

// slotLimiter bounds simultaneously open connection attempts. Acquire
// blocks until a slot frees up or the context ends; it never fails
// otherwise. No more than cap(slots) holders exist at any instant.
type slotLimiter struct {
	slots chan struct{}
}

func newSlotLimiter(n int) *slotLimiter {
	if n < 1 {
		n = 1
	}
	return &slotLimiter{slots: make(chan struct{}, n)}
}

func (l *slotLimiter) Acquire(ctx context.Context) bool {
	select {
	case l.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *slotLimiter) Release() {
	select {
	case <-l.slots:
	default:
	}
}

func (l *slotLimiter) InUse() int {
	return len(l.slots)
}

func (l *slotLimiter) Cap() int {
	return cap(l.slots)
}

// TokenBucket throttles connection attempts per second. Wait returns how
// long the caller should sleep before proceeding; it never blocks itself.
type TokenBucket struct {
	rate float64
	cap  float64

	mu   sync.Mutex
	tok  float64
	last time.Time
}

func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	if rate <= 0 {
		return nil
	}
	if capacity <= 0 {
		capacity = int(rate)
		if capacity <= 0 {
			capacity = 1
		}
	}
	return &TokenBucket{rate: rate, cap: float64(capacity), last: time.Now()}
}

func (b *TokenBucket) Wait(n int) time.Duration {
	if b == nil || n <= 0 {
		return 0
	}
	need := float64(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tok = math.Min(b.cap, b.tok+b.rate*elapsed)
		b.last = now
	}
	if b.tok >= need {
		b.tok -= need
		return 0
	}
	deficit := need - b.tok
	b.tok = 0
	// keep last pegged to the observation time so the next caller
	// accumulates freshly generated tokens from real elapsed time.
	b.last = now
	return time.Duration(deficit / b.rate * float64(time.Second))
}

// executionStats gathers rolling counters for the auto tuner.
type executionStats struct {
	open        atomic.Uint64
	closed      atomic.Uint64
	filtered    atomic.Uint64
	durationsNS atomic.Uint64
	inflight    atomic.Int64
	backlog     atomic.Int64
}

func (s *executionStats) recordStart() {
	s.inflight.Add(1)
}

func (s *executionStats) recordFinish(state PortState, duration time.Duration) {
	switch state {
	case StateOpen:
		s.open.Add(1)
	case StateClosed:
		s.closed.Add(1)
	default:
		s.filtered.Add(1)
	}
	if ns := duration.Nanoseconds(); ns > 0 {
		s.durationsNS.Add(uint64(ns))
	}
	s.inflight.Add(-1)
}

type statsSnapshot struct {
	open        uint64
	closed      uint64
	filtered    uint64
	durationsNS uint64
	backlog     int64

	deltaOps   uint64
	deltaFilt  uint64
	deltaDurNS uint64
}

func (s *executionStats) snapshot(prev statsSnapshot) statsSnapshot {
	snap := statsSnapshot{
		open:        s.open.Load(),
		closed:      s.closed.Load(),
		filtered:    s.filtered.Load(),
		durationsNS: s.durationsNS.Load(),
		backlog:     s.backlog.Load(),
	}
	snap.deltaOps = (snap.open + snap.closed + snap.filtered) - (prev.open + prev.closed + prev.filtered)
	snap.deltaFilt = snap.filtered - prev.filtered
	snap.deltaDurNS = snap.durationsNS - prev.durationsNS
	return snap
}

// autoTuner grows and shrinks the worker pool between minWorkers and the
// configured ceiling based on filtered-port rate, average latency and CPU
// load. It never raises the pool above the ceiling, so the slot limiter's
// guarantee is untouched either way.
type autoTuner struct {
	pool    *ants.PoolWithFunc
	stats   *executionStats
	limiter *slotLimiter
	min     int
	ceiling int
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	last   statsSnapshot
}

func newAutoTuner(ctx context.Context, pool *ants.PoolWithFunc, stats *executionStats, limiter *slotLimiter, ceiling int, log *logrus.Entry) *autoTuner {
	cctx, cancel := context.WithCancel(ctx)
	t := &autoTuner{
		pool:    pool,
		stats:   stats,
		limiter: limiter,
		min:     8,
		ceiling: ceiling,
		log:     log,
		ctx:     cctx,
		cancel:  cancel,
	}
	if t.min > ceiling {
		t.min = ceiling
	}
	go t.loop()
	return t
}

func (t *autoTuner) Close() {
	t.cancel()
}

func (t *autoTuner) loop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	current := t.pool.Cap()
	t.last = t.stats.snapshot(statsSnapshot{})

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			snap := t.stats.snapshot(t.last)
			t.last = snap

			filtRate := 0.0
			avgRTT := 0.0
			if snap.deltaOps > 0 {
				filtRate = float64(snap.deltaFilt) / float64(snap.deltaOps)
				avgRTT = float64(snap.deltaDurNS) / float64(snap.deltaOps) / float64(time.Millisecond)
			}

			desired := current
			switch {
			case t.sampleCPU() > 85 || filtRate > 0.5:
				desired = int(float64(current) * 0.7)
			case snap.backlog > int64(current):
				desired = current + 64
			case avgRTT < 50 && snap.backlog > 0:
				desired = current + 32
			}

			if desired < t.min {
				desired = t.min
			}
			if desired > t.ceiling {
				desired = t.ceiling
			}
			if desired != current {
				t.pool.Tune(desired)
				t.log.WithFields(logrus.Fields{
					"pool":     current,
					"target":   desired,
					"inUse":    t.limiter.InUse(),
					"slots":    t.limiter.Cap(),
					"backlog":  snap.backlog,
					"filtRate": filtRate,
				}).Debug("worker pool retuned")
				current = desired
			}
		}
	}
}

func (t *autoTuner) sampleCPU() float64 {
	stats, err := utils.GetSystemStats()
	if err != nil {
		return 0
	}
	return stats.ProcessCPUPercent
}
