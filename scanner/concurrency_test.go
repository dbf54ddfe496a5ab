package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSlotLimiterCeiling(t *testing.T) {
	const ceiling = 3
	limiter := newSlotLimiter(ceiling)

	var active, peak int64
	var wg sync.WaitGroup
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !limiter.Acquire(ctx) {
				t.Error("acquire failed without cancellation")
				return
			}
			defer limiter.Release()

			now := atomic.AddInt64(&active, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if now <= old || atomic.CompareAndSwapInt64(&peak, old, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&active, -1)
		}()
	}
	wg.Wait()

	if p := atomic.LoadInt64(&peak); p > ceiling {
		t.Fatalf("peak concurrency %d exceeded ceiling %d", p, ceiling)
	}
}

func TestSlotLimiterTelemetry(t *testing.T) {
	limiter := newSlotLimiter(4)
	if got := limiter.Cap(); got != 4 {
		t.Fatalf("Cap() = %d, want 4", got)
	}
	if got := limiter.InUse(); got != 0 {
		t.Fatalf("InUse() = %d before any acquire, want 0", got)
	}

	ctx := context.Background()
	limiter.Acquire(ctx)
	limiter.Acquire(ctx)
	if got := limiter.InUse(); got != 2 {
		t.Fatalf("InUse() = %d with two holders, want 2", got)
	}
	limiter.Release()
	if got := limiter.InUse(); got != 1 {
		t.Fatalf("InUse() = %d after one release, want 1", got)
	}
}

func TestSlotLimiterCancellation(t *testing.T) {
	limiter := newSlotLimiter(1)
	if !limiter.Acquire(context.Background()) {
		t.Fatal("first acquire should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if limiter.Acquire(ctx) {
		t.Fatal("acquire should fail once the context ends")
	}

	limiter.Release()
	if !limiter.Acquire(context.Background()) {
		t.Fatal("acquire should succeed after release")
	}
}

func TestTokenBucket(t *testing.T) {
	if wait := (*TokenBucket)(nil).Wait(1); wait != 0 {
		t.Fatalf("nil bucket wait = %v, want 0", wait)
	}

	b := NewTokenBucket(100, 10)
	if wait := b.Wait(0); wait != 0 {
		t.Fatalf("zero-token wait = %v, want 0", wait)
	}

	// The bucket starts empty, so the first caller pays up front.
	if wait := b.Wait(1); wait <= 0 || wait > 20*time.Millisecond {
		t.Fatalf("first wait = %v, want (0, 10ms]", wait)
	}

	time.Sleep(60 * time.Millisecond)
	if wait := b.Wait(1); wait != 0 {
		t.Fatalf("wait after refill = %v, want 0", wait)
	}
}
