package scanner

import (
	"context"
	"time"
)

// Progress is a periodic snapshot of a running scan.
type Progress struct {
	Planned   int       `json:"planned"`
	Started   int       `json:"started"`
	Open      int       `json:"open"`
	Closed    int       `json:"closed"`
	Filtered  int       `json:"filtered"`
	Active    int       `json:"active"`
	Timestamp time.Time `json:"timestamp"`
}

func (p Progress) Done() int {
	return p.Open + p.Closed + p.Filtered
}

type progressEvent struct {
	kind  string
	count int
}

// progressReporter serializes counter updates onto one goroutine and
// flushes coalesced snapshots to the consumer every 200ms, so workers
// never block on a slow consumer.
type progressReporter struct {
	planned int
	ch      chan progressEvent
	out     chan<- Progress
	ctx     context.Context
	done    chan struct{}
}

func newProgressReporter(ctx context.Context, out chan<- Progress, planned int) *progressReporter {
	r := &progressReporter{
		planned: planned,
		ch:      make(chan progressEvent, 128),
		out:     out,
		ctx:     ctx,
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *progressReporter) loop() {
	defer close(r.done)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var snap Progress
	snap.Planned = r.planned
	pending := false

	flush := func() {
		if !pending {
			return
		}
		snap.Timestamp = time.Now()
		snap.Active = snap.Started - snap.Done()
		if snap.Active < 0 {
			snap.Active = 0
		}
		select {
		case r.out <- snap:
			pending = false
		case <-r.ctx.Done():
			pending = false
		default:
			// Consumer not ready; retry on the next tick.
		}
	}

	for {
		select {
		case <-r.ctx.Done():
			flush()
			return
		case ev, ok := <-r.ch:
			if !ok {
				flush()
				return
			}
			switch ev.kind {
			case "started":
				snap.Started += ev.count
			case "open":
				snap.Open += ev.count
			case "closed":
				snap.Closed += ev.count
			case "filtered":
				snap.Filtered += ev.count
			}
			pending = true
		case <-ticker.C:
			flush()
		}
	}
}

func (r *progressReporter) Started(n int) {
	r.send(progressEvent{kind: "started", count: n})
}

func (r *progressReporter) Finished(state PortState) {
	switch state {
	case StateOpen:
		r.send(progressEvent{kind: "open", count: 1})
	case StateClosed:
		r.send(progressEvent{kind: "closed", count: 1})
	default:
		r.send(progressEvent{kind: "filtered", count: 1})
	}
}

func (r *progressReporter) send(ev progressEvent) {
	select {
	case r.ch <- ev:
	case <-r.ctx.Done():
	}
}

func (r *progressReporter) Close() {
	close(r.ch)
	<-r.done
}
