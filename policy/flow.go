package policy

import (
	"context"
	"sync"
)

// FlowGate applies backpressure to flow-controlled records.
//
// Each class has a threshold of outstanding work. Acquire blocks while the
// class is at its threshold and proceeds once Release brings it below.
// The gate only ever delays a record; it never refuses one. A class with
// no threshold is counted but never blocks.
type FlowGate struct {
	mu          sync.Mutex
	thresholds  map[string]int
	outstanding map[string]int
	waits       int64
	closed      bool
	// changed is closed and replaced on every Release and on Close.
	changed chan struct{}
}

// FlowStats is a snapshot of gate counters.
type FlowStats struct {
	// Outstanding is the current count per class.
	Outstanding map[string]int
	// Waits is the number of Acquire calls that had to block.
	Waits int64
}

// NewFlowGate creates a gate with per-class thresholds.
func NewFlowGate(thresholds map[string]int) *FlowGate {
	t := make(map[string]int, len(thresholds))
	for class, n := range thresholds {
		if n > 0 {
			t[class] = n
		}
	}
	return &FlowGate{
		thresholds:  t,
		outstanding: make(map[string]int),
		changed:     make(chan struct{}),
	}
}

// Acquire admits one unit of class, waiting while the class is full.
// It reports whether it had to wait. After Close every Acquire is admitted
// at once. The only error is ctx.Err().
func (g *FlowGate) Acquire(ctx context.Context, class string) (bool, error) {
	waited := false
	for {
		g.mu.Lock()
		limit, limited := g.thresholds[class]
		if g.closed || !limited || g.outstanding[class] < limit {
			g.outstanding[class]++
			g.mu.Unlock()
			return waited, nil
		}
		if !waited {
			waited = true
			g.waits++
		}
		ch := g.changed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return waited, ctx.Err()
		case <-ch:
		}
	}
}

// Release returns one unit of class. Releasing an empty class is a no-op.
func (g *FlowGate) Release(class string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.outstanding[class] == 0 {
		return
	}
	g.outstanding[class]--
	g.broadcast()
}

// Close admits all current and future waiters.
func (g *FlowGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	g.closed = true
	g.broadcast()
}

// Stats returns a snapshot of gate counters.
func (g *FlowGate) Stats() FlowStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]int, len(g.outstanding))
	for class, n := range g.outstanding {
		out[class] = n
	}
	return FlowStats{Outstanding: out, Waits: g.waits}
}

func (g *FlowGate) broadcast() {
	close(g.changed)
	g.changed = make(chan struct{})
}
