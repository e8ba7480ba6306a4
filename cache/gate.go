package cache

import (
	"sync/atomic"
	"time"
)

// gate admits one holder at a time. It is a one-slot semaphore that callers
// may try, then wait on for a bounded time.
type gate struct {
	sem      chan struct{}
	rejected atomic.Int64
}

func newGate() *gate {
	return &gate{sem: make(chan struct{}, 1)}
}

// acquire takes the gate, waiting at most wait. Returns false if the gate
// stayed taken.
func (g *gate) acquire(wait time.Duration) bool {
	// Fast path: try non-blocking acquire
	select {
	case g.sem <- struct{}{}:
		return true
	default:
	}

	if wait <= 0 {
		g.rejected.Add(1)
		return false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case g.sem <- struct{}{}:
		return true
	case <-timer.C:
		g.rejected.Add(1)
		return false
	}
}

func (g *gate) release() {
	select {
	case <-g.sem:
	default:
		// Released without being held; nothing to do.
	}
}
