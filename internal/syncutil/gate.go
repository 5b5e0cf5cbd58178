// Package syncutil holds concurrency primitives shared by the dependency clients.
package syncutil

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrSaturated is returned when a Gate's waiter queue is full.
var ErrSaturated = errors.New("syncutil: gate saturated")

// Gate is a context-aware counting semaphore with a hard cap on in-flight
// holders and a hard cap on queued waiters. Callers beyond both caps are
// rejected immediately instead of queueing without bound.
type Gate struct {
	slots    chan struct{}
	maxQueue int64
	waiting  atomic.Int64
}

// NewGate creates a gate admitting maxInFlight concurrent holders and up
// to maxQueue blocked waiters. maxInFlight < 1 is treated as 1.
func NewGate(maxInFlight, maxQueue int) *Gate {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &Gate{
		slots:    make(chan struct{}, maxInFlight),
		maxQueue: int64(maxQueue),
	}
}

// Acquire takes a slot, waiting until ctx is done if none is free.
// On success the caller must call the returned release exactly once.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case g.slots <- struct{}{}:
		return g.releaser(), nil
	default:
	}

	if g.waiting.Add(1) > g.maxQueue {
		g.waiting.Add(-1)
		return nil, ErrSaturated
	}
	defer g.waiting.Add(-1)

	select {
	case g.slots <- struct{}{}:
		return g.releaser(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gate) releaser() func() {
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			<-g.slots
		}
	}
}

// InFlight returns the number of held slots.
func (g *Gate) InFlight() int { return len(g.slots) }

// Waiting returns the number of callers blocked in Acquire.
func (g *Gate) Waiting() int { return int(g.waiting.Load()) }

// Capacity returns the in-flight cap.
func (g *Gate) Capacity() int { return cap(g.slots) }
