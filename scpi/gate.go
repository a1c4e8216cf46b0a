package scpi

import (
	"context"
	"sync"

	"github.com/arloliu/go-scpi/internal/queue"
)

// gateWaiter is one caller parked on the admission gate.
type gateWaiter struct {
	ready     chan struct{}
	abandoned bool
}

// gate is the single-holder admission gate that serializes command/response
// exchanges on one transport. Waiters are granted in arrival order; a waiter
// whose context ends is marked abandoned and skipped at grant time.
type gate struct {
	mu      sync.Mutex
	held    bool
	waiters *queue.FIFO[*gateWaiter]
}

func newGate() *gate {
	return &gate{waiters: queue.NewFIFO[*gateWaiter](4)}
}

// acquire blocks until the caller holds the gate or ctx ends.
func (g *gate) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	if !g.held {
		g.held = true
		g.mu.Unlock()
		return nil
	}
	w := &gateWaiter{ready: make(chan struct{})}
	g.waiters.Push(w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-w.ready:
		// Granted in the race with cancellation; pass the slot on.
		g.releaseLocked()
	default:
		w.abandoned = true
	}

	return ctx.Err()
}

// release hands the gate to the next live waiter, or opens it.
func (g *gate) release() {
	g.mu.Lock()
	g.releaseLocked()
	g.mu.Unlock()
}

func (g *gate) releaseLocked() {
	for {
		w, ok := g.waiters.Pop()
		if !ok {
			g.held = false
			return
		}
		if w.abandoned {
			continue
		}
		close(w.ready)
		return
	}
}
