package session

import (
	"context"
	"sync"
)

// FlowGate holds outbound requests while the detector reports holdoff. It
// is updated from every display frame and starts open.
type FlowGate struct {
	mu sync.Mutex
	// ready is closed while the gate is open.
	ready chan struct{}
}

// NewFlowGate returns an open gate.
func NewFlowGate() *FlowGate {
	g := &FlowGate{}
	g.Reset()
	return g
}

// Update closes the gate when holdoff is set and opens it otherwise.
func (g *FlowGate) Update(holdoff bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	open := isClosed(g.ready)
	switch {
	case holdoff && open:
		g.ready = make(chan struct{})
	case !holdoff && !open:
		close(g.ready)
	}
}

// Open reports whether a send would proceed immediately.
func (g *FlowGate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return isClosed(g.ready)
}

// Wait blocks until the gate is open. There is no timeout; only ctx ends
// the wait early.
func (g *FlowGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ready := g.ready
	g.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset opens the gate, releasing every waiter.
func (g *FlowGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready == nil {
		g.ready = make(chan struct{})
	}
	if !isClosed(g.ready) {
		close(g.ready)
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
