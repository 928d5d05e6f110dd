package core

import (
	"context"
	"sync"
)

// ReadyGate is a one-shot signal. Once set it stays set; extra Set calls are no-ops.
type ReadyGate struct {
	once sync.Once
	ch   chan struct{}
}

// NewReadyGate creates an unset gate.
func NewReadyGate() *ReadyGate {
	return &ReadyGate{ch: make(chan struct{})}
}

// Set opens the gate. It reports whether this call was the one that opened it.
func (g *ReadyGate) Set() bool {
	opened := false
	g.once.Do(func() {
		close(g.ch)
		opened = true
	})
	return opened
}

// IsSet reports whether the gate has been opened.
func (g *ReadyGate) IsSet() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate is set or ctx is done.
func (g *ReadyGate) Wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
