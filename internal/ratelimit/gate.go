package ratelimit

import (
	"context"
	"sync"
	"time"
)

// BackoffGate is the shared next-allowed-time every consumer of one
// endpoint waits behind. A 429 pushes the gate forward; Wait is a no-op
// once the moment has passed.
type BackoffGate struct {
	mu    sync.Mutex
	until time.Time
	now   func() time.Time
}

// NewBackoffGate returns an open gate.
func NewBackoffGate() *BackoffGate {
	return &BackoffGate{now: time.Now}
}

// Hold keeps the gate closed until t. An earlier time never shortens an
// already scheduled hold.
func (g *BackoffGate) Hold(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.until) {
		g.until = until
	}
}

// HoldFor keeps the gate closed for d from now.
func (g *BackoffGate) HoldFor(d time.Duration) {
	g.Hold(g.now().Add(d))
}

// Wait blocks until the gate opens or the context is done.
func (g *BackoffGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	wait := g.until.Sub(g.now())
	g.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
