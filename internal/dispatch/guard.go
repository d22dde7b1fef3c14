package dispatch

import (
	"context"
	"sync"
	"time"
)

// Guard admits at most one run. Acquire never blocks; a caller that loses
// skips its run instead of queueing behind the winner.
type Guard struct {
	mu sync.Mutex
}

// TryAcquire takes the guard if it is free.
func (g *Guard) TryAcquire() bool { return g.mu.TryLock() }

func (g *Guard) Release() { g.mu.Unlock() }

// Busy reports whether a run holds the guard.
func (g *Guard) Busy() bool {
	if g.mu.TryLock() {
		g.mu.Unlock()
		return false
	}
	return true
}

// WaitIdle blocks until no run holds the guard or ctx ends. The guard is
// left free on return.
func (g *Guard) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		if !g.Busy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
