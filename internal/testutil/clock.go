// Package testutil provides shared test helpers.
package testutil

import (
	"sync"
	"time"
)

// WallClock is a settable, thread-safe wall clock for tests. Inject its
// Now method wherever production code takes a clock to make run dates
// and timestamps deterministic.
type WallClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewWallClock creates a clock frozen at the given instant.
func NewWallClock(at time.Time) *WallClock {
	return &WallClock{now: at}
}

// Now returns the current frozen instant.
func (c *WallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new instant.
func (c *WallClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set jumps the clock to the given instant.
func (c *WallClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}
