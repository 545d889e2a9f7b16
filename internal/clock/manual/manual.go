// Package manual provides a settable clock for deterministic tests and replays.
package manual

import (
	"sync"
	"time"
)

// Clock returns a fixed instant until moved.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// New creates a Clock fixed at start.
func New(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fixed instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
