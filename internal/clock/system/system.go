// Package system provides the wall clock that stamps snapshot changes.
package system

import (
	"sync"
	"time"
)

// Clock returns UTC wall time that strictly increases across calls, so
// changes stay ordered by timestamp even if the host clock steps backwards.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	wall func() time.Time
}

// New creates a Clock backed by time.Now.
func New() *Clock {
	return &Clock{wall: time.Now}
}

// Now returns the current UTC time, at least one nanosecond after the
// previous result.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.wall().UTC().Round(0)
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}
