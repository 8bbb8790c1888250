package domain

import (
	"sync"
	"time"
)

// ArrivalClock hands out strictly increasing timestamps so that two orders
// never share a CreatedAt even when the wall clock does not advance
// between them. Timestamps have microsecond resolution, the finest a
// Postgres timestamptz keeps, so the order survives a reload.
// ArrivalResolution is the spacing between timestamps that would otherwise
// collide.
const ArrivalResolution = time.Microsecond

type ArrivalClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewArrivalClock creates a clock reading from now. A nil now uses
// time.Now.
func NewArrivalClock(now func() time.Time) *ArrivalClock {
	if now == nil {
		now = time.Now
	}
	return &ArrivalClock{now: now}
}

// Next returns a timestamp strictly after every previously returned one.
func (c *ArrivalClock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().Truncate(ArrivalResolution)
	if !t.After(c.last) {
		t = c.last.Truncate(ArrivalResolution).Add(ArrivalResolution)
	}
	c.last = t
	return t
}

// Observe moves the clock past t. Used when restoring orders created by a
// previous process.
func (c *ArrivalClock) Observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t
	}
}
