package ledgertest

import (
	"sync"
	"time"
)

// Clock is a ledger clock that moves forward by a fixed step on every
// read, so a count always runs strictly after the events recorded before it.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewClock starts a Clock at start. A step below one microsecond is raised
// to one microsecond, the ledger's stamp resolution.
func NewClock(start time.Time, step time.Duration) *Clock {
	if step < time.Microsecond {
		step = time.Microsecond
	}
	return &Clock{now: start, step: step}
}

// Now returns the current instant and advances the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
