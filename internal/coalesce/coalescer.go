// Package coalesce collapses bursts of calls that share an identity into the
// last call of the burst.
package coalesce

import (
	"sync"
	"time"

	"blocklog/internal/clock"
)

// Coalescer delays work keyed by an opaque identity. A call whose key is
// already pending cancels the earlier call and restarts the window, so only
// the last call of a burst runs, once the key has been quiet for the window.
type Coalescer struct {
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]*entry

	superseded uint64
}

type entry struct {
	timer clock.Timer
}

// New returns a Coalescer scheduling on c. A nil clock uses real time.
func New(c clock.Clock) *Coalescer {
	if c == nil {
		c = clock.Real()
	}
	return &Coalescer{clock: c, pending: make(map[string]*entry)}
}

// Call schedules action to run after window. It is fire-and-forget; there is
// no completion signal.
func (c *Coalescer) Call(key string, window time.Duration, action func()) {
	if action == nil {
		return
	}
	current := &entry{}

	c.mu.Lock()
	if previous, ok := c.pending[key]; ok {
		if previous.timer != nil {
			previous.timer.Stop()
		}
		c.superseded++
	}
	c.pending[key] = current
	// Registered before scheduling: a zero window fires synchronously.
	c.mu.Unlock()

	timer := c.clock.AfterFunc(window, func() {
		c.mu.Lock()
		if c.pending[key] != current {
			// Superseded after the timer had already fired.
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		action()
		// The key stays pending until the action has returned.
		c.mu.Lock()
		if c.pending[key] == current {
			delete(c.pending, key)
		}
		c.mu.Unlock()
	})

	c.mu.Lock()
	current.timer = timer
	c.mu.Unlock()
}

// Pending reports how many keys are waiting for their window to elapse or
// whose action is still running.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Superseded reports how many calls were cancelled by a newer call with the
// same key.
func (c *Coalescer) Superseded() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.superseded
}

// Stop cancels every pending call without running it.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, pending := range c.pending {
		if pending.timer != nil {
			pending.timer.Stop()
		}
		delete(c.pending, key)
	}
}
