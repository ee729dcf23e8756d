// Package clock abstracts the timers the pipeline runs on so that coalescing
// windows, periodic flushes and reconnect delays can be driven by virtual time
// in tests.
package clock

import "time"

// Clock is the scheduler used by every timer-driven component.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once after d has elapsed. The returned Timer cancels
	// the pending call.
	AfterFunc(d time.Duration, f func()) Timer
	// NewTicker delivers ticks on the returned Ticker every d. Panics if
	// d <= 0.
	NewTicker(d time.Duration) Ticker
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop cancels the call. It reports false if the call already ran or
	// was already stopped.
	Stop() bool
}

// Ticker delivers periodic ticks. A slow consumer misses ticks rather than
// queueing them.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}
