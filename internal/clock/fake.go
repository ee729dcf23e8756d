package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time only moves when Advance is called.
// AfterFunc callbacks run synchronously inside Advance, in deadline order, on
// the goroutine that called Advance. Callbacks may schedule further timers;
// those fire within the same Advance when their deadline is reached.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	seq      uint64
	callback func()
	channel  chan time.Time
	interval time.Duration
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return fakeTimer{clock: c, waiter: &fakeWaiter{fired: true}}
	}
	waiter := c.addLocked(d, f, nil, 0)
	c.mu.Unlock()
	return fakeTimer{clock: c, waiter: waiter}
}

func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	waiter := c.addLocked(d, nil, channel, d)
	return &fakeTicker{clock: c, waiter: waiter}
}

func (c *FakeClock) addLocked(d time.Duration, f func(), channel chan time.Time, interval time.Duration) *fakeWaiter {
	c.seq++
	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		seq:      c.seq,
		callback: f,
		channel:  channel,
		interval: interval,
	}
	c.waiters = append(c.waiters, waiter)
	return waiter
}

// Advance moves the clock forward by d, firing every timer and ticker whose
// deadline falls inside the window. While a waiter fires, Now reports its
// deadline.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		waiter, firedAt, ok := c.nextExpired(target)
		if !ok {
			break
		}
		if waiter.callback != nil {
			waiter.callback()
			continue
		}
		select {
		case waiter.channel <- firedAt:
		default:
		}
	}

	c.mu.Lock()
	if target.After(c.current) {
		c.current = target
	}
	c.mu.Unlock()
}

// nextExpired pops the earliest waiter due at or before target and moves the
// clock to its deadline. Tickers are rescheduled in place.
func (c *FakeClock) nextExpired(target time.Time) (*fakeWaiter, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.waiters[:0]
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			live = append(live, waiter)
		}
	}
	c.waiters = live
	if len(c.waiters) == 0 {
		return nil, time.Time{}, false
	}
	sort.SliceStable(c.waiters, func(i, j int) bool {
		if c.waiters[i].deadline.Equal(c.waiters[j].deadline) {
			return c.waiters[i].seq < c.waiters[j].seq
		}
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	next := c.waiters[0]
	if next.deadline.After(target) {
		return nil, time.Time{}, false
	}
	firedAt := next.deadline
	if next.deadline.After(c.current) {
		c.current = next.deadline
	}
	if next.interval > 0 {
		next.deadline = next.deadline.Add(next.interval)
	} else {
		next.fired = true
	}
	return next, firedAt, true
}

// Pending reports how many timers and tickers are still scheduled.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			count++
		}
	}
	return count
}

type fakeTimer struct {
	clock  *FakeClock
	waiter *fakeWaiter
}

func (t fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.waiter.stopped || t.waiter.fired {
		return false
	}
	t.waiter.stopped = true
	return true
}

type fakeTicker struct {
	clock  *FakeClock
	waiter *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.waiter.channel
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.waiter.stopped = true
}
