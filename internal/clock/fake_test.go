package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresAtDeadline(t *testing.T) {
	c := Fake(epoch)
	var firedAt time.Time
	c.AfterFunc(400*time.Millisecond, func() { firedAt = c.Now() })

	c.Advance(399 * time.Millisecond)
	if !firedAt.IsZero() {
		t.Fatalf("timer fired early at %v", firedAt)
	}
	c.Advance(time.Millisecond)
	if want := epoch.Add(400 * time.Millisecond); !firedAt.Equal(want) {
		t.Fatalf("expected timer to observe %v, got %v", want, firedAt)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.Pending())
	}
}

func TestFakeStopCancelsTimer(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("expected first Stop to report an active timer")
	}
	if timer.Stop() {
		t.Fatalf("expected second Stop to report false")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}
}

func TestFakeFiresInDeadlineOrderIncludingNestedTimers(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(300*time.Millisecond, func() { order = append(order, "late") })
	c.AfterFunc(100*time.Millisecond, func() {
		order = append(order, "early")
		c.AfterFunc(100*time.Millisecond, func() { order = append(order, "nested") })
	})

	c.Advance(time.Second)

	want := []string{"early", "nested", "late"}
	if len(order) != len(want) {
		t.Fatalf("unexpected firing order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected firing order %v", order)
		}
	}
}

func TestFakeTickerDropsTicksWhenFull(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(3 * time.Second)

	select {
	case tick := <-ticker.C():
		if !tick.Equal(epoch.Add(time.Second)) {
			t.Fatalf("expected first tick at 1s, got %v", tick)
		}
	default:
		t.Fatalf("expected a buffered tick")
	}
	select {
	case tick := <-ticker.C():
		t.Fatalf("expected surplus ticks to be dropped, got %v", tick)
	default:
	}
}
