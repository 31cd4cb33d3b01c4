package clock

import (
	"testing"
	"time"
)

func TestFakeFiresInDueOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var order []string
	c.AfterFunc(2*time.Minute, func() { order = append(order, "b") })
	c.AfterFunc(time.Minute, func() { order = append(order, "a") })
	c.AfterFunc(time.Hour, func() { order = append(order, "late") })

	c.Advance(5 * time.Minute)

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("fired %v, want [a b]", order)
	}
	if got := c.Now(); !got.Equal(start.Add(5 * time.Minute)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(5*time.Minute))
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}

func TestFakeStop(t *testing.T) {
	c := NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop() = false on armed timer")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}

	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFakeCallbackArmsTimerInsideWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var firedAt []time.Time
	c.AfterFunc(time.Minute, func() {
		firedAt = append(firedAt, c.Now())
		c.AfterFunc(30*time.Second, func() { firedAt = append(firedAt, c.Now()) })
	})

	c.Advance(2 * time.Minute)

	if len(firedAt) != 2 {
		t.Fatalf("fired %d timers, want 2", len(firedAt))
	}
	if !firedAt[1].Equal(start.Add(90 * time.Second)) {
		t.Errorf("chained timer fired at %v, want %v", firedAt[1], start.Add(90*time.Second))
	}
}
