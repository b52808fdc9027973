package clock

import (
	"testing"
	"time"
)

func TestFakeClock_AdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	early := c.After(time.Second)
	late := c.After(time.Minute)

	if c.PendingCount() != 2 {
		t.Fatalf("PendingCount = %d, want 2", c.PendingCount())
	}

	c.Advance(2 * time.Second)

	select {
	case got := <-early:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("early waiter did not fire")
	}

	select {
	case <-late:
		t.Fatal("late waiter fired too soon")
	default:
	}

	c.Set(start.Add(time.Hour))
	select {
	case <-late:
	default:
		t.Fatal("late waiter did not fire after Set")
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", c.PendingCount())
	}
}

func TestFakeClock_AfterNonPositive(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}
