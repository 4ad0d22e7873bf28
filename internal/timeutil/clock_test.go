package timeutil

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func TestRealClock(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	if now.Before(before) {
		t.Errorf("Now() = %v, before %v", now, before)
	}
	if d := clock.Since(time.Now().Add(-time.Second)); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}

	select {
	case <-clock.After(5 * time.Millisecond):
	case <-time.After(time.Second):
		t.Error("After did not fire")
	}
}

func TestMockClock_AdvanceAndSince(t *testing.T) {
	clock := NewMockClock(epoch)
	if !clock.Now().Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", clock.Now(), epoch)
	}
	clock.Advance(90 * time.Second)
	if got := clock.Since(epoch); got != 90*time.Second {
		t.Errorf("Since() = %v, want 90s", got)
	}
}

func TestMockClock_Sleep(t *testing.T) {
	clock := NewMockClock(epoch)
	clock.Sleep(100 * time.Millisecond)
	clock.Sleep(200 * time.Millisecond)

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 100*time.Millisecond || sleeps[1] != 200*time.Millisecond {
		t.Errorf("Sleeps() = %v", sleeps)
	}
	if got := clock.Since(epoch); got != 300*time.Millisecond {
		t.Errorf("sleeping should advance the clock, got %v", got)
	}
}

func TestMockClock_After(t *testing.T) {
	clock := NewMockClock(epoch)
	short := clock.After(time.Second)
	long := clock.After(time.Minute)
	if n := clock.Waiters(); n != 2 {
		t.Fatalf("Waiters() = %d, want 2", n)
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case <-short:
		t.Fatal("fired early")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case got := <-short:
		if !got.Equal(epoch.Add(time.Second)) {
			t.Errorf("fired with %v", got)
		}
	default:
		t.Fatal("did not fire at deadline")
	}
	if n := clock.Waiters(); n != 1 {
		t.Errorf("Waiters() = %d, want 1", n)
	}

	clock.Advance(time.Hour)
	select {
	case <-long:
	default:
		t.Fatal("long waiter did not fire")
	}

	select {
	case <-clock.After(0):
	default:
		t.Error("After(0) should fire immediately")
	}
}
