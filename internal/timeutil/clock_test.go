package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_NewTimer(t *testing.T) {
	clock := RealClock{}
	timer := clock.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Error("timer did not fire")
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Sleep(time.Millisecond)
	clock.Sleep(2 * time.Millisecond)

	if got := clock.Sleeps(); got != 2 {
		t.Errorf("Sleeps() = %d, want 2", got)
	}
	if got := clock.Since(start); got != 3*time.Millisecond {
		t.Errorf("Since(start) = %v, want 3ms", got)
	}
}

func TestMockTimer_FiresOnAdvance(t *testing.T) {
	clock := NewMockClock(time.Time{})
	timer := clock.NewTimer(50 * time.Millisecond)

	clock.Advance(49 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired before deadline")
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at deadline")
	}

	if timer.Stop() {
		t.Error("Stop() on fired timer should report inactive")
	}
}

func TestMockTimer_StopPreventsFire(t *testing.T) {
	clock := NewMockClock(time.Time{})
	timer := clock.NewTimer(time.Millisecond)

	if !timer.Stop() {
		t.Error("Stop() on active timer should report true")
	}
	clock.Advance(time.Second)

	select {
	case <-timer.C():
		t.Error("stopped timer fired")
	default:
	}
	if clock.Timers() != 0 {
		t.Errorf("Timers() = %d, want 0 after Stop", clock.Timers())
	}
}

func TestMockClock_ReleasesFinishedTimers(t *testing.T) {
	clock := NewMockClock(time.Time{})
	for i := 0; i < 100; i++ {
		clock.NewTimer(time.Hour).Stop()
	}
	if clock.Timers() != 0 {
		t.Errorf("Timers() = %d after stopping every timer, want 0", clock.Timers())
	}

	short := clock.NewTimer(time.Millisecond)
	clock.NewTimer(time.Hour)
	if clock.Timers() != 2 {
		t.Fatalf("Timers() = %d, want 2", clock.Timers())
	}
	clock.Advance(time.Second)
	if clock.Timers() != 1 {
		t.Errorf("Timers() = %d after one fired, want 1", clock.Timers())
	}
	select {
	case <-short.C():
	default:
		t.Error("fired timer did not deliver")
	}
}
