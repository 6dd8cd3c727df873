package schedule

import (
	"testing"
	"time"
)

func TestTimerFires(t *testing.T) {
	fired := make(chan struct{})
	After(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never fired")
	}
}

func TestCancelPreventsCallback(t *testing.T) {
	fired := make(chan struct{}, 1)
	timer := After(30*time.Millisecond, func() { fired <- struct{}{} })

	if !timer.Cancel() {
		t.Fatalf("cancel before fire should report true")
	}
	select {
	case <-fired:
		t.Fatalf("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}

	// A second cancel is a no-op.
	if timer.Cancel() {
		t.Fatalf("second cancel should report false")
	}
}

func TestCancelAfterFire(t *testing.T) {
	fired := make(chan struct{})
	timer := After(5*time.Millisecond, func() { close(fired) })
	<-fired

	if timer.Cancel() {
		t.Fatalf("cancel after fire should report false")
	}
}

func TestDailyStop(t *testing.T) {
	daily := EveryMidnight(func() {})
	daily.Stop()
	// Stop is idempotent.
	daily.Stop()
}
