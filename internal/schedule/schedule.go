package schedule

import (
	"sync"
	"time"
)

// Timer is a single-shot cancellable timer. Cancel after fire is a no-op,
// and the callback never runs after a successful Cancel.
type Timer struct {
	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

func After(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.done {
			t.mu.Unlock()
			return
		}
		t.done = true
		t.mu.Unlock()
		fn()
	})
	return t
}

// Cancel stops the timer. Returns true if the callback was prevented from
// running, false if it already ran or was already cancelled.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.timer.Stop()
	return true
}

// Daily runs fn once at every local-time day boundary until stopped.
type Daily struct {
	stop chan struct{}
	once sync.Once
}

func EveryMidnight(fn func()) *Daily {
	d := &Daily{stop: make(chan struct{})}
	go d.run(fn)
	return d
}

func (d *Daily) run(fn func()) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			fn()
		case <-d.stop:
			timer.Stop()
			return
		}
	}
}

func (d *Daily) Stop() {
	d.once.Do(func() { close(d.stop) })
}
