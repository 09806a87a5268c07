// Package timeutil provides timer helpers shared by the transaction and
// user-agent layers.
package timeutil

import (
	"sync"
	"time"
)

// Timer wraps a [time.Timer] with an idempotent stop and a fired flag.
// It is safe for concurrent use.
type Timer struct {
	mu      sync.Mutex
	tmr     *time.Timer
	fired   bool
	stopped bool
}

// AfterFunc schedules f to run after d.
// The callback runs on its own goroutine, like [time.AfterFunc].
func AfterFunc(d time.Duration, f func()) *Timer {
	t := new(Timer)
	t.tmr = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return
		}
		t.fired = true
		t.mu.Unlock()
		f()
	})
	return t
}

// Stop cancels the timer. It reports whether the call prevented the
// callback from running. Stopping an already fired or stopped timer
// is a no-op.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	t.tmr.Stop()
	return true
}

// Fired reports whether the callback has run or is about to run.
func (t *Timer) Fired() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}
