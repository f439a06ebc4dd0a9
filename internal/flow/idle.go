package flow

import (
	"sync"
	"time"
)

// IdleTimer is a single-shot timer re-armed by Reset. A fire from a timer
// that was superseded by a later Reset or Stop is discarded.
type IdleTimer struct {
	delay  time.Duration
	onFire func()

	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	stopped    bool
	fired      uint64
}

// NewIdleTimer creates a stopped timer; call Reset to arm it
func NewIdleTimer(delay time.Duration, onFire func()) *IdleTimer {
	return &IdleTimer{
		delay:   delay,
		onFire:  onFire,
		stopped: true,
	}
}

// Reset (re)arms the timer for a full delay from now
func (t *IdleTimer) Reset() {
	if t.delay <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.generation++
	t.stopped = false

	gen := t.generation
	t.timer = time.AfterFunc(t.delay, func() { t.fire(gen) })
}

// Stop cancels the timer. A stopped timer can be re-armed with Reset.
func (t *IdleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
	t.stopped = true
}

// Active reports whether the timer is armed
func (t *IdleTimer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// Fired returns how many times the callback ran
func (t *IdleTimer) Fired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

func (t *IdleTimer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.generation || t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.timer = nil
	t.fired++
	t.mu.Unlock()

	// Called without the lock so the callback may Reset or Stop
	t.onFire()
}
