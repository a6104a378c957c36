package board

import (
	"sync"
	"time"
)

// dropTimer is the one-shot timer pacing the drop queue. Firing only records
// an edge and pings the descriptor channel; the refresh cycle reads the edge
// with Rearm and drains the queue itself, so all board mutation stays on the
// refresh thread.
type dropTimer struct {
	mu    sync.Mutex
	t     *time.Timer
	fired bool
	desc  chan struct{}
}

func newDropTimer() *dropTimer {
	return &dropTimer{desc: make(chan struct{}, 1)}
}

// Set arms the timer for d from now, replacing any pending deadline. A
// negative d disarms, zero fires immediately.
func (t *dropTimer) Set(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	if d < 0 {
		return
	}
	if d == 0 {
		t.fireLocked()
		return
	}
	t.t = time.AfterFunc(d, t.fire)
}

func (t *dropTimer) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fireLocked()
}

func (t *dropTimer) fireLocked() {
	t.fired = true
	select {
	case t.desc <- struct{}{}:
	default:
	}
}

// Rearm reads and clears the fired edge.
func (t *dropTimer) Rearm() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	fired := t.fired
	t.fired = false
	return fired
}

func (t *dropTimer) Descriptor() <-chan struct{} { return t.desc }

func (t *dropTimer) Stop() { t.Set(-1) }

// adjustTimeout computes how much of timeout remains counted from start.
// Negative timeouts mean "infinite" and come back as -1.
func adjustTimeout(timeout time.Duration, start time.Time) time.Duration {
	if timeout < 0 {
		return -1
	}
	left := timeout - time.Since(start)
	if left < 0 {
		return 0
	}
	return left
}
