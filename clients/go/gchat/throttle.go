package gchat

import "time"

// Throttle enforces a minimum interval after each successful send.
//
// States: idle, and cooldown until a deadline. Engage moves to cooldown;
// the deadline passing returns to idle. Check during cooldown changes nothing.
// A Throttle is owned by a Session and is not safe for concurrent use.
type Throttle struct {
	window time.Duration
	now    func() time.Time
	onIdle func()

	until time.Time
	timer *time.Timer
}

// NewThrottle creates a throttle. now defaults to time.Now; onIdle, if set,
// runs on its own goroutine when a cooldown elapses.
func NewThrottle(window time.Duration, now func() time.Time, onIdle func()) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{window: window, now: now, onIdle: onIdle}
}

// Check returns a *ThrottledError while a cooldown is active.
func (t *Throttle) Check() error {
	if remaining := t.Remaining(); remaining > 0 {
		return &ThrottledError{Remaining: remaining}
	}
	return nil
}

// Remaining returns the time left on the current cooldown.
func (t *Throttle) Remaining() time.Duration {
	if t.until.IsZero() {
		return 0
	}
	remaining := t.until.Sub(t.now())
	if remaining <= 0 {
		t.until = time.Time{}
		return 0
	}
	return remaining
}

// Engage starts a cooldown window.
func (t *Throttle) Engage() {
	if t.window <= 0 {
		return
	}
	t.until = t.now().Add(t.window)

	if t.onIdle == nil {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.window, t.onIdle)
}

// Stop cancels the pending cooldown timer and clears the cooldown.
func (t *Throttle) Stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.until = time.Time{}
}
