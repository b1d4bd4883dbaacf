// Package clock lets the lock loops run against wall time in production and
// against a hand-advanced clock in tests.
package clock

import "time"

// Clock is the time source of a locker loop.
type Clock interface {
	Now() time.Time
	// NewTimer returns a timer firing once after d. A non-positive d fires
	// immediately.
	NewTimer(d time.Duration) Timer
}

// Timer is a stoppable one-shot timer.
type Timer interface {
	C() <-chan time.Time
	// Stop prevents the timer from firing and reports whether it was still
	// pending.
	Stop() bool
}

// Real reads the system clock in UTC.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// NewTimer wraps time.NewTimer.
func (Real) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }
