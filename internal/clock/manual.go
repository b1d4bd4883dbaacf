package clock

import (
	"sync"
	"time"
)

// Manual only moves when Advance is called. Timers fire synchronously inside
// Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers map[*manualTimer]struct{}
}

type manualTimer struct {
	owner *Manual
	at    time.Time
	ch    chan time.Time
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC(), timers: make(map[*manualTimer]struct{})}
}

// Now returns the manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// NewTimer schedules a timer d after the current manual time.
func (m *Manual) NewTimer(d time.Duration) Timer {
	t := &manualTimer{owner: m, ch: make(chan time.Time, 1)}
	m.mu.Lock()
	defer m.mu.Unlock()
	t.at = m.now.Add(d)
	if d <= 0 {
		t.ch <- m.now
		return t
	}
	m.timers[t] = struct{}{}
	return t
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if _, ok := t.owner.timers[t]; !ok {
		return false
	}
	delete(t.owner.timers, t)
	return true
}

// Advance moves time forward by d and fires every timer that became due.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	for t := range m.timers {
		if t.at.After(m.now) {
			continue
		}
		t.ch <- m.now
		delete(m.timers, t)
	}
	return m.now
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
