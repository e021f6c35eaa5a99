// Package clock abstracts timers so reconnect scheduling can be tested
// without sleeping. Production code uses Real; tests drive Mock with Advance.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package the supervisor needs.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop cancels the call. It reports false if f already ran or was stopped.
	Stop() bool
}

// Real implements Clock with the time package.
type Real struct{}

// NewReal returns the wall clock.
func NewReal() Real {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Mock is a manually advanced Clock. Timers fire synchronously inside
// Advance, in deadline order, so tests observe their effects on return.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	seq     int
	timers  map[*mockTimer]struct{}
}

type mockTimer struct {
	clock    *Mock
	deadline time.Time
	seq      int
	f        func()
}

// NewMock creates a Mock starting at start.
func NewMock(start time.Time) *Mock {
	return &Mock{
		current: start,
		timers:  make(map[*mockTimer]struct{}),
	}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &mockTimer{clock: m, deadline: m.current.Add(d), seq: m.seq, f: f}
	m.timers[t] = struct{}{}
	return t
}

// Advance moves time forward by d and runs every timer that came due. A
// timer scheduled by a callback runs too if its deadline is within d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.current.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.current = target
			m.mu.Unlock()
			return
		}
		delete(m.timers, next)
		if next.deadline.After(m.current) {
			m.current = next.deadline
		}
		m.mu.Unlock()

		// Outside the lock so f may schedule or stop timers
		next.f()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Deadlines returns the remaining time until each pending timer, soonest first.
func (m *Mock) Deadlines() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]time.Duration, 0, len(m.timers))
	for t := range m.timers {
		out = append(out, t.deadline.Sub(m.current))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Mock) nextDueLocked(target time.Time) *mockTimer {
	var next *mockTimer
	for t := range m.timers {
		if t.deadline.After(target) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) ||
			(t.deadline.Equal(next.deadline) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if _, ok := t.clock.timers[t]; !ok {
		return false
	}
	delete(t.clock.timers, t)
	return true
}
