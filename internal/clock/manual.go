package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	clock *Manual
	seq   uint64
	at    time.Time
	ch    chan time.Time
	fn    func()
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires when the manual clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.schedule(d, ch, nil)
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the manual clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// AfterFunc schedules f to run once the clock has been advanced by d. Unlike
// the real clock, f runs synchronously on the goroutine calling Advance so
// tests observe its effects as soon as Advance returns.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d < 0 {
		d = 0
	}
	return m.schedule(d, nil, f)
}

// schedule must be called with m.mu held.
func (m *Manual) schedule(d time.Duration, ch chan time.Time, fn func()) *manualTimer {
	m.seq++
	timer := &manualTimer{
		clock: m,
		seq:   m.seq,
		at:    m.now.Add(d),
		ch:    ch,
		fn:    fn,
	}
	m.timers = append(m.timers, timer)
	return timer
}

// Stop removes the timer from the schedule.
func (t *manualTimer) Stop() bool {
	m := t.clock
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, candidate := range m.timers {
		if candidate == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Advance moves time forward by d and fires any due timers in deadline order.
// Callbacks registered with AfterFunc run after the clock lock is released,
// so they may schedule or stop further timers; timers they schedule that fall
// due within the same advance fire as well.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return target
		}
		if next.at.After(m.now) {
			m.now = next.at
		}
		now := m.now
		m.mu.Unlock()
		if next.fn != nil {
			next.fn()
			continue
		}
		next.ch <- now
	}
}

// nextDue pops the earliest timer due at or before target. Must be called
// with m.mu held.
func (m *Manual) nextDue(target time.Time) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
	first := m.timers[0]
	if first.at.After(target) {
		return nil
	}
	m.timers = m.timers[1:]
	return first
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
