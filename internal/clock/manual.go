package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a virtual-time Scheduler for tests. Timers fire only when Advance
// moves the clock past them; posted work runs on RunPending or Await. All
// callbacks run on the goroutine that calls those methods.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	timers  []*manualTimer
	pending []func()
	posted  chan struct{}
}

// NewManual creates a virtual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, posted: make(chan struct{}, 1)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	return m.schedule(d, 0, fn)
}

func (m *Manual) Every(d time.Duration, fn func()) Timer {
	return m.schedule(d, d, fn)
}

func (m *Manual) schedule(d, period time.Duration, fn func()) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, when: m.now.Add(d), period: period, fn: fn, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

// Post queues fn and wakes any Await call. Safe from any goroutine.
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.pending = append(m.pending, fn)
	m.mu.Unlock()
	select {
	case m.posted <- struct{}{}:
	default:
	}
}

// Do runs fn inline.
func (m *Manual) Do(fn func()) { fn() }

// RunPending runs all queued work, including work queued while running.
// It returns the number of callbacks executed.
func (m *Manual) RunPending() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return n
		}
		fn := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		fn()
		n++
	}
}

// Await blocks until at least one callback has been posted (or timeout
// elapses in real time), then runs all pending work. It reports whether any
// work ran.
func (m *Manual) Await(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if m.RunPending() > 0 {
			return true
		}
		select {
		case <-m.posted:
		case <-deadline:
			return m.RunPending() > 0
		}
	}
}

// Advance moves virtual time forward by d, firing every due timer in time
// order. Timers scheduled by callbacks fire too if they fall within d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		t := m.nextDueLocked(target)
		if t == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = t.when
		if t.period > 0 {
			t.when = t.when.Add(t.period)
		} else {
			t.stopped = true
			m.removeLocked(t)
		}
		fn := t.fn
		m.mu.Unlock()
		fn()
	}
}

// Step advances the clock by d, n times.
func (m *Manual) Step(d time.Duration, n int) {
	for i := 0; i < n; i++ {
		m.Advance(d)
	}
}

// ActiveTimers returns the number of timers that have not fired or been stopped.
func (m *Manual) ActiveTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].when.Equal(m.timers[j].when) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].when.Before(m.timers[j].when)
	})
	if m.timers[0].when.After(target) {
		return nil
	}
	return m.timers[0]
}

func (m *Manual) removeLocked(t *manualTimer) {
	for i, other := range m.timers {
		if other == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

type manualTimer struct {
	m       *Manual
	when    time.Time
	period  time.Duration
	fn      func()
	seq     int
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.m.removeLocked(t)
	return true
}
