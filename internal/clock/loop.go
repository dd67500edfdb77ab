package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Loop is the production Scheduler: a single goroutine draining a queue of
// callbacks. Timers are backed by the runtime but deliver onto the loop.
type Loop struct {
	queue chan func()
	done  chan struct{}
	once  sync.Once
}

// NewLoop creates a loop with the given queue depth. Call Run to start it.
func NewLoop(depth int) *Loop {
	if depth <= 0 {
		depth = 256
	}
	return &Loop{
		queue: make(chan func(), depth),
		done:  make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			fn()
		}
	}
}

func (l *Loop) Now() time.Time { return time.Now() }

// Post queues fn. Work posted after the loop stopped is discarded.
func (l *Loop) Post(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Do posts fn and blocks until it has run, or the loop has stopped.
func (l *Loop) Do(fn func()) {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
	case <-l.done:
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return lt
}

func (l *Loop) Every(d time.Duration, fn func()) Timer {
	lt := &loopTimer{quit: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-lt.quit:
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.Post(func() {
					if !lt.stopped.Load() {
						fn()
					}
				})
			}
		}
	}()
	return lt
}

type loopTimer struct {
	t       *time.Timer
	quit    chan struct{}
	stopped atomic.Bool
}

func (lt *loopTimer) Stop() bool {
	if !lt.stopped.CompareAndSwap(false, true) {
		return false
	}
	if lt.t != nil {
		lt.t.Stop()
	}
	if lt.quit != nil {
		close(lt.quit)
	}
	return true
}
