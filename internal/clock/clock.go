// Package clock provides the cooperative scheduler that the aggregator and
// coaching manager run on. All callbacks scheduled through a Scheduler run on
// one logical thread, so the components they drive need no locks.
package clock

import "time"

// Scheduler runs work and timers on a single cooperative loop.
type Scheduler interface {
	// Now returns the scheduler's current time.
	Now() time.Time
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Every runs fn on the loop every d until stopped.
	Every(d time.Duration, fn func()) Timer
	// Post queues fn to run on the loop. Safe from any goroutine.
	Post(fn func())
	// Do runs fn on the loop and waits for it to return. Must not be called
	// from the loop itself.
	Do(fn func())
}

// Timer is a cancellable scheduled callback. Stop reports whether the call
// prevented a future firing. A stopped timer never fires, even if its
// callback had already been queued.
type Timer interface {
	Stop() bool
}
