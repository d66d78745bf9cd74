package core

import "time"

// Timer is a pending one-shot callback.
type Timer interface {
	Stop() bool
}

// Scheduler abstracts wall-clock time so timers can be driven by tests.
// Callbacks run on the scheduler's goroutine; callers post them onto their
// loop themselves.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Executor serializes work onto a single logical event loop.
type Executor interface {
	// Post enqueues fn and reports false if the loop has stopped.
	Post(fn func()) bool
	// Fatal stops the loop with err.
	Fatal(err error)
}
