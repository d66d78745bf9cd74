// Package eventloop runs every state mutation of the calling core on one
// goroutine. Socket readers, timers, engine callbacks and user commands post
// closures here instead of locking shared state.
package eventloop

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("event loop stopped")

// Loop is a single-consumer work queue. The queue grows as needed so that
// work posted from the loop goroutine itself never blocks.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	once  sync.Once
	done  chan struct{}
	fatal error
}

// New returns a loop whose queue starts with room for size closures.
func New(size int) *Loop {
	if size <= 0 {
		size = 256
	}
	return &Loop{
		pending: make([]func(), 0, size),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Post enqueues fn without blocking. It reports false once the loop has
// stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for its result.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !l.Post(func() { res <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// Fatal stops the loop; Run returns err.
func (l *Loop) Fatal(err error) {
	l.mu.Lock()
	if l.fatal == nil {
		l.fatal = err
	}
	l.mu.Unlock()
	l.stop()
}

func (l *Loop) stop() {
	l.once.Do(func() { close(l.done) })
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, false
	}
	fn := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	if len(l.pending) == 0 {
		l.pending = l.pending[:0:0]
	}
	return fn, true
}

// Run executes posted work until ctx is cancelled or Fatal is called.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.done:
			l.mu.Lock()
			err := l.fatal
			l.mu.Unlock()
			if err != nil {
				log.Error().Err(err).Str("module", "eventloop").Msg("stopped on fatal error")
			}
			return err
		case <-l.wake:
		}
		for ctx.Err() == nil && !l.stopped() {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
		}
	}
}

func (l *Loop) stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
