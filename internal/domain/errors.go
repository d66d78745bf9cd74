package domain

import "errors"

var (
	// ErrNotSupported is a user visible precondition failure.
	ErrNotSupported = errors.New("not supported")
	// ErrWrongState is an internal invariant violation and is fatal.
	ErrWrongState = errors.New("wrong state")
	// ErrNotFound marks signaling for a conversation or call that is gone.
	ErrNotFound = errors.New("not found")
	// ErrNotImplemented is returned by commands that deliberately do nothing.
	ErrNotImplemented = errors.New("not implemented")
)
