package store

import "errors"

// Domain errors for the store package.
var (
	// ErrAbort is returned by an UpdateFunc to leave the value untouched.
	// ConditionalUpdate reports it as an uncommitted result, not as an error.
	ErrAbort = errors.New("store: update aborted")

	// ErrContention is returned when a conditional update keeps losing to
	// concurrent writers and the retry ceiling is reached.
	ErrContention = errors.New("store: too much contention")

	// ErrInvalidPath is returned for empty paths or paths with empty segments.
	ErrInvalidPath = errors.New("store: invalid path")

	// ErrClosed is returned once the store has been closed.
	ErrClosed = errors.New("store: closed")

	// errConflict marks a lost compare-and-swap; it never leaves the package.
	errConflict = errors.New("store: version conflict")
)
