package storage

import (
	"errors"
)

var (
	// ErrBusy means the cross-process file lock could not be acquired
	// within the configured timeout. The operation did not run; callers
	// may retry.
	ErrBusy = errors.New("store busy: lock acquisition timed out")

	// ErrCorrupt means a persisted record could not be decoded. The
	// store is never silently reinitialised over corrupt data; operator
	// recovery is required.
	ErrCorrupt = errors.New("store corrupt")

	// ErrNotFound is returned by lookup helpers for missing records.
	ErrNotFound = errors.New("not found")

	// ErrInvalid means a mutation violated a store invariant and was
	// rolled back.
	ErrInvalid = errors.New("invalid topology")
)
