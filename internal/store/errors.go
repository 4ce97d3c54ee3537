package store

import (
	"errors"
	"fmt"
)

var (
	// ErrBackend is matched by every *Error.
	ErrBackend = errors.New("store: backend failure")

	// ErrLockBusy is returned by Acquire when another owner holds the lock.
	ErrLockBusy = errors.New("store: lock busy")

	// ErrConcurrency is returned when optimistic-lock retries are exhausted.
	ErrConcurrency = errors.New("store: concurrent modification, retries exhausted")
)

// Error describes a failed backing-store command.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports ErrBackend as a match so callers need not know the concrete type.
func (e *Error) Is(target error) bool {
	return target == ErrBackend
}

func backendErr(op, key string, err error) error {
	return &Error{Op: op, Key: key, Err: err}
}
