package storage

import (
	"context"
	"errors"
)

// Common storage errors. Adapters wrap the underlying cause with one of these
// so callers can branch with errors.Is.
var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrConflict is returned when a create finds the key already present or an
	// update carries a stale revision.
	ErrConflict = errors.New("write conflict")

	// ErrUnavailable is returned for throttling, timeouts and lost connections.
	// Operations failing with it may be retried.
	ErrUnavailable = errors.New("store unavailable")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrUnavailable)
}
