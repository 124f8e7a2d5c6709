package storage

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrClosed is returned when the store has been shut down.
	ErrClosed = errors.New("storage: store is closed")
)

// IsNotFound reports whether err means the row simply is not there.
// Callers treat this as "unknown", not as a failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
