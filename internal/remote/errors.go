package remote

import (
	"errors"
	"fmt"
)

// Failure categories reported by remote services. Match with errors.Is.
var (
	// ErrTransientFetch marks a fetch failure worth retrying (network, 5xx, timeouts).
	ErrTransientFetch = errors.New("remote: transient fetch failure")

	// ErrStaleCursor is returned when the service no longer honors a continuation cursor.
	ErrStaleCursor = errors.New("remote: stale cursor")

	// ErrReconciliationConflict is returned when a mutation result contradicts the request.
	ErrReconciliationConflict = errors.New("remote: reconciliation conflict")

	// ErrNotFound is returned when the requested entity or collection does not exist.
	ErrNotFound = errors.New("remote: not found")

	// ErrRejected is returned when the service refuses a mutation.
	ErrRejected = errors.New("remote: mutation rejected")

	// ErrUnknownMutation is returned for mutation names the service does not implement.
	ErrUnknownMutation = errors.New("remote: unknown mutation")

	// ErrIncompatibleAPI is returned when the service's API version fails the client constraint.
	ErrIncompatibleAPI = errors.New("remote: incompatible API version")
)

// FetchError describes a failed fetch after all attempts.
type FetchError struct {
	// Op is the service operation, e.g. "FetchCollection".
	Op string

	// Key is the collection key or entity ref.
	Key string

	// Attempts is the number of calls made.
	Attempts int

	// Err is the last underlying error.
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("remote: %s %s failed after %d attempt(s): %v", e.Op, e.Key, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient fetch failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFetch)
}
