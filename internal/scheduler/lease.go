package scheduler

import "time"

// Lease is the refresh bookkeeping for one key.
type Lease struct {
	// Key is the resource key, e.g. "quote:IBM".
	Key string

	// Value is the result of the last successful fetch.
	Value any

	// LastSuccessAt is when the last successful fetch completed. Zero means never.
	LastSuccessAt time.Time

	// LastAttemptAt is when the last fetch started.
	LastAttemptAt time.Time

	// LastErr is the error of the last attempt, nil after a success.
	LastErr error

	// Attempts counts fetches started for the key.
	Attempts int

	// Failures counts fetches that returned an error.
	Failures int

	// InFlight is true while a fetch for the key is outstanding.
	InFlight bool

	current *flight

	// forgotten marks a lease dropped while its fetch was in flight.
	forgotten bool
}

// HasValue reports whether a fetch has ever succeeded.
func (l *Lease) HasValue() bool {
	return !l.LastSuccessAt.IsZero()
}

// IsFresh reports whether the last success is younger than minInterval.
func (l *Lease) IsFresh(now time.Time, minInterval time.Duration) bool {
	if !l.HasValue() {
		return false
	}
	return now.Sub(l.LastSuccessAt) < minInterval
}

// Age returns the duration since the last success. Returns 0 if never fetched.
func (l *Lease) Age(now time.Time) time.Duration {
	if !l.HasValue() {
		return 0
	}
	return now.Sub(l.LastSuccessAt)
}

// TimeUntilStale returns the duration until the value may be refetched.
// Returns 0 if already stale.
func (l *Lease) TimeUntilStale(now time.Time, minInterval time.Duration) time.Duration {
	if !l.HasValue() {
		return 0
	}
	remaining := l.LastSuccessAt.Add(minInterval).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
