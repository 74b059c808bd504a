package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rshade/finfeed/internal/logging"
	"github.com/rshade/finfeed/internal/metrics"
)

// ErrEmptyKey is returned when a request names no key.
var ErrEmptyKey = errors.New("scheduler: key cannot be empty")

// Source tells a caller how a request was served.
type Source int

const (
	// SourceFetched means this request started the fetch.
	SourceFetched Source = iota

	// SourceShared means the request joined a fetch another caller started.
	SourceShared

	// SourceCached means the last result was still inside its minimum interval.
	SourceCached
)

// String returns the source name.
func (s Source) String() string {
	switch s {
	case SourceFetched:
		return "fetched"
	case SourceShared:
		return "shared"
	case SourceCached:
		return "cached"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Fetcher performs the expensive operation for one key.
type Fetcher func(ctx context.Context) (any, error)

// Result is the outcome of a request.
type Result struct {
	Value     any
	Source    Source
	FetchedAt time.Time
}

// flight is one fetch. Its outcome is written under Scheduler.mu before the
// lease stops reporting it in flight.
type flight struct {
	id    string
	value any
	err   error
	at    time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// Scheduler gates fetches per key. It is safe for concurrent use.
type Scheduler struct {
	clock Clock
	group singleflight.Group

	mu     sync.Mutex
	leases map[string]*Lease
	seq    uint64
}

// New creates a scheduler using the system clock unless overridden.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  SystemClock{},
		leases: make(map[string]*Lease),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request returns a result for key, calling fetch only when no fetch is in flight and
// the last success is older than minInterval (or force is set).
//
// A request that finds a fetch in flight joins it even when force is set. The fetch
// keeps the values of the starting request's context but not its cancellation; every
// caller, the starting one included, waits on its own context. A failed fetch leaves
// LastSuccessAt untouched.
func (s *Scheduler) Request(
	ctx context.Context,
	key string,
	minInterval time.Duration,
	fetch Fetcher,
	force bool,
) (Result, error) {
	if key == "" {
		return Result{}, ErrEmptyKey
	}

	log := logging.FromContext(ctx).With().
		Str("component", "scheduler").
		Str("operation", "request").
		Str("key", key).
		Logger()

	s.mu.Lock()
	lease := s.leaseLocked(key)

	// The flight cannot finish while mu is held, so DoChan is guaranteed to join it.
	if lease.InFlight {
		f := lease.current
		ch := s.group.DoChan(f.id, s.outcomeOf(f))
		s.mu.Unlock()
		log.Debug().Bool("force", force).Msg("joining in-flight fetch")
		return s.wait(ctx, ch, SourceShared)
	}

	now := s.clock.Now()
	if !force && lease.IsFresh(now, minInterval) {
		res := Result{Value: lease.Value, Source: SourceCached, FetchedAt: lease.LastSuccessAt}
		age := lease.Age(now)
		s.mu.Unlock()
		metrics.SchedulerRequests.WithLabelValues(metrics.OutcomeCached).Inc()
		log.Debug().
			Dur("age", age).
			Dur("min_interval", minInterval).
			Msg("serving cached result inside minimum interval")
		return res, nil
	}

	s.seq++
	f := &flight{id: fmt.Sprintf("%s#%d", key, s.seq)}
	lease.current = f
	lease.InFlight = true
	lease.Attempts++
	lease.LastAttemptAt = now
	attempt := lease.Attempts
	ch := s.group.DoChan(f.id, func() (any, error) {
		return s.run(context.WithoutCancel(ctx), key, lease, f, fetch)
	})
	s.mu.Unlock()

	log.Debug().Bool("force", force).Int("attempt", attempt).Msg("fetch started")
	return s.wait(ctx, ch, SourceFetched)
}

// Lease returns a copy of the key's bookkeeping.
func (s *Scheduler) Lease(key string) (Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[key]
	if !ok || lease.forgotten {
		return Lease{}, false
	}
	out := *lease
	out.current = nil
	return out, true
}

// InFlight reports whether a fetch for key is outstanding.
func (s *Scheduler) InFlight(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[key]
	return ok && lease.InFlight
}

// Forget drops the key's lease. A fetch still in flight completes for its callers and
// new requests keep joining it, but its result is not recorded and the lease goes away
// once it settles.
func (s *Scheduler) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetLocked(key)
}

// Clear drops every lease, e.g. at sign-out.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.leases {
		s.forgetLocked(key)
	}
}

func (s *Scheduler) forgetLocked(key string) {
	lease, ok := s.leases[key]
	if !ok {
		return
	}
	if !lease.InFlight {
		delete(s.leases, key)
		return
	}
	*lease = Lease{Key: key, InFlight: true, current: lease.current, forgotten: true}
}

func (s *Scheduler) leaseLocked(key string) *Lease {
	lease, ok := s.leases[key]
	if !ok {
		lease = &Lease{Key: key}
		s.leases[key] = lease
	}
	return lease
}

// run executes the fetch and records its outcome on the lease.
func (s *Scheduler) run(ctx context.Context, key string, lease *Lease, f *flight, fetch Fetcher) (any, error) {
	value, err := safeFetch(ctx, fetch)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	f.value, f.err, f.at = value, err, now

	if current, ok := s.leases[key]; ok && current == lease && lease.current == f {
		lease.InFlight = false
		lease.current = nil
		switch {
		case lease.forgotten:
			delete(s.leases, key)
		case err != nil:
			lease.Failures++
			lease.LastErr = err
		default:
			lease.Value = value
			lease.LastSuccessAt = now
			lease.LastErr = nil
		}
	}

	if err != nil {
		metrics.SchedulerRequests.WithLabelValues(metrics.OutcomeFailed).Inc()
		logging.FromContext(ctx).Warn().
			Str("component", "scheduler").
			Str("operation", "fetch").
			Str("key", key).
			Err(err).
			Msg("fetch failed; staleness window unchanged")
		return nil, err
	}
	return Result{Value: value, FetchedAt: now}, nil
}

// outcomeOf replays a finished flight's outcome for a caller whose DoChan ran after it.
func (s *Scheduler) outcomeOf(f *flight) func() (any, error) {
	return func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if f.err != nil {
			return nil, f.err
		}
		return Result{Value: f.value, FetchedAt: f.at}, nil
	}
}

func (s *Scheduler) wait(ctx context.Context, ch <-chan singleflight.Result, source Source) (Result, error) {
	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		out, _ := res.Val.(Result)
		out.Source = source
		if source == SourceShared {
			metrics.SchedulerRequests.WithLabelValues(metrics.OutcomeShared).Inc()
		} else {
			metrics.SchedulerRequests.WithLabelValues(metrics.OutcomeFetched).Inc()
		}
		return out, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// safeFetch converts a fetcher panic into an error.
func safeFetch(ctx context.Context, fetch Fetcher) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("scheduler: fetch panicked: %v", recovered)
		}
	}()
	return fetch(ctx)
}
