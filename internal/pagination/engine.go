package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/logging"
	"github.com/rshade/finfeed/internal/metrics"
	"github.com/rshade/finfeed/internal/remote"
	"github.com/rshade/finfeed/internal/store"
)

// Fetcher fetches one page of a collection.
type Fetcher interface {
	FetchCollection(ctx context.Context, key, cursor string, pageSize int) (entity.Page, error)
}

// Outcome tells the caller what a load did.
type Outcome int

const (
	// OutcomeReset means the collection was replaced by a fresh first page.
	OutcomeReset Outcome = iota

	// OutcomeAppended means a next page was appended.
	OutcomeAppended

	// OutcomeJoined means the call joined a fetch already in flight for the key.
	OutcomeJoined

	// OutcomeNoop means nothing was fetched; Reason says why.
	OutcomeNoop

	// OutcomeDiscarded means the page arrived for a superseded generation and was dropped.
	OutcomeDiscarded
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeReset:
		return "reset"
	case OutcomeAppended:
		return "appended"
	case OutcomeJoined:
		return "joined"
	case OutcomeNoop:
		return "noop"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Noop reasons.
const (
	ReasonExhausted = "collection exhausted"
	ReasonEmpty     = "collection has no items yet"
	ReasonNotNear   = "viewport not near end"
)

// Result describes a completed load.
type Result struct {
	Outcome    Outcome
	Added      int
	HasMore    bool
	Generation uint64
	Reason     string
}

type flight struct {
	generation uint64
	initial    bool

	// superseded is the next-page load that was in flight when this initial load
	// started. It is reinstated if the initial load fails.
	superseded *flight

	done chan struct{}
	res  Result
	err  error
}

// pending reports whether f is still outstanding. A nil flight is not.
func (f *flight) pending() bool {
	if f == nil {
		return false
	}
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize sets the requested page size.
func WithPageSize(size int) Option {
	return func(e *Engine) {
		e.pageSize = size
	}
}

// WithPrefetchThreshold sets how close to the end a visible viewport must be to load more.
func WithPrefetchThreshold(rows int) Option {
	return func(e *Engine) {
		e.prefetch = rows
	}
}

// Engine loads collections into a store. It is safe for concurrent use.
type Engine struct {
	store    *store.Store
	fetcher  Fetcher
	pageSize int
	prefetch int

	// mu guards flights and orders flight bookkeeping with the store commits it
	// guards. Lock order is mu, then the store.
	mu      sync.Mutex
	flights map[string]*flight
}

// New creates an engine. It returns an error for an invalid page size or threshold.
func New(st *store.Store, fetcher Fetcher, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:    st,
		fetcher:  fetcher,
		pageSize: DefaultPageSize,
		prefetch: DefaultPrefetchThreshold,
		flights:  make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := ValidatePageSize(e.pageSize); err != nil {
		return nil, err
	}
	if e.prefetch < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidThreshold, e.prefetch)
	}
	return e, nil
}

// PageSize returns the configured page size.
func (e *Engine) PageSize() int {
	return e.pageSize
}

// LoadInitial resets the collection and fetches its first page. The generation is bumped
// before the fetch starts, so pages still in flight for the old generation are discarded.
// Items already loaded stay visible until the new first page replaces them; on failure
// they are kept, the error is recorded on the collection and the generation goes back to
// its value before the attempt.
// Concurrent LoadInitial calls for one key share one fetch. The fetch is not cancelled
// by ctx; ctx only bounds how long the caller waits.
func (e *Engine) LoadInitial(ctx context.Context, key string) (Result, error) {
	log := e.logger(ctx, "load_initial", key)

	e.mu.Lock()
	f, joined := e.beginInitial(ctx, log, key)
	e.mu.Unlock()

	if joined {
		log.Debug().Msg("joining in-flight initial load")
		return e.join(ctx, f)
	}
	return e.wait(ctx, f)
}

// beginInitial returns the initial load in flight for key, or starts one and reports
// false. The caller holds e.mu.
func (e *Engine) beginInitial(ctx context.Context, log zerolog.Logger, key string) (*flight, bool) {
	if f, ok := e.flights[key]; ok && f.initial {
		return f, true
	}

	var generation uint64
	_ = e.store.Update(func(tx *store.Tx) error {
		state := tx.EnsureCollection(key)
		generation = state.Generation + 1
		tx.UpdateCollection(key, func(s *store.CollectionState) {
			s.Generation = generation
			s.Loading = true
			s.Err = nil
		})
		return nil
	})
	f := &flight{
		generation: generation,
		initial:    true,
		superseded: e.flights[key],
		done:       make(chan struct{}),
	}
	e.flights[key] = f

	log.Debug().Uint64("generation", generation).Msg("loading first page")
	go e.runInitial(context.WithoutCancel(ctx), log, key, f)
	return f, false
}

func (e *Engine) runInitial(ctx context.Context, log zerolog.Logger, key string, f *flight) {
	page, err := e.fetch(ctx, key, "")

	e.mu.Lock()
	e.finish(key, f, func(tx *store.Tx, state store.CollectionState) Result {
		if err != nil {
			tx.UpdateCollection(key, func(s *store.CollectionState) {
				s.Generation = f.generation - 1
				s.Loading = f.superseded.pending()
				s.Err = err
			})
			if f.superseded.pending() {
				e.flights[key] = f.superseded
			}
			return Result{}
		}
		putItems(tx, page)
		tx.ResetCollection(key, page.Refs())
		tx.UpdateCollection(key, func(s *store.CollectionState) {
			s.Cursor = page.Cursor
			s.HasMore = page.HasMore
			s.Loading = false
			s.Err = nil
			s.Loaded = true
		})
		after, _ := tx.Collection(key)
		return Result{
			Outcome:    OutcomeReset,
			Added:      len(after.Refs),
			HasMore:    page.HasMore,
			Generation: state.Generation,
		}
	}, err)
	e.mu.Unlock()

	e.logResult(log, f)
}

// LoadMore fetches the next page with the stored cursor and appends identities not
// already present. It is a no-op when the collection is exhausted or has no items yet.
// A call made while a fetch for the key is in flight joins that fetch.
// A stale cursor turns into LoadInitial, and every caller sharing the fetch gets the
// reload's result.
func (e *Engine) LoadMore(ctx context.Context, key string) (Result, error) {
	log := e.logger(ctx, "load_more", key)

	e.mu.Lock()
	if f, ok := e.flights[key]; ok {
		e.mu.Unlock()
		log.Debug().Bool("initial", f.initial).Msg("joining in-flight load")
		return e.join(ctx, f)
	}

	state, ok := e.store.Collection(key)
	switch {
	case !ok || !state.Loaded || len(state.Refs) == 0 && !state.Exhausted():
		e.mu.Unlock()
		log.Debug().Msg("load more ignored: " + ReasonEmpty)
		return Result{Outcome: OutcomeNoop, Reason: ReasonEmpty, Generation: state.Generation}, nil
	case state.Exhausted():
		e.mu.Unlock()
		log.Debug().Msg("load more ignored: " + ReasonExhausted)
		return Result{Outcome: OutcomeNoop, Reason: ReasonExhausted, Generation: state.Generation}, nil
	}

	_ = e.store.Update(func(tx *store.Tx) error {
		tx.UpdateCollection(key, func(s *store.CollectionState) {
			s.Loading = true
			s.Err = nil
		})
		return nil
	})
	f := &flight{generation: state.Generation, done: make(chan struct{})}
	e.flights[key] = f
	e.mu.Unlock()

	log.Debug().Str("cursor", state.Cursor).Uint64("generation", state.Generation).Msg("loading next page")
	go e.runMore(context.WithoutCancel(ctx), log, key, f, state.Cursor)
	return e.wait(ctx, f)
}

func (e *Engine) runMore(ctx context.Context, log zerolog.Logger, key string, f *flight, cursor string) {
	page, err := e.fetch(ctx, key, cursor)

	if errors.Is(err, remote.ErrStaleCursor) && e.reload(ctx, log, key, f) {
		return
	}

	e.mu.Lock()
	e.finish(key, f, func(tx *store.Tx, _ store.CollectionState) Result {
		if err != nil {
			tx.UpdateCollection(key, func(s *store.CollectionState) {
				s.Loading = false
				s.Err = err
			})
			return Result{}
		}
		putItems(tx, page)
		added := tx.AppendToCollection(key, page.Refs())
		tx.UpdateCollection(key, func(s *store.CollectionState) {
			s.Cursor = page.Cursor
			s.HasMore = page.HasMore
			s.Loading = false
			s.Err = nil
		})
		if dups := len(page.Items) - len(added); dups > 0 {
			log.Debug().Int("duplicates", dups).Msg("dropped identities already in collection")
		}
		return Result{
			Outcome:    OutcomeAppended,
			Added:      len(added),
			HasMore:    page.HasMore,
			Generation: f.generation,
		}
	}, err)
	e.mu.Unlock()

	e.logResult(log, f)
}

// reload replaces a next-page load whose cursor expired with an initial load and
// settles f with its result. It reports false when f's generation was superseded
// meanwhile, leaving f to be discarded.
func (e *Engine) reload(ctx context.Context, log zerolog.Logger, key string, f *flight) bool {
	e.mu.Lock()
	if state, ok := e.store.Collection(key); !ok || state.Generation != f.generation {
		e.mu.Unlock()
		return false
	}
	if current, ok := e.flights[key]; ok && current == f {
		delete(e.flights, key)
	}
	initial, _ := e.beginInitial(ctx, log, key)
	e.mu.Unlock()

	log.Info().Msg("cursor expired; reloading collection from the first page")
	<-initial.done

	e.mu.Lock()
	f.res, f.err = initial.res, initial.err
	close(f.done)
	e.mu.Unlock()
	return true
}

// TriggerVisible loads more when a viewport ending at visibleTo (exclusive) is within the
// prefetch threshold of total loaded rows. Manual "load more" and scrolling share LoadMore.
func (e *Engine) TriggerVisible(ctx context.Context, key string, visibleTo, total int) (Result, error) {
	if !NearEnd(visibleTo, total, e.prefetch) {
		return Result{Outcome: OutcomeNoop, Reason: ReasonNotNear}, nil
	}
	return e.LoadMore(ctx, key)
}

// InFlight reports whether a load for key is outstanding.
func (e *Engine) InFlight(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.flights[key]
	return ok
}

// finish applies a completed fetch under e.mu. Pages for a superseded generation, or
// for a collection discarded meanwhile, are dropped without touching the store.
func (e *Engine) finish(
	key string,
	f *flight,
	apply func(tx *store.Tx, state store.CollectionState) Result,
	fetchErr error,
) {
	if current, ok := e.flights[key]; ok && current == f {
		delete(e.flights, key)
	}

	discarded := false
	var res Result
	_ = e.store.Update(func(tx *store.Tx) error {
		state, ok := tx.Collection(key)
		if !ok || state.Generation != f.generation {
			discarded = true
			return nil
		}
		res = apply(tx, state)
		return nil
	})

	switch {
	case discarded:
		metrics.PagesDiscarded.Inc()
		f.res = Result{Outcome: OutcomeDiscarded, Generation: f.generation}
		f.err = nil
	case fetchErr != nil:
		f.res = Result{Generation: f.generation}
		f.err = fetchErr
	default:
		f.res = res
	}
	close(f.done)
}

// wait blocks until f settles or ctx is done. Cancelling ctx does not stop the fetch.
func (e *Engine) wait(ctx context.Context, f *flight) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (e *Engine) join(ctx context.Context, f *flight) (Result, error) {
	res, err := e.wait(ctx, f)
	if err == nil && res.Outcome != OutcomeDiscarded {
		res.Outcome = OutcomeJoined
	}
	return res, err
}

func (e *Engine) fetch(ctx context.Context, key, cursor string) (entity.Page, error) {
	start := time.Now()
	page, err := e.fetcher.FetchCollection(ctx, key, cursor, e.pageSize)
	label := "ok"
	if err != nil {
		label = "error"
	}
	metrics.PageFetchDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return page, err
}

func (e *Engine) logger(ctx context.Context, operation, key string) zerolog.Logger {
	return logging.FromContext(ctx).With().
		Str("component", "pagination").
		Str("operation", operation).
		Str("key", key).
		Logger()
}

func (e *Engine) logResult(log zerolog.Logger, f *flight) {
	if f.err != nil {
		log.Warn().Err(f.err).Msg("page load failed; loaded items kept")
		return
	}
	log.Debug().
		Str("outcome", f.res.Outcome.String()).
		Int("added", f.res.Added).
		Bool("has_more", f.res.HasMore).
		Msg("page load finished")
}

func putItems(tx *store.Tx, page entity.Page) {
	for _, item := range page.Items {
		tx.Put(item.Ref, item.Fields)
	}
}
