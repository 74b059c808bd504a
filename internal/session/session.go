// Package session composes the entity store, refresh scheduler, pagination engine and
// mutation coordinator for one signed-in user. A Session is created at sign-in and
// closed at sign-out; nothing it holds outlives it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/identity"
	"github.com/rshade/finfeed/internal/logging"
	"github.com/rshade/finfeed/internal/mutation"
	"github.com/rshade/finfeed/internal/notify"
	"github.com/rshade/finfeed/internal/pagination"
	"github.com/rshade/finfeed/internal/remote"
	"github.com/rshade/finfeed/internal/scheduler"
	"github.com/rshade/finfeed/internal/store"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session: closed")

// Entity kinds of the feed domain.
const (
	KindPost    = "post"
	KindComment = "comment"
	KindQuote   = "quote"
)

// CommentCountRule keeps post.commentCount equal to the stored comments of the post.
var CommentCountRule = store.CountRule{
	ChildKind:     KindComment,
	ParentKind:    KindPost,
	ParentIDField: "postId",
	CountField:    "commentCount",
}

// Options wires a session. Service is required.
type Options struct {
	Service           remote.Service
	Identity          identity.Provider
	Presenter         notify.Presenter
	Clock             scheduler.Clock
	PageSize          int
	PrefetchThreshold int

	// MinInterval is the refresh staleness window; scheduler.DefaultMinInterval when zero.
	MinInterval time.Duration

	// CountRules replaces the default comment count rule.
	CountRules []store.CountRule

	// Observer receives mutation state transitions.
	Observer func(mutation.Event)
}

// Session is the per-user data layer.
type Session struct {
	service     remote.Service
	store       *store.Store
	sched       *scheduler.Scheduler
	pages       *pagination.Engine
	muts        *mutation.Coordinator
	ids         identity.Provider
	minInterval time.Duration

	mu     sync.RWMutex
	closed bool
}

// New builds a session.
func New(opts Options) (*Session, error) {
	if opts.Service == nil {
		return nil, errors.New("session: a remote service is required")
	}
	if opts.MinInterval == 0 {
		opts.MinInterval = scheduler.DefaultMinInterval
	}
	if err := scheduler.ValidateInterval(opts.MinInterval); err != nil {
		return nil, err
	}
	if opts.PageSize == 0 {
		opts.PageSize = pagination.DefaultPageSize
	}
	if opts.PrefetchThreshold == 0 {
		opts.PrefetchThreshold = pagination.DefaultPrefetchThreshold
	}
	if opts.CountRules == nil {
		opts.CountRules = []store.CountRule{CommentCountRule}
	}

	st := store.New(store.WithCountRules(opts.CountRules...))

	pages, err := pagination.New(st, opts.Service,
		pagination.WithPageSize(opts.PageSize),
		pagination.WithPrefetchThreshold(opts.PrefetchThreshold))
	if err != nil {
		st.Close()
		return nil, err
	}

	var schedOpts []scheduler.Option
	if opts.Clock != nil {
		schedOpts = append(schedOpts, scheduler.WithClock(opts.Clock))
	}

	mutOpts := []mutation.Option{}
	if opts.Identity != nil {
		mutOpts = append(mutOpts, mutation.WithIdentity(opts.Identity))
	}
	if opts.Presenter != nil {
		mutOpts = append(mutOpts, mutation.WithPresenter(opts.Presenter))
	}
	if opts.Observer != nil {
		mutOpts = append(mutOpts, mutation.WithObserver(opts.Observer))
	}

	return &Session{
		service:     opts.Service,
		store:       st,
		sched:       scheduler.New(schedOpts...),
		pages:       pages,
		muts:        mutation.New(st, opts.Service, mutOpts...),
		ids:         opts.Identity,
		minInterval: opts.MinInterval,
	}, nil
}

// Store returns the session's entity store.
func (s *Session) Store() *store.Store {
	return s.store
}

// PageSize returns the configured page size.
func (s *Session) PageSize() int {
	return s.pages.PageSize()
}

// SubscribeView calls cb with the collection's snapshot after every change to it.
// The collection exists while at least one subscription is open.
func (s *Session) SubscribeView(key string, cb func(store.ViewSnapshot)) *store.Subscription {
	return s.store.Subscribe(store.CollectionTopic(key), func(store.Change) {
		snap, _ := s.store.Snapshot(key)
		cb(snap)
	})
}

// SubscribeEntity calls cb with the entity after every change to it; ok is false once
// the entity is removed.
func (s *Session) SubscribeEntity(ref entity.Ref, cb func(e entity.Entity, ok bool)) *store.Subscription {
	return s.store.Subscribe(store.EntityTopic(ref), func(store.Change) {
		e, ok := s.store.Get(ref)
		cb(e, ok)
	})
}

// View returns the current snapshot of a collection.
func (s *Session) View(key string) store.ViewSnapshot {
	snap, _ := s.store.Snapshot(key)
	return snap
}

// LoadInitial loads the first page of a collection, replacing what is loaded.
func (s *Session) LoadInitial(ctx context.Context, key string) (pagination.Result, error) {
	if err := s.check(); err != nil {
		return pagination.Result{}, err
	}
	return s.pages.LoadInitial(ctx, key)
}

// LoadMore loads the next page of a collection.
func (s *Session) LoadMore(ctx context.Context, key string) (pagination.Result, error) {
	if err := s.check(); err != nil {
		return pagination.Result{}, err
	}
	return s.pages.LoadMore(ctx, key)
}

// TriggerVisible loads the next page when a viewport ending at visibleTo is near the
// end of total loaded rows.
func (s *Session) TriggerVisible(ctx context.Context, key string, visibleTo, total int) (pagination.Result, error) {
	if err := s.check(); err != nil {
		return pagination.Result{}, err
	}
	return s.pages.TriggerVisible(ctx, key, visibleTo, total)
}

// Refresh reloads a collection from its first page unless it was refreshed within the
// staleness window. Concurrent refreshes of one key share one fetch. A cached result
// carries no pagination.Result value.
func (s *Session) Refresh(ctx context.Context, key string, force bool) (scheduler.Result, error) {
	return s.RefreshValue(ctx, "collection:"+key, s.minInterval, force, func(ctx context.Context) (any, error) {
		return s.pages.LoadInitial(ctx, key)
	})
}

// RefreshValue runs fetch through the scheduler under key.
func (s *Session) RefreshValue(
	ctx context.Context,
	key string,
	minInterval time.Duration,
	force bool,
	fetch scheduler.Fetcher,
) (scheduler.Result, error) {
	if err := s.check(); err != nil {
		return scheduler.Result{}, err
	}
	res, err := s.sched.Request(ctx, key, minInterval, fetch, force)
	if err != nil {
		return res, err
	}
	logging.FromContext(ctx).Debug().
		Str("component", "session").
		Str("operation", "refresh").
		Str("key", key).
		Str("source", res.Source.String()).
		Msg("refresh served")
	return res, nil
}

// RefreshEntity fetches one entity, at most once per staleness window, and merges it
// into the store through the mutation coordinator, so fields with a pending mutation
// keep their tentative value. The returned entity is read from the store.
func (s *Session) RefreshEntity(ctx context.Context, ref entity.Ref, force bool) (entity.Entity, scheduler.Source, error) {
	res, err := s.RefreshValue(ctx, "entity:"+ref.String(), s.minInterval, force, func(ctx context.Context) (any, error) {
		e, err := s.service.FetchEntity(ctx, ref)
		if err != nil {
			return nil, err
		}
		s.muts.Reconcile(e)
		return e, nil
	})
	if err != nil {
		return entity.Entity{}, res.Source, err
	}
	e, ok := s.store.Get(ref)
	if !ok {
		return entity.Entity{}, res.Source, fmt.Errorf("%w: %s", remote.ErrNotFound, ref)
	}
	return e, res.Source, nil
}

// RefreshQuote refreshes quote:<symbol>.
func (s *Session) RefreshQuote(ctx context.Context, symbol string, force bool) (entity.Entity, scheduler.Source, error) {
	return s.RefreshEntity(ctx, entity.NewRef(KindQuote, symbol), force)
}

// Submit runs an optimistic mutation.
func (s *Session) Submit(ctx context.Context, spec mutation.Spec) (entity.Entity, error) {
	if err := s.check(); err != nil {
		return entity.Entity{}, err
	}
	return s.muts.Submit(ctx, spec)
}

// Pending returns the number of mutations awaiting the service.
func (s *Session) Pending() int {
	return s.muts.Pending()
}

// Close forgets every lease, clears the store and stops change delivery.
// Mutations already submitted still run to completion against the cleared store.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.sched.Clear()
	s.store.Clear()
	s.store.Close()
}

func (s *Session) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
