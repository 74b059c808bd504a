// Package notify carries user-facing notices from the data layer to whatever
// presents them (toast, status line, log).
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/rshade/finfeed/internal/logging"
)

// Kind classifies a notice.
type Kind int

const (
	// KindMutationRolledBack reports an optimistic change that was undone.
	KindMutationRolledBack Kind = iota

	// KindReconciliationConflict reports a server response that contradicted the change.
	KindReconciliationConflict

	// KindFetchFailed reports a fetch that failed after all retries.
	KindFetchFailed
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindMutationRolledBack:
		return "mutation_rolled_back"
	case KindReconciliationConflict:
		return "reconciliation_conflict"
	case KindFetchFailed:
		return "fetch_failed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Notice is one user-facing event.
type Notice struct {
	Kind    Kind
	Key     string
	Message string
	Err     error
}

// Presenter shows notices. Implementations must not block for long; they are called
// from request paths.
type Presenter interface {
	Present(ctx context.Context, n Notice)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, n Notice)

// Present calls f.
func (f PresenterFunc) Present(ctx context.Context, n Notice) {
	f(ctx, n)
}

// LogPresenter writes notices to the context logger.
type LogPresenter struct{}

// Present logs the notice at warn level.
func (LogPresenter) Present(ctx context.Context, n Notice) {
	logging.FromContext(ctx).Warn().
		Str("component", "notify").
		Str("kind", n.Kind.String()).
		Str("key", n.Key).
		Err(n.Err).
		Msg(n.Message)
}

// Recorder keeps every notice it receives. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// Present records the notice.
func (r *Recorder) Present(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices returns a copy of the recorded notices.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Multi fans a notice out to several presenters in order.
func Multi(presenters ...Presenter) Presenter {
	return PresenterFunc(func(ctx context.Context, n Notice) {
		for _, p := range presenters {
			if p != nil {
				p.Present(ctx, n)
			}
		}
	})
}
