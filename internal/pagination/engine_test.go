package pagination_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/pagination"
	"github.com/rshade/finfeed/internal/remote"
	"github.com/rshade/finfeed/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const feedKey = "feed:home"

// fakeFetcher serves scripted pages keyed by cursor.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]entity.Page
	errs  map[string]error
	gate  chan struct{}
	holds map[string]chan struct{}
	calls atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]entity.Page),
		errs:  make(map[string]error),
		holds: make(map[string]chan struct{}),
	}
}

// hold blocks fetches of one cursor until the returned channel is closed.
func (f *fakeFetcher) hold(cursor string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.holds[cursor] = ch
	return ch
}

func (f *fakeFetcher) set(cursor string, page entity.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[cursor] = page
}

func (f *fakeFetcher) fail(cursor string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[cursor] = err
}

func (f *fakeFetcher) FetchCollection(ctx context.Context, _, cursor string, _ int) (entity.Page, error) {
	f.calls.Add(1)
	f.mu.Lock()
	gate := f.gate
	if gate == nil {
		gate = f.holds[cursor]
	}
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return entity.Page{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[cursor]; ok {
		delete(f.errs, cursor)
		return entity.Page{}, err
	}
	page, ok := f.pages[cursor]
	if !ok {
		return entity.Page{}, fmt.Errorf("no page for cursor %q: %w", cursor, remote.ErrNotFound)
	}
	return page, nil
}

func posts(from, to int) []entity.Entity {
	out := make([]entity.Entity, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, entity.New(entity.NewRef("post", fmt.Sprintf("p%d", i)), entity.Fields{"title": fmt.Sprintf("post %d", i)}))
	}
	return out
}

func newEngine(t *testing.T, f *fakeFetcher, opts ...pagination.Option) (*pagination.Engine, *store.Store) {
	t.Helper()
	st := store.New()
	t.Cleanup(st.Close)
	e, err := pagination.New(st, f, opts...)
	require.NoError(t, err)
	return e, st
}

func TestNew_ValidatesPageSize(t *testing.T) {
	st := store.New()
	defer st.Close()

	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{name: "minimum", size: pagination.MinPageSize},
		{name: "maximum", size: pagination.MaxPageSize},
		{name: "zero", size: 0, wantErr: true},
		{name: "too large", size: pagination.MaxPageSize + 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pagination.New(st, newFakeFetcher(), pagination.WithPageSize(tt.size))
			if tt.wantErr {
				require.ErrorIs(t, err, pagination.ErrInvalidPageSize)
				return
			}
			require.NoError(t, err)
		})
	}

	_, err := pagination.New(st, newFakeFetcher(), pagination.WithPrefetchThreshold(-1))
	require.ErrorIs(t, err, pagination.ErrInvalidThreshold)
}

func TestLoadMore_AppendsSecondPageWithoutDuplicates(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 10), Cursor: "c10", HasMore: true})
	f.set("c10", entity.Page{Items: posts(11, 20), Cursor: "c20", HasMore: true})
	e, st := newEngine(t, f)
	ctx := context.Background()

	res, err := e.LoadInitial(ctx, feedKey)
	require.NoError(t, err)
	assert.Equal(t, pagination.OutcomeReset, res.Outcome)
	assert.Equal(t, 10, res.Added)
	assert.Equal(t, uint64(1), res.Generation)

	res, err = e.LoadMore(ctx, feedKey)
	require.NoError(t, err)
	assert.Equal(t, pagination.OutcomeAppended, res.Outcome)
	assert.Equal(t, 10, res.Added)

	snap, ok := st.Snapshot(feedKey)
	require.True(t, ok)
	require.Len(t, snap.Items, 20)
	seen := make(map[entity.Ref]bool)
	for i, item := range snap.Items {
		assert.False(t, seen[item.Ref], "duplicate %s", item.Ref)
		seen[item.Ref] = true
		assert.Equal(t, fmt.Sprintf("p%d", i+1), item.Ref.ID, "server order preserved")
	}
	assert.Equal(t, "c20", snap.Cursor)
	assert.True(t, snap.HasMore)
	assert.False(t, snap.Loading)
}

func TestLoadMore_OverlappingPageDropsDuplicates(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 10), Cursor: "c10", HasMore: true})
	f.set("c10", entity.Page{Items: posts(8, 15), Cursor: "c15", HasMore: true})
	e, st := newEngine(t, f)
	ctx := context.Background()

	_, err := e.LoadInitial(ctx, feedKey)
	require.NoError(t, err)
	res, err := e.LoadMore(ctx, feedKey)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Added)

	state, _ := st.Collection(feedKey)
	assert.Len(t, state.Refs, 15)
}

func TestLoadMore_EmptyFinalPageEndsCollection(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 10), Cursor: "c10", HasMore: true})
	f.set("c10", entity.Page{Items: nil, Cursor: "", HasMore: false})
	e, st := newEngine(t, f)
	ctx := context.Background()

	_, err := e.LoadInitial(ctx, feedKey)
	require.NoError(t, err)

	res, err := e.LoadMore(ctx, feedKey)
	require.NoError(t, err)
	assert.Equal(t, pagination.OutcomeAppended, res.Outcome)
	assert.Equal(t, 0, res.Added)
	assert.False(t, res.HasMore)
	calls := f.calls.Load()

	for range 3 {
		res, err = e.LoadMore(ctx, feedKey)
		require.NoError(t, err)
		assert.Equal(t, pagination.OutcomeNoop, res.Outcome)
		assert.Equal(t, pagination.ReasonExhausted, res.Reason)
	}
	assert.Equal(t, calls, f.calls.Load(), "no fetch after the end")

	state, _ := st.Collection(feedKey)
	assert.Len(t, state.Refs, 10)
	assert.True(t, state.Exhausted())
}

func TestLoadMore_ShortPageDoesNotEndCollection(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 3), Cursor: "c3", HasMore: true})
	f.set("c3", entity.Page{Items: posts(4, 5), Cursor: "c5", HasMore: true})
	e, _ := newEngine(t, f, pagination.WithPageSize(10))
	ctx := context.Background()

	_, err := e.LoadInitial(ctx, feedKey)
	require.NoError(t, err)
	res, err := e.LoadMore(ctx, feedKey)
	require.NoError(t, err)
	assert.Equal(t, pagination.OutcomeAppended, res.Outcome)
	assert.Equal(t, 2, res.Added)
}

func TestLoadMore_FullLastPageThenEmptyPage(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 5), Cursor: "c5", HasMore: true})
	f.set("c5", entity.Page{Items: posts(6, 10), Cursor: "c10", HasMore: true})
	f.set("c10", entity.Page{HasMore: true})
	e, st := newEngine(t, f, pagination.WithPageSize(5))
	ctx := context.Background()

	_, err := e.LoadInitial(ctx, feedKey)
	require.NoError(t, err)
	_, err = e.LoadMore(ctx, feedKey)
	require.NoError(t, err)

	res, err := e.LoadMore(ctx, feedKey)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)

	// hasMore=true with an empty cursor still ends the collection.
	state, _ := st.Collection(feedKey)
	assert.True(t, state.Exhausted())
	res, err = e.LoadMore(ctx, feedKey)
	require.NoError(t, err)
	assert.Equal(t, pagination.OutcomeNoop, res.Outcome)
}

func TestLoadMore_NoItemsYetIsNoop(t *testing.T) {
	f := newFakeFetcher()
	e, _ := newEngine(t, f)

	res, err := e.LoadMore(context.Background(), feedKey)
	require.NoError(t, err)
	assert.Equal(t, pagination.OutcomeNoop, res.Outcome)
	assert.Equal(t, pagination.ReasonEmpty, res.Reason)
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestLoadMore_ConcurrentCallersShareOneFetch(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 10), Cursor: "c10", HasMore: true})
	f.set("c10", entity.Page{Items: posts(11, 20), Cursor: "c20", HasMore: true})
	e, st := newEngine(t, f)
	ctx := context.Background()

	_, err := e.LoadInitial(ctx, feedKey)
	require.NoError(t, err)

	f.mu.Lock()
	f.gate = make(chan struct{})
	gate := f.gate
	f.mu.Unlock()

	const callers = 5
	results := make([]pagination.Result, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		results[0], err = e.LoadMore(ctx, feedKey)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return e.InFlight(feedKey) }, time.Second, time.Millisecond)

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			results[i], err = e.LoadMore(ctx, feedKey)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(2), f.calls.Load(), "one initial fetch plus one shared next-page fetch")
	assert.Equal(t, pagination.OutcomeAppended, results[0].Outcome)

	state, _ := st.Collection(feedKey)
	assert.Len(t, state.Refs, 20)
}

func TestLoadInitial_SupersedesInFlightLoadMore(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 10), Cursor: "c10", HasMore: true})
	f.set("c10", entity.Page{Items: posts(11, 20), Cursor: "c20", HasMore: true})
	e, st := newEngine(t, f)
	ctx := context.Background()

	_, err := e.LoadInitial(ctx, feedKey)
	require.NoError(t, err)

	f.mu.Lock()
	f.gate = make(chan struct{})
	gate := f.gate
	f.mu.Unlock()

	more := make(chan pagination.Result, 1)
	go func() {
		res, err := e.LoadMore(ctx, feedKey)
		assert.NoError(t, err)
		more <- res
	}()
	require.Eventually(t, func() bool { return e.InFlight(feedKey) }, time.Second, time.Millisecond)

	// A pull-to-refresh arrives while the next page is outstanding.
	f.set("", entity.Page{Items: posts(101, 105), Cursor: "c105", HasMore: true})
	initial := make(chan pagination.Result, 1)
	go func() {
		res, err := e.LoadInitial(ctx, feedKey)
		assert.NoError(t, err)
		initial <- res
	}()
	require.Eventually(t, func() bool {
		state, _ := st.Collection(feedKey)
		return state.Generation == 2
	}, time.Second, time.Millisecond)

	close(gate)
	stale := <-more
	fresh := <-initial

	assert.Equal(t, pagination.OutcomeDiscarded, stale.Outcome)
	assert.Equal(t, pagination.OutcomeReset, fresh.Outcome)

	state, _ := st.Collection(feedKey)
	require.Len(t, state.Refs, 5)
	assert.Equal(t, "p101", state.Refs[0].ID)
	assert.Equal(t, "c105", state.Cursor)
	assert.Equal(t, uint64(2), state.Generation)
	assert.False(t, state.Loading)
}

func TestLoadMore_TransientFailureKeepsItems(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 10), Cursor: "c10", HasMore: true})
	f.set("c10", entity.Page{Items: posts(11, 12), Cursor: "c12", HasMore: false})
	transient := &remote.FetchError{Op: "FetchCollection", Key: feedKey, Attempts: 3, Err: remote.ErrTransientFetch}
	f.fail("c10", transient)
	e, st := newEngine(t, f)
	ctx := context.Background()

	_, err := e.LoadInitial(ctx, feedKey)
	require.NoError(t, err)

	_, err = e.LoadMore(ctx, feedKey)
	require.ErrorIs(t, err, remote.ErrTransientFetch)

	snap, _ := st.Snapshot(feedKey)
	assert.Len(t, snap.Items, 10)
	assert.Equal(t, "c10", snap.Cursor)
	assert.True(t, snap.HasMore)
	assert.False(t, snap.Loading)
	require.ErrorIs(t, snap.Err, remote.ErrTransientFetch)

	// Retry affordance: the next LoadMore uses the same cursor and clears the error.
	res, err := e.LoadMore(ctx, feedKey)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	snap, _ = st.Snapshot(feedKey)
	assert.NoError(t, snap.Err)
	assert.Len(t, snap.Items, 12)
}

func TestLoadMore_StaleCursorReloads(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 10), Cursor: "c10", HasMore: true})
	f.fail("c10", fmt.Errorf("cursor c10: %w", remote.ErrStaleCursor))
	e, st := newEngine(t, f)
	ctx := context.Background()

	_, err := e.LoadInitial(ctx, feedKey)
	require.NoError(t, err)

	f.set("", entity.Page{Items: posts(3, 12), Cursor: "c12", HasMore: true})
	res, err := e.LoadMore(ctx, feedKey)
	require.NoError(t, err)
	assert.Equal(t, pagination.OutcomeReset, res.Outcome)
	assert.Equal(t, uint64(2), res.Generation)

	state, _ := st.Collection(feedKey)
	require.Len(t, state.Refs, 10)
	assert.Equal(t, "p3", state.Refs[0].ID)
	assert.NoError(t, state.Err)
}

func TestLoadMore_StaleCursorReloadsForEveryCaller(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 10), Cursor: "c10", HasMore: true})
	e, st := newEngine(t, f)
	ctx := context.Background()

	_, err := e.LoadInitial(ctx, feedKey)
	require.NoError(t, err)

	f.set("", entity.Page{Items: posts(3, 12), Cursor: "c12", HasMore: true})
	f.fail("c10", fmt.Errorf("cursor c10: %w", remote.ErrStaleCursor))
	release := f.hold("c10")

	const callers = 3
	results := make([]pagination.Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = e.LoadMore(ctx, feedKey)
	}()
	require.Eventually(t, func() bool { return e.InFlight(feedKey) }, time.Second, time.Millisecond)

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.LoadMore(ctx, feedKey)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, pagination.OutcomeReset, results[0].Outcome)
	for i := range callers {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, uint64(2), results[i].Generation, "caller %d", i)
		if i > 0 {
			assert.Equal(t, pagination.OutcomeJoined, results[i].Outcome, "caller %d", i)
		}
	}
	assert.Equal(t, int32(3), f.calls.Load(), "first page, stale next page, one reload")

	state, _ := st.Collection(feedKey)
	require.Len(t, state.Refs, 10)
	assert.Equal(t, "p3", state.Refs[0].ID)
	assert.False(t, state.Loading)
	assert.NoError(t, state.Err)
}

func TestLoadMore_InitiatorCancellationDoesNotFailJoiners(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 10), Cursor: "c10", HasMore: true})
	f.set("c10", entity.Page{Items: posts(11, 20), Cursor: "c20", HasMore: true})
	e, st := newEngine(t, f)

	_, err := e.LoadInitial(context.Background(), feedKey)
	require.NoError(t, err)
	release := f.hold("c10")

	ctx, cancel := context.WithCancel(context.Background())
	initiator := make(chan error, 1)
	go func() {
		_, err := e.LoadMore(ctx, feedKey)
		initiator <- err
	}()
	require.Eventually(t, func() bool { return e.InFlight(feedKey) }, time.Second, time.Millisecond)

	joiner := make(chan pagination.Result, 1)
	go func() {
		res, err := e.LoadMore(context.Background(), feedKey)
		assert.NoError(t, err)
		joiner <- res
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-initiator, context.Canceled)

	close(release)
	res := <-joiner
	assert.Equal(t, pagination.OutcomeJoined, res.Outcome)
	assert.Equal(t, 10, res.Added)
	assert.Equal(t, int32(2), f.calls.Load())

	state, _ := st.Collection(feedKey)
	assert.Len(t, state.Refs, 20)
}

func TestLoadInitial_FailureRestoresGeneration(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 10), Cursor: "c10", HasMore: true})
	f.set("c10", entity.Page{Items: posts(11, 20), Cursor: "c20", HasMore: true})
	e, st := newEngine(t, f)
	ctx := context.Background()

	_, err := e.LoadInitial(ctx, feedKey)
	require.NoError(t, err)
	release := f.hold("c10")

	more := make(chan pagination.Result, 1)
	go func() {
		res, err := e.LoadMore(ctx, feedKey)
		assert.NoError(t, err)
		more <- res
	}()
	require.Eventually(t, func() bool { return e.InFlight(feedKey) }, time.Second, time.Millisecond)

	boom := errors.New("offline")
	f.fail("", boom)
	_, err = e.LoadInitial(ctx, feedKey)
	require.ErrorIs(t, err, boom)

	state, _ := st.Collection(feedKey)
	assert.Equal(t, uint64(1), state.Generation)
	assert.True(t, state.Loading, "next page still outstanding")
	assert.True(t, e.InFlight(feedKey))

	close(release)
	res := <-more
	assert.Equal(t, pagination.OutcomeAppended, res.Outcome)

	state, _ = st.Collection(feedKey)
	assert.Len(t, state.Refs, 20)
	assert.False(t, state.Loading)
	assert.NoError(t, state.Err)
}

func TestLoadInitial_FailureKeepsPreviousItems(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 4), Cursor: "c4", HasMore: true})
	e, st := newEngine(t, f)
	ctx := context.Background()

	_, err := e.LoadInitial(ctx, feedKey)
	require.NoError(t, err)

	boom := errors.New("offline")
	f.fail("", boom)
	_, err = e.LoadInitial(ctx, feedKey)
	require.ErrorIs(t, err, boom)

	snap, _ := st.Snapshot(feedKey)
	assert.Len(t, snap.Items, 4)
	assert.ErrorIs(t, snap.Err, boom)
	assert.False(t, snap.Loading)
}

func TestTriggerVisible(t *testing.T) {
	f := newFakeFetcher()
	f.set("", entity.Page{Items: posts(1, 20), Cursor: "c20", HasMore: true})
	f.set("c20", entity.Page{Items: posts(21, 25), HasMore: false})
	e, _ := newEngine(t, f, pagination.WithPrefetchThreshold(3))
	ctx := context.Background()

	_, err := e.LoadInitial(ctx, feedKey)
	require.NoError(t, err)

	res, err := e.TriggerVisible(ctx, feedKey, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, pagination.OutcomeNoop, res.Outcome)
	assert.Equal(t, pagination.ReasonNotNear, res.Reason)

	res, err = e.TriggerVisible(ctx, feedKey, 17, 20)
	require.NoError(t, err)
	assert.Equal(t, pagination.OutcomeAppended, res.Outcome)
	assert.Equal(t, 5, res.Added)
}

func TestNearEnd(t *testing.T) {
	tests := []struct {
		name                        string
		visibleTo, total, threshold int
		want                        bool
	}{
		{name: "empty list", visibleTo: 0, total: 0, threshold: 5, want: false},
		{name: "at end", visibleTo: 20, total: 20, threshold: 0, want: true},
		{name: "inside threshold", visibleTo: 16, total: 20, threshold: 5, want: true},
		{name: "outside threshold", visibleTo: 10, total: 20, threshold: 5, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pagination.NearEnd(tt.visibleTo, tt.total, tt.threshold))
		})
	}
}
