package mutation_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/identity"
	"github.com/rshade/finfeed/internal/mutation"
	"github.com/rshade/finfeed/internal/notify"
	"github.com/rshade/finfeed/internal/remote"
	"github.com/rshade/finfeed/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	postRef    = entity.NewRef("post", "p1")
	c1         = entity.NewRef("comment", "c1")
	c2         = entity.NewRef("comment", "c2")
	threadKey  = "comments:p1"
	errOffline = errors.New("offline")
)

// scripted is the canned answer for one operation id.
type scripted struct {
	result remote.MutationResult
	err    error
	gate   chan struct{}
}

// fakeRunner answers RunMutation by the "op" input field.
type fakeRunner struct {
	mu      sync.Mutex
	answers map[string]*scripted
	calls   atomic.Int32
	ctxErrs []error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{answers: make(map[string]*scripted)}
}

func (r *fakeRunner) script(op string, s *scripted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers[op] = s
}

func (r *fakeRunner) RunMutation(ctx context.Context, _ string, input map[string]any) (remote.MutationResult, error) {
	r.calls.Add(1)
	op, _ := input["op"].(string)

	r.mu.Lock()
	answer, ok := r.answers[op]
	r.mu.Unlock()
	if !ok {
		return remote.MutationResult{}, remote.ErrUnknownMutation
	}
	if answer.gate != nil {
		<-answer.gate
	}

	r.mu.Lock()
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	r.mu.Unlock()
	return answer.result, answer.err
}

type fixture struct {
	store     *store.Store
	runner    *fakeRunner
	presenter *notify.Recorder
	coord     *mutation.Coordinator
}

func newFixture(t *testing.T, opts ...mutation.Option) *fixture {
	t.Helper()
	st := store.New(store.WithCountRules(store.CountRule{
		ChildKind:     "comment",
		ParentKind:    "post",
		ParentIDField: "postId",
		CountField:    "commentCount",
	}))
	t.Cleanup(st.Close)

	require.NoError(t, st.Update(func(tx *store.Tx) error {
		tx.Put(postRef, entity.Fields{"title": "Earnings", "commentCount": 2, "likeCount": 5})
		tx.Put(c1, entity.Fields{"postId": "p1", "body": "first"})
		tx.Put(c2, entity.Fields{"postId": "p1", "body": "second"})
		tx.ResetCollection(threadKey, []entity.Ref{c1, c2})
		return nil
	}))
	st.Sync()

	var n atomic.Int32
	f := &fixture{store: st, runner: newFakeRunner(), presenter: &notify.Recorder{}}
	base := []mutation.Option{
		mutation.WithPresenter(f.presenter),
		mutation.WithTempIDs(func() string { return strconv.Itoa(int(n.Add(1))) }),
	}
	f.coord = mutation.New(st, f.runner, append(base, opts...)...)
	return f
}

func (f *fixture) count(t *testing.T) any {
	t.Helper()
	post, ok := f.store.Get(postRef)
	require.True(t, ok)
	return post.Fields["commentCount"]
}

func (f *fixture) thread(t *testing.T) []entity.Ref {
	t.Helper()
	state, ok := f.store.Collection(threadKey)
	require.True(t, ok)
	return state.Refs
}

func addComment(op string) mutation.Spec {
	return mutation.Spec{
		Key:         "addComment:" + op,
		Name:        "addComment",
		Kind:        mutation.KindCreate,
		Target:      entity.Ref{Kind: "comment"},
		Fields:      entity.Fields{"postId": "p1", "body": "great call"},
		Collections: []mutation.Placement{{Key: threadKey, Position: -1}},
		Input:       map[string]any{"op": op, "postId": "p1", "body": "great call"},
	}
}

func like(op string) mutation.Spec {
	return mutation.Spec{
		Key:        "likePost:" + op,
		Name:       "likePost",
		Kind:       mutation.KindUpdate,
		Target:     postRef,
		Increments: map[string]int64{"likeCount": 1},
		Input:      map[string]any{"op": op, "postId": "p1"},
	}
}

func waitPending(t *testing.T, c *mutation.Coordinator, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State(key) == mutation.StatePending
	}, time.Second, time.Millisecond)
}

func TestSubmit_CreateConfirmedReplacesTemporaryIdentity(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	abc := entity.NewRef("comment", "abc")
	f.runner.script("a", &scripted{
		gate: gate,
		result: remote.MutationResult{
			Entity:  entity.New(abc, entity.Fields{"postId": "p1", "body": "great call", "createdAt": "2026-03-02T14:30:00Z"}),
			Related: []entity.Entity{entity.New(postRef, entity.Fields{"commentCount": 3})},
		},
	})

	var events []mutation.State
	var evMu sync.Mutex
	f.coord = mutation.New(f.store, f.runner,
		mutation.WithTempIDs(func() string { return "1" }),
		mutation.WithObserver(func(ev mutation.Event) {
			evMu.Lock()
			defer evMu.Unlock()
			events = append(events, ev.State)
		}))

	done := make(chan struct{})
	var confirmed entity.Entity
	var err error
	go func() {
		defer close(done)
		confirmed, err = f.coord.Submit(context.Background(), addComment("a"))
	}()
	waitPending(t, f.coord, "addComment:a")

	tmp := entity.NewRef("comment", "tmp-1")
	assert.Equal(t, []entity.Ref{c1, c2, tmp}, f.thread(t), "tentative comment visible")
	assert.Equal(t, 3, f.count(t), "tentative count visible")

	close(gate)
	<-done
	require.NoError(t, err)

	assert.Equal(t, abc, confirmed.Ref)
	assert.Equal(t, []entity.Ref{c1, c2, abc}, f.thread(t))
	assert.Equal(t, 3, f.count(t), "count incremented exactly once")
	_, ok := f.store.Get(tmp)
	assert.False(t, ok, "temporary entity evicted")
	assert.Equal(t, mutation.StateIdle, f.coord.State("addComment:a"))

	evMu.Lock()
	defer evMu.Unlock()
	assert.Equal(t, []mutation.State{mutation.StatePending, mutation.StateConfirmed}, events)
}

func TestSubmit_CreateConfirmedWithoutRelatedKeepsTentativeCount(t *testing.T) {
	f := newFixture(t)
	f.runner.script("a", &scripted{result: remote.MutationResult{
		Entity: entity.New(entity.NewRef("comment", "abc"), entity.Fields{"postId": "p1"}),
	}})

	_, err := f.coord.Submit(context.Background(), addComment("a"))
	require.NoError(t, err)
	assert.Equal(t, 3, f.count(t))
}

func TestSubmit_CreateFailureRollsBackEveryLocation(t *testing.T) {
	f := newFixture(t)
	f.runner.script("a", &scripted{err: &remote.FetchError{Op: "RunMutation", Key: "addComment", Attempts: 1, Err: remote.ErrTransientFetch}})

	spec := addComment("a")
	_, err := f.coord.Submit(context.Background(), spec)
	require.Error(t, err)

	var mutErr *mutation.MutationError
	require.ErrorAs(t, err, &mutErr)
	assert.Equal(t, spec.Input, mutErr.Input, "typed input is restorable")
	assert.ErrorIs(t, err, remote.ErrTransientFetch)

	assert.Equal(t, []entity.Ref{c1, c2}, f.thread(t))
	assert.Equal(t, 2, f.count(t))
	_, ok := f.store.Get(entity.NewRef("comment", "tmp-1"))
	assert.False(t, ok)

	notices := f.presenter.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.KindMutationRolledBack, notices[0].Kind)
	assert.Equal(t, 0, f.coord.Pending())
}

func TestSubmit_DuplicateSuppressed(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.runner.script("a", &scripted{gate: gate, result: remote.MutationResult{
		Entity: entity.New(entity.NewRef("comment", "abc"), entity.Fields{"postId": "p1"}),
	}})

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Submit(context.Background(), addComment("a"))
		done <- err
	}()
	waitPending(t, f.coord, "addComment:a")

	_, err := f.coord.Submit(context.Background(), addComment("a"))
	require.ErrorIs(t, err, mutation.ErrDuplicateSubmission)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), f.runner.calls.Load())
	assert.Equal(t, 3, f.count(t))
}

func TestSubmit_DeleteCascadesOnConfirm(t *testing.T) {
	f := newFixture(t)
	f.runner.script("d", &scripted{result: remote.MutationResult{Deleted: true}})

	type view struct {
		count  any
		thread int
	}
	var mu sync.Mutex
	var seen []view
	sub := f.store.Subscribe(store.EntityTopic(postRef), func(store.Change) {
		post, _ := f.store.Get(postRef)
		snap, _ := f.store.Snapshot(threadKey)
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, view{count: post.Fields["commentCount"], thread: len(snap.Items)})
	})
	defer sub.Close()

	removed, err := f.coord.Submit(context.Background(), mutation.Spec{
		Name:   "deleteComment",
		Kind:   mutation.KindDelete,
		Target: c1,
		Input:  map[string]any{"op": "d", "commentId": "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "first", removed.Fields["body"])

	assert.Equal(t, []entity.Ref{c2}, f.thread(t))
	assert.Equal(t, 1, f.count(t))

	f.store.Sync()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, view{count: 1, thread: 1}, seen[0], "count and thread change together")
}

func TestSubmit_DeleteConfirmedWhileCreatePendingKeepsCount(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.runner.script("a", &scripted{gate: gate, err: errOffline})
	f.runner.script("d", &scripted{result: remote.MutationResult{Deleted: true}})

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Submit(context.Background(), addComment("a"))
		done <- err
	}()
	waitPending(t, f.coord, "addComment:a")
	tmp := entity.NewRef("comment", "tmp-1")
	assert.Equal(t, 3, f.count(t))

	_, err := f.coord.Submit(context.Background(), mutation.Spec{
		Name:   "deleteComment",
		Kind:   mutation.KindDelete,
		Target: c1,
		Input:  map[string]any{"op": "d", "commentId": "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []entity.Ref{c2, tmp}, f.thread(t))
	assert.Equal(t, 2, f.count(t))

	close(gate)
	require.ErrorIs(t, <-done, errOffline)

	assert.Equal(t, []entity.Ref{c2}, f.thread(t))
	assert.Equal(t, 1, f.count(t), "count matches the thread after the create rolls back")
	assert.Equal(t, 0, f.coord.Pending())
}

func TestReconcile_KeepsPendingFieldAndRetargetsRollback(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.runner.script("l", &scripted{gate: gate, err: errOffline})

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Submit(context.Background(), like("l"))
		done <- err
	}()
	waitPending(t, f.coord, "likePost:l")

	f.coord.Reconcile(entity.New(postRef, entity.Fields{"title": "Earnings beat", "likeCount": int64(7)}))

	post, _ := f.store.Get(postRef)
	assert.Equal(t, "Earnings beat", post.Fields["title"], "unrelated field merged")
	assert.Equal(t, 6, post.Fields["likeCount"], "tentative like kept")

	close(gate)
	require.ErrorIs(t, <-done, errOffline)

	post, _ = f.store.Get(postRef)
	assert.Equal(t, int64(7), post.Fields["likeCount"], "rollback lands on the fetched value")
}

func TestReconcile_WithoutPendingMerges(t *testing.T) {
	f := newFixture(t)
	f.coord.Reconcile(entity.New(postRef, entity.Fields{"likeCount": int64(9)}))

	post, _ := f.store.Get(postRef)
	assert.Equal(t, int64(9), post.Fields["likeCount"])
	assert.Equal(t, "Earnings", post.Fields["title"])
}

func TestSubmit_ReconciliationConflicts(t *testing.T) {
	tests := []struct {
		name   string
		spec   mutation.Spec
		result remote.MutationResult
	}{
		{
			name:   "delete answered with entity",
			spec:   mutation.Spec{Name: "deleteComment", Kind: mutation.KindDelete, Target: c1, Input: map[string]any{"op": "x"}},
			result: remote.MutationResult{Entity: entity.New(c1, entity.Fields{"body": "first"})},
		},
		{
			name:   "create answered with deletion",
			spec:   addComment("x"),
			result: remote.MutationResult{Deleted: true},
		},
		{
			name:   "update answered for another entity",
			spec:   like("x"),
			result: remote.MutationResult{Entity: entity.New(entity.NewRef("post", "p2"), entity.Fields{"likeCount": 1})},
		},
		{
			name:   "create answered with wrong kind",
			spec:   addComment("x"),
			result: remote.MutationResult{Entity: entity.New(entity.NewRef("post", "p9"), entity.Fields{})},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.runner.script("x", &scripted{result: tt.result})

			_, err := f.coord.Submit(context.Background(), tt.spec)
			require.ErrorIs(t, err, remote.ErrReconciliationConflict)

			assert.Equal(t, []entity.Ref{c1, c2}, f.thread(t))
			assert.Equal(t, 2, f.count(t))
			post, _ := f.store.Get(postRef)
			assert.Equal(t, 5, post.Fields["likeCount"])

			notices := f.presenter.Notices()
			require.Len(t, notices, 1)
			assert.Equal(t, notify.KindReconciliationConflict, notices[0].Kind)
		})
	}
}

func TestSubmit_ConcurrentUpdatesOnOneEntity(t *testing.T) {
	likeCount := func(f *fixture) any {
		post, _ := f.store.Get(postRef)
		return post.Fields["likeCount"]
	}

	t.Run("earlier fails then later fails", func(t *testing.T) {
		f := newFixture(t)
		gateA, gateB := make(chan struct{}), make(chan struct{})
		f.runner.script("a", &scripted{gate: gateA, err: errOffline})
		f.runner.script("b", &scripted{gate: gateB, err: errOffline})

		errA, errB := make(chan error, 1), make(chan error, 1)
		go func() { _, err := f.coord.Submit(context.Background(), like("a")); errA <- err }()
		waitPending(t, f.coord, "likePost:a")
		go func() { _, err := f.coord.Submit(context.Background(), like("b")); errB <- err }()
		waitPending(t, f.coord, "likePost:b")
		assert.Equal(t, 7, likeCount(f))

		close(gateA)
		require.Error(t, <-errA)
		assert.Equal(t, 6, likeCount(f), "only the failed increment is undone")

		close(gateB)
		require.Error(t, <-errB)
		assert.Equal(t, 5, likeCount(f), "back to the exact pre-mutation value")
	})

	t.Run("later fails first then earlier fails", func(t *testing.T) {
		f := newFixture(t)
		gateA, gateB := make(chan struct{}), make(chan struct{})
		f.runner.script("a", &scripted{gate: gateA, err: errOffline})
		f.runner.script("b", &scripted{gate: gateB, err: errOffline})

		errA, errB := make(chan error, 1), make(chan error, 1)
		go func() { _, err := f.coord.Submit(context.Background(), like("a")); errA <- err }()
		waitPending(t, f.coord, "likePost:a")
		go func() { _, err := f.coord.Submit(context.Background(), like("b")); errB <- err }()
		waitPending(t, f.coord, "likePost:b")

		close(gateB)
		require.Error(t, <-errB)
		assert.Equal(t, 6, likeCount(f))

		close(gateA)
		require.Error(t, <-errA)
		assert.Equal(t, 5, likeCount(f))
	})

	t.Run("earlier fails then later confirms", func(t *testing.T) {
		f := newFixture(t)
		gateA, gateB := make(chan struct{}), make(chan struct{})
		f.runner.script("a", &scripted{gate: gateA, err: errOffline})
		f.runner.script("b", &scripted{gate: gateB, result: remote.MutationResult{
			Entity: entity.New(postRef, entity.Fields{"likeCount": 6}),
		}})

		errA, errB := make(chan error, 1), make(chan error, 1)
		go func() { _, err := f.coord.Submit(context.Background(), like("a")); errA <- err }()
		waitPending(t, f.coord, "likePost:a")
		go func() { _, err := f.coord.Submit(context.Background(), like("b")); errB <- err }()
		waitPending(t, f.coord, "likePost:b")

		close(gateA)
		require.Error(t, <-errA)
		close(gateB)
		require.NoError(t, <-errB)
		assert.Equal(t, 6, likeCount(f))
	})

	t.Run("earlier confirms while later pending, later fails", func(t *testing.T) {
		f := newFixture(t)
		gateA, gateB := make(chan struct{}), make(chan struct{})
		f.runner.script("a", &scripted{gate: gateA, result: remote.MutationResult{
			Entity: entity.New(postRef, entity.Fields{"likeCount": 6, "title": "Earnings"}),
		}})
		f.runner.script("b", &scripted{gate: gateB, err: errOffline})

		errA, errB := make(chan error, 1), make(chan error, 1)
		go func() { _, err := f.coord.Submit(context.Background(), like("a")); errA <- err }()
		waitPending(t, f.coord, "likePost:a")
		go func() { _, err := f.coord.Submit(context.Background(), like("b")); errB <- err }()
		waitPending(t, f.coord, "likePost:b")

		close(gateA)
		require.NoError(t, <-errA)
		assert.Equal(t, 7, likeCount(f), "pending later increment stays visible")

		close(gateB)
		require.Error(t, <-errB)
		assert.Equal(t, 6, likeCount(f), "rolls back to the confirmed server value")
	})
}

func TestSubmit_UpdateMissingTarget(t *testing.T) {
	f := newFixture(t)
	spec := like("a")
	spec.Target = entity.NewRef("post", "gone")

	_, err := f.coord.Submit(context.Background(), spec)
	require.ErrorIs(t, err, mutation.ErrTargetMissing)
	assert.Equal(t, int32(0), f.runner.calls.Load())
}

func TestSubmit_InvalidSpec(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		spec mutation.Spec
	}{
		{name: "no name", spec: mutation.Spec{Kind: mutation.KindCreate, Target: entity.Ref{Kind: "comment"}}},
		{name: "create without kind", spec: mutation.Spec{Name: "x", Kind: mutation.KindCreate}},
		{name: "empty update", spec: mutation.Spec{Name: "x", Kind: mutation.KindUpdate, Target: postRef}},
		{name: "delete without target", spec: mutation.Spec{Name: "x", Kind: mutation.KindDelete}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.Submit(context.Background(), tt.spec)
			require.ErrorIs(t, err, mutation.ErrInvalidSpec)
		})
	}
}

func TestSubmit_AttachesActor(t *testing.T) {
	f := newFixture(t, mutation.WithIdentity(identity.Static{ID: "u7", Name: "Ada"}))
	gate := make(chan struct{})
	f.runner.script("a", &scripted{gate: gate, err: errOffline})

	spec := addComment("a")
	spec.AttachActor = true

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.coord.Submit(context.Background(), spec)
	}()
	waitPending(t, f.coord, "addComment:a")

	tmp, ok := f.store.Get(entity.NewRef("comment", "tmp-1"))
	require.True(t, ok)
	assert.Equal(t, "u7", tmp.Fields["authorId"])
	assert.Equal(t, "Ada", tmp.Fields["authorName"])

	close(gate)
	<-done
}

func TestSubmit_CallerCancellationDoesNotCancelMutation(t *testing.T) {
	f := newFixture(t)
	f.runner.script("a", &scripted{result: remote.MutationResult{
		Entity: entity.New(entity.NewRef("comment", "abc"), entity.Fields{"postId": "p1"}),
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.coord.Submit(ctx, addComment("a"))
	require.NoError(t, err)

	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	require.Len(t, f.runner.ctxErrs, 1)
	assert.NoError(t, f.runner.ctxErrs[0])
}

func TestSpec_DedupKey(t *testing.T) {
	assert.Equal(t, "likePost/post:p1", mutation.Spec{Name: "likePost", Target: postRef}.DedupKey())
	assert.Equal(t, "addComment", mutation.Spec{Name: "addComment"}.DedupKey())
	assert.Equal(t, "custom", mutation.Spec{Key: "custom", Name: "addComment"}.DedupKey())
}
