package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/finfeed/internal/notify"
)

func TestMultiFansOutInOrder(t *testing.T) {
	var first, second notify.Recorder
	var order []string
	tracker := notify.PresenterFunc(func(_ context.Context, n notify.Notice) {
		order = append(order, n.Key)
	})

	p := notify.Multi(&first, nil, tracker, &second, notify.LogPresenter{})
	p.Present(context.Background(), notify.Notice{Kind: notify.KindFetchFailed, Key: "feed:home", Err: errors.New("x")})
	p.Present(context.Background(), notify.Notice{Kind: notify.KindMutationRolledBack, Key: "addComment"})

	require.Len(t, first.Notices(), 2)
	require.Len(t, second.Notices(), 2)
	assert.Equal(t, []string{"feed:home", "addComment"}, order)
	assert.Equal(t, notify.KindMutationRolledBack, second.Notices()[1].Kind)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "fetch_failed", notify.KindFetchFailed.String())
	assert.Equal(t, "reconciliation_conflict", notify.KindReconciliationConflict.String())
	assert.Equal(t, "Kind(9)", notify.Kind(9).String())
}
