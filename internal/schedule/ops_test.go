package schedule

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedline-backend/internal/feed"
	"github.com/feedline/feedline-backend/internal/store"
)

func TestDenyAndRestore(t *testing.T) {
	ctx := context.Background()
	e, _, st := newTestEngine(t)

	addPending(t, st, "a", "alpha")

	ent, err := e.Deny(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDenied, ent.Status)
	require.NotNil(t, ent.DecidedAt)

	// Denying twice is rejected.
	_, err = e.Deny(ctx, "a")
	assert.ErrorIs(t, err, ErrWrongStatus)

	ent, err = e.RestoreDenied(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, ent.Status)
	assert.Nil(t, ent.DecidedAt)
}

func TestUnscheduleCascadesFollowers(t *testing.T) {
	ctx := context.Background()
	e, fd, st := newTestEngine(t)

	addPending(t, st, "a", "alpha")
	addPending(t, st, "b", "beta")
	addPending(t, st, "c", "gamma")
	approveAll(t, e, "a", "b", "c")

	ent, err := e.Unschedule(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, ent.Status)
	assert.False(t, ent.HasNumber())
	assert.Empty(t, ent.ExternalRef)

	// beta slides into the freed 09:00 slot as #1, gamma into beta's
	// old 14:00 slot as #2. gamma's 19:00 slot falls free.
	posts := fd.Posts()
	require.Len(t, posts, 2)
	assert.Equal(t, "#1 beta", posts[0].Text)
	assert.Equal(t, slot(10, 9), posts[0].ScheduledAt)
	assert.Equal(t, "#2 gamma", posts[1].Text)
	assert.Equal(t, slot(10, 14), posts[1].ScheduledAt)

	next, err := e.NextNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, next)

	// The cascade result is already consistent, so reconciling changes
	// nothing.
	before := fd.WriteCalls()
	_, err = e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, fd.WriteCalls())
}

func TestUnscheduleMiddleEntry(t *testing.T) {
	ctx := context.Background()
	e, fd, st := newTestEngine(t)

	addPending(t, st, "a", "alpha")
	addPending(t, st, "b", "beta")
	addPending(t, st, "c", "gamma")
	approveAll(t, e, "a", "b", "c")

	_, err := e.Unschedule(ctx, "b")
	require.NoError(t, err)

	posts := fd.Posts()
	require.Len(t, posts, 2)
	assert.Equal(t, "#1 alpha", posts[0].Text)
	assert.Equal(t, slot(10, 9), posts[0].ScheduledAt)
	assert.Equal(t, "#2 gamma", posts[1].Text)
	assert.Equal(t, slot(10, 14), posts[1].ScheduledAt)

	next, err := e.NextNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, next)
}

func TestUnschedulePartialCascadeKeepsCounter(t *testing.T) {
	ctx := context.Background()
	e, fd, st := newTestEngine(t)

	addPending(t, st, "a", "alpha")
	addPending(t, st, "b", "beta")
	approveAll(t, e, "a", "b")

	entB, err := st.GetEntry(ctx, "b")
	require.NoError(t, err)
	fd.FailUpdate(entB.ExternalRef, feed.ErrUnavailable)

	_, err = e.Unschedule(ctx, "a")
	require.NoError(t, err)

	// The follower still holds #2, so the counter must not move.
	next, err := e.NextNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, next)

	entB, err = st.GetEntry(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, entB.Number())

	// Once the feed recovers, a reconcile pass repairs the timing. The
	// number keeps its value: compaction runs from the lowest surviving
	// number, so the freed bottom number stays a gap.
	fd.FailUpdate(entB.ExternalRef, nil)
	res, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.HolesFilled)

	entB, err = st.GetEntry(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, entB.Number())
	assert.Equal(t, slot(10, 9), entB.ScheduledTime.UTC())

	next, err = e.NextNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, next)
}

func TestSwapWithLaterNeighbor(t *testing.T) {
	ctx := context.Background()
	e, fd, st := newTestEngine(t)

	addPending(t, st, "a", "alpha")
	addPending(t, st, "b", "beta")
	approveAll(t, e, "a", "b")

	require.NoError(t, e.Swap(ctx, "a", DirectionLater))

	entA, err := st.GetEntry(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, entA.Number())
	assert.Equal(t, slot(10, 14), entA.ScheduledTime.UTC())

	entB, err := st.GetEntry(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, entB.Number())
	assert.Equal(t, slot(10, 9), entB.ScheduledTime.UTC())

	posts := fd.Posts()
	require.Len(t, posts, 2)
	assert.Equal(t, "#1 beta", posts[0].Text)
	assert.Equal(t, slot(10, 9), posts[0].ScheduledAt)
	assert.Equal(t, "#2 alpha", posts[1].Text)
	assert.Equal(t, slot(10, 14), posts[1].ScheduledAt)

	// Swapped queue is consistent; no repair writes follow.
	before := fd.WriteCalls()
	_, err = e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, fd.WriteCalls())
}

func TestSwapWithoutNeighbor(t *testing.T) {
	ctx := context.Background()
	e, _, st := newTestEngine(t)

	addPending(t, st, "a", "alpha")
	approveAll(t, e, "a")

	assert.ErrorIs(t, e.Swap(ctx, "a", DirectionLater), ErrNoNeighbor)
	assert.ErrorIs(t, e.Swap(ctx, "a", DirectionEarlier), ErrNoNeighbor)
}

func TestSwapAttemptsBothWritesOnFailure(t *testing.T) {
	ctx := context.Background()
	e, fd, st := newTestEngine(t)

	addPending(t, st, "a", "alpha")
	addPending(t, st, "b", "beta")
	approveAll(t, e, "a", "b")

	entA, err := st.GetEntry(ctx, "a")
	require.NoError(t, err)
	fd.FailUpdate(entA.ExternalRef, feed.ErrUnavailable)

	err = e.Swap(ctx, "a", DirectionLater)
	require.Error(t, err)

	// The second write went through even though the first failed.
	var betaText string
	for _, p := range fd.Posts() {
		if p.ScheduledAt.Equal(slot(10, 9)) {
			betaText = p.Text
		}
	}
	assert.Equal(t, "#1 beta", betaText)
}

func TestEditTextPending(t *testing.T) {
	ctx := context.Background()
	e, _, st := newTestEngine(t)

	addPending(t, st, "a", "alpha")

	ent, err := e.EditText(ctx, "a", "alpha, revised")
	require.NoError(t, err)
	assert.Equal(t, "alpha, revised", ent.Text)
}

func TestEditTextScheduledRewritesExternal(t *testing.T) {
	ctx := context.Background()
	e, fd, st := newTestEngine(t)

	addPending(t, st, "a", "alpha")
	approveAll(t, e, "a")

	ent, err := e.EditText(ctx, "a", "alpha, revised")
	require.NoError(t, err)
	assert.Equal(t, "alpha, revised", ent.Text)
	assert.Equal(t, 1, ent.Number(), "number must survive the edit")

	posts := fd.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, "#1 alpha, revised", posts[0].Text)
	assert.Equal(t, slot(10, 9), posts[0].ScheduledAt, "slot must survive the edit")
}

func TestEditTextDeniedRejected(t *testing.T) {
	ctx := context.Background()
	e, _, st := newTestEngine(t)

	addPending(t, st, "a", "alpha")
	_, err := e.Deny(ctx, "a")
	require.NoError(t, err)

	_, err = e.EditText(ctx, "a", "too late")
	assert.ErrorIs(t, err, ErrWrongStatus)
}

func TestSetCounterValidation(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	assert.Error(t, e.SetCounter(ctx, 0))
	assert.Error(t, e.SetCounter(ctx, -3))
	require.NoError(t, e.SetCounter(ctx, 17))

	next, err := e.NextNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 17, next)
}
