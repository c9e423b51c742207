package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/storage"
	logx "storyloom/pkg/logx"
)

func TestReconcile(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		cursor    int
		persisted []int
		want      Plan
	}{
		{name: "consistent", cursor: 3, persisted: []int{1, 2, 3}, want: Plan{RunFrom: 3, PersistedCursor: 3}},
		{name: "next already written", cursor: 3, persisted: []int{1, 2, 3, 4}, want: Plan{RunFrom: 3, PersistedCursor: 3}},
		{name: "internal gap", cursor: 5, persisted: []int{1, 2, 4, 5}, want: Plan{RunFrom: 2, PersistedCursor: 5, Backfill: true}},
		{name: "gap at one", cursor: 2, persisted: []int{2}, want: Plan{RunFrom: 0, PersistedCursor: 2, Backfill: true}},
		{name: "cursor ahead", cursor: 6, persisted: []int{1, 2, 3, 4}, want: Plan{RunFrom: 4, PersistedCursor: 4, Corrected: true}},
		{name: "nothing persisted", cursor: 2, persisted: nil, want: Plan{RunFrom: 0, PersistedCursor: 0, Corrected: true}},
		{name: "unsorted input", cursor: 3, persisted: []int{3, 1, 2}, want: Plan{RunFrom: 3, PersistedCursor: 3}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Reconcile(tt.cursor, tt.persisted))
		})
	}
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestGapHealingKeepsCursor(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateProject(ctx, storage.Project{ID: "p", OutputID: "b", Cursor: 5, Target: 100}))
	for _, seq := range []int{1, 2, 4, 5} {
		require.NoError(t, st.UpsertChapter(ctx, storage.Chapter{OutputID: "b", Seq: seq, Content: "x"}))
	}
	r := New(st, logx.Nop())

	p, err := st.GetProject(ctx, "p")
	require.NoError(t, err)
	plan, err := r.Check(ctx, p)
	require.NoError(t, err)
	require.True(t, plan.Backfill)
	require.Equal(t, 3, plan.Next())

	// one write cycle fills exactly the hole
	require.NoError(t, st.UpsertChapter(ctx, storage.Chapter{OutputID: "b", Seq: plan.Next(), Content: "healed"}))
	plan, err = r.Check(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, Plan{RunFrom: 5, PersistedCursor: 5}, plan)

	p, err = st.GetProject(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 5, p.Cursor)
}

func TestCheckCorrectsCursorOnce(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateProject(ctx, storage.Project{ID: "p", OutputID: "b", Cursor: 4, Target: 100}))
	for _, seq := range []int{1, 2} {
		require.NoError(t, st.UpsertChapter(ctx, storage.Chapter{OutputID: "b", Seq: seq, Content: "x"}))
	}
	r := New(st, logx.Nop())
	stale, err := st.GetProject(ctx, "p")
	require.NoError(t, err)

	plan, err := r.Check(ctx, stale)
	require.NoError(t, err)
	assert.True(t, plan.Corrected)
	assert.Equal(t, 3, plan.Next())

	p, err := st.GetProject(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Cursor)

	// a second check from the stale snapshot must not lower it again
	_, err = r.Check(ctx, stale)
	require.ErrorIs(t, err, ErrCursorMoved)
}
