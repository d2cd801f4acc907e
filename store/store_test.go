package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mikiwiik/instructions-only-claude-coding-sub003/common/types"
)

const list = types.ListID("shared")

func newTestStore(t *testing.T, clock clockwork.Clock) *Store {
	t.Helper()
	s, err := Open(WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAssignsServerIDAndTimestamps(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s := newTestStore(t, clock)

	res, snap, err := s.Apply(context.Background(), list, types.NewCreate(types.Item{
		ID:        "local-abc",
		Text:      "buy milk",
		CreatedAt: types.At(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)), // provisional, overridden
	}))
	require.NoError(t, err)
	require.NotNil(t, res.Item)
	require.False(t, strings.HasPrefix(string(res.Item.ID), TempIDPrefix))
	require.Equal(t, clock.Now(), res.Item.CreatedAt.Time)
	require.Equal(t, clock.Now(), res.Item.UpdatedAt.Time)
	require.Len(t, snap.Todos, 1)
	require.Equal(t, 1.0, snap.Todos[0].SortOrder)

	// a unique client id that is not provisional is honored
	res2, _, err := s.Apply(context.Background(), list, types.NewCreate(types.Item{ID: "stable-id", Text: "walk dog"}))
	require.NoError(t, err)
	require.Equal(t, types.ItemID("stable-id"), res2.Item.ID)
	require.Equal(t, 2.0, res2.Item.SortOrder)

	// a colliding id is replaced
	res3, _, err := s.Apply(context.Background(), list, types.NewCreate(types.Item{ID: "stable-id", Text: "again"}))
	require.NoError(t, err)
	require.NotEqual(t, types.ItemID("stable-id"), res3.Item.ID)
}

func TestUpdateIsWholeRecordLastWriteWins(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s := newTestStore(t, clock)
	ctx := context.Background()

	res, _, err := s.Apply(ctx, list, types.NewCreate(types.Item{Text: "item x"}))
	require.NoError(t, err)
	id := res.Item.ID

	// U1: session A marks complete
	clock.Advance(time.Second)
	doneAt := types.Now(clock)
	u1 := *res.Item
	u1.CompletedAt = &doneAt
	_, _, err = s.Apply(ctx, list, types.NewUpdate(u1))
	require.NoError(t, err)

	// U2: session B, working from the same base, edits text and leaves the
	// item open. U2 is processed later, so its whole payload wins.
	clock.Advance(time.Second)
	u2 := *res.Item
	u2.Text = "item x, reworded"
	u2.CompletedAt = nil
	_, snap, err := s.Apply(ctx, list, types.NewUpdate(u2))
	require.NoError(t, err)

	idx := snap.Find(id)
	require.NotEqual(t, -1, idx)
	got := snap.Todos[idx]
	require.Equal(t, "item x, reworded", got.Text)
	require.False(t, got.Completed(), "no field-level merge: U2's payload replaces U1's completion")
	require.Equal(t, clock.Now(), got.UpdatedAt.Time)
	require.Equal(t, res.Item.CreatedAt.Time, got.CreatedAt.Time, "createdAt immutable")
}

func TestUpdateUnknownItem(t *testing.T) {
	s := newTestStore(t, clockwork.NewFakeClock())
	_, _, err := s.Apply(context.Background(), list, types.NewUpdate(types.Item{ID: "nope"}))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyRejectsMissingItemPayload(t *testing.T) {
	s := newTestStore(t, clockwork.NewFakeClock())
	for _, op := range []types.Op{types.OpCreate, types.OpUpdate, types.OpReorderSingle} {
		_, _, err := s.Apply(context.Background(), list, types.Mutation{Op: op})
		require.ErrorIs(t, err, types.ErrBadPayload, "op %s", op)
	}
}

func TestDeleteKeepsCompletionState(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s := newTestStore(t, clock)
	ctx := context.Background()

	res, _, err := s.Apply(ctx, list, types.NewCreate(types.Item{Text: "done then gone"}))
	require.NoError(t, err)
	doneAt := types.Now(clock)
	item := *res.Item
	item.CompletedAt = &doneAt
	_, _, err = s.Apply(ctx, list, types.NewUpdate(item))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, snap, err := s.Apply(ctx, list, types.NewDelete(res.Item.ID))
	require.NoError(t, err)
	got := snap.Todos[snap.Find(res.Item.ID)]
	require.True(t, got.Deleted())
	require.True(t, got.Completed(), "deletion is independent of completion")
}

func TestReorderUsesStoredPayloads(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestStore(t, clock)
	ctx := context.Background()

	a, _, err := s.Apply(ctx, list, types.NewCreate(types.Item{Text: "a"}))
	require.NoError(t, err)
	b, _, err := s.Apply(ctx, list, types.NewCreate(types.Item{Text: "b"}))
	require.NoError(t, err)

	// the reorder payload carries stale text; only the ordering is applied
	stale := []types.Item{
		{ID: b.Item.ID, Text: "stale b"},
		{ID: a.Item.ID, Text: "stale a"},
		{ID: "ghost", Text: "never existed"},
	}
	_, snap, err := s.Apply(ctx, list, types.NewReorder(stale))
	require.NoError(t, err)

	active := snap.Active()
	require.Equal(t, b.Item.ID, active[0].ID)
	require.Equal(t, a.Item.ID, active[1].ID)
	require.Equal(t, "b", active[0].Text, "stale payload text must not be resurrected")
	require.Equal(t, -1, snap.Find("ghost"))
}

func TestReorderSingleComputesNeighborsAtWriteTime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestStore(t, clock)
	ctx := context.Background()

	var ids []types.ItemID
	for _, text := range []string{"a", "b", "c", "d"} {
		res, _, err := s.Apply(ctx, list, types.NewCreate(types.Item{Text: text}))
		require.NoError(t, err)
		ids = append(ids, res.Item.ID)
	}
	// sort orders are now 1, 2, 3, 4

	// move "d" between "a" (1) and "b" (2): requested key 1.5
	res, snap, err := s.Apply(ctx, list, types.NewReorderSingle(types.Item{ID: ids[3], SortOrder: 1.5}))
	require.NoError(t, err)
	require.Equal(t, 1.5, res.Item.SortOrder)

	active := snap.Active()
	require.Equal(t, ids[0], active[0].ID)
	require.Equal(t, ids[3], active[1].ID)
	require.Equal(t, ids[1], active[2].ID)

	// a requested key beyond the current tail clamps to after the tail
	res, _, err = s.Apply(ctx, list, types.NewReorderSingle(types.Item{ID: ids[0], SortOrder: 99}))
	require.NoError(t, err)
	require.Equal(t, 4.0, res.Item.SortOrder)

	// and before the head clamps to before the head
	res, _, err = s.Apply(ctx, list, types.NewReorderSingle(types.Item{ID: ids[1], SortOrder: -7}))
	require.NoError(t, err)
	require.Less(t, res.Item.SortOrder, 1.5)
}

func TestPurgeRespectsRetention(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s, err := Open(WithClock(clock), WithConfig(Config{Retention: time.Hour}))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	old, _, err := s.Apply(ctx, list, types.NewCreate(types.Item{Text: "old"}))
	require.NoError(t, err)
	_, _, err = s.Apply(ctx, list, types.NewDelete(old.Item.ID))
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	fresh, _, err := s.Apply(ctx, list, types.NewCreate(types.Item{Text: "fresh"}))
	require.NoError(t, err)
	_, _, err = s.Apply(ctx, list, types.NewDelete(fresh.Item.ID))
	require.NoError(t, err)

	purged, err := s.Purge(ctx, list)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	snap, err := s.GetSnapshot(ctx, list)
	require.NoError(t, err)
	require.Equal(t, -1, snap.Find(old.Item.ID))
	require.NotEqual(t, -1, snap.Find(fresh.Item.ID))
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.Path = dir

	s, err := Open(WithClock(clock), WithConfig(cfg))
	require.NoError(t, err)
	res, _, err := s.Apply(context.Background(), list, types.NewCreate(types.Item{Text: "durable"}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(WithClock(clock), WithConfig(cfg))
	require.NoError(t, err)
	defer s2.Close()
	snap, err := s2.GetSnapshot(context.Background(), list)
	require.NoError(t, err)
	require.NotEqual(t, -1, snap.Find(res.Item.ID))

	lists, err := s2.Lists(context.Background())
	require.NoError(t, err)
	require.Equal(t, []types.ListID{list}, lists)
}
