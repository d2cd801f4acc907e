package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMutationEnvelopeRoundtrip(t *testing.T) {
	created := At(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	item := Item{ID: "a1", Text: "buy milk", CreatedAt: created, UpdatedAt: created, SortOrder: 1}

	for _, tc := range []struct {
		name string
		m    Mutation
	}{
		{"create", NewCreate(item)},
		{"update", NewUpdate(item)},
		{"delete", NewDelete("a1")},
		{"reorder", NewReorder([]Item{item})},
		{"reorder-single", NewReorderSingle(item)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.m)
			require.NoError(t, err)

			var got Mutation
			require.NoError(t, json.Unmarshal(raw, &got))
			require.Equal(t, tc.m.Op, got.Op)
			require.Equal(t, tc.m.Target(), got.Target())
		})
	}
}

func TestMutationEnvelopeShapes(t *testing.T) {
	var m Mutation
	require.NoError(t, json.Unmarshal([]byte(`{"operation":"delete","data":"some-id"}`), &m))
	require.Equal(t, OpDelete, m.Op)
	require.Equal(t, ItemID("some-id"), m.TargetID)

	err := json.Unmarshal([]byte(`{"operation":"merge","data":{}}`), &m)
	require.ErrorIs(t, err, ErrUnknownOp)

	err = json.Unmarshal([]byte(`{"operation":"delete","data":{"id":"x"}}`), &m)
	require.ErrorIs(t, err, ErrBadPayload)

	err = json.Unmarshal([]byte(`{"operation":"update","data":{"text":"no id"}}`), &m)
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestMutationRetarget(t *testing.T) {
	item := Item{ID: "local-1", Text: "draft"}
	update := NewUpdate(item)
	update.Retarget("local-1", "srv-42")
	require.Equal(t, ItemID("srv-42"), update.Item.ID)

	del := NewDelete("local-1")
	del.Retarget("local-1", "srv-42")
	require.Equal(t, ItemID("srv-42"), del.TargetID)

	reorder := NewReorder([]Item{{ID: "local-1"}, {ID: "b2"}})
	reorder.Retarget("local-1", "srv-42")
	require.Equal(t, ItemID("srv-42"), reorder.Items[0].ID)
	require.Equal(t, ItemID("b2"), reorder.Items[1].ID)

	// retargeting an unrelated id is a no-op
	other := NewDelete("b2")
	other.Retarget("local-1", "srv-42")
	require.Equal(t, ItemID("b2"), other.TargetID)
}

func TestTimestampLenientDecode(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`"2024-03-01T10:00:00Z"`), &ts))
	require.False(t, ts.Invalid)
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ts.Time)

	// unix millis, as produced by Date.now()
	require.NoError(t, json.Unmarshal([]byte(`1709287200000`), &ts))
	require.False(t, ts.Invalid)
	require.Equal(t, int64(1709287200000), ts.UnixMilli())

	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	require.True(t, ts.IsZero())

	// garbage survives decoding and round-trips unchanged
	require.NoError(t, json.Unmarshal([]byte(`"not a time"`), &ts))
	require.True(t, ts.Invalid)
	raw, err := json.Marshal(ts)
	require.NoError(t, err)
	require.JSONEq(t, `"not a time"`, string(raw))
}

func TestSnapshotWithInvalidTimestampKeepsRest(t *testing.T) {
	raw := []byte(`{
		"todos": [
			{"id": "a", "text": "ok", "createdAt": "2024-03-01T10:00:00Z", "updatedAt": "2024-03-01T10:00:00Z", "sortOrder": 1},
			{"id": "b", "text": "bad clock", "createdAt": "garbage", "updatedAt": "2024-03-01T11:00:00Z", "sortOrder": 2}
		],
		"lastModified": "2024-03-01T11:00:00Z"
	}`)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Len(t, snap.Todos, 2)
	require.False(t, snap.Todos[0].CreatedAt.Invalid)
	require.True(t, snap.Todos[1].CreatedAt.Invalid)
	require.Equal(t, "bad clock", snap.Todos[1].Text)
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	done := At(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	snap := Snapshot{Todos: []Item{{ID: "a", Text: "x", CompletedAt: &done}}}
	clone := snap.Clone()
	clone.Todos[0].Text = "mutated"
	*clone.Todos[0].CompletedAt = Timestamp{}
	require.Equal(t, "x", snap.Todos[0].Text)
	require.False(t, snap.Todos[0].CompletedAt.IsZero())
}

func TestSnapshotActiveOrdering(t *testing.T) {
	gone := At(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	snap := Snapshot{Todos: []Item{
		{ID: "c", SortOrder: 3},
		{ID: "a", SortOrder: 1},
		{ID: "b", SortOrder: 2, DeletedAt: &gone},
	}}
	active := snap.Active()
	require.Len(t, active, 2)
	require.Equal(t, ItemID("a"), active[0].ID)
	require.Equal(t, ItemID("c"), active[1].ID)
}

func TestSnapshotEqual(t *testing.T) {
	ts := At(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	a := Snapshot{Todos: []Item{{ID: "a", Text: "x", CreatedAt: ts, UpdatedAt: ts}}, LastModified: ts}
	b := a.Clone()
	require.True(t, a.Equal(b))
	b.Todos[0].Text = "y"
	require.False(t, a.Equal(b))
}
