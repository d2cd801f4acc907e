package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikiwiik/instructions-only-claude-coding-sub003/common/types"
)

func snapWith(texts ...string) types.Snapshot {
	var snap types.Snapshot
	for i, text := range texts {
		snap.Todos = append(snap.Todos, types.Item{
			ID:        types.ItemID(text),
			Text:      text,
			SortOrder: float64(i + 1),
		})
	}
	return snap
}

func TestBroadcasterFanout(t *testing.T) {
	b, err := NewBroadcaster(zaptest.NewLogger(t), 8)
	require.NoError(t, err)

	alpha1 := b.Subscribe("alpha")
	defer alpha1.Close()
	alpha2 := b.Subscribe("alpha")
	defer alpha2.Close()
	beta := b.Subscribe("beta")
	defer beta.Close()
	require.Equal(t, 2, b.Subscribers("alpha"))

	snap := snapWith("one")
	b.Publish("alpha", snap)
	require.Equal(t, snap, <-alpha1.C)
	require.Equal(t, snap, <-alpha2.C)
	select {
	case <-beta.C:
		t.Fatal("beta subscriber received alpha snapshot")
	default:
	}

	latest, ok := b.Latest("alpha")
	require.True(t, ok)
	require.Equal(t, snap, latest)
	_, ok = b.Latest("beta")
	require.False(t, ok)
}

func TestBroadcasterSlowSubscriber(t *testing.T) {
	b, err := NewBroadcaster(zaptest.NewLogger(t), 8)
	require.NoError(t, err)

	sub := b.Subscribe("alpha")
	defer sub.Close()

	// overflow the buffer; publishes must not block and the cache must
	// still hold the newest snapshot
	var last types.Snapshot
	for i := 0; i < subscriberBuffer+3; i++ {
		last = snapWith("item", string(rune('a'+i)))
		b.Publish("alpha", last)
	}
	latest, ok := b.Latest("alpha")
	require.True(t, ok)
	require.Equal(t, last, latest)
	require.Len(t, sub.C, subscriberBuffer)
}

func TestBroadcasterCloseIdempotent(t *testing.T) {
	b, err := NewBroadcaster(zaptest.NewLogger(t), 8)
	require.NoError(t, err)

	sub := b.Subscribe("alpha")
	sub.Close()
	sub.Close()
	require.Zero(t, b.Subscribers("alpha"))

	// publishing to a list with no subscribers only updates the cache
	b.Publish("alpha", snapWith("late"))
	_, ok := b.Latest("alpha")
	require.True(t, ok)
}

func TestBroadcasterDropsStaleSnapshots(t *testing.T) {
	b, err := NewBroadcaster(zaptest.NewLogger(t), 8)
	require.NoError(t, err)

	sub := b.Subscribe("alpha")
	defer sub.Close()

	older := snapWith("old")
	older.LastModified = types.At(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	newer := snapWith("new")
	newer.LastModified = types.At(time.Date(2024, 3, 1, 10, 0, 1, 0, time.UTC))

	b.Publish("alpha", newer)
	require.Equal(t, newer, <-sub.C)

	// a write that lost the race to a later one must not regress the cache
	// or reach subscribers
	b.Publish("alpha", older)
	latest, ok := b.Latest("alpha")
	require.True(t, ok)
	require.Equal(t, newer, latest)
	require.Empty(t, sub.C)

	b.Prime("alpha", older)
	latest, _ = b.Latest("alpha")
	require.Equal(t, newer, latest)

	// an equal timestamp is not stale
	b.Publish("alpha", newer)
	require.Equal(t, newer, <-sub.C)
}

func TestBroadcasterPrime(t *testing.T) {
	b, err := NewBroadcaster(zaptest.NewLogger(t), 8)
	require.NoError(t, err)

	sub := b.Subscribe("alpha")
	defer sub.Close()

	b.Prime("alpha", snapWith("cached"))
	latest, ok := b.Latest("alpha")
	require.True(t, ok)
	require.Equal(t, "cached", latest.Todos[0].Text)
	require.Empty(t, sub.C, "priming must not fan out")
}
