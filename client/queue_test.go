package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikiwiik/instructions-only-claude-coding-sub003/common/types"
)

func newTestQueue(t *testing.T, serverURL string, clk clockwork.Clock) *queue {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerURL = serverURL
	q := newQueue(cfg, zaptest.NewLogger(t), clk)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx)
	return q
}

func confirm(m types.Mutation, id types.ItemID) types.Result {
	res := types.Result{Op: m.Op}
	switch m.Op {
	case types.OpCreate, types.OpUpdate, types.OpReorderSingle:
		item := m.Item.Clone()
		item.ID = id
		res.Item = &item
	case types.OpDelete:
		res.ID = m.TargetID
	}
	return res
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var m types.Mutation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		require.NoError(t, json.NewEncoder(w).Encode(confirm(m, "srv-1")))
	}))
	defer ts.Close()

	clk := clockwork.NewFakeClock()
	q := newTestQueue(t, ts.URL, clk)
	q.Enqueue(types.NewCreate(types.Item{ID: "local-x", Text: "flaky"}))

	// failed attempts wait 1x then 2x the base delay
	clk.BlockUntil(1)
	clk.Advance(DefaultConfig().RetryBaseDelay)
	clk.BlockUntil(1)
	clk.Advance(2 * DefaultConfig().RetryBaseDelay)

	out := <-q.Outcomes()
	require.NoError(t, out.Err)
	require.Equal(t, types.ItemID("srv-1"), out.Result.Item.ID)
	require.EqualValues(t, 3, calls.Load())
}

func TestQueueGivesUpAndMovesOn(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var m types.Mutation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		require.NoError(t, json.NewEncoder(w).Encode(confirm(m, "srv-2")))
	}))
	defer ts.Close()

	clk := clockwork.NewFakeClock()
	q := newTestQueue(t, ts.URL, clk)
	q.Enqueue(types.NewCreate(types.Item{ID: "local-doomed", Text: "doomed"}))
	q.Enqueue(types.NewCreate(types.Item{ID: "local-next", Text: "next"}))

	clk.BlockUntil(1)
	clk.Advance(DefaultConfig().RetryBaseDelay)
	clk.BlockUntil(1)
	clk.Advance(2 * DefaultConfig().RetryBaseDelay)

	out := <-q.Outcomes()
	require.Error(t, out.Err)
	require.Equal(t, "doomed", out.Mutation.Item.Text)
	require.EqualValues(t, 3, calls.Load())

	// the failure settles the one mutation; the next proceeds untouched
	out = <-q.Outcomes()
	require.NoError(t, out.Err)
	require.Equal(t, "next", out.Mutation.Item.Text)
}

func TestQueueRejectionIsFinal(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such item", http.StatusNotFound)
	}))
	defer ts.Close()

	q := newTestQueue(t, ts.URL, clockwork.NewRealClock())
	q.Enqueue(types.NewDelete("ghost"))

	out := <-q.Outcomes()
	require.ErrorIs(t, out.Err, ErrRejected)
	require.EqualValues(t, 1, calls.Load(), "rejections are not retried")
}

func TestQueueRetargetsAfterCreateConfirms(t *testing.T) {
	var mu sync.Mutex
	var received []types.Mutation
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m types.Mutation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
		require.NoError(t, json.NewEncoder(w).Encode(confirm(m, "srv-9")))
	}))
	defer ts.Close()

	cfg := DefaultConfig()
	cfg.ServerURL = ts.URL
	q := newQueue(cfg, zaptest.NewLogger(t), clockwork.NewRealClock())

	// enqueue the whole burst before the queue starts draining, so the
	// follow-ups are still pending when the create confirms
	temp := types.ItemID("local-abc")
	q.Enqueue(types.NewCreate(types.Item{ID: temp, Text: "todo"}))
	q.Enqueue(types.NewUpdate(types.Item{ID: temp, Text: "todo edited"}))
	q.Enqueue(types.NewDelete(temp))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	for i := 0; i < 3; i++ {
		out := <-q.Outcomes()
		require.NoError(t, out.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 3)
	require.Equal(t, types.OpCreate, received[0].Op)
	require.Equal(t, temp, received[0].Item.ID)
	// queued follow-ups were repointed at the server-assigned id
	require.Equal(t, types.ItemID("srv-9"), received[1].Item.ID)
	require.Equal(t, types.ItemID("srv-9"), received[2].TargetID)
}

func TestQueueRetargetsMutationsEnqueuedAfterConfirm(t *testing.T) {
	var mu sync.Mutex
	var received []types.Mutation
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m types.Mutation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
		require.NoError(t, json.NewEncoder(w).Encode(confirm(m, "srv-9")))
	}))
	defer ts.Close()

	q := newTestQueue(t, ts.URL, clockwork.NewRealClock())
	temp := types.ItemID("local-abc")
	q.Enqueue(types.NewCreate(types.Item{ID: temp, Text: "todo"}))
	out := <-q.Outcomes()
	require.NoError(t, out.Err)

	// a caller working from a local snapshot that has not seen the
	// confirmation yet still references the provisional id
	q.Enqueue(types.NewUpdate(types.Item{ID: temp, Text: "late edit"}))
	out = <-q.Outcomes()
	require.NoError(t, out.Err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	require.Equal(t, types.ItemID("srv-9"), received[1].Item.ID)
}
