package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/mikiwiik/instructions-only-claude-coding-sub003/common/types"
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/log"
)

// ErrRejected is returned when the server refuses a mutation outright. A
// rejection is final; retrying the identical request cannot succeed.
var ErrRejected = errors.New("mutation rejected by server")

// Outcome is the terminal result of one queued mutation: either the server's
// confirmation or the error that exhausted its attempts.
type Outcome struct {
	Mutation types.Mutation
	Result   *types.Result
	Err      error
}

// queue delivers mutations to the server strictly in submission order. Each
// mutation gets a bounded number of attempts with doubling waits in between;
// only after the last attempt fails does the mutation fail for good. Later
// mutations never overtake an earlier one that is still retrying.
type queue struct {
	logger *zap.Logger
	clock  clockwork.Clock
	cfg    Config
	http   *http.Client

	mu      sync.Mutex
	pending []types.Mutation
	renames map[types.ItemID]types.ItemID
	wake    chan struct{}

	outcomes chan Outcome
}

func newQueue(cfg Config, logger *zap.Logger, clock clockwork.Clock) *queue {
	return &queue{
		logger:   logger,
		clock:    clock,
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		renames:  make(map[types.ItemID]types.ItemID),
		wake:     make(chan struct{}, 1),
		outcomes: make(chan Outcome, 16),
	}
}

// Enqueue appends a mutation to the tail of the queue. References to a
// provisional id whose create already confirmed are rewritten to the
// server-assigned id; the caller's local state may still lag behind the
// confirmation.
func (q *queue) Enqueue(m types.Mutation) {
	c := m.Clone()
	q.mu.Lock()
	for from, to := range q.renames {
		c.Retarget(from, to)
	}
	q.pending = append(q.pending, c)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Outcomes delivers one Outcome per enqueued mutation, in queue order.
func (q *queue) Outcomes() <-chan Outcome {
	return q.outcomes
}

// Len reports how many mutations are still waiting.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *queue) next() (types.Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return types.Mutation{}, false
	}
	m := q.pending[0]
	q.pending = q.pending[1:]
	return m, true
}

// retarget rewrites a confirmed create's provisional id to the server's in
// every mutation still waiting, and records the rename so mutations enqueued
// after the confirmation land on the real record too.
func (q *queue) retarget(from, to types.ItemID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.renames[from] = to
	for i := range q.pending {
		q.pending[i].Retarget(from, to)
	}
}

// Run drains the queue until ctx is cancelled.
func (q *queue) Run(ctx context.Context) error {
	for {
		m, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
				continue
			}
		}

		out := q.deliver(ctx, m)
		if out.Err == nil {
			submissions.WithLabelValues("ok").Inc()
			if confirmed := out.Result.Item; m.Op == types.OpCreate && confirmed != nil {
				if from := m.Target(); from != "" && from != confirmed.ID {
					q.retarget(from, confirmed.ID)
				}
			}
		} else {
			submissions.WithLabelValues("failed").Inc()
			q.logger.Warn("mutation failed permanently",
				zap.String("op", string(m.Op)), log.ShortError(out.Err))
		}

		select {
		case q.outcomes <- out:
		case <-ctx.Done():
			return nil
		}
	}
}

// deliver tries the mutation up to SendAttempts times, waiting base, 2*base,
// 4*base... between attempts. A server rejection is terminal immediately.
func (q *queue) deliver(ctx context.Context, m types.Mutation) Outcome {
	var lastErr error
	for attempt := 0; attempt < q.cfg.SendAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(q.cfg.RetryBaseDelay, q.cfg.MaxBackoff, attempt-1)
			q.logger.Debug("retrying mutation",
				zap.String("op", string(m.Op)),
				zap.Int("attempt", attempt+1),
				zap.Duration("after", delay),
			)
			select {
			case <-ctx.Done():
				return Outcome{Mutation: m, Err: ctx.Err()}
			case <-q.clock.After(delay):
			}
		}
		// teardown never aborts a submission already on the wire; the server
		// may have applied it, so let it settle on its own
		res, err := q.submit(context.WithoutCancel(ctx), m)
		if err == nil {
			return Outcome{Mutation: m, Result: res}
		}
		if errors.Is(err, ErrRejected) {
			return Outcome{Mutation: m, Err: err}
		}
		lastErr = err
	}
	return Outcome{
		Mutation: m,
		Err:      fmt.Errorf("after %d attempts: %w", q.cfg.SendAttempts, lastErr),
	}
}

func (q *queue) submit(ctx context.Context, m types.Mutation) (*types.Result, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.syncURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var res types.Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return nil, fmt.Errorf("decode confirmation: %w", err)
		}
		return &res, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusTooManyRequests:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(msg))
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("server status %d", resp.StatusCode)
	}
}

func (q *queue) syncURL() string {
	return q.cfg.ServerURL + "/sync?list=" + url.QueryEscape(q.cfg.List)
}
