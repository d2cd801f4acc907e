package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/mikiwiik/instructions-only-claude-coding-sub003/common/types"
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/log"
)

// State is the connection state of the event stream, as surfaced to the
// session owner.
type State int

const (
	// StatePending is the initial state, before the first connect runs.
	StatePending State = iota
	// StateConnecting means a connection attempt is in flight.
	StateConnecting
	// StateSynced means the stream is established and the authoritative
	// snapshot has been fetched.
	StateSynced
	// StateError means the stream was lost and a reconnect is pending.
	StateError
	// StateReconnecting means the backoff delay has elapsed and the next
	// attempt is starting.
	StateReconnecting
	// StateDisconnected is terminal: the transport was shut down.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateSynced:
		return "synced"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// backoffDelay returns base<<attempt capped at max. attempt counts completed
// failures, so the first retry waits base.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt >= 30 {
		return max
	}
	d := base << attempt
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Transport maintains the server event stream for one list. It reconnects
// with exponential backoff after any failure and refetches the full snapshot
// every time the stream is (re)established, closing any gap of updates missed
// while offline.
type Transport struct {
	logger *zap.Logger
	clock  clockwork.Clock
	cfg    Config

	// fetch retries transient snapshot-read failures on its own; the stream
	// connection itself is retried by the run loop so backoff state stays
	// observable.
	fetch  *retryablehttp.Client
	stream *http.Client

	snapshots chan types.Snapshot

	mu      sync.Mutex
	state   State
	stateCh chan State
}

// NewTransport creates a transport for the configured server and list.
func NewTransport(cfg Config, logger *zap.Logger, clock clockwork.Clock) *Transport {
	fetch := retryablehttp.NewClient()
	fetch.Logger = nil
	fetch.RetryMax = 2
	fetch.RetryWaitMin = 200 * time.Millisecond
	fetch.RetryWaitMax = time.Second
	fetch.HTTPClient.Timeout = cfg.RequestTimeout
	return &Transport{
		logger:    logger,
		clock:     clock,
		cfg:       cfg,
		fetch:     fetch,
		stream:    &http.Client{},
		snapshots: make(chan types.Snapshot, 4),
		stateCh:   make(chan State, 16),
	}
}

// Snapshots delivers every authoritative snapshot the server pushes, plus the
// catch-up snapshot fetched on each (re)connect.
func (t *Transport) Snapshots() <-chan types.Snapshot {
	return t.snapshots
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// States delivers state transitions, best effort.
func (t *Transport) States() <-chan State {
	return t.stateCh
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.logger.Debug("connection state changed", zap.Stringer("state", s))
	select {
	case t.stateCh <- s:
	default:
	}
}

// Run maintains the event stream until ctx is cancelled. The backoff delay
// doubles per consecutive failure up to MaxBackoff and resets as soon as a
// connection reaches the synced state.
func (t *Transport) Run(ctx context.Context) error {
	defer t.setState(StateDisconnected)

	attempts := 0
	for {
		t.setState(StateConnecting)
		synced, err := t.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if synced {
			attempts = 0
		}
		t.setState(StateError)
		delay := backoffDelay(t.cfg.RetryBaseDelay, t.cfg.MaxBackoff, attempts)
		attempts++
		t.logger.Warn("event stream lost",
			zap.Duration("retry_in", delay),
			zap.Int("attempt", attempts),
			log.ShortError(err),
		)
		// the whole backoff wait is spent reporting reconnecting, so an
		// observer sees the retry in progress rather than a stuck error
		t.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			return nil
		case <-t.clock.After(delay):
		}
		reconnects.WithLabelValues().Inc()
	}
}

// connect opens the event stream and pumps it until it breaks. It reports
// whether the synced state was reached on this connection.
func (t *Transport) connect(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.eventsURL(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := t.stream.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		return false, fmt.Errorf("event stream status %d", resp.StatusCode)
	}

	synced := false
	reader := bufio.NewReader(resp.Body)
	for {
		name, data, err := readEvent(reader)
		if err != nil {
			return synced, err
		}
		switch name {
		case "connected":
			// the subscription is live; fetch the snapshot to close the gap
			// of anything missed while disconnected
			snap, err := t.fetchSnapshot(ctx)
			if err != nil {
				return synced, fmt.Errorf("catch-up fetch: %w", err)
			}
			t.setState(StateSynced)
			synced = true
			if !t.emit(ctx, snap) {
				return synced, ctx.Err()
			}
		case "sync":
			var snap types.Snapshot
			if err := json.Unmarshal([]byte(data), &snap); err != nil {
				t.logger.Warn("discarding malformed sync event", log.ShortError(err))
				continue
			}
			if !t.emit(ctx, snap) {
				return synced, ctx.Err()
			}
		}
	}
}

func (t *Transport) emit(ctx context.Context, snap types.Snapshot) bool {
	snapshotsReceived.WithLabelValues().Inc()
	select {
	case t.snapshots <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Transport) fetchSnapshot(ctx context.Context) (types.Snapshot, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, t.syncURL(), nil)
	if err != nil {
		return types.Snapshot{}, err
	}
	resp, err := t.fetch.Do(req)
	if err != nil {
		return types.Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.Snapshot{}, fmt.Errorf("snapshot status %d", resp.StatusCode)
	}
	var snap types.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (t *Transport) syncURL() string {
	return t.cfg.ServerURL + "/sync?list=" + url.QueryEscape(t.cfg.List)
}

func (t *Transport) eventsURL() string {
	return t.cfg.ServerURL + "/events?list=" + url.QueryEscape(t.cfg.List)
}

// readEvent reads one server-sent event off the stream, skipping comment
// (heartbeat) lines. Multi-line data is joined per the SSE framing rules.
func readEvent(r *bufio.Reader) (string, string, error) {
	var name string
	var data []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", "", err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if name != "" || len(data) > 0 {
				return name, strings.Join(data, "\n"), nil
			}
		case strings.HasPrefix(line, ":"):
			// comment, used as keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}
