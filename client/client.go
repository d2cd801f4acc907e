// Package client is the sync session a device runs against the server: it
// applies mutations to a local snapshot immediately, submits them through an
// ordered retry queue, and follows the server's event stream so every session
// of a list converges on the same authoritative state.
package client

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikiwiik/instructions-only-claude-coding-sub003/common/types"
)

// Config holds the sync client settings.
type Config struct {
	// ServerURL is the base URL of the sync server.
	ServerURL string `mapstructure:"server-url"`

	// List names the shared list this session follows.
	List string `mapstructure:"list"`

	// SendAttempts bounds how many times one mutation is submitted before it
	// fails for good and rolls back.
	SendAttempts int `mapstructure:"send-attempts"`

	// RetryBaseDelay is the first retry wait; it doubles per consecutive
	// failure, for submissions and stream reconnects alike.
	RetryBaseDelay time.Duration `mapstructure:"retry-base-delay"`

	// MaxBackoff caps the doubling.
	MaxBackoff time.Duration `mapstructure:"max-backoff"`

	// RequestTimeout bounds a single HTTP request. It does not apply to the
	// long-lived event stream.
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
}

// DefaultConfig returns the default client settings.
func DefaultConfig() Config {
	return Config{
		ServerURL:      "http://127.0.0.1:7600",
		List:           "default",
		SendAttempts:   3,
		RetryBaseDelay: time.Second,
		MaxBackoff:     30 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Client bundles the transport, the submission queue, and the coordinator
// into one runnable sync session.
type Client struct {
	logger *zap.Logger
	clock  clockwork.Clock
	cfg    Config

	transport *Transport
	queue     *queue
	coord     *Coordinator
}

// Opt modifies the client.
type Opt func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithConfig sets the client configuration.
func WithConfig(cfg Config) Opt {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// WithClock overrides the clock driving retries, reconnects, and local
// timestamps.
func WithClock(clock clockwork.Clock) Opt {
	return func(c *Client) {
		c.clock = clock
	}
}

// New creates a sync client.
func New(opts ...Opt) *Client {
	c := &Client{
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
		cfg:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.transport = NewTransport(c.cfg, c.logger.Named("transport"), c.clock)
	c.queue = newQueue(c.cfg, c.logger.Named("queue"), c.clock)
	c.coord = NewCoordinator(
		c.queue, c.queue.Outcomes(), c.transport.Snapshots(),
		c.logger.Named("coordinator"), c.clock,
	)
	return c
}

// Run drives the session until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return c.transport.Run(ctx) })
	eg.Go(func() error { return c.queue.Run(ctx) })
	eg.Go(func() error { return c.coord.Run(ctx) })
	return eg.Wait()
}

// State returns the connection state of the event stream.
func (c *Client) State() State {
	return c.transport.State()
}

// States delivers connection state transitions.
func (c *Client) States() <-chan State {
	return c.transport.States()
}

// Snapshot returns a copy of the current local snapshot.
func (c *Client) Snapshot() types.Snapshot {
	return c.coord.Snapshot()
}

// Updates delivers the local snapshot after every change, newest wins.
func (c *Client) Updates() <-chan types.Snapshot {
	return c.coord.Updates()
}

// Create adds a todo and returns its provisional id.
func (c *Client) Create(ctx context.Context, text string) (types.ItemID, error) {
	return c.coord.Create(ctx, text)
}

// Update replaces a todo whole-record.
func (c *Client) Update(ctx context.Context, item types.Item) error {
	return c.coord.Update(ctx, item)
}

// Toggle flips a todo's completion state.
func (c *Client) Toggle(ctx context.Context, id types.ItemID) error {
	return c.coord.Toggle(ctx, id)
}

// Delete soft-deletes a todo.
func (c *Client) Delete(ctx context.Context, id types.ItemID) error {
	return c.coord.Delete(ctx, id)
}

// Reorder ranks the named todos in the given order.
func (c *Client) Reorder(ctx context.Context, ids []types.ItemID) error {
	return c.coord.Reorder(ctx, ids)
}

// ReorderSingle moves one todo to the requested sort key.
func (c *Client) ReorderSingle(ctx context.Context, id types.ItemID, sortOrder float64) error {
	return c.coord.ReorderSingle(ctx, id, sortOrder)
}
