package client

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/mikiwiik/instructions-only-claude-coding-sub003/common/types"
)

// ErrUnknownItem is returned when a local mutation targets an item the local
// snapshot does not contain.
var ErrUnknownItem = errors.New("unknown item")

type enqueuer interface {
	Enqueue(types.Mutation)
}

// rollback captures what it takes to undo one optimistic mutation if its
// submission fails for good.
type rollback struct {
	op types.Op

	// created is the provisional id to remove again (create only).
	created types.ItemID
	// prior is the record to restore (update, delete, reorder-single).
	prior *types.Item
	// priorOrder holds the pre-reorder sort keys of every item (reorder only).
	priorOrder []types.Item
}

// Coordinator owns the local snapshot. Mutations apply to it immediately and
// are queued for submission; a permanent submission failure rolls the one
// failed mutation back. Authoritative snapshots from the event stream replace
// the local state wholesale, keeping only optimistic creates the server has
// not confirmed yet.
//
// All state lives behind a single goroutine; the exported methods hand work
// to it and wait.
type Coordinator struct {
	logger *zap.Logger
	clock  clockwork.Clock

	queue     enqueuer
	outcomes  <-chan Outcome
	snapshots <-chan types.Snapshot

	reqs    chan func()
	updates chan types.Snapshot

	mu   sync.Mutex
	snap types.Snapshot

	// records parallels the submission queue: outcomes arrive strictly in
	// enqueue order, so the head record always belongs to the next outcome.
	records []rollback

	// pendingCreates tracks provisional ids whose create has not confirmed.
	pendingCreates map[types.ItemID]struct{}
}

// NewCoordinator wires a coordinator over the given submission queue and
// snapshot source.
func NewCoordinator(
	queue enqueuer,
	outcomes <-chan Outcome,
	snapshots <-chan types.Snapshot,
	logger *zap.Logger,
	clock clockwork.Clock,
) *Coordinator {
	return &Coordinator{
		logger:         logger,
		clock:          clock,
		queue:          queue,
		outcomes:       outcomes,
		snapshots:      snapshots,
		reqs:           make(chan func()),
		updates:        make(chan types.Snapshot, 1),
		pendingCreates: make(map[types.ItemID]struct{}),
	}
}

// Run processes mutations, confirmations, and server snapshots until ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.reqs:
			fn()
		case out := <-c.outcomes:
			c.handleOutcome(out)
		case snap := <-c.snapshots:
			c.handleServerSnapshot(snap)
		}
	}
}

// Snapshot returns a copy of the current local snapshot.
func (c *Coordinator) Snapshot() types.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.Clone()
}

// Updates delivers the local snapshot after every change, newest wins: a slow
// consumer only ever observes the latest state.
func (c *Coordinator) Updates() <-chan types.Snapshot {
	return c.updates
}

// do runs fn on the coordinator goroutine and returns its error.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case c.reqs <- func() { done <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Create adds an item locally under a provisional id and queues the create.
// The returned id is replaced by a server-assigned one on confirmation.
func (c *Coordinator) Create(ctx context.Context, text string) (types.ItemID, error) {
	var id types.ItemID
	err := c.do(ctx, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		now := types.Now(c.clock)
		item := types.Item{
			ID:        types.ItemID(types.TempIDPrefix + uuid.NewString()),
			Text:      text,
			CreatedAt: now,
			UpdatedAt: now,
			SortOrder: maxSortOrder(c.snap.Todos) + 1,
		}
		id = item.ID
		c.snap.Todos = append(c.snap.Todos, item)
		c.snap.LastModified = now
		c.records = append(c.records, rollback{op: types.OpCreate, created: item.ID})
		c.pendingCreates[item.ID] = struct{}{}
		c.queue.Enqueue(types.NewCreate(item))
		c.publish()
		return nil
	})
	return id, err
}

// Update replaces the item whole-record, keeping its identity and creation
// time.
func (c *Coordinator) Update(ctx context.Context, item types.Item) error {
	return c.do(ctx, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		idx := c.snap.Find(item.ID)
		if idx == -1 {
			return ErrUnknownItem
		}
		prior := c.snap.Todos[idx].Clone()
		next := item.Clone()
		next.ID = prior.ID
		next.CreatedAt = prior.CreatedAt
		next.UpdatedAt = types.Now(c.clock)
		c.snap.Todos[idx] = next
		c.snap.LastModified = next.UpdatedAt
		c.records = append(c.records, rollback{op: types.OpUpdate, prior: &prior})
		c.queue.Enqueue(types.NewUpdate(next))
		c.publish()
		return nil
	})
}

// Toggle flips the item's completion state. The read and the write happen in
// one turn of the coordinator loop, so a snapshot or confirmation processed
// in between cannot make the toggle act on a stale read.
func (c *Coordinator) Toggle(ctx context.Context, id types.ItemID) error {
	return c.do(ctx, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		idx := c.snap.Find(id)
		if idx == -1 {
			return ErrUnknownItem
		}
		prior := c.snap.Todos[idx].Clone()
		next := prior.Clone()
		now := types.Now(c.clock)
		if next.Completed() {
			next.CompletedAt = nil
		} else {
			ts := now
			next.CompletedAt = &ts
		}
		next.UpdatedAt = now
		c.snap.Todos[idx] = next
		c.snap.LastModified = now
		c.records = append(c.records, rollback{op: types.OpUpdate, prior: &prior})
		c.queue.Enqueue(types.NewUpdate(next))
		c.publish()
		return nil
	})
}

// Delete soft-deletes the item locally and queues the delete.
func (c *Coordinator) Delete(ctx context.Context, id types.ItemID) error {
	return c.do(ctx, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		idx := c.snap.Find(id)
		if idx == -1 {
			return ErrUnknownItem
		}
		prior := c.snap.Todos[idx].Clone()
		now := types.Now(c.clock)
		c.snap.Todos[idx].DeletedAt = &now
		c.snap.Todos[idx].UpdatedAt = now
		c.snap.LastModified = now
		c.records = append(c.records, rollback{op: types.OpDelete, prior: &prior})
		c.queue.Enqueue(types.NewDelete(id))
		c.publish()
		return nil
	})
}

// Reorder rewrites the sort keys so the named items rank in the given order.
// Ids the snapshot does not contain are ignored.
func (c *Coordinator) Reorder(ctx context.Context, ids []types.ItemID) error {
	return c.do(ctx, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		prior := make([]types.Item, 0, len(c.snap.Todos))
		for _, item := range c.snap.Todos {
			prior = append(prior, item.Clone())
		}
		now := types.Now(c.clock)
		payload := make([]types.Item, 0, len(ids))
		rank := 1
		for _, id := range ids {
			idx := c.snap.Find(id)
			if idx == -1 {
				continue
			}
			c.snap.Todos[idx].SortOrder = float64(rank)
			c.snap.Todos[idx].UpdatedAt = now
			payload = append(payload, c.snap.Todos[idx].Clone())
			rank++
		}
		c.snap.LastModified = now
		c.records = append(c.records, rollback{op: types.OpReorder, priorOrder: prior})
		c.queue.Enqueue(types.NewReorder(payload))
		c.publish()
		return nil
	})
}

// ReorderSingle moves one item to the requested sort key. The server settles
// the final key relative to the list as it stands when the mutation lands.
func (c *Coordinator) ReorderSingle(ctx context.Context, id types.ItemID, sortOrder float64) error {
	return c.do(ctx, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		idx := c.snap.Find(id)
		if idx == -1 {
			return ErrUnknownItem
		}
		prior := c.snap.Todos[idx].Clone()
		now := types.Now(c.clock)
		c.snap.Todos[idx].SortOrder = sortOrder
		c.snap.Todos[idx].UpdatedAt = now
		c.snap.LastModified = now
		c.records = append(c.records, rollback{op: types.OpReorderSingle, prior: &prior})
		c.queue.Enqueue(types.NewReorderSingle(c.snap.Todos[idx].Clone()))
		c.publish()
		return nil
	})
}

// handleOutcome settles the head rollback record against the submission
// outcome: drop it on success, undo it on failure.
func (c *Coordinator) handleOutcome(out Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) == 0 {
		c.logger.Warn("submission outcome without pending record",
			zap.String("op", string(out.Mutation.Op)))
		return
	}
	rec := c.records[0]
	c.records = c.records[1:]

	if out.Err != nil {
		rollbacks.WithLabelValues().Inc()
		c.logger.Warn("rolling back failed mutation",
			zap.String("op", string(rec.op)), zap.Error(out.Err))
		if rec.op == types.OpCreate {
			delete(c.pendingCreates, rec.created)
		}
		c.undo(rec)
		c.publish()
		return
	}

	if out.Result != nil {
		c.snap.LastModified = out.Result.LastModified
	}
	if rec.op == types.OpCreate && out.Result != nil && out.Result.Item != nil {
		c.confirmCreate(rec.created, out.Result.Item.Clone())
		c.publish()
	}
}

// confirmCreate swaps the provisional record for the server's authoritative
// one and repoints anything still referencing the provisional id.
func (c *Coordinator) confirmCreate(provisional types.ItemID, confirmed types.Item) {
	delete(c.pendingCreates, provisional)
	if idx := c.snap.Find(provisional); idx != -1 {
		c.snap.Todos[idx] = confirmed
	} else if c.snap.Find(confirmed.ID) == -1 {
		c.snap.Todos = append(c.snap.Todos, confirmed)
	}
	// the submission queue retargets its own entries; rollback records for
	// later mutations still point at the provisional id
	for i := range c.records {
		if c.records[i].prior != nil && c.records[i].prior.ID == provisional {
			c.records[i].prior.ID = confirmed.ID
		}
		for j := range c.records[i].priorOrder {
			if c.records[i].priorOrder[j].ID == provisional {
				c.records[i].priorOrder[j].ID = confirmed.ID
			}
		}
	}
}

func (c *Coordinator) undo(rec rollback) {
	switch rec.op {
	case types.OpCreate:
		if idx := c.snap.Find(rec.created); idx != -1 {
			c.snap.Todos = append(c.snap.Todos[:idx], c.snap.Todos[idx+1:]...)
		}
	case types.OpUpdate, types.OpDelete, types.OpReorderSingle:
		if rec.prior == nil {
			return
		}
		if idx := c.snap.Find(rec.prior.ID); idx != -1 {
			c.snap.Todos[idx] = rec.prior.Clone()
		} else {
			c.snap.Todos = append(c.snap.Todos, rec.prior.Clone())
		}
	case types.OpReorder:
		for _, item := range rec.priorOrder {
			if idx := c.snap.Find(item.ID); idx != -1 {
				c.snap.Todos[idx].SortOrder = item.SortOrder
			}
		}
	}
}

// handleServerSnapshot replaces the local state with the authoritative
// snapshot. Optimistic creates the server has not confirmed yet survive the
// replacement; they reconcile through their own confirmation.
func (c *Coordinator) handleServerSnapshot(snap types.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := snap.Clone()
	for _, item := range c.snap.Todos {
		if _, pending := c.pendingCreates[item.ID]; pending && merged.Find(item.ID) == -1 {
			merged.Todos = append(merged.Todos, item.Clone())
		}
	}
	c.snap = merged
	c.publish()
}

// publish pushes the current snapshot to the updates channel, displacing an
// unconsumed older one.
func (c *Coordinator) publish() {
	snap := c.snap.Clone()
	for {
		select {
		case c.updates <- snap:
			return
		default:
			select {
			case <-c.updates:
			default:
			}
		}
	}
}

func maxSortOrder(items []types.Item) float64 {
	var max float64
	for i := range items {
		if items[i].SortOrder > max {
			max = items[i].SortOrder
		}
	}
	return max
}
