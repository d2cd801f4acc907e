// Package store persists the authoritative list snapshots in a leveldb
// key-value backend. The store is the single arbiter of ordering: every
// mutation is stamped with the server clock, and the most recently applied
// write for an item wins unconditionally.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/syndtr/goleveldb/leveldb"
	lderrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/mikiwiik/instructions-only-claude-coding-sub003/common/types"
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/log"
)

const listPrefix = "list/"

// TempIDPrefix marks client-generated provisional ids. The server never
// persists them: a create carrying one is assigned a fresh server id, which
// is what forces clients through create-id reconciliation.
const TempIDPrefix = types.TempIDPrefix

var (
	// ErrNotFound is returned when a mutation targets an item the list does
	// not contain.
	ErrNotFound = errors.New("item not found")
)

// Config holds the store settings.
type Config struct {
	// Path is the leveldb directory. Empty means in-memory (tests, demos).
	Path string `mapstructure:"path"`

	// Retention is how long soft-deleted items are kept before Purge
	// hard-removes them.
	Retention time.Duration `mapstructure:"retention"`
}

// DefaultConfig returns the default store settings.
func DefaultConfig() Config {
	return Config{
		Retention: 30 * 24 * time.Hour,
	}
}

// Store is a leveldb-backed collection of list snapshots with per-list
// read-modify-write locking.
type Store struct {
	logger *zap.Logger
	clock  clockwork.Clock
	cfg    Config
	db     *leveldb.DB

	mu    sync.Mutex
	locks map[types.ListID]*sync.Mutex
}

// Opt modifies the store.
type Opt func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithConfig sets the store configuration.
func WithConfig(cfg Config) Opt {
	return func(s *Store) {
		s.cfg = cfg
	}
}

// WithClock overrides the server clock. Timestamps assigned by this clock
// are the last-write-wins anchor, so tests inject a fake one.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Store) {
		s.clock = clock
	}
}

// Open opens (or creates) the store described by the options. An empty path
// opens a transient in-memory backend.
func Open(opts ...Opt) (*Store, error) {
	s := &Store{
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
		cfg:    DefaultConfig(),
		locks:  make(map[types.ListID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	var (
		db  *leveldb.DB
		err error
	)
	if s.cfg.Path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(s.cfg.Path, &opt.Options{
			Filter: filter.NewBloomFilter(10),
		})
		if _, corrupted := err.(*lderrors.ErrCorrupted); corrupted {
			s.logger.Warn("recovering corrupted store", zap.String("path", s.cfg.Path))
			db, err = leveldb.RecoverFile(s.cfg.Path, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.db = db
	return s, nil
}

// Close releases the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(list types.ListID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[list]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[list] = lock
	}
	return lock
}

func listKey(list types.ListID) []byte {
	return []byte(listPrefix + string(list))
}

func (s *Store) load(list types.ListID) (types.Snapshot, error) {
	raw, err := s.db.Get(listKey(list), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return types.Snapshot{Todos: []types.Item{}}, nil
	}
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("load list %s: %w", list, err)
	}
	var snap types.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("decode list %s: %w", list, err)
	}
	return snap, nil
}

func (s *Store) save(list types.ListID, snap types.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode list %s: %w", list, err)
	}
	if err := s.db.Put(listKey(list), raw, nil); err != nil {
		return fmt.Errorf("save list %s: %w", list, err)
	}
	return nil
}

// GetSnapshot returns the current snapshot of a list. Unknown lists are
// empty, not errors.
func (s *Store) GetSnapshot(ctx context.Context, list types.ListID) (types.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return types.Snapshot{}, err
	}
	lock := s.lockFor(list)
	lock.Lock()
	defer lock.Unlock()
	return s.load(list)
}

// Lists enumerates the lists the store knows about.
func (s *Store) Lists(ctx context.Context) ([]types.ListID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var lists []types.ListID
	iter := s.db.NewIterator(util.BytesPrefix([]byte(listPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		lists = append(lists, types.ListID(string(iter.Key())[len(listPrefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate lists: %w", err)
	}
	return lists, nil
}

// Apply executes one mutation against a list under its read-modify-write
// lock, stamps the result with the server clock and returns both the
// confirmed result and the new snapshot to broadcast.
func (s *Store) Apply(ctx context.Context, list types.ListID, m types.Mutation) (types.Result, types.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return types.Result{}, types.Snapshot{}, err
	}
	lock := s.lockFor(list)
	lock.Lock()
	defer lock.Unlock()

	snap, err := s.load(list)
	if err != nil {
		return types.Result{}, types.Snapshot{}, err
	}
	now := types.Now(s.clock)

	var res types.Result
	switch m.Op {
	case types.OpCreate:
		res, err = s.applyCreate(&snap, m, now)
	case types.OpUpdate:
		res, err = s.applyUpdate(&snap, m, now)
	case types.OpDelete:
		res, err = s.applyDelete(&snap, m, now)
	case types.OpReorder:
		res, err = s.applyReorder(&snap, m, now)
	case types.OpReorderSingle:
		res, err = s.applyReorderSingle(&snap, m, now)
	default:
		err = fmt.Errorf("%w: %q", types.ErrUnknownOp, m.Op)
	}
	if err != nil {
		return types.Result{}, types.Snapshot{}, err
	}

	snap.LastModified = now
	res.LastModified = now
	if err := s.save(list, snap); err != nil {
		return types.Result{}, types.Snapshot{}, err
	}
	s.logger.Debug("applied mutation",
		log.ZContext(ctx),
		zap.String("list", string(list)),
		zap.String("op", string(m.Op)),
		zap.String("item", string(res.ID)),
	)
	return res, snap.Clone(), nil
}

func (s *Store) applyCreate(snap *types.Snapshot, m types.Mutation, now types.Timestamp) (types.Result, error) {
	if m.Item == nil {
		return types.Result{}, fmt.Errorf("%w: create without item", types.ErrBadPayload)
	}
	item := m.Item.Clone()
	if item.ID == "" || item.ID.Temp() || snap.Find(item.ID) != -1 {
		item.ID = types.ItemID(uuid.NewString())
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.SortOrder == 0 {
		item.SortOrder = maxSortOrder(snap.Todos) + 1
	}
	snap.Todos = append(snap.Todos, item)
	return types.Result{Op: types.OpCreate, Item: &item, ID: item.ID}, nil
}

func (s *Store) applyUpdate(snap *types.Snapshot, m types.Mutation, now types.Timestamp) (types.Result, error) {
	if m.Item == nil {
		return types.Result{}, fmt.Errorf("%w: update without item", types.ErrBadPayload)
	}
	idx := snap.Find(m.Item.ID)
	if idx == -1 {
		return types.Result{}, fmt.Errorf("update %s: %w", m.Item.ID, ErrNotFound)
	}
	stored := snap.Todos[idx]
	// whole-record overwrite: the latest-processed write wins, no field merge
	updated := m.Item.Clone()
	updated.ID = stored.ID
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = now
	snap.Todos[idx] = updated
	return types.Result{Op: types.OpUpdate, Item: &updated, ID: updated.ID}, nil
}

func (s *Store) applyDelete(snap *types.Snapshot, m types.Mutation, now types.Timestamp) (types.Result, error) {
	idx := snap.Find(m.TargetID)
	if idx == -1 {
		return types.Result{}, fmt.Errorf("delete %s: %w", m.TargetID, ErrNotFound)
	}
	ts := now
	snap.Todos[idx].DeletedAt = &ts
	snap.Todos[idx].UpdatedAt = now
	return types.Result{Op: types.OpDelete, ID: m.TargetID}, nil
}

// applyReorder replaces the relative ordering with the client's array, but
// item payloads always come from current store state so a stale client copy
// cannot resurrect old text or completion state.
func (s *Store) applyReorder(snap *types.Snapshot, m types.Mutation, now types.Timestamp) (types.Result, error) {
	rank := 1
	for _, wanted := range m.Items {
		idx := snap.Find(wanted.ID)
		if idx == -1 {
			continue
		}
		order := float64(rank)
		rank++
		if snap.Todos[idx].SortOrder != order {
			snap.Todos[idx].SortOrder = order
			snap.Todos[idx].UpdatedAt = now
		}
	}
	return types.Result{Op: types.OpReorder}, nil
}

// applyReorderSingle places one item relative to its neighbors as they are
// at write time, not as the client saw them. The client's requested sort key
// only expresses where between the current neighbors the item should land.
func (s *Store) applyReorderSingle(snap *types.Snapshot, m types.Mutation, now types.Timestamp) (types.Result, error) {
	if m.Item == nil {
		return types.Result{}, fmt.Errorf("%w: reorder without item", types.ErrBadPayload)
	}
	idx := snap.Find(m.Item.ID)
	if idx == -1 {
		return types.Result{}, fmt.Errorf("reorder %s: %w", m.Item.ID, ErrNotFound)
	}
	requested := m.Item.SortOrder

	var lo, hi float64
	var haveLo, haveHi bool
	for i := range snap.Todos {
		if i == idx || snap.Todos[i].Deleted() {
			continue
		}
		order := snap.Todos[i].SortOrder
		if order <= requested && (!haveLo || order > lo) {
			lo, haveLo = order, true
		}
		if order > requested && (!haveHi || order < hi) {
			hi, haveHi = order, true
		}
	}
	var order float64
	switch {
	case haveLo && haveHi:
		order = (lo + hi) / 2
	case haveLo:
		order = lo + 1
	case haveHi:
		order = hi - 1
	default:
		order = 1
	}
	snap.Todos[idx].SortOrder = order
	snap.Todos[idx].UpdatedAt = now
	item := snap.Todos[idx].Clone()
	return types.Result{Op: types.OpReorderSingle, Item: &item, ID: item.ID}, nil
}

// Purge hard-removes soft-deleted items whose tombstones are older than the
// configured retention. This is the only path that removes an item from the
// authoritative store entirely.
func (s *Store) Purge(ctx context.Context, list types.ListID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	lock := s.lockFor(list)
	lock.Lock()
	defer lock.Unlock()

	snap, err := s.load(list)
	if err != nil {
		return 0, err
	}
	cutoff := s.clock.Now().Add(-s.cfg.Retention)
	kept := snap.Todos[:0]
	purged := 0
	for _, item := range snap.Todos {
		if item.Deleted() && item.DeletedAt.Time.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, item)
	}
	if purged == 0 {
		return 0, nil
	}
	snap.Todos = kept
	if err := s.save(list, snap); err != nil {
		return 0, err
	}
	s.logger.Info("purged tombstones",
		zap.String("list", string(list)),
		zap.Int("count", purged),
	)
	return purged, nil
}

func maxSortOrder(items []types.Item) float64 {
	var max float64
	for _, item := range items {
		if item.SortOrder > max {
			max = item.SortOrder
		}
	}
	return max
}
