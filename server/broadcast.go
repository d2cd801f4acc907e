package server

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/mikiwiik/instructions-only-claude-coding-sub003/common/types"
)

// subscriberBuffer bounds how many snapshots a subscriber may lag behind.
// Every event is a full replacement, so dropping intermediate ones is safe.
const subscriberBuffer = 4

// Broadcaster fans the current snapshot of a list out to every subscribed
// session. It is a single-process, in-memory fan-out; replacing it with a
// shared pub/sub backend is deliberately out of scope.
type Broadcaster struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[types.ListID]map[*Subscriber]struct{}

	// latest caches the most recent snapshot per list so reads can skip the
	// store on the hot path.
	latest *lru.Cache[types.ListID, types.Snapshot]
}

// Subscriber is one session's subscription to a list's snapshot stream.
type Subscriber struct {
	// C delivers full-replacement snapshots.
	C <-chan types.Snapshot

	ch   chan types.Snapshot
	list types.ListID
	b    *Broadcaster
	once sync.Once
}

// NewBroadcaster creates a broadcaster caching up to cacheSize list
// snapshots.
func NewBroadcaster(logger *zap.Logger, cacheSize int) (*Broadcaster, error) {
	cache, err := lru.New[types.ListID, types.Snapshot](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Broadcaster{
		logger: logger,
		subs:   make(map[types.ListID]map[*Subscriber]struct{}),
		latest: cache,
	}, nil
}

// Subscribe registers a new subscriber for the given list.
func (b *Broadcaster) Subscribe(list types.ListID) *Subscriber {
	sub := &Subscriber{
		ch:   make(chan types.Snapshot, subscriberBuffer),
		list: list,
		b:    b,
	}
	sub.C = sub.ch
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[list] == nil {
		b.subs[list] = make(map[*Subscriber]struct{})
	}
	b.subs[list][sub] = struct{}{}
	subscribers.WithLabelValues().Inc()
	return sub
}

// Close unregisters the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		delete(s.b.subs[s.list], s)
		if len(s.b.subs[s.list]) == 0 {
			delete(s.b.subs, s.list)
		}
		subscribers.WithLabelValues().Dec()
	})
}

// Publish caches the snapshot as the list's latest and fans it out to all
// subscribers. Sends never block: a subscriber that cannot keep up misses
// intermediate snapshots and catches up with a later full replacement.
// A snapshot older than the cached latest is dropped entirely; a writer
// preempted between the store apply and its publish must not clobber a later
// write that published first.
func (b *Broadcaster) Publish(list types.ListID, snap types.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.latest.Get(list); ok && cur.LastModified.Time.After(snap.LastModified.Time) {
		staleSnapshots.WithLabelValues().Inc()
		b.logger.Debug("dropping stale snapshot", zap.String("list", string(list)))
		return
	}
	b.latest.Add(list, snap)
	for sub := range b.subs[list] {
		select {
		case sub.ch <- snap:
			broadcasts.WithLabelValues().Inc()
		default:
			droppedEvents.WithLabelValues().Inc()
			b.logger.Debug("dropping snapshot for slow subscriber",
				zap.String("list", string(list)))
		}
	}
}

// Prime seeds the latest-snapshot cache without fanning anything out, for
// reads that had to fall through to the store. It never replaces a newer
// cached snapshot.
func (b *Broadcaster) Prime(list types.ListID, snap types.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.latest.Get(list); ok && cur.LastModified.Time.After(snap.LastModified.Time) {
		return
	}
	b.latest.Add(list, snap)
}

// Latest returns the cached most recent snapshot for a list, if any.
func (b *Broadcaster) Latest(list types.ListID) (types.Snapshot, bool) {
	return b.latest.Get(list)
}

// Subscribers reports how many sessions are subscribed to a list.
func (b *Broadcaster) Subscribers(list types.ListID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[list])
}
