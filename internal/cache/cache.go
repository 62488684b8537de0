package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rickgao/livesync/internal/model"
	"github.com/rickgao/livesync/internal/rpc"
	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/wire"
)

// Cache is a keyed collection of one entity type kept in sync with the
// server.
type Cache[T model.Entity] struct {
	topics wire.EntityTopics
	logger *slog.Logger

	mu     sync.RWMutex
	items  map[string]T
	loaded bool

	changes *stream.Hub[Change]

	bindMu sync.Mutex
	feeds  []*stream.Stream[wire.Event]
	wg     sync.WaitGroup
}

// New creates an empty cache for the entity whose topics are given.
func New[T model.Entity](topics wire.EntityTopics, logger *slog.Logger) *Cache[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache[T]{
		topics:  topics,
		logger:  logger.With("cache", topics.Find.Reply),
		items:   make(map[string]T),
		changes: stream.NewHub[Change](),
	}
}

// Topics returns the entity topics this cache follows.
func (c *Cache[T]) Topics() wire.EntityTopics {
	return c.topics
}

// Snapshot requests the full collection and replaces the cache contents
// with it.
func (c *Cache[T]) Snapshot(ctx context.Context, b *rpc.Bridge) error {
	items, err := rpc.Call[[]T](ctx, b, c.topics.Find, nil)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	c.Replace(items)
	return nil
}

// Replace sets the cache contents to items, deduplicated by id (the last
// occurrence wins). Invalid items are dropped.
func (c *Cache[T]) Replace(items []T) {
	next := make(map[string]T, len(items))
	for _, v := range items {
		if err := validate(v); err != nil {
			c.logger.Warn("dropping invalid snapshot item", "error", err)
			continue
		}
		next[v.EntityID()] = v
	}

	c.mu.Lock()
	c.items = next
	c.loaded = true
	c.mu.Unlock()

	c.logger.Debug("snapshot applied", "count", len(next))
	c.changes.Publish(Change{Kind: ChangeSnapshot})
}

// ApplyCreated inserts v, replacing any entry with the same id.
func (c *Cache[T]) ApplyCreated(v T) {
	c.put(v, ChangeCreated)
}

// ApplyUpdated replaces the entry for v's id, inserting it if absent.
func (c *Cache[T]) ApplyUpdated(v T) {
	c.put(v, ChangeUpdated)
}

func (c *Cache[T]) put(v T, kind ChangeKind) {
	id := v.EntityID()

	c.mu.Lock()
	c.items[id] = v
	c.mu.Unlock()

	c.changes.Publish(Change{Kind: kind, ID: id})
}

// ApplyRemoved deletes id. Returns false if it was not cached.
func (c *Cache[T]) ApplyRemoved(id string) bool {
	c.mu.Lock()
	_, ok := c.items[id]
	delete(c.items, id)
	c.mu.Unlock()

	if ok {
		c.changes.Publish(Change{Kind: ChangeRemoved, ID: id})
	}
	return ok
}

// ApplyOptimistic patches a copy of the cached entry and stores it. Returns
// false if id is not cached. The next server update for id overwrites it.
func (c *Cache[T]) ApplyOptimistic(id string, patch func(*T)) bool {
	c.mu.Lock()
	v, ok := c.items[id]
	if ok {
		patch(&v)
		c.items[id] = v
	}
	c.mu.Unlock()

	if ok {
		c.changes.Publish(Change{Kind: ChangeOptimistic, ID: id})
	}
	return ok
}

// Get returns the entry for id.
func (c *Cache[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[id]
	return v, ok
}

// Values returns every entry ordered by id.
func (c *Cache[T]) Values() []T {
	c.mu.RLock()
	out := make([]T, 0, len(c.items))
	for _, v := range c.items {
		out = append(out, v)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

// Sorted returns every entry ordered by less.
func (c *Cache[T]) Sorted(less func(a, b T) bool) []T {
	out := c.Values()
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Len returns the number of entries.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Loaded reports whether a snapshot has been applied since the last Clear.
func (c *Cache[T]) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Clear empties the cache and returns it to the unloaded state.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]T)
	c.loaded = false
	c.mu.Unlock()

	c.changes.Publish(Change{Kind: ChangeCleared})
}

// Changes returns a stream of every later mutation. Close it when done.
func (c *Cache[T]) Changes() *stream.Stream[Change] {
	return c.changes.Subscribe()
}

// Bind follows the created, updated and removed topics through sub,
// replacing any previous binding. The feeds end on their own when the
// channel is replaced; call Bind again after reconnecting.
func (c *Cache[T]) Bind(sub Subscriber) error {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	c.unbindLocked()

	handlers := []struct {
		topic string
		apply func(wire.Event)
	}{
		{c.topics.Created, c.onCreated},
		{c.topics.Updated, c.onUpdated},
		{c.topics.Removed, c.onRemoved},
	}

	feeds := make([]*stream.Stream[wire.Event], 0, len(handlers))
	for _, h := range handlers {
		s, err := sub.Subscribe(h.topic)
		if err != nil {
			for _, f := range feeds {
				f.Close()
			}
			return fmt.Errorf("bind %s: %w", h.topic, err)
		}
		feeds = append(feeds, s)

		c.wg.Add(1)
		go c.consume(s, h.apply)
	}
	c.feeds = feeds
	return nil
}

// Unbind stops following push topics. Safe to call repeatedly.
func (c *Cache[T]) Unbind() {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	c.unbindLocked()
}

func (c *Cache[T]) unbindLocked() {
	for _, f := range c.feeds {
		f.Close()
	}
	c.feeds = nil
	c.wg.Wait()
}

// Close unbinds and ends every Changes stream.
func (c *Cache[T]) Close() {
	c.Unbind()
	c.changes.Close()
}

func (c *Cache[T]) consume(s *stream.Stream[wire.Event], apply func(wire.Event)) {
	defer c.wg.Done()
	for ev := range s.C() {
		apply(ev)
	}
}

func (c *Cache[T]) onCreated(ev wire.Event) {
	v, err := wire.DecodePayload[T](ev.Data)
	if err != nil {
		c.logger.Warn("dropping event", "topic", ev.Topic, "error", err)
		return
	}
	c.ApplyCreated(v)
}

func (c *Cache[T]) onUpdated(ev wire.Event) {
	v, err := wire.DecodePayload[T](ev.Data)
	if err != nil {
		c.logger.Warn("dropping event", "topic", ev.Topic, "error", err)
		return
	}
	c.ApplyUpdated(v)
}

func (c *Cache[T]) onRemoved(ev wire.Event) {
	id, err := wire.DecodeID(ev.Data)
	if err != nil {
		c.logger.Warn("dropping event", "topic", ev.Topic, "error", err)
		return
	}
	c.ApplyRemoved(id)
}

func validate[T any](v T) error {
	if val, ok := any(v).(wire.Validator); ok {
		return val.Validate()
	}
	return nil
}
