package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/livesync/internal/model"
	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/wire"
)

// ErrInvalidLimit is returned for a page limit below 1.
var ErrInvalidLimit = errors.New("limit must be >= 1")

// Window is the message window of one room.
type Window struct {
	roomID string
	fetch  Fetcher
	logger *slog.Logger

	mu      sync.RWMutex
	msgs    []model.Message
	ids     map[string]struct{}
	hasMore bool
	gen     uint64 // bumped by LoadInitial; stale older pages are discarded

	// Pushes accepted while an initial page is in flight. The page was
	// computed without them, so they are kept at its tail.
	loading int
	live    []model.Message

	older  singleflight.Group
	deltas *stream.Hub[Delta]

	bindMu  sync.Mutex
	feed    *stream.Stream[wire.Event]
	emitter Emitter
	wg      sync.WaitGroup
}

// New creates an empty window for roomID.
func New(roomID string, fetch Fetcher, logger *slog.Logger) *Window {
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{
		roomID: roomID,
		fetch:  fetch,
		logger: logger.With("room_id", roomID),
		ids:    make(map[string]struct{}),
		deltas: stream.NewHub[Delta](),
	}
}

// RoomID returns the room this window belongs to.
func (w *Window) RoomID() string {
	return w.roomID
}

// LoadInitial replaces the window with the newest limit messages.
func (w *Window) LoadInitial(ctx context.Context, limit int) error {
	if limit < 1 {
		return ErrInvalidLimit
	}

	w.mu.Lock()
	if w.loading == 0 {
		w.live = nil
	}
	w.loading++
	w.mu.Unlock()

	page, err := w.fetch.GetMessages(ctx, model.PageQuery{RoomID: w.roomID, Limit: limit})
	if err != nil {
		w.mu.Lock()
		w.finishLoadLocked()
		w.mu.Unlock()
		return fmt.Errorf("load initial page: %w", err)
	}
	msgs := w.normalize(page)

	w.mu.Lock()
	inPage := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		inPage[m.ID] = struct{}{}
	}
	for _, m := range w.live {
		if _, ok := inPage[m.ID]; !ok {
			inPage[m.ID] = struct{}{}
			msgs = append(msgs, m)
		}
	}
	w.finishLoadLocked()

	w.gen++
	w.msgs = msgs
	w.ids = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		w.ids[m.ID] = struct{}{}
	}
	w.hasMore = len(page) == limit
	hasMore := w.hasMore
	w.mu.Unlock()

	w.logger.Debug("initial page loaded", "count", len(msgs), "has_more", hasMore)
	w.deltas.Publish(Delta{Kind: DeltaReset, Messages: clone(msgs), HasMore: hasMore})
	return nil
}

func (w *Window) finishLoadLocked() {
	w.loading--
	if w.loading == 0 {
		w.live = nil
	}
}

// LoadOlder prepends the page of up to limit messages strictly before the
// current oldest message and returns what was added. Concurrent calls share
// one fetch. Once HasMore is false it returns an empty delta without
// fetching.
func (w *Window) LoadOlder(ctx context.Context, limit int) (Delta, error) {
	if limit < 1 {
		return Delta{}, ErrInvalidLimit
	}

	v, err, _ := w.older.Do(fmt.Sprintf("older:%d", limit), func() (any, error) {
		return w.loadOlder(ctx, limit)
	})
	if err != nil {
		return Delta{}, err
	}
	return v.(Delta), nil
}

func (w *Window) loadOlder(ctx context.Context, limit int) (Delta, error) {
	w.mu.RLock()
	hasMore, gen := w.hasMore, w.gen
	var q model.PageQuery
	q.RoomID, q.Limit = w.roomID, limit
	if len(w.msgs) > 0 {
		q.Before = w.msgs[0].CreatedAt
	}
	w.mu.RUnlock()

	if !hasMore {
		return Delta{Kind: DeltaPrepend}, nil
	}

	page, err := w.fetch.GetMessages(ctx, q)
	if err != nil {
		return Delta{}, fmt.Errorf("load older page: %w", err)
	}
	msgs := w.normalize(page)

	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		w.logger.Debug("discarding older page from a previous load")
		return Delta{Kind: DeltaPrepend, HasMore: w.HasMore()}, nil
	}

	added := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := w.ids[m.ID]; dup {
			continue
		}
		if len(w.msgs) > 0 && !m.CreatedAt.Before(w.msgs[0].CreatedAt) {
			continue
		}
		added = append(added, m)
	}
	for _, m := range added {
		w.ids[m.ID] = struct{}{}
	}
	w.msgs = append(added, w.msgs...)
	w.hasMore = len(page) > 0 && len(page) == limit
	d := Delta{Kind: DeltaPrepend, Messages: clone(added), HasMore: w.hasMore}
	w.mu.Unlock()

	w.logger.Debug("older page loaded", "count", len(added), "has_more", d.HasMore)
	w.deltas.Publish(d)
	return d, nil
}

// AppendLive appends a pushed message. Messages of other rooms and ids
// already present are ignored.
func (w *Window) AppendLive(m model.Message) bool {
	if m.RoomID != w.roomID {
		return false
	}

	w.mu.Lock()
	if _, dup := w.ids[m.ID]; dup {
		w.mu.Unlock()
		return false
	}
	w.ids[m.ID] = struct{}{}
	w.msgs = append(w.msgs, m)
	if w.loading > 0 {
		w.live = append(w.live, m)
	}
	hasMore := w.hasMore
	w.mu.Unlock()

	w.deltas.Publish(Delta{Kind: DeltaAppend, Messages: []model.Message{m}, HasMore: hasMore})
	return true
}

// Messages returns the window contents, oldest first.
func (w *Window) Messages() []model.Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return clone(w.msgs)
}

// Len returns the number of messages held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.msgs)
}

// HasMore reports whether older messages may exist.
func (w *Window) HasMore() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.hasMore
}

// Oldest returns the oldest loaded message.
func (w *Window) Oldest() (model.Message, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.msgs) == 0 {
		return model.Message{}, false
	}
	return w.msgs[0], true
}

// Newest returns the newest loaded message.
func (w *Window) Newest() (model.Message, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.msgs) == 0 {
		return model.Message{}, false
	}
	return w.msgs[len(w.msgs)-1], true
}

// Deltas returns a stream of every later change. Close it when done.
func (w *Window) Deltas() *stream.Stream[Delta] {
	return w.deltas.Subscribe()
}

// Clear empties the window.
func (w *Window) Clear() {
	w.mu.Lock()
	w.gen++
	w.msgs = nil
	w.ids = make(map[string]struct{})
	w.live = nil
	w.hasMore = false
	w.mu.Unlock()

	w.deltas.Publish(Delta{Kind: DeltaReset})
}

// Bind scopes live events to this room and appends every messageCreated
// push for it, replacing any previous binding.
func (w *Window) Bind(sub Subscriber, em Emitter) error {
	w.bindMu.Lock()
	defer w.bindMu.Unlock()

	w.unbindLocked()

	feed, err := sub.Subscribe(wire.MessageTopics.Created)
	if err != nil {
		return fmt.Errorf("bind %s: %w", wire.MessageTopics.Created, err)
	}
	if err := em.Emit(wire.TopicSubscribeRoom, wire.RoomScope{RoomID: w.roomID}); err != nil {
		feed.Close()
		return fmt.Errorf("subscribe to room: %w", err)
	}

	w.feed = feed
	w.emitter = em
	w.wg.Add(1)
	go w.consume(feed)
	return nil
}

// Unbind stops live appends and leaves the room scope. Safe to call
// repeatedly.
func (w *Window) Unbind() {
	w.bindMu.Lock()
	defer w.bindMu.Unlock()
	w.unbindLocked()
}

func (w *Window) unbindLocked() {
	if w.feed == nil {
		return
	}
	w.feed.Close()
	w.wg.Wait()
	w.feed = nil

	if err := w.emitter.Emit(wire.TopicUnsubscribeRoom, wire.RoomScope{RoomID: w.roomID}); err != nil {
		w.logger.Debug("unsubscribe from room not sent", "error", err)
	}
	w.emitter = nil
}

// Close unbinds and ends every Deltas stream.
func (w *Window) Close() {
	w.Unbind()
	w.deltas.Close()
}

func (w *Window) consume(s *stream.Stream[wire.Event]) {
	defer w.wg.Done()
	for ev := range s.C() {
		m, err := wire.DecodePayload[model.Message](ev.Data)
		if err != nil {
			w.logger.Warn("dropping event", "topic", ev.Topic, "error", err)
			continue
		}
		w.AppendLive(m)
	}
}

// normalize keeps this room's messages, oldest first, without duplicate ids.
func (w *Window) normalize(page []model.Message) []model.Message {
	out := make([]model.Message, 0, len(page))
	seen := make(map[string]struct{}, len(page))
	for _, m := range page {
		if m.RoomID != w.roomID || m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func clone(msgs []model.Message) []model.Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}
