package livesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/livesync/internal/api"
	"github.com/rickgao/livesync/internal/auth"
	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/coalesce"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/model"
	"github.com/rickgao/livesync/internal/refresh"
	"github.com/rickgao/livesync/internal/rpc"
	"github.com/rickgao/livesync/internal/stats"
	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/wire"
	"github.com/rickgao/livesync/internal/window"
)

// feed is a cache or window the client keeps bound to the live channel.
type feed interface {
	name() string
	sync(ctx context.Context) error // bind, then request current state
	unbind()
	clear()
	close()
}

// Client is the synchronized view of the server state.
type Client struct {
	cfg    Config
	creds  auth.Provider
	logger *slog.Logger

	mgr    *connection.Manager
	bridge *rpc.Bridge
	fetch  window.Fetcher
	sched  *coalesce.Scheduler

	connOpts      []connection.Option
	cacheObserver CacheObserver

	sessionEnded *stream.Hub[error]

	mu      sync.Mutex
	feeds   map[string]feed
	users   *cache.Cache[model.User]
	moods   *cache.Cache[model.Mood]
	rooms   *cache.Cache[model.Room]
	polls   *cache.Cache[model.Poll]
	games   *cache.Cache[model.Game]
	windows map[string]*window.Window
	tracker *stats.Tracker
	closed  bool

	// Live session state, reset by Connect.
	ctx     context.Context
	cancel  context.CancelFunc
	conn    *stream.Stream[bool]
	ending  bool
	watchWg sync.WaitGroup
	syncWg  sync.WaitGroup
}

// New creates a Client. fetch loads message pages, normally an
// *api.Client.
func New(cfg Config, creds auth.Provider, fetch window.Fetcher, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:          cfg,
		creds:        creds,
		logger:       logger,
		sched:        coalesce.New(logger.With("component", "scheduler")),
		sessionEnded: stream.NewHub[error](),
		feeds:        make(map[string]feed),
		windows:      make(map[string]*window.Window),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.fetch = &guardedFetcher{Fetcher: fetch, c: c}
	c.mgr = connection.NewManager(cfg.Connection, &guardedCreds{Provider: creds, c: c},
		logger.With("component", "connection"), c.connOpts...)
	c.bridge = rpc.NewBridge(c.mgr, func(err error) bool {
		return errors.Is(err, connection.ErrNotConnected)
	}, logger.With("component", "rpc"))
	return c
}

// Connect opens the channel. Every time it comes up, all caches and windows
// in use are rebound and refreshed. The returned stream reports
// connectivity like connection.Manager.Connect.
func (c *Client) Connect(ctx context.Context) (*stream.Stream[bool], error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	// Stop the previous session first so out only sees this one.
	c.stopWatch()
	c.mgr.Disconnect()

	out := c.mgr.Watch()
	conn, err := c.mgr.Connect(ctx)
	if err != nil {
		out.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.ctx, c.cancel, c.conn, c.ending = runCtx, cancel, conn, false
	c.mu.Unlock()

	c.watchWg.Add(1)
	go c.watch(runCtx, conn)

	c.logger.Info("client connecting", "url", c.cfg.Connection.URL)
	return out, nil
}

// Manager returns the underlying connection manager.
func (c *Client) Manager() *connection.Manager {
	return c.mgr
}

// Bridge returns the request bridge for ad hoc requests.
func (c *Client) Bridge() *rpc.Bridge {
	return c.bridge
}

// IsConnected reports whether the channel is live.
func (c *Client) IsConnected() bool {
	return c.mgr.IsConnected()
}

// SessionEnded returns a stream that receives the cause each time the
// server invalidates the session.
func (c *Client) SessionEnded() *stream.Stream[error] {
	return c.sessionEnded.Subscribe()
}

// Users returns the user cache, creating it on first use.
func (c *Client) Users() *cache.Cache[model.User] {
	return lazyCache(c, &c.users, wire.UserTopics)
}

// Moods returns the mood cache, creating it on first use.
func (c *Client) Moods() *cache.Cache[model.Mood] {
	return lazyCache(c, &c.moods, wire.MoodTopics)
}

// Rooms returns the room cache, creating it on first use.
func (c *Client) Rooms() *cache.Cache[model.Room] {
	return lazyCache(c, &c.rooms, wire.RoomTopics)
}

// Polls returns the poll cache, creating it on first use.
func (c *Client) Polls() *cache.Cache[model.Poll] {
	return lazyCache(c, &c.polls, wire.PollTopics)
}

// Games returns the game cache, creating it on first use. Games are
// display-only: the client never edits them.
func (c *Client) Games() *cache.Cache[model.Game] {
	return lazyCache(c, &c.games, wire.GameTopics)
}

// Room returns the message window of roomID, creating it on first use.
func (c *Client) Room(roomID string) *window.Window {
	c.mu.Lock()
	if w, ok := c.windows[roomID]; ok {
		c.mu.Unlock()
		return w
	}
	w := window.New(roomID, c.fetch, c.logger.With("component", "window"))
	c.windows[roomID] = w
	f := &windowFeed{w: w, c: c}
	c.feeds[f.name()] = f
	c.mu.Unlock()

	c.startSync(f)
	return w
}

// CloseRoom stops following roomID and drops its window.
func (c *Client) CloseRoom(roomID string) {
	c.mu.Lock()
	w, ok := c.windows[roomID]
	if ok {
		delete(c.windows, roomID)
		delete(c.feeds, (&windowFeed{w: w}).name())
	}
	c.mu.Unlock()

	if ok {
		w.Close()
	}
}

// OpenRooms returns the ids of every open window, sorted.
func (c *Client) OpenRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.windows))
	for id := range c.windows {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Targets returns the caches in use as refresh targets. Windows are not
// included: reloading one would drop the older pages already loaded.
func (c *Client) Targets() map[string]refresh.Target {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]refresh.Target)
	for name, f := range c.feeds {
		if r, ok := f.(interface {
			refresh(ctx context.Context) error
		}); ok {
			out[name] = refresh.TargetFunc(r.refresh)
		}
	}
	return out
}

// MoodStats returns the mood statistics tracker, creating it and the user
// and mood caches on first use.
func (c *Client) MoodStats() *stats.Tracker {
	users, moods := c.Users(), c.Moods()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracker == nil {
		c.tracker = stats.NewTracker(users, moods, c.sched, c.cfg.StatsDebounce, c.logger.With("component", "stats"))
		c.tracker.Start()
	}
	return c.tracker
}

// Logout disconnects and empties every cache and window. Caches and
// windows stay registered and refill on the next Connect.
func (c *Client) Logout() {
	c.mgr.Disconnect()
	c.stopWatch()

	for _, f := range c.snapshotFeeds() {
		f.unbind()
		f.clear()
	}
	if s, ok := c.creds.(interface{ Logout() }); ok {
		s.Logout()
	}
	c.logger.Info("logged out")
}

// Close logs out and releases every cache, window and stream.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Logout()

	c.mu.Lock()
	tracker := c.tracker
	c.mu.Unlock()
	if tracker != nil {
		tracker.Stop()
	}

	for _, f := range c.snapshotFeeds() {
		f.close()
	}
	c.sched.Stop()
	c.mgr.Close()
	c.sessionEnded.Close()
}

// watch refreshes every feed each time the channel comes up.
func (c *Client) watch(ctx context.Context, conn *stream.Stream[bool]) {
	defer c.watchWg.Done()
	for up := range conn.C() {
		if !up {
			continue
		}
		if err := c.resync(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("resync incomplete", "error", err)
		}
	}
}

// resync rebinds and refreshes every feed concurrently.
func (c *Client) resync(ctx context.Context) error {
	feeds := c.snapshotFeeds()
	c.logger.Debug("resyncing", "feeds", len(feeds))

	var g errgroup.Group
	for _, f := range feeds {
		g.Go(func() error {
			if err := f.sync(ctx); err != nil {
				return fmt.Errorf("%s: %w", f.name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// startSync refreshes a newly created feed when the channel is already
// live. Otherwise the next connectivity=true emission picks it up.
func (c *Client) startSync(f feed) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	if ctx == nil || ctx.Err() != nil || !c.mgr.IsConnected() {
		return
	}

	c.syncWg.Add(1)
	go func() {
		defer c.syncWg.Done()
		if err := f.sync(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("initial sync failed", "feed", f.name(), "error", err)
		}
	}()
}

func (c *Client) stopWatch() {
	c.mu.Lock()
	cancel, conn := c.cancel, c.conn
	c.cancel, c.conn = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.watchWg.Wait()
	c.syncWg.Wait()
}

func (c *Client) snapshotFeeds() []feed {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.feeds))
	for n := range c.feeds {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]feed, 0, len(names))
	for _, n := range names {
		out = append(out, c.feeds[n])
	}
	return out
}

// endSession handles a server-side invalidation once per session.
func (c *Client) endSession(err error) {
	c.mu.Lock()
	if c.ending || c.closed {
		c.mu.Unlock()
		return
	}
	c.ending = true
	c.mu.Unlock()

	// Logout waits for sync goroutines, one of which may be reporting.
	go func() {
		c.Logout()
		c.sessionEnded.Publish(err)
	}()
}

// requestContext bounds one snapshot or page request.
func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

func lazyCache[T model.Entity](c *Client, slot **cache.Cache[T], topics wire.EntityTopics) *cache.Cache[T] {
	c.mu.Lock()
	if *slot != nil {
		cc := *slot
		c.mu.Unlock()
		return cc
	}
	cc := cache.New[T](topics, c.logger.With("component", "cache"))
	*slot = cc
	f := &cacheFeed[T]{cache: cc, c: c}
	c.feeds[f.name()] = f
	c.mu.Unlock()

	if c.cacheObserver != nil {
		go c.reportSize(f.name(), cc.Changes(), cc.Len)
	}
	c.startSync(f)
	return cc
}

// reportSize publishes the cache size after each settled burst of changes.
func (c *Client) reportSize(name string, changes *stream.Stream[cache.Change], size func() int) {
	key := "size:" + name
	for range changes.C() {
		c.sched.Schedule(key, c.cfg.StatsDebounce, func() {
			c.cacheObserver.SetCacheSize(name, size())
		})
	}
}

type cacheFeed[T model.Entity] struct {
	cache *cache.Cache[T]
	c     *Client
}

func (f *cacheFeed[T]) name() string {
	return "cache:" + f.cache.Topics().Find.Reply
}

func (f *cacheFeed[T]) sync(ctx context.Context) error {
	if err := f.cache.Bind(f.c.bridge); err != nil {
		return err
	}
	rctx, cancel := f.c.requestContext(ctx)
	defer cancel()
	return f.cache.Snapshot(rctx, f.c.bridge)
}

func (f *cacheFeed[T]) refresh(ctx context.Context) error {
	return f.cache.Snapshot(ctx, f.c.bridge)
}

func (f *cacheFeed[T]) unbind() { f.cache.Unbind() }
func (f *cacheFeed[T]) clear()  { f.cache.Clear() }
func (f *cacheFeed[T]) close()  { f.cache.Close() }

type windowFeed struct {
	w *window.Window
	c *Client
}

func (f *windowFeed) name() string {
	return "room:" + f.w.RoomID()
}

func (f *windowFeed) sync(ctx context.Context) error {
	if err := f.w.Bind(f.c.bridge, f.c.bridge); err != nil {
		return err
	}
	rctx, cancel := f.c.requestContext(ctx)
	defer cancel()
	return f.w.LoadInitial(rctx, f.c.cfg.PageSize)
}

func (f *windowFeed) unbind() { f.w.Unbind() }
func (f *windowFeed) clear()  { f.w.Clear() }
func (f *windowFeed) close()  { f.w.Close() }

// guardedCreds forwards invalidations from the channel to the client.
type guardedCreds struct {
	auth.Provider
	c *Client
}

func (g *guardedCreds) Invalidated(err error) {
	g.Provider.Invalidated(err)
	g.c.endSession(err)
}

// guardedFetcher treats an unauthorized page request as an invalidated
// session.
type guardedFetcher struct {
	window.Fetcher
	c *Client
}

func (g *guardedFetcher) GetMessages(ctx context.Context, q model.PageQuery) ([]model.Message, error) {
	msgs, err := g.Fetcher.GetMessages(ctx, q)
	if err != nil && api.IsUnauthorized(err) {
		cause := fmt.Errorf("%w: %w", connection.ErrSessionInvalidated, err)
		g.c.creds.Invalidated(cause)
		g.c.endSession(cause)
	}
	return msgs, err
}
