package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/livesync/internal/api"
	"github.com/rickgao/livesync/internal/auth"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/model"
	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/wire"
	"github.com/rickgao/livesync/internal/wire/wiretest"
	"github.com/rickgao/livesync/internal/window"
)

// pageFetcher serves a fixed history per room.
type pageFetcher struct {
	mu    sync.Mutex
	rooms map[string][]model.Message
	err   error
	calls int
}

func (f *pageFetcher) GetMessages(ctx context.Context, q model.PageQuery) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	msgs := f.rooms[q.RoomID]
	if len(msgs) > q.Limit {
		msgs = msgs[len(msgs)-q.Limit:]
	}
	return append([]model.Message(nil), msgs...), nil
}

func (f *pageFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sizeRecorder struct {
	mu    sync.Mutex
	sizes map[string]int
}

func (r *sizeRecorder) SetCacheSize(name string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes[name] = n
}

func (r *sizeRecorder) Get(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sizes[name]
}

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alice = model.User{ID: "u1", Username: "alice", MoodID: "happy"}
	bob   = model.User{ID: "u2", Username: "bob"}
)

type fixture struct {
	srv     *wiretest.Server
	fetch   *pageFetcher
	client  *Client
	invalid chan error
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	srv := wiretest.New(t)
	srv.RequireToken("tok")
	srv.Handle(wire.UserTopics.Find.Request, func(json.RawMessage) (string, any) {
		return wire.UserTopics.Find.Reply, []model.User{alice, bob}
	})
	srv.Handle(wire.MoodTopics.Find.Request, func(json.RawMessage) (string, any) {
		return wire.MoodTopics.Find.Reply, []model.Mood{
			{ID: "sad", Name: "Sad", Order: 2},
			{ID: "happy", Name: "Happy", Order: 1},
		}
	})
	srv.Handle(wire.RoomTopics.Find.Request, func(json.RawMessage) (string, any) {
		return wire.RoomTopics.Find.Reply, []model.Room{{ID: "r1", Name: "general"}}
	})

	fetch := &pageFetcher{rooms: map[string][]model.Message{
		"r1": {
			{ID: "m1", RoomID: "r1", Content: "first", CreatedAt: t0},
			{ID: "m2", RoomID: "r1", Content: "second", CreatedAt: t0.Add(time.Minute)},
		},
	}}

	cfg := DefaultConfig()
	cfg.Connection.URL = srv.URL()
	cfg.Connection.ReconnectDelay = 10 * time.Millisecond
	cfg.Connection.ReconnectJitter = 0
	cfg.RequestTimeout = 2 * time.Second
	cfg.StatsDebounce = 5 * time.Millisecond

	invalid := make(chan error, 4)
	creds := auth.NewStatic("tok", func(err error) { invalid <- err })

	c := New(cfg, creds, fetch, nil, opts...)
	t.Cleanup(c.Close)

	return &fixture{srv: srv, fetch: fetch, client: c, invalid: invalid}
}

func (f *fixture) connect(t *testing.T) *stream.Stream[bool] {
	t.Helper()
	conn, err := f.client.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(conn.Close)
	waitUp(t, conn)
	return conn
}

func waitUp(t *testing.T, conn *stream.Stream[bool]) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case up, ok := <-conn.C():
			if !ok {
				t.Fatal("connectivity stream closed")
			}
			if up {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for connectivity=true")
		}
	}
}

func waitReset(t *testing.T, deltas *stream.Stream[window.Delta]) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case d := <-deltas.C():
			if d.Kind == window.DeltaReset && len(d.Messages) > 0 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for page reload")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClient_SnapshotsOnConnect(t *testing.T) {
	f := newFixture(t)
	users := f.client.Users()

	if users.Loaded() {
		t.Fatal("Loaded() = true before Connect")
	}
	f.connect(t)

	waitFor(t, "user snapshot", func() bool { return users.Len() == 2 })
	if got, _ := users.Get("u1"); got.Username != "alice" {
		t.Errorf("Get(u1).Username = %q, want alice", got.Username)
	}
}

func TestClient_LazyCacheAfterConnect(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	if n := len(f.srv.Received(wire.RoomTopics.Find.Request)); n != 0 {
		t.Fatalf("findAllRoom sent %d times before first use", n)
	}

	rooms := f.client.Rooms()
	waitFor(t, "room snapshot", func() bool { return rooms.Len() == 1 })

	if same := f.client.Rooms(); same != rooms {
		t.Error("Rooms() returned a different cache on second call")
	}
}

func TestClient_GamesFollowServer(t *testing.T) {
	f := newFixture(t)
	f.srv.Handle(wire.GameTopics.Find.Request, func(json.RawMessage) (string, any) {
		return wire.GameTopics.Find.Reply, []model.Game{{ID: "g1", Kind: "chess", Status: "waiting"}}
	})
	f.connect(t)

	games := f.client.Games()
	waitFor(t, "game snapshot", func() bool { return games.Len() == 1 })

	f.srv.Emit(wire.GameTopics.Updated, model.Game{
		ID:     "g1",
		Kind:   "chess",
		Status: "running",
		State:  json.RawMessage(`{"turn":"white"}`),
	})
	waitFor(t, "game update", func() bool {
		g, _ := games.Get("g1")
		return g.Status == "running"
	})

	f.srv.Emit(wire.GameTopics.Removed, map[string]string{"_id": "g1"})
	waitFor(t, "game removal", func() bool { return games.Len() == 0 })
}

func TestClient_ResyncAfterReconnect(t *testing.T) {
	f := newFixture(t)
	users := f.client.Users()
	room := f.client.Room("r1")
	conn := f.connect(t)

	f.srv.WaitReceived(wire.UserTopics.Find.Request, 1, 2*time.Second)
	f.srv.WaitReceived(wire.TopicSubscribeRoom, 1, 2*time.Second)
	waitFor(t, "initial page", func() bool { return room.Len() == 2 })

	deltas := room.Deltas()
	defer deltas.Close()

	f.srv.DropAll()
	waitUp(t, conn)

	// The second findAllUser is sent after the new binding is in place.
	f.srv.WaitReceived(wire.UserTopics.Find.Request, 2, 2*time.Second)
	f.srv.WaitReceived(wire.TopicSubscribeRoom, 2, 2*time.Second)
	waitReset(t, deltas)

	f.srv.Emit(wire.UserTopics.Created, model.User{ID: "u3", Username: "carol"})
	waitFor(t, "userCreated after reconnect", func() bool { return users.Len() == 3 })

	f.srv.Emit(wire.MessageTopics.Created, model.Message{ID: "m3", RoomID: "r1", Content: "live", CreatedAt: t0.Add(2 * time.Minute)})
	waitFor(t, "live message after reconnect", func() bool { return room.Len() == 3 })

	newest, _ := room.Newest()
	if newest.ID != "m3" {
		t.Errorf("Newest().ID = %q, want m3", newest.ID)
	}
}

func TestClient_OptimisticUpdateThenEcho(t *testing.T) {
	f := newFixture(t)
	users := f.client.Users()
	f.connect(t)
	waitFor(t, "user snapshot", func() bool { return users.Len() == 2 })

	if err := f.client.SetUserMood("u2", "sad"); err != nil {
		t.Fatalf("SetUserMood() error = %v", err)
	}
	if got, _ := users.Get("u2"); got.MoodID != "sad" {
		t.Fatalf("MoodID after optimistic edit = %q, want sad", got.MoodID)
	}

	sent := f.srv.WaitReceived(wire.UserTopics.Update, 1, 2*time.Second)
	var u model.User
	if err := json.Unmarshal(sent[0], &u); err != nil {
		t.Fatalf("decode updateUser payload: %v", err)
	}
	if u.ID != "u2" || u.MoodID != "sad" {
		t.Errorf("updateUser payload = %+v, want u2 with mood sad", u)
	}

	// The server's version wins.
	f.srv.Emit(wire.UserTopics.Updated, model.User{ID: "u2", Username: "bob", MoodID: "happy"})
	waitFor(t, "server echo", func() bool {
		got, _ := users.Get("u2")
		return got.MoodID == "happy"
	})
}

func TestClient_UpdateUnknownEntity(t *testing.T) {
	f := newFixture(t)

	err := f.client.SetUserMood("nobody", "sad")
	if !errors.Is(err, ErrNotCached) {
		t.Errorf("SetUserMood() error = %v, want ErrNotCached", err)
	}
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	f := newFixture(t)

	err := f.client.SendMessage("r1", "hello")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendMessage() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_UpdateWhileDisconnectedLeavesCache(t *testing.T) {
	f := newFixture(t)
	users := f.client.Users()
	f.connect(t)
	waitFor(t, "user snapshot", func() bool { return users.Len() == 2 })

	f.client.Manager().Disconnect()
	waitFor(t, "disconnect", func() bool { return !f.client.IsConnected() })

	if err := f.client.SetUserMood("u2", "sad"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetUserMood() error = %v, want ErrNotConnected", err)
	}
	if got, _ := users.Get("u2"); got.MoodID != "" {
		t.Errorf("MoodID after failed send = %q, want unchanged", got.MoodID)
	}
	if err := f.client.RemovePoll("p1"); !errors.Is(err, ErrNotCached) {
		t.Errorf("RemovePoll() error = %v, want ErrNotCached", err)
	}
	if got := len(f.srv.Received(wire.UserTopics.Update)); got != 0 {
		t.Errorf("updateUser sent %d times, want 0", got)
	}
}

func TestClient_SendMessage(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	if err := f.client.SendMessage("r1", "hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	sent := f.srv.WaitReceived(wire.MessageTopics.Create, 1, 2*time.Second)

	var body map[string]string
	json.Unmarshal(sent[0], &body)
	if body["roomId"] != "r1" || body["content"] != "hello" {
		t.Errorf("createMessage payload = %v", body)
	}

	if err := f.client.SendMessage("r1", ""); err == nil {
		t.Error("SendMessage() with empty content succeeded")
	}
}

func TestClient_SessionInvalidatedLogsOut(t *testing.T) {
	f := newFixture(t)
	users := f.client.Users()
	f.connect(t)
	ended := f.client.SessionEnded()
	defer ended.Close()

	waitFor(t, "user snapshot", func() bool { return users.Len() == 2 })

	f.srv.Emit(wire.TopicException, map[string]string{"status": "error", "message": "Unauthorized"})

	select {
	case err := <-ended.C():
		if !errors.Is(err, connection.ErrSessionInvalidated) {
			t.Errorf("SessionEnded() = %v, want ErrSessionInvalidated", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session not ended")
	}

	select {
	case <-f.invalid:
	default:
		t.Error("credential source not told about the invalidation")
	}
	if users.Len() != 0 || users.Loaded() {
		t.Errorf("users after logout: Len() = %d, Loaded() = %v, want empty", users.Len(), users.Loaded())
	}
	if f.client.IsConnected() {
		t.Error("IsConnected() = true after invalidation")
	}

	// No reconnect follows an invalidation.
	time.Sleep(50 * time.Millisecond)
	if f.srv.Dials() != 1 {
		t.Errorf("server dials = %d, want 1", f.srv.Dials())
	}
}

func TestClient_UnauthorizedPageEndsSession(t *testing.T) {
	f := newFixture(t)
	f.fetch.err = &api.APIError{StatusCode: 401, Message: "Unauthorized"}
	ended := f.client.SessionEnded()
	defer ended.Close()

	f.client.Room("r1")
	f.connect(t)

	select {
	case err := <-ended.C():
		if !api.IsUnauthorized(err) {
			t.Errorf("SessionEnded() = %v, want the unauthorized API error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session not ended")
	}
	waitFor(t, "disconnect", func() bool { return !f.client.IsConnected() })
	if got := f.fetch.Calls(); got != 1 {
		t.Errorf("page fetches = %d, want 1", got)
	}
}

func TestClient_LogoutClearsAndReconnectRefills(t *testing.T) {
	f := newFixture(t)
	users := f.client.Users()
	room := f.client.Room("r1")
	f.connect(t)

	waitFor(t, "state", func() bool { return users.Len() == 2 && room.Len() == 2 })

	f.client.Logout()

	if users.Len() != 0 || room.Len() != 0 {
		t.Fatalf("after Logout: users=%d messages=%d, want 0 and 0", users.Len(), room.Len())
	}
	if err := f.client.SetUserMood("u1", "sad"); !errors.Is(err, ErrNotCached) {
		t.Errorf("SetUserMood() after Logout error = %v, want ErrNotCached", err)
	}

	f.connect(t)
	waitFor(t, "refill", func() bool { return users.Len() == 2 && room.Len() == 2 })
}

func TestClient_CloseRoom(t *testing.T) {
	f := newFixture(t)
	f.client.Room("r1")
	f.connect(t)
	f.srv.WaitReceived(wire.TopicSubscribeRoom, 1, 2*time.Second)

	f.client.CloseRoom("r1")

	got := f.srv.WaitReceived(wire.TopicUnsubscribeRoom, 1, 2*time.Second)
	var scope wire.RoomScope
	json.Unmarshal(got[0], &scope)
	if scope.RoomID != "r1" {
		t.Errorf("unsubscribeFromRoom roomId = %q, want r1", scope.RoomID)
	}
	if rooms := f.client.OpenRooms(); len(rooms) != 0 {
		t.Errorf("OpenRooms() = %v, want none", rooms)
	}
}

func TestClient_MoodStats(t *testing.T) {
	f := newFixture(t)
	tracker := f.client.MoodStats()
	f.connect(t)

	waitFor(t, "mood stats", func() bool {
		s := tracker.Latest()
		return s.Total == 2 && len(s.Moods) == 2
	})

	s := tracker.Latest()
	if s.Moods[0].Mood.ID != "happy" || s.Moods[0].Users != 1 {
		t.Errorf("Moods[0] = %+v, want happy with 1 user", s.Moods[0])
	}
	if s.Unset != 1 {
		t.Errorf("Unset = %d, want 1", s.Unset)
	}
}

func TestClient_CacheObserver(t *testing.T) {
	rec := &sizeRecorder{sizes: make(map[string]int)}
	f := newFixture(t, WithCacheObserver(rec))
	f.client.Users()
	f.connect(t)

	waitFor(t, "cache size", func() bool { return rec.Get("cache:usersFound") == 2 })
}

func TestClient_ClosedRejectsConnect(t *testing.T) {
	f := newFixture(t)
	f.client.Close()

	if _, err := f.client.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
}

func TestClient_RefreshTargets(t *testing.T) {
	f := newFixture(t)
	users := f.client.Users()
	f.client.Room("r1")
	f.connect(t)
	f.srv.WaitReceived(wire.UserTopics.Find.Request, 1, 2*time.Second)

	targets := f.client.Targets()
	if len(targets) != 1 {
		t.Fatalf("Targets() = %d entries, want 1 (windows excluded)", len(targets))
	}
	target, ok := targets["cache:usersFound"]
	if !ok {
		t.Fatal("Targets() has no cache:usersFound")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := target.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := len(f.srv.Received(wire.UserTopics.Find.Request)); got != 2 {
		t.Errorf("findAllUser sent %d times, want 2", got)
	}
	if users.Len() != 2 {
		t.Errorf("users.Len() = %d, want 2", users.Len())
	}
}
