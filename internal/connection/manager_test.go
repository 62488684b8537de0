package connection

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/wire"
	"github.com/rickgao/livesync/internal/wire/wiretest"
)

// fakeCreds implements CredentialSource for testing.
type fakeCreds struct {
	mu          sync.Mutex
	token       string
	err         error
	invalidated chan error
}

func newFakeCreds(token string) *fakeCreds {
	return &fakeCreds{token: token, invalidated: make(chan error, 1)}
}

func (c *fakeCreds) Credential(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.err
}

func (c *fakeCreds) Invalidated(err error) {
	c.invalidated <- err
}

func testConfig(url string) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.URL = url
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.ReconnectJitter = 0
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func nextState(t *testing.T, s *stream.Stream[bool]) bool {
	t.Helper()
	select {
	case v, ok := <-s.C():
		if !ok {
			t.Fatal("connectivity stream closed")
		}
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connectivity")
	}
	return false
}

func expectQuiet(t *testing.T, s *stream.Stream[bool], d time.Duration) {
	t.Helper()
	select {
	case v, ok := <-s.C():
		if ok {
			t.Fatalf("unexpected connectivity value %v", v)
		}
	case <-time.After(d):
	}
}

func TestManager_Connect(t *testing.T) {
	srv := wiretest.New(t)
	srv.RequireToken("secret")

	m := NewManager(testConfig(srv.URL()), newFakeCreds("secret"), nil)
	defer m.Close()

	conn, err := m.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if !nextState(t, conn) {
		t.Fatal("first connectivity = false, want true")
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %v, want connected", m.State())
	}
	st := m.Stats()
	if st.ChannelID == "" {
		t.Error("Stats().ChannelID is empty")
	}
	if st.Attempts != 1 {
		t.Errorf("Stats().Attempts = %d, want 1", st.Attempts)
	}
	if srv.Connects() != 1 {
		t.Errorf("server connects = %d, want 1", srv.Connects())
	}
}

func TestManager_RetriesUntilSuccess(t *testing.T) {
	srv := wiretest.New(t)
	srv.FailNext(3, http.StatusServiceUnavailable)

	m := NewManager(testConfig(srv.URL()), newFakeCreds("tok"), nil)
	defer m.Close()

	conn, err := m.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if nextState(t, conn) {
			t.Fatalf("emission %d = true, want false", i)
		}
	}
	if !nextState(t, conn) {
		t.Fatal("emission after failures = false, want true")
	}
	expectQuiet(t, conn, 50*time.Millisecond)

	if got := srv.Connections(); got != 1 {
		t.Errorf("server connections = %d, want 1", got)
	}
	if got := m.Stats().Attempts; got != 4 {
		t.Errorf("Stats().Attempts = %d, want 4", got)
	}
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	srv := wiretest.New(t)

	m := NewManager(testConfig(srv.URL()), newFakeCreds("tok"), nil)
	defer m.Close()

	conn, _ := m.Connect(context.Background())
	defer conn.Close()
	if !nextState(t, conn) {
		t.Fatal("want initial true")
	}

	firstID := m.Stats().ChannelID
	events, err := m.Subscribe("userCreated")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	srv.DropAll()

	if nextState(t, conn) {
		t.Fatal("want false after drop")
	}
	if !nextState(t, conn) {
		t.Fatal("want true after reconnect")
	}

	// Listeners do not survive a channel replacement.
	select {
	case _, ok := <-events.C():
		if ok {
			t.Error("old subscription delivered a value")
		}
	case <-time.After(time.Second):
		t.Error("old subscription not ended")
	}

	st := m.Stats()
	if st.ChannelID == firstID {
		t.Error("channel id unchanged after reconnect")
	}
	if st.Reconnects != 1 {
		t.Errorf("Stats().Reconnects = %d, want 1", st.Reconnects)
	}
	srv.WaitConnections(1, time.Second)
}

func TestManager_SessionInvalidated(t *testing.T) {
	srv := wiretest.New(t)
	creds := newFakeCreds("tok")

	m := NewManager(testConfig(srv.URL()), creds, nil)
	defer m.Close()

	conn, _ := m.Connect(context.Background())
	defer conn.Close()
	if !nextState(t, conn) {
		t.Fatal("want initial true")
	}

	if err := srv.Emit(wire.TopicException, map[string]string{"status": "error", "message": "Unauthorized"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	if nextState(t, conn) {
		t.Fatal("want false after invalidation")
	}

	select {
	case err := <-creds.invalidated:
		if !errors.Is(err, ErrSessionInvalidated) {
			t.Errorf("Invalidated(%v), want ErrSessionInvalidated", err)
		}
	case <-time.After(time.Second):
		t.Fatal("credential source not invalidated")
	}

	expectQuiet(t, conn, 100*time.Millisecond)
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if srv.Dials() != 1 {
		t.Errorf("server dials = %d, want 1 (no retry)", srv.Dials())
	}
}

func TestManager_OtherExceptionsKeepSession(t *testing.T) {
	srv := wiretest.New(t)
	creds := newFakeCreds("tok")

	m := NewManager(testConfig(srv.URL()), creds, nil)
	defer m.Close()

	conn, _ := m.Connect(context.Background())
	defer conn.Close()
	nextState(t, conn)

	srv.Emit(wire.TopicException, map[string]string{"status": "error", "message": "room not found"})

	expectQuiet(t, conn, 100*time.Millisecond)
	if !m.IsConnected() {
		t.Error("IsConnected() = false after non-auth exception")
	}
	select {
	case err := <-creds.invalidated:
		t.Errorf("unexpected invalidation: %v", err)
	default:
	}
}

func TestManager_UnsupportedTransportStops(t *testing.T) {
	srv := wiretest.New(t)
	srv.FailNext(1, http.StatusBadRequest)

	m := NewManager(testConfig(srv.URL()), newFakeCreds("tok"), nil)
	defer m.Close()

	conn, _ := m.Connect(context.Background())
	defer conn.Close()

	if nextState(t, conn) {
		t.Fatal("want false")
	}
	expectQuiet(t, conn, 100*time.Millisecond)
	if srv.Dials() != 1 {
		t.Errorf("server dials = %d, want 1", srv.Dials())
	}
}

func TestManager_DisconnectIsTerminal(t *testing.T) {
	srv := wiretest.New(t)

	m := NewManager(testConfig(srv.URL()), newFakeCreds("tok"), nil)
	defer m.Close()

	conn, _ := m.Connect(context.Background())
	defer conn.Close()
	nextState(t, conn)

	m.Disconnect()

	if nextState(t, conn) {
		t.Fatal("want false after Disconnect")
	}
	expectQuiet(t, conn, 100*time.Millisecond)

	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if err := m.Emit("findAllUser", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit() error = %v, want ErrNotConnected", err)
	}
	if _, err := m.Subscribe("usersFound"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	srv.WaitConnections(0, time.Second)
	if srv.Dials() != 1 {
		t.Errorf("server dials = %d, want 1", srv.Dials())
	}
}

func TestManager_ConnectReplacesChannel(t *testing.T) {
	srv := wiretest.New(t)

	m := NewManager(testConfig(srv.URL()), newFakeCreds("tok"), nil)
	defer m.Close()

	first, _ := m.Connect(context.Background())
	defer first.Close()
	nextState(t, first)

	second, err := m.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer second.Close()
	if !nextState(t, second) {
		t.Fatal("want true on second Connect")
	}

	srv.WaitConnections(1, time.Second)
	if srv.Connects() != 2 {
		t.Errorf("server connects = %d, want 2", srv.Connects())
	}
}

func TestManager_CredentialError(t *testing.T) {
	creds := newFakeCreds("")
	creds.err = errors.New("no session")

	m := NewManager(testConfig("ws://127.0.0.1:1"), creds, nil)
	defer m.Close()

	if _, err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect() succeeded without a credential")
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
}

func TestManager_SharedListener(t *testing.T) {
	srv := wiretest.New(t)

	m := NewManager(testConfig(srv.URL()), newFakeCreds("tok"), nil)
	defer m.Close()

	conn, _ := m.Connect(context.Background())
	defer conn.Close()
	nextState(t, conn)

	a, _ := m.Subscribe("userCreated")
	b, _ := m.Subscribe("userCreated")
	defer a.Close()
	defer b.Close()

	if got := m.ListenerCount("userCreated"); got != 1 {
		t.Fatalf("ListenerCount() = %d, want 1", got)
	}

	srv.Emit("userCreated", map[string]string{"_id": "u1", "username": "alice"})

	for _, s := range []*stream.Stream[wire.Event]{a, b} {
		select {
		case ev := <-s.C():
			if ev.Topic != "userCreated" {
				t.Errorf("Topic = %q, want userCreated", ev.Topic)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive userCreated")
		}
	}

	if err := m.Emit("findAllUser", nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	srv.WaitReceived("findAllUser", 1, time.Second)
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		base    string
		path    string
		want    string
		wantErr bool
	}{
		{"ws://host:3000", "/socket.io/", "ws://host:3000/socket.io/?EIO=4&transport=websocket", false},
		{"https://host", "/socket.io", "wss://host/socket.io/?EIO=4&transport=websocket", false},
		{"http://host/api/", "/rt/", "ws://host/api/rt/?EIO=4&transport=websocket", false},
		{"ftp://host", "/socket.io/", "", true},
	}

	for _, tt := range tests {
		got, err := endpoint(tt.base, tt.path)
		if tt.wantErr {
			if !errors.Is(err, ErrUnsupportedTransport) {
				t.Errorf("endpoint(%q) error = %v, want ErrUnsupportedTransport", tt.base, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("endpoint(%q) error = %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("endpoint(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}
