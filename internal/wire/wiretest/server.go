// Package wiretest provides an in-process Socket.IO server for tests.
package wiretest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/livesync/internal/wire"
)

// Received is one event a client emitted to the server.
type Received struct {
	Topic string
	Data  json.RawMessage
}

// Responder answers an inbound event. A non-empty reply topic is emitted
// back to the sending connection.
type Responder func(data json.RawMessage) (replyTopic string, reply any)

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	token   string
}

func (c *conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Server speaks just enough Engine.IO v4 / Socket.IO v4 over WebSocket to
// exercise a client: open packet, CONNECT with auth, events and pings.
type Server struct {
	t   testing.TB
	srv *httptest.Server

	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      map[*conn]struct{}
	dials      int
	connects   int
	failNext   int
	failStatus int
	token      string
	responders map[string]Responder
	received   []Received
	notify     chan struct{}
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		t:          t,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:      make(map[*conn]struct{}),
		responders: make(map[string]Responder),
		notify:     make(chan struct{}),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// base URL of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// HTTPURL returns the http:// base URL of the server.
func (s *Server) HTTPURL() string {
	return s.srv.URL
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

// FailNext makes the next n dials fail with the given HTTP status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failStatus = status
}

// RequireToken rejects CONNECT packets whose token differs from token.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Handle installs a responder for topic.
func (s *Server) Handle(topic string, r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[topic] = r
}

// Emit sends an event to every connected client.
func (s *Server) Emit(topic string, payload any) error {
	frame, err := wire.EncodeEvent(topic, payload)
	if err != nil {
		return err
	}
	for _, c := range s.snapshot() {
		if err := c.write(frame); err != nil {
			return fmt.Errorf("emit %s: %w", topic, err)
		}
	}
	return nil
}

// EmitRaw sends a raw text frame to every connected client.
func (s *Server) EmitRaw(frame string) {
	for _, c := range s.snapshot() {
		c.write([]byte(frame))
	}
}

// DropAll closes every connection without a Socket.IO disconnect.
func (s *Server) DropAll() {
	for _, c := range s.snapshot() {
		c.ws.Close()
	}
}

// Connections returns the number of connected clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Dials returns the number of WebSocket dials seen, failed ones included.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Connects returns the number of accepted Socket.IO CONNECT packets.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Received returns the payloads clients emitted on topic, in order.
func (s *Server) Received(topic string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []json.RawMessage
	for _, r := range s.received {
		if r.Topic == topic {
			out = append(out, r.Data)
		}
	}
	return out
}

// WaitReceived blocks until at least n events arrived on topic.
func (s *Server) WaitReceived(topic string, n int, timeout time.Duration) []json.RawMessage {
	s.t.Helper()
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		notify := s.notify
		s.mu.Unlock()

		if got := s.Received(topic); len(got) >= n {
			return got
		}
		select {
		case <-notify:
		case <-deadline:
			s.t.Fatalf("timed out waiting for %d %q events, got %d", n, topic, len(s.Received(topic)))
			return nil
		}
	}
}

// WaitConnections blocks until exactly n clients are connected.
func (s *Server) WaitConnections(n int, timeout time.Duration) {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Connections() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.t.Fatalf("Connections() = %d, want %d", s.Connections(), n)
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dials++
	fail := s.failNext > 0
	status := s.failStatus
	if fail {
		s.failNext--
	}
	s.mu.Unlock()

	if fail {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "transport unknown", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	defer ws.Close()

	if !s.handshake(c) {
		return
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.connects++
	s.signalLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.signalLocked()
		s.mu.Unlock()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		p, err := wire.Decode(data)
		if err != nil {
			continue
		}
		if p.Engine != wire.EngineMessage {
			continue
		}
		switch p.Type {
		case wire.PacketDisconnect:
			return
		case wire.PacketEvent:
			ev, err := wire.DecodeEvent(p)
			if err != nil {
				continue
			}
			s.record(c, ev)
		}
	}
}

func (s *Server) handshake(c *conn) bool {
	open := `0{"sid":"test-sid","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`
	if err := c.write([]byte(open)); err != nil {
		return false
	}

	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ws.ReadMessage()
	c.ws.SetReadDeadline(time.Time{})
	if err != nil {
		return false
	}
	p, err := wire.Decode(data)
	if err != nil || p.Engine != wire.EngineMessage || p.Type != wire.PacketConnect {
		return false
	}

	var auth struct {
		Token string `json:"token"`
	}
	if len(p.Data) > 0 {
		json.Unmarshal(p.Data, &auth)
	}
	c.token = auth.Token

	s.mu.Lock()
	want := s.token
	s.mu.Unlock()

	if want != "" && auth.Token != want {
		c.write([]byte(`44{"message":"invalid credentials"}`))
		return false
	}
	return c.write([]byte(`40{"sid":"test-socket"}`)) == nil
}

func (s *Server) record(c *conn, ev wire.Event) {
	s.mu.Lock()
	s.received = append(s.received, Received{Topic: ev.Topic, Data: ev.Data})
	r := s.responders[ev.Topic]
	s.signalLocked()
	s.mu.Unlock()

	if r == nil {
		return
	}
	replyTopic, reply := r(ev.Data)
	if replyTopic == "" {
		return
	}
	frame, err := wire.EncodeEvent(replyTopic, reply)
	if err != nil {
		s.t.Errorf("encode reply %s: %v", replyTopic, err)
		return
	}
	c.write(frame)
}

// signalLocked wakes waiters. Caller holds s.mu.
func (s *Server) signalLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}
