package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/livesync/internal/version"
	"github.com/rickgao/livesync/internal/wire"
)

// Socket is one Engine.IO/Socket.IO connection to the server.
type Socket interface {
	// Connect dials, completes the Engine.IO open and Socket.IO CONNECT
	// handshake, and starts the read and heartbeat loops.
	Connect(ctx context.Context) error

	// Close gracefully closes the connection.
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Packets returns Socket.IO packets received after the handshake.
	Packets() <-chan wire.Packet

	// Errors returns the terminal error of the connection (at most one).
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool
}

// socket implements the Socket interface.
type socket struct {
	cfg    SocketConfig
	logger *slog.Logger

	conn      *websocket.Conn
	handshake wire.Handshake

	packets chan wire.Packet
	errors  chan error
	done    chan struct{}

	writeMu sync.Mutex

	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastPingAt time.Time
}

// NewSocket creates a new Socket.
func NewSocket(cfg SocketConfig, logger *slog.Logger) Socket {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/socket.io/"
	}

	return &socket{
		cfg:     cfg,
		logger:  logger,
		packets: make(chan wire.Packet, cfg.BufferSize),
		errors:  make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// endpoint builds the Engine.IO WebSocket URL.
func endpoint(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: parse url: %v", ErrUnsupportedTransport, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrUnsupportedTransport, u.Scheme)
	}

	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path

	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Connect establishes the connection.
func (s *socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.mu.Unlock()

	target, err := endpoint(s.cfg.URL, s.cfg.Path)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", version.UserAgent())

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		// Engine.IO answers 400 for a transport it does not serve.
		if resp != nil && resp.StatusCode == http.StatusBadRequest {
			return fmt.Errorf("%w: handshake status %d", ErrUnsupportedTransport, resp.StatusCode)
		}
		if resp != nil {
			return fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}

	if err := s.handshakeConn(conn); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.lastPingAt = time.Now()
	s.mu.Unlock()

	go s.readLoop()
	go s.heartbeatLoop()

	s.logger.Debug("socket connected",
		"url", target,
		"sid", s.handshake.SID,
		"ping_interval_ms", s.handshake.PingInterval,
	)

	return nil
}

// handshakeConn reads the open packet, sends CONNECT and waits for the ack.
func (s *socket) handshakeConn(conn *websocket.Conn) error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	p, err := readPacket(conn)
	if err != nil {
		return fmt.Errorf("read open packet: %w", err)
	}
	hs, err := wire.DecodeHandshake(p)
	if err != nil {
		return err
	}
	s.handshake = hs

	var auth any
	if s.cfg.Credential != "" {
		auth = map[string]string{"token": s.cfg.Credential}
	}
	frame, err := wire.EncodeConnect(auth)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	for {
		p, err := readPacket(conn)
		if err != nil {
			return fmt.Errorf("await connect ack: %w", err)
		}

		switch {
		case p.Engine == wire.EnginePing:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, wire.Pong); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}
		case p.Engine == wire.EngineClose:
			return ErrServerClosed
		case p.Engine == wire.EngineMessage && p.Type == wire.PacketConnect:
			return nil
		case p.Engine == wire.EngineMessage && p.Type == wire.PacketConnectError:
			ce, _ := wire.DecodePayload[wire.ConnectError](p.Data)
			return fmt.Errorf("%w: %s", ErrConnectRejected, ce.Message)
		default:
			s.logger.Debug("ignoring frame before connect ack", "engine", string(p.Engine))
		}
	}
}

func readPacket(conn *websocket.Conn) (wire.Packet, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return wire.Packet{}, err
	}
	return wire.Decode(data)
}

// Close gracefully closes the connection.
func (s *socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasConnected := s.connected
	s.connected = false
	conn := s.conn
	s.mu.Unlock()

	close(s.done)

	if conn == nil {
		return nil
	}

	if wasConnected {
		s.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.TextMessage, wire.EncodeDisconnect())
		s.writeMu.Unlock()
	}
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}

// Send writes one text frame.
func (s *socket) Send(data []byte) error {
	s.mu.RLock()
	if !s.connected {
		s.mu.RUnlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.RUnlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Packets returns the packet channel.
func (s *socket) Packets() <-chan wire.Packet {
	return s.packets
}

// Errors returns the errors channel.
func (s *socket) Errors() <-chan error {
	return s.errors
}

// IsConnected returns the current connection state.
func (s *socket) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *socket) fail(err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.errors <- err:
	default:
	}
}

// readLoop reads frames, answers pings and forwards Socket.IO packets.
func (s *socket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}

		p, err := wire.Decode(data)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch p.Engine {
		case wire.EnginePing:
			s.mu.Lock()
			s.lastPingAt = time.Now()
			s.mu.Unlock()
			if err := s.Send(wire.Pong); err != nil && !errors.Is(err, ErrNotConnected) {
				s.logger.Debug("failed to send pong", "error", err)
			}
			continue
		case wire.EngineClose:
			s.fail(ErrServerClosed)
			return
		case wire.EngineMessage:
		default:
			continue
		}

		if p.Type == wire.PacketDisconnect {
			s.fail(ErrServerClosed)
			return
		}
		if p.Namespace != "/" {
			continue
		}

		select {
		case s.packets <- p:
		case <-s.done:
			return
		}
	}
}

// heartbeatLoop flags the connection stale when the server stops pinging.
func (s *socket) heartbeatLoop() {
	limit := s.cfg.PingTimeout
	if s.handshake.PingInterval > 0 {
		limit = time.Duration(s.handshake.PingInterval+s.handshake.PingTimeout) * time.Millisecond
	}
	if limit <= 0 {
		return
	}

	check := limit / 4
	if check < 10*time.Millisecond {
		check = 10 * time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			lastPing := s.lastPingAt
			connected := s.connected
			s.mu.RUnlock()

			if !connected {
				return
			}
			if time.Since(lastPing) > limit {
				s.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", limit,
				)
				s.fail(ErrStaleConnection)
				s.mu.RLock()
				conn := s.conn
				s.mu.RUnlock()
				conn.Close()
				return
			}
		}
	}
}
