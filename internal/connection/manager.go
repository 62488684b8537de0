package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/topic"
	"github.com/rickgao/livesync/internal/wire"
)

// Manager owns the channel lifecycle.
type Manager struct {
	cfg      ManagerConfig
	creds    CredentialSource
	logger   *slog.Logger
	observer Observer

	connectivity *stream.Hub[bool]

	// Serializes Connect and Disconnect.
	lifecycleMu sync.Mutex

	mu         sync.RWMutex
	state      State
	ch         *Channel
	mux        *topic.Mux
	cancel     context.CancelFunc
	runDone    chan struct{}
	attempts   int64
	reconnects int64
	connected  bool // a channel has been live since the last Connect
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver sets an observer for connection events.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, creds CredentialSource, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:          cfg,
		creds:        creds,
		logger:       logger,
		observer:     nopObserver{},
		connectivity: stream.NewHub[bool](),
		state:        StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect replaces any existing channel and starts connecting with a fresh
// credential. The returned stream emits false after every failed attempt or
// dropped channel and true once per successful connection. The retry loop
// runs until Disconnect, ctx cancellation, session invalidation or an
// unsupported transport.
func (m *Manager) Connect(ctx context.Context) (*stream.Stream[bool], error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.disconnect()

	if _, err := m.creds.Credential(ctx); err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}

	watch := m.connectivity.Subscribe()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.runDone = done
	m.attempts = 0
	m.reconnects = 0
	m.connected = false
	m.mu.Unlock()

	go m.run(runCtx, done)

	return watch, nil
}

// Watch returns an additional connectivity stream.
func (m *Manager) Watch() *stream.Stream[bool] {
	return m.connectivity.Subscribe()
}

// Disconnect tears down the channel and stops reconnecting until the next
// Connect.
func (m *Manager) Disconnect() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	m.disconnect()
}

func (m *Manager) disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.runDone
	m.cancel, m.runDone = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("disconnected")
}

// Close disconnects and ends every connectivity stream.
func (m *Manager) Close() {
	m.Disconnect()
	m.connectivity.Close()
}

// Subscribe returns a shared stream for topic on the live channel.
func (m *Manager) Subscribe(topicName string) (*stream.Stream[wire.Event], error) {
	m.mu.RLock()
	mux := m.mux
	m.mu.RUnlock()

	if mux == nil {
		return nil, ErrNotConnected
	}
	s, err := mux.Subscribe(topicName)
	if errors.Is(err, topic.ErrClosed) {
		return nil, ErrNotConnected
	}
	return s, err
}

// Emit sends an event on the live channel.
func (m *Manager) Emit(topicName string, payload any) error {
	m.mu.RLock()
	ch := m.ch
	m.mu.RUnlock()

	if ch == nil {
		return ErrNotConnected
	}
	return ch.Emit(topicName, payload)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected reports whether a channel is live.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{
		State:      m.state,
		Attempts:   m.attempts,
		Reconnects: m.reconnects,
	}
	if m.ch != nil {
		st.ChannelID = m.ch.ID()
	}
	if m.mux != nil {
		st.Topics = m.mux.Topics()
	}
	return st
}

// ListenerCount returns the number of channel listeners for topic on the
// live channel.
func (m *Manager) ListenerCount(topicName string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ch == nil {
		return 0
	}
	return m.ch.ListenerCount(topicName)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()

	if changed {
		m.observer.StateChanged(s)
	}
}

// run is the connect/reconnect loop.
func (m *Manager) run(ctx context.Context, done chan struct{}) {
	err := m.loop(ctx)

	m.setState(StateDisconnected)
	close(done)

	if errors.Is(err, ErrSessionInvalidated) {
		m.logger.Warn("session invalidated by server")
		m.creds.Invalidated(err)
	}
}

func (m *Manager) loop(ctx context.Context) error {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		m.setState(StateConnecting)

		m.mu.Lock()
		m.attempts++
		m.mu.Unlock()

		credential, err := m.creds.Credential(ctx)
		if err != nil {
			m.logger.Warn("credential unavailable, stopping", "error", err)
			m.connectivity.Publish(false)
			return err
		}

		sock := NewSocket(m.socketConfig(credential), m.logger)
		if err := sock.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			terr := &TransportError{Attempt: attempt, Err: err}
			m.observer.ConnectAttempt(terr)
			m.setState(StateFailed)
			m.connectivity.Publish(false)

			if errors.Is(err, ErrUnsupportedTransport) {
				m.logger.Error("giving up on connection", "error", terr)
				return err
			}
			m.logger.Warn("connection attempt failed", "error", terr)

			if !m.wait(ctx) {
				return ctx.Err()
			}
			continue
		}
		m.observer.ConnectAttempt(nil)

		id := uuid.NewString()
		chLogger := m.logger.With("channel_id", id)
		ch := newChannel(id, sock, chLogger, m.observer, m.isInvalidation)
		mux := topic.New(ch, chLogger)

		m.mu.Lock()
		if m.ch != nil || m.mux != nil {
			m.mu.Unlock()
			panic("connection: previous channel still installed")
		}
		m.ch = ch
		m.mux = mux
		if m.connected {
			m.reconnects++
		}
		m.connected = true
		m.mu.Unlock()

		go ch.run()

		m.setState(StateConnected)
		m.connectivity.Publish(true)
		m.logger.Info("connected", "attempt", attempt)
		attempt = 0

		var reason error
		select {
		case <-ctx.Done():
			reason = ctx.Err()
		case <-ch.Done():
			reason = ch.Err()
		}

		m.teardown()
		m.connectivity.Publish(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(reason, ErrSessionInvalidated) {
			return reason
		}

		m.setState(StateFailed)
		m.logger.Warn("channel lost, reconnecting", "error", &TransportError{Attempt: 1, Err: reason})

		if !m.wait(ctx) {
			return ctx.Err()
		}
	}
}

// teardown closes the multiplexer (removing every listener) and the channel.
func (m *Manager) teardown() {
	m.mu.Lock()
	ch, mux := m.ch, m.mux
	m.ch, m.mux = nil, nil
	m.mu.Unlock()

	if mux != nil {
		mux.Close()
	}
	if ch != nil {
		ch.Close()
	}
}

// isInvalidation decides whether a server exception ends the session.
func (m *Manager) isInvalidation(ex wire.Exception) bool {
	if ex.IsUnauthorized() {
		return true
	}
	m.logger.Warn("server exception", "message", ex.Message, "status", string(ex.Status))
	return false
}

// wait sleeps the reconnect delay plus jitter. Returns false if ctx ended.
func (m *Manager) wait(ctx context.Context) bool {
	delay := m.cfg.ReconnectDelay
	if m.cfg.ReconnectJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(m.cfg.ReconnectJitter)))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) socketConfig(credential string) SocketConfig {
	return SocketConfig{
		URL:              m.cfg.URL,
		Path:             m.cfg.Path,
		Credential:       credential,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		PingTimeout:      m.cfg.PingTimeout,
		BufferSize:       m.cfg.BufferSize,
	}
}
