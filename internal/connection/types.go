package connection

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected         = errors.New("not connected")
	ErrStaleConnection      = errors.New("connection stale (no ping)")
	ErrTimeout              = errors.New("operation timeout")
	ErrAlreadyClosed        = errors.New("already closed")
	ErrSessionInvalidated   = errors.New("session invalidated")
	ErrUnsupportedTransport = errors.New("real-time transport not supported")
	ErrConnectRejected      = errors.New("connect rejected")
	ErrServerClosed         = errors.New("server closed connection")
)

// TransportError wraps a failed connection attempt or a dropped channel.
// It is logged and reported as connectivity=false, never returned to
// consumers.
type TransportError struct {
	Attempt int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (attempt %d): %v", e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// State is the lifecycle state of the channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CredentialSource supplies the session credential and is told when the
// server has invalidated it.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
	Invalidated(err error)
}

// Observer receives connection events, e.g. for metrics.
type Observer interface {
	StateChanged(s State)
	ConnectAttempt(err error) // nil on success
	EventReceived(topic string)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State)   {}
func (nopObserver) ConnectAttempt(error) {}
func (nopObserver) EventReceived(string) {}

// SocketConfig configures a single Socket.
type SocketConfig struct {
	URL              string        // Server base URL (ws://, wss://, http:// or https://)
	Path             string        // Socket.IO endpoint path, default /socket.io/
	Credential       string        // Sent as {"token": ...} in the CONNECT packet (empty = none)
	HandshakeTimeout time.Duration // Dial + open + CONNECT ack
	WriteTimeout     time.Duration // Write deadline per frame
	PingTimeout      time.Duration // Used when the server does not announce ping timing
	BufferSize       int           // Inbound packet channel size
}

// DefaultSocketConfig returns sensible defaults.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		Path:             "/socket.io/",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingTimeout:      45 * time.Second,
		BufferSize:       1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL              string
	Path             string
	ReconnectDelay   time.Duration // Fixed wait between attempts
	ReconnectJitter  time.Duration // Extra uniform random wait in [0, jitter)
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingTimeout      time.Duration
	BufferSize       int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	sc := DefaultSocketConfig()
	return ManagerConfig{
		Path:             sc.Path,
		ReconnectDelay:   2 * time.Second,
		ReconnectJitter:  500 * time.Millisecond,
		HandshakeTimeout: sc.HandshakeTimeout,
		WriteTimeout:     sc.WriteTimeout,
		PingTimeout:      sc.PingTimeout,
		BufferSize:       sc.BufferSize,
	}
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	State      State
	ChannelID  string // empty when no channel is live
	Attempts   int64  // connect attempts since the last Connect
	Reconnects int64  // successful connections after the first
	Topics     int    // topics with an attached listener
}
