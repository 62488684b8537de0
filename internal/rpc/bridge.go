// Package rpc layers request/reply calls on top of the push-only channel.
//
// A request is an emit on the request topic; its reply arrives on a separate
// reply topic whose stream is shared (through the topic multiplexer) with
// every other caller of that topic. There is no correlation id on the wire,
// so each subscriber sees every reply published on the reply topic.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/wire"
)

// Errors
var (
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("request timeout")
)

// Transport is the live channel seen through the connection manager.
type Transport interface {
	Subscribe(topic string) (*stream.Stream[wire.Event], error)
	Emit(topic string, payload any) error
}

// Bridge issues requests over a Transport.
type Bridge struct {
	t      Transport
	logger *slog.Logger

	// notConnected reports whether err means no channel is live.
	notConnected func(error) bool
}

// NewBridge creates a Bridge. isNotConnected classifies transport errors
// that mean the channel is down; nil treats none as such.
func NewBridge(t Transport, isNotConnected func(error) bool, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if isNotConnected == nil {
		isNotConnected = func(error) bool { return false }
	}
	return &Bridge{t: t, logger: logger, notConnected: isNotConnected}
}

// Request subscribes to route.Reply and emits payload on route.Request.
// The returned stream is a share of the reply topic; close it when done.
// Every call emits again, even when the reply topic is already subscribed.
func (b *Bridge) Request(route wire.Route, payload any) (*stream.Stream[wire.Event], error) {
	replies, err := b.t.Subscribe(route.Reply)
	if err != nil {
		return nil, b.wrap(route.Reply, err)
	}

	if err := b.t.Emit(route.Request, payload); err != nil {
		replies.Close()
		return nil, b.wrap(route.Request, err)
	}

	b.logger.Debug("request sent", "request", route.Request, "reply", route.Reply)
	return replies, nil
}

// Emit sends a fire-and-forget event.
func (b *Bridge) Emit(topic string, payload any) error {
	if err := b.t.Emit(topic, payload); err != nil {
		return b.wrap(topic, err)
	}
	return nil
}

// Subscribe returns a shared stream for a push topic.
func (b *Bridge) Subscribe(topic string) (*stream.Stream[wire.Event], error) {
	s, err := b.t.Subscribe(topic)
	if err != nil {
		return nil, b.wrap(topic, err)
	}
	return s, nil
}

func (b *Bridge) wrap(topic string, err error) error {
	if b.notConnected(err) {
		return &notConnectedError{topic: topic, cause: err}
	}
	return fmt.Errorf("%s: %w", topic, err)
}

// notConnectedError matches both ErrNotConnected and the transport's own
// error, but names the condition once.
type notConnectedError struct {
	topic string
	cause error
}

func (e *notConnectedError) Error() string {
	return e.topic + ": " + ErrNotConnected.Error()
}

func (e *notConnectedError) Unwrap() []error {
	return []error{ErrNotConnected, e.cause}
}

// Call sends a request and decodes the first reply into T.
func Call[T any](ctx context.Context, b *Bridge, route wire.Route, payload any) (T, error) {
	var zero T

	replies, err := b.Request(route, payload)
	if err != nil {
		return zero, err
	}
	defer replies.Close()

	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("%s: %w: %w", route.Request, ErrTimeout, ctx.Err())
	case ev, ok := <-replies.C():
		if !ok {
			// The multiplexer ended the stream: the channel was replaced.
			return zero, fmt.Errorf("%s: %w", route.Reply, ErrNotConnected)
		}
		v, err := wire.DecodePayload[T](ev.Data)
		if err != nil {
			return zero, fmt.Errorf("%s: %w", route.Reply, err)
		}
		return v, nil
	}
}
