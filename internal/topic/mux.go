package topic

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/wire"
)

// ErrClosed is returned by Subscribe after the Mux has been closed.
var ErrClosed = errors.New("multiplexer closed")

// Listener is the channel side the Mux attaches to.
type Listener interface {
	// On registers h for topic and returns a function that removes it.
	On(topic string, h func(json.RawMessage)) (off func())
}

// shared is the single listener and subscriber set of one topic.
type shared struct {
	topic string
	off   func()
	subs  map[*stream.Stream[wire.Event]]struct{}
}

// Mux fans channel events out to per-topic subscriber streams.
type Mux struct {
	ch     Listener
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*shared
	closed bool
}

// New creates a Mux over ch.
func New(ch Listener, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		ch:     ch,
		logger: logger,
		topics: make(map[string]*shared),
	}
}

// Subscribe returns a stream of every event delivered on topic after this
// call. Close the stream to release it.
func (m *Mux) Subscribe(topic string) (*stream.Stream[wire.Event], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sh, ok := m.topics[topic]
	if !ok {
		sh = &shared{
			topic: topic,
			subs:  make(map[*stream.Stream[wire.Event]]struct{}),
		}
		sh.off = m.ch.On(topic, func(data json.RawMessage) {
			m.deliver(sh, data)
		})
		m.topics[topic] = sh
		m.logger.Debug("topic listener attached", "topic", topic)
	}

	var s *stream.Stream[wire.Event]
	s = stream.New[wire.Event](func() { m.release(sh, s) })
	sh.subs[s] = struct{}{}

	return s, nil
}

// deliver pushes one event to every subscriber of sh. Called from the
// channel read loop, so per-topic order is the channel order.
func (m *Mux) deliver(sh *shared, data json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A listener removed concurrently may still fire once.
	if m.topics[sh.topic] != sh {
		return
	}

	ev := wire.Event{Topic: sh.topic, Data: data}
	for s := range sh.subs {
		s.Push(ev)
	}
}

func (m *Mux) release(sh *shared, s *stream.Stream[wire.Event]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := sh.subs[s]; !ok {
		return
	}
	delete(sh.subs, s)

	if len(sh.subs) > 0 || m.topics[sh.topic] != sh {
		return
	}
	sh.off()
	sh.off = nil
	delete(m.topics, sh.topic)
	m.logger.Debug("topic listener detached", "topic", sh.topic)
}

// Subscribers returns the number of live subscriptions for topic.
func (m *Mux) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sh, ok := m.topics[topic]; ok {
		return len(sh.subs)
	}
	return 0
}

// Topics returns the number of topics with an attached listener.
func (m *Mux) Topics() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics)
}

// Close detaches every listener and ends every subscriber stream. Queued
// events are still delivered before the streams close.
func (m *Mux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for topic, sh := range m.topics {
		sh.off()
		sh.off = nil
		for s := range sh.subs {
			s.End()
		}
		sh.subs = make(map[*stream.Stream[wire.Event]]struct{})
		delete(m.topics, topic)
	}
}
