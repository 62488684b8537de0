// Package topictest provides an in-memory channel for tests of components
// that sit on top of the topic multiplexer.
package topictest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/topic"
	"github.com/rickgao/livesync/internal/wire"
)

// ErrOffline is returned by Subscribe and Emit while the channel is offline.
var ErrOffline = errors.New("channel offline")

// IsOffline reports whether err is ErrOffline.
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}

// Responder answers an emitted event with an optional reply event.
type Responder func(data json.RawMessage) (replyTopic string, reply any)

// Channel records emits and delivers pushes through a real topic.Mux.
type Channel struct {
	mu         sync.Mutex
	next       int
	handlers   map[string]map[int]func(json.RawMessage)
	attaches   map[string]int
	emitted    []wire.Event
	responders map[string]Responder
	offline    bool
	mux        *topic.Mux
}

// New creates an online channel.
func New() *Channel {
	c := &Channel{
		handlers:   make(map[string]map[int]func(json.RawMessage)),
		attaches:   make(map[string]int),
		responders: make(map[string]Responder),
	}
	c.mux = topic.New(c, nil)
	return c
}

// On implements topic.Listener.
func (c *Channel) On(name string, h func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	id := c.next
	if c.handlers[name] == nil {
		c.handlers[name] = make(map[int]func(json.RawMessage))
	}
	c.handlers[name][id] = h
	c.attaches[name]++

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[name], id)
	}
}

// Subscribe returns a multiplexed stream for name.
func (c *Channel) Subscribe(name string) (*stream.Stream[wire.Event], error) {
	c.mu.Lock()
	offline, mux := c.offline, c.mux
	c.mu.Unlock()

	if offline {
		return nil, ErrOffline
	}
	return mux.Subscribe(name)
}

// Emit records an outbound event and runs its responder, if any.
func (c *Channel) Emit(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.offline {
		c.mu.Unlock()
		return ErrOffline
	}
	c.emitted = append(c.emitted, wire.Event{Topic: name, Data: data})
	r := c.responders[name]
	c.mu.Unlock()

	if r != nil {
		if replyTopic, reply := r(data); replyTopic != "" {
			c.Push(replyTopic, reply)
		}
	}
	return nil
}

// Respond installs a responder for outbound events on name.
func (c *Channel) Respond(name string, r Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responders[name] = r
}

// Push delivers an inbound event to the listeners of name.
func (c *Channel) Push(name string, payload any) {
	data, ok := payload.(json.RawMessage)
	if !ok {
		data, _ = json.Marshal(payload)
	}

	c.mu.Lock()
	hs := make([]func(json.RawMessage), 0, len(c.handlers[name]))
	for _, h := range c.handlers[name] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

// Drop simulates a lost channel: the multiplexer is closed, ending every
// stream, and the channel goes offline.
func (c *Channel) Drop() {
	c.mu.Lock()
	c.offline = true
	mux := c.mux
	c.mu.Unlock()
	mux.Close()
}

// Restore brings the channel back online with a fresh multiplexer.
func (c *Channel) Restore() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = false
	c.mux = topic.New(c, nil)
}

// Emitted returns the payloads emitted on name, in order.
func (c *Channel) Emitted(name string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []json.RawMessage
	for _, ev := range c.emitted {
		if ev.Topic == name {
			out = append(out, ev.Data)
		}
	}
	return out
}

// Listeners returns the number of attached listeners for name.
func (c *Channel) Listeners(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[name])
}

// Attaches returns how many listeners were ever attached for name.
func (c *Channel) Attaches(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attaches[name]
}
