package connection

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/rickgao/livesync/internal/wire"
)

// Channel is one live channel instance: a connected Socket plus the
// per-topic handler table events are dispatched to.
type Channel struct {
	id       string
	sock     Socket
	logger   *slog.Logger
	observer Observer

	// onException returns true when the exception ends the session.
	onException func(wire.Exception) bool

	mu       sync.Mutex
	handlers map[string]map[uint64]func(json.RawMessage)
	nextID   uint64

	stop     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newChannel(id string, sock Socket, logger *slog.Logger, observer Observer, onException func(wire.Exception) bool) *Channel {
	return &Channel{
		id:          id,
		sock:        sock,
		logger:      logger,
		observer:    observer,
		onException: onException,
		handlers:    make(map[string]map[uint64]func(json.RawMessage)),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// ID returns the channel instance id.
func (c *Channel) ID() string {
	return c.id
}

// On registers h for topic. Handlers run on the read loop goroutine.
func (c *Channel) On(topic string, h func(json.RawMessage)) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if c.handlers[topic] == nil {
		c.handlers[topic] = make(map[uint64]func(json.RawMessage))
	}
	c.handlers[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.handlers[topic], id)
			if len(c.handlers[topic]) == 0 {
				delete(c.handlers, topic)
			}
		})
	}
}

// ListenerCount returns the number of handlers registered for topic.
func (c *Channel) ListenerCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[topic])
}

// Emit sends an event.
func (c *Channel) Emit(topic string, payload any) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	frame, err := wire.EncodeEvent(topic, payload)
	if err != nil {
		return err
	}
	return c.sock.Send(frame)
}

// Done is closed when the channel has ended.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns why the channel ended. Valid after Done is closed.
func (c *Channel) Err() error {
	<-c.done
	return c.err
}

// Close ends the channel and its socket.
func (c *Channel) Close() {
	c.finish(nil)
}

func (c *Channel) finish(err error) {
	c.doneOnce.Do(func() {
		c.err = err
		close(c.stop)
		c.sock.Close()
		close(c.done)
	})
}

// run dispatches inbound packets until the socket fails or the channel is
// closed.
func (c *Channel) run() {
	for {
		select {
		case <-c.stop:
			return
		case err := <-c.sock.Errors():
			c.finish(err)
			return
		case p := <-c.sock.Packets():
			c.handle(p)
		}
	}
}

func (c *Channel) handle(p wire.Packet) {
	switch p.Type {
	case wire.PacketEvent:
	case wire.PacketAck:
		c.logger.Debug("ignoring ack", "ack_id", p.AckID)
		return
	default:
		c.logger.Debug("ignoring packet", "type", string(p.Type))
		return
	}

	ev, err := wire.DecodeEvent(p)
	if err != nil {
		c.logger.Warn("dropping malformed event", "error", err)
		return
	}
	c.observer.EventReceived(ev.Topic)

	if ev.Topic == wire.TopicException {
		ex := wire.DecodeException(ev.Data)
		if c.onException != nil && c.onException(ex) {
			c.finish(ErrSessionInvalidated)
			return
		}
	}

	c.mu.Lock()
	hs := make([]func(json.RawMessage), 0, len(c.handlers[ev.Topic]))
	for _, h := range c.handlers[ev.Topic] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(ev.Data)
	}
}
