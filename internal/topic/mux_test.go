package topic

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/wire"
)

// fakeChannel records listener registrations like a real channel would.
type fakeChannel struct {
	mu       sync.Mutex
	next     int
	handlers map[string]map[int]func(json.RawMessage)
	attaches map[string]int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		handlers: make(map[string]map[int]func(json.RawMessage)),
		attaches: make(map[string]int),
	}
}

func (c *fakeChannel) On(topic string, h func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	id := c.next
	if c.handlers[topic] == nil {
		c.handlers[topic] = make(map[int]func(json.RawMessage))
	}
	c.handlers[topic][id] = h
	c.attaches[topic]++

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[topic], id)
	}
}

func (c *fakeChannel) listeners(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[topic])
}

func (c *fakeChannel) attachCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attaches[topic]
}

func (c *fakeChannel) emit(topic string, data string) {
	c.mu.Lock()
	hs := make([]func(json.RawMessage), 0, len(c.handlers[topic]))
	for _, h := range c.handlers[topic] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(json.RawMessage(data))
	}
}

func next(t *testing.T, s *stream.Stream[wire.Event]) wire.Event {
	t.Helper()
	select {
	case ev, ok := <-s.C():
		if !ok {
			t.Fatal("stream closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return wire.Event{}
}

func TestMux_SubscribeUnsubscribeLeavesNoListeners(t *testing.T) {
	for _, k := range []int{1, 2, 5, 20} {
		ch := newFakeChannel()
		m := New(ch, nil)

		subs := make([]*stream.Stream[wire.Event], 0, k)
		for i := 0; i < k; i++ {
			s, err := m.Subscribe("usersFound")
			if err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
			subs = append(subs, s)
		}
		if got := ch.listeners("usersFound"); got != 1 {
			t.Errorf("k=%d: listeners = %d, want 1", k, got)
		}
		if got := m.Subscribers("usersFound"); got != k {
			t.Errorf("k=%d: Subscribers() = %d, want %d", k, got, k)
		}

		for _, s := range subs {
			s.Close()
		}
		if got := ch.listeners("usersFound"); got != 0 {
			t.Errorf("k=%d: listeners after teardown = %d, want 0", k, got)
		}
		if got := m.Topics(); got != 0 {
			t.Errorf("k=%d: Topics() = %d, want 0", k, got)
		}

		// A later subscription attaches exactly one fresh listener.
		s, err := m.Subscribe("usersFound")
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		if got := ch.listeners("usersFound"); got != 1 {
			t.Errorf("k=%d: listeners after resubscribe = %d, want 1", k, got)
		}
		if got := ch.attachCount("usersFound"); got != 2 {
			t.Errorf("k=%d: attach count = %d, want 2", k, got)
		}
		s.Close()
	}
}

func TestMux_CloseIsIdempotentPerSubscription(t *testing.T) {
	ch := newFakeChannel()
	m := New(ch, nil)

	a, _ := m.Subscribe("moodUpdated")
	b, _ := m.Subscribe("moodUpdated")

	a.Close()
	a.Close()

	if got := m.Subscribers("moodUpdated"); got != 1 {
		t.Errorf("Subscribers() = %d, want 1", got)
	}
	if got := ch.listeners("moodUpdated"); got != 1 {
		t.Errorf("listeners = %d, want 1", got)
	}
	b.Close()
	if got := ch.listeners("moodUpdated"); got != 0 {
		t.Errorf("listeners = %d, want 0", got)
	}
}

func TestMux_FanOutPreservesOrder(t *testing.T) {
	ch := newFakeChannel()
	m := New(ch, nil)

	a, _ := m.Subscribe("userCreated")
	b, _ := m.Subscribe("userCreated")
	defer a.Close()
	defer b.Close()

	for i := 0; i < 50; i++ {
		ch.emit("userCreated", `{"n":`+itoa(i)+`}`)
	}

	for _, s := range []*stream.Stream[wire.Event]{a, b} {
		for i := 0; i < 50; i++ {
			ev := next(t, s)
			if ev.Topic != "userCreated" {
				t.Fatalf("Topic = %q, want userCreated", ev.Topic)
			}
			var got struct{ N int }
			json.Unmarshal(ev.Data, &got)
			if got.N != i {
				t.Fatalf("event %d carried n=%d", i, got.N)
			}
		}
	}
}

func TestMux_TopicsAreIndependent(t *testing.T) {
	ch := newFakeChannel()
	m := New(ch, nil)

	users, _ := m.Subscribe("userCreated")
	moods, _ := m.Subscribe("moodCreated")
	defer moods.Close()

	ch.emit("moodCreated", `{"_id":"m1"}`)
	if ev := next(t, moods); ev.Topic != "moodCreated" {
		t.Errorf("Topic = %q, want moodCreated", ev.Topic)
	}

	users.Close()
	if got := ch.listeners("moodCreated"); got != 1 {
		t.Errorf("closing another topic detached moodCreated")
	}
	if got := ch.listeners("userCreated"); got != 0 {
		t.Errorf("userCreated listeners = %d, want 0", got)
	}
}

func TestMux_ConcurrentSubscribe(t *testing.T) {
	ch := newFakeChannel()
	m := New(ch, nil)

	const n = 64
	subs := make(chan *stream.Stream[wire.Event], n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Subscribe("roomsFound")
			if err != nil {
				t.Errorf("Subscribe: %v", err)
				return
			}
			subs <- s
		}()
	}
	wg.Wait()
	close(subs)

	if got := ch.attachCount("roomsFound"); got != 1 {
		t.Errorf("attach count = %d, want 1", got)
	}

	for s := range subs {
		s.Close()
	}
	if got := ch.listeners("roomsFound"); got != 0 {
		t.Errorf("listeners = %d, want 0", got)
	}
}

func TestMux_Close(t *testing.T) {
	ch := newFakeChannel()
	m := New(ch, nil)

	s, _ := m.Subscribe("pollUpdated")
	ch.emit("pollUpdated", `{"_id":"p1"}`)

	m.Close()
	m.Close()

	if got := ch.listeners("pollUpdated"); got != 0 {
		t.Errorf("listeners after Close = %d, want 0", got)
	}

	// Queued event is delivered, then the stream ends.
	next(t, s)
	select {
	case _, ok := <-s.C():
		if ok {
			t.Error("expected stream to end")
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not end")
	}

	// Releasing after Close is harmless.
	s.Close()

	if _, err := m.Subscribe("pollUpdated"); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close error = %v, want ErrClosed", err)
	}
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}
