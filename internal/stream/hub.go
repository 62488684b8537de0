package stream

import "sync"

// Hub broadcasts published values to every subscribed stream.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[*Stream[T]]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*Stream[T]]struct{})}
}

// Subscribe returns a new stream receiving every value published after this
// call. A closed hub returns an already-ended stream.
func (h *Hub[T]) Subscribe() *Stream[T] {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return Closed[T]()
	}

	var s *Stream[T]
	s = New[T](func() { h.remove(s) })
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers v to all current subscribers.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		s.Push(v)
	}
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscriber stream and rejects later subscriptions.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.End()
	}
	h.subs = make(map[*Stream[T]]struct{})
}

func (h *Hub[T]) remove(s *Stream[T]) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}
