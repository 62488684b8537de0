package stream

import "sync"

const initialBufferSize = 16

// Stream is a single subscriber's ordered view of a producer.
type Stream[T any] struct {
	buf  *Buffer[T]
	out  chan T
	done chan struct{}

	closeOnce sync.Once
	onClose   func()
}

// New creates a running stream. onClose, if non-nil, runs once on the first
// Close call.
func New[T any](onClose func()) *Stream[T] {
	s := &Stream[T]{
		buf:     NewBuffer[T](initialBufferSize),
		out:     make(chan T),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.pump()
	return s
}

// Closed returns a stream whose channel is already closed.
func Closed[T any]() *Stream[T] {
	s := New[T](nil)
	s.End()
	return s
}

// C returns the delivery channel. It is closed after End (once drained) or
// after Close.
func (s *Stream[T]) C() <-chan T {
	return s.out
}

// Push queues v for delivery. Returns false if the stream has ended.
func (s *Stream[T]) Push(v T) bool {
	return s.buf.Push(v)
}

// End marks the producer side finished. Queued values are still delivered.
func (s *Stream[T]) End() {
	s.buf.Close()
}

// Close unsubscribes. Queued values are discarded. Safe to call repeatedly.
func (s *Stream[T]) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.buf.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Pending returns the number of values queued but not yet received.
func (s *Stream[T]) Pending() int {
	return s.buf.Len()
}

func (s *Stream[T]) pump() {
	defer close(s.out)

	for {
		v, ok := s.buf.Pop()
		if !ok {
			return
		}
		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
