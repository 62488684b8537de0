package stream

import "sync"

// Buffer is an unbounded FIFO queue for any number of producers and
// consumers. Push never blocks and never drops; Pop blocks until an item
// arrives or the buffer is closed and drained.
type Buffer[T any] struct {
	mu     sync.Mutex
	ready  *sync.Cond
	items  []T
	next   int // index of the oldest unread item
	closed bool
}

// NewBuffer creates a buffer with room for size items before it grows.
func NewBuffer[T any](size int) *Buffer[T] {
	if size < 0 {
		size = 0
	}
	b := &Buffer[T]{items: make([]T, 0, size)}
	b.ready = sync.NewCond(&b.mu)
	return b
}

// Push appends v. Returns false if the buffer is closed.
func (b *Buffer[T]) Push(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.items = append(b.items, v)
	b.ready.Signal()
	return true
}

// Pop removes the oldest item. It returns false once the buffer is closed
// and empty.
func (b *Buffer[T]) Pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.next == len(b.items) && !b.closed {
		b.ready.Wait()
	}

	var zero T
	if b.next == len(b.items) {
		return zero, false
	}
	v := b.items[b.next]
	b.items[b.next] = zero
	b.next++
	b.compactLocked()
	return v, true
}

// compactLocked reclaims the consumed prefix once it dominates the slice.
func (b *Buffer[T]) compactLocked() {
	if b.next == len(b.items) {
		b.items = b.items[:0]
		b.next = 0
		return
	}
	if b.next < 64 || b.next < len(b.items)/2 {
		return
	}
	n := copy(b.items, b.items[b.next:])
	clear(b.items[n:])
	b.items = b.items[:n]
	b.next = 0
}

// Close stops accepting items. Queued items can still be popped.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.ready.Broadcast()
}

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) - b.next
}
