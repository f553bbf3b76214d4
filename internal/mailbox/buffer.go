package mailbox

import (
	"sync"
)

// Buffer is a goroutine-safe ring queue that doubles its capacity once it is
// 70% full. Any number of goroutines may Post; Receive is normally called from
// a single consumer loop.
type Buffer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int
	tail   int
	count  int
	closed bool

	posted    int64
	delivered int64
	dropped   int64
	grows     int
}

// Stats is a point-in-time view of a Buffer.
type Stats struct {
	Pending   int
	Capacity  int
	Posted    int64
	Delivered int64
	Dropped   int64
	Grows     int
}

// New creates a Buffer with the given starting capacity.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer[T]{ring: make([]T, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Post enqueues item. It returns false once the buffer is closed.
func (b *Buffer[T]) Post(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	threshold := len(b.ring) * 70 / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}

	b.ring[b.tail] = item
	b.tail = (b.tail + 1) % len(b.ring)
	b.count++
	b.posted++

	b.cond.Signal()
	return true
}

// Receive blocks until an item is available. After Close it keeps returning
// queued items and then reports false.
func (b *Buffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// TryReceive returns the next item without blocking.
func (b *Buffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// DrainTo removes up to max queued items (all of them when max <= 0).
func (b *Buffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	n := b.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]T, n)
	for i := range out {
		out[i] = b.pop()
	}
	return out
}

// Close stops accepting posts. Items already queued are still delivered.
// Closing twice is a no-op.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Discard closes the buffer and drops everything still queued.
func (b *Buffer[T]) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for b.count > 0 {
		b.ring[b.head] = zero
		b.head = (b.head + 1) % len(b.ring)
		b.count--
		b.dropped++
	}
	b.closed = true
	b.cond.Broadcast()
}

// Closed reports whether Close or Discard has been called.
func (b *Buffer[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns queue counters.
func (b *Buffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Pending:   b.count,
		Capacity:  len(b.ring),
		Posted:    b.posted,
		Delivered: b.delivered,
		Dropped:   b.dropped,
		Grows:     b.grows,
	}
}

// pop removes the head item. Caller holds the lock and has checked count.
func (b *Buffer[T]) pop() T {
	item := b.ring[b.head]
	var zero T
	b.ring[b.head] = zero
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	b.delivered++
	return item
}

// grow doubles the ring, unwrapping queued items to the front.
func (b *Buffer[T]) grow() {
	next := make([]T, len(b.ring)*2)
	if b.count > 0 {
		if b.head < b.tail {
			copy(next, b.ring[b.head:b.tail])
		} else {
			n := copy(next, b.ring[b.head:])
			copy(next[n:], b.ring[:b.tail])
		}
	}
	b.ring = next
	b.head = 0
	b.tail = b.count
	b.grows++
}
