// Package queue provides the bounded in-memory buffer between capture
// producers and the single batcher consumer.
package queue

import (
	"sync"
)

// Queue is a thread-safe bounded FIFO. When full it rejects new items rather
// than evicting queued ones: during a burst the earliest signal of an incident
// is already in the queue, and that is the signal worth keeping.
type Queue[T any] struct {
	mu       sync.Mutex
	data     []T
	capacity int
	dropped  uint64
}

// New creates a Queue with the specified capacity.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		data:     make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Enqueue adds an item and reports whether it was accepted. A full queue
// rejects the item, leaves its contents untouched, and counts the drop. The
// critical section is a bounded append; Enqueue never performs I/O and never
// waits on the consumer.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.data) >= q.capacity {
		q.dropped++
		return false
	}
	q.data = append(q.data, item)
	return true
}

// Drain removes and returns up to max items in enqueue order. max <= 0 drains
// the whole queue.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.data)
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}

	out := make([]T, n)
	copy(out, q.data[:n])

	remaining := copy(q.data, q.data[n:])
	var zero T
	for i := remaining; i < len(q.data); i++ {
		q.data[i] = zero
	}
	q.data = q.data[:remaining]
	return out
}

// Len returns the current number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Dropped returns the number of items rejected because the queue was full.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
