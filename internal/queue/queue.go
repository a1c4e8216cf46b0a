// Package queue provides the FIFO used for waiter bookkeeping.
package queue

// FIFO is an unsynchronized first-in-first-out queue backed by a slice.
// Callers provide their own locking.
type FIFO[T any] struct {
	items []T
}

// NewFIFO creates a new FIFO with the given preallocated capacity.
func NewFIFO[T any](prealloc int) *FIFO[T] {
	return &FIFO[T]{items: make([]T, 0, prealloc)}
}

// Push adds an item to the tail of the queue.
func (q *FIFO[T]) Push(item T) {
	q.items = append(q.items, item)
}

// Pop removes and returns the item at the head of the queue.
func (q *FIFO[T]) Pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero // release the reference held by the backing array
	q.items = q.items[1:]
	return item, true
}

// Peek returns the item at the head of the queue without removing it.
func (q *FIFO[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Reset resets the queue to an empty state.
func (q *FIFO[T]) Reset() {
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.items = q.items[:0] // Reslice to 0 length to reuse the underlying array
}

// IsEmpty returns true if the queue is empty, false otherwise.
func (q *FIFO[T]) IsEmpty() bool {
	return len(q.items) == 0
}

// Length returns the number of items in the queue.
func (q *FIFO[T]) Length() int {
	return len(q.items)
}
