package identity

import (
	"sync"
	"sync/atomic"
)

const DefaultQueueLimit = 1 << 20

// Queue is a bounded multi-producer buffer drained in batches by a single consumer.
// Pushing onto a full queue drops the item and counts it.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	limit   int
	dropped atomic.Int64
}

func NewQueue[T any](limit int) *Queue[T] {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Queue[T]{limit: limit}
}

// Push appends v and reports whether it was accepted.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if len(q.items) >= q.limit {
		q.mu.Unlock()
		q.dropped.Add(1)
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	return true
}

// Drain removes and returns everything queued so far.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the number of items rejected because the queue was full.
func (q *Queue[T]) Dropped() int64 {
	return q.dropped.Load()
}
