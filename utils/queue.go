package utils

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("[fabric] queue is closed")
var ErrWouldBlock = errors.New("[fabric] queue is over capacity")

// Queue is a FIFO of items with a non-blocking Drain side and a blocking
// Feed side. Items drained in one call are fed in the same order, and
// all items of an earlier Drain precede those of a later one.
// Limit 0 means unbounded.
type Queue[T any] struct {
	items  []T
	lock   sync.Mutex
	cond   sync.Cond
	limit  int
	closed bool
}

func NewQueue[T any](limit int) *Queue[T] {
	q := &Queue[T]{limit: limit}
	q.cond.L = &q.lock
	return q
}

// Drain appends items to the tail of the queue. It never waits: when the
// queue would exceed its limit nothing is appended and ErrWouldBlock is
// returned.
func (q *Queue[T]) Drain(items ...T) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.limit > 0 && len(q.items)+len(items) > q.limit {
		return ErrWouldBlock
	}
	was0 := len(q.items) == 0
	q.items = append(q.items, items...)
	if was0 {
		q.cond.Broadcast()
	}
	return nil
}

// Feed blocks until at least one item is queued and returns everything
// queued so far. After Close, the remaining items are still fed; once the
// queue is empty Feed returns ErrClosed.
func (q *Queue[T]) Feed() (items []T, err error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return nil, ErrClosed
		}
		q.cond.Wait()
	}
	items = q.items
	q.items = nil
	return items, nil
}

func (q *Queue[T]) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

func (q *Queue[T]) Close() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.closed = true
	q.cond.Broadcast()
	return nil
}
