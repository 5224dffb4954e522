// Package inflight tracks the metadata of requests that have been sent
// but not yet answered.
//
// Records live in a fixed arena of slots and are addressed by a Handle,
// a sequence number that is unique for the lifetime of the queue. The
// handle is small enough to travel in a wire packet as the request tag,
// and a stale or forged handle can always be told apart from the live
// one at the head.
package inflight

import (
	"errors"
	"fmt"
)

var (
	// ErrFull is returned by Emplace when every slot is occupied.
	ErrFull = errors.New("inflight: queue full")

	// ErrUnderflow is returned by Dequeue on an empty queue. Callers
	// treat it as a broken invariant.
	ErrUnderflow = errors.New("inflight: dequeue from empty queue")
)

// Handle identifies one record for as long as it is queued.
type Handle uint64

// Queue is a bounded FIFO of T. It is not safe for concurrent use.
type Queue[T any] struct {
	slots []T
	head  uint64 // handle of the oldest record
	tail  uint64 // handle the next Emplace returns
}

// New returns an empty queue holding at most capacity records.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("inflight: invalid capacity %d", capacity))
	}
	return &Queue[T]{slots: make([]T, capacity)}
}

func (q *Queue[T]) slot(h Handle) *T {
	return &q.slots[uint64(h)%uint64(len(q.slots))]
}

// Len is the number of queued records.
func (q *Queue[T]) Len() int { return int(q.tail - q.head) }

// Cap is the maximum number of queued records.
func (q *Queue[T]) Cap() int { return len(q.slots) }

// Emplace reserves the tail slot and returns its handle and a pointer to
// the zeroed record. The pointer stays valid until the record leaves the
// queue.
func (q *Queue[T]) Emplace() (Handle, *T, error) {
	if q.Len() == len(q.slots) {
		return 0, nil, ErrFull
	}
	h := Handle(q.tail)
	q.tail++
	rec := q.slot(h)
	var zero T
	*rec = zero
	return h, rec, nil
}

// Get returns the record for h if it is still queued.
func (q *Queue[T]) Get(h Handle) (*T, bool) {
	if uint64(h) < q.head || uint64(h) >= q.tail {
		return nil, false
	}
	return q.slot(h), true
}

// Head returns the oldest record without removing it.
func (q *Queue[T]) Head() (Handle, *T, bool) {
	if q.head == q.tail {
		return 0, nil, false
	}
	h := Handle(q.head)
	return h, q.slot(h), true
}

// Dequeue removes and returns the oldest record.
func (q *Queue[T]) Dequeue() (Handle, T, error) {
	var zero T
	if q.head == q.tail {
		return 0, zero, ErrUnderflow
	}
	h := Handle(q.head)
	rec := q.slot(h)
	v := *rec
	*rec = zero
	q.head++
	return h, v, nil
}

// Drop discards up to k records from the head and returns how many were
// removed.
func (q *Queue[T]) Drop(k int) int {
	n := 0
	var zero T
	for n < k && q.head < q.tail {
		*q.slot(Handle(q.head)) = zero
		q.head++
		n++
	}
	return n
}
