// Package lockfree contains non-blocking data structures built on CAS.
package lockfree

import (
	"iter"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// Queue is an unbounded multi-producer multi-consumer FIFO queue
// (Michael & Scott, PODC 1996).
//
// Enqueue, TryDequeue and TryPeek never block on another goroutine: each
// operation is a retry loop around CAS, and a retry only happens because
// some other goroutine made progress. The queue is lock-free, not wait-free.
//
// head always points at a sentinel whose value is never returned. tail points
// at the last node or one node behind it while an Enqueue is in flight; any
// goroutine that observes the lag advances tail itself.
//
// A node's next pointer is written exactly once (nil -> successor) and is
// never cleared, so removal only ever moves head forward.
type Queue[T any] struct {
	head unsafe.Pointer
	tail unsafe.Pointer
	len  int64

	ids      atomix.Uint64
	enqueued atomix.Int64
	dequeued atomix.Int64
	retries  atomix.Int64
	helps    atomix.Int64
	cleared  atomix.Int64
}

type node[T any] struct {
	id    uint64
	value T
	next  unsafe.Pointer
}

// Stats is a snapshot of diagnostic counters. Fields are read one by one and
// are not mutually consistent under concurrent use.
type Stats struct {
	Enqueued int64
	Dequeued int64
	Retries  int64
	Helps    int64
	Cleared  int64
	LastID   uint64
}

// NewQueue creates a queue with a sentinel node.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	sentinel := unsafe.Pointer(q.newNode(*new(T)))
	q.head = sentinel
	q.tail = sentinel
	return q
}

func (q *Queue[T]) newNode(v T) *node[T] {
	return &node[T]{id: q.ids.AddAcqRel(1), value: v}
}

// Enqueue appends v to the tail of the queue. Any value of T is accepted,
// including its zero value.
func (q *Queue[T]) Enqueue(v T) {
	n := q.newNode(v)
	sw := spin.Wait{}
	for {
		tail := load[T](&q.tail)
		next := load[T](&tail.next)
		if tail == load[T](&q.tail) {
			if next == nil {
				if cas(&tail.next, nil, n) {
					// Linked. Swinging tail is best-effort: a failure means
					// someone already helped.
					cas(&q.tail, tail, n)
					inc(&q.len)
					q.enqueued.Add(1)
					return
				}
			} else {
				q.helpTail(tail, next)
				continue
			}
		}
		q.retries.Add(1)
		sw.Once()
	}
}

// TryDequeue removes the value at the head of the queue. It reports false
// if the queue was observed empty.
func (q *Queue[T]) TryDequeue() (v T, ok bool) {
	sw := spin.Wait{}
	for {
		head := load[T](&q.head)
		tail := load[T](&q.tail)
		next := load[T](&head.next)
		if head != load[T](&q.head) {
			q.retries.Add(1)
			sw.Once()
			continue
		}
		if head == tail {
			if next == nil {
				return v, false
			}
			q.helpTail(tail, next)
			continue
		}
		// head != tail, so next is set. Values are immutable once linked,
		// reading before the CAS is safe.
		v = next.value
		if cas(&q.head, head, next) {
			dec(&q.len)
			q.dequeued.Add(1)
			return v, true
		}
		q.retries.Add(1)
		sw.Once()
	}
}

// Dequeue is TryDequeue that reports an empty queue as ErrEmpty.
func (q *Queue[T]) Dequeue() (T, error) {
	v, ok := q.TryDequeue()
	if !ok {
		return v, ErrEmpty
	}
	return v, nil
}

// TryPeek returns the value at the head of the queue without removing it.
// Two calls may return different values if consumers run in between.
func (q *Queue[T]) TryPeek() (v T, ok bool) {
	sw := spin.Wait{}
	for {
		head := load[T](&q.head)
		tail := load[T](&q.tail)
		next := load[T](&head.next)
		if head != load[T](&q.head) {
			q.retries.Add(1)
			sw.Once()
			continue
		}
		if head == tail {
			if next == nil {
				return v, false
			}
			q.helpTail(tail, next)
			continue
		}
		return next.value, true
	}
}

// IsEmpty reports whether the queue was empty at the moment of the read.
func (q *Queue[T]) IsEmpty() bool {
	for {
		head := load[T](&q.head)
		tail := load[T](&q.tail)
		next := load[T](&head.next)
		if head == load[T](&q.head) {
			return head == tail && next == nil
		}
	}
}

// Count walks the list and returns the number of linked values. It is O(n)
// and only exact when no goroutine mutates the queue concurrently.
func (q *Queue[T]) Count() int {
	c := 0
	for n := load[T](&load[T](&q.head).next); n != nil; n = load[T](&n.next) {
		c++
	}
	return c
}

// Len returns a counter maintained after each successful enqueue, dequeue
// and clear. Every linked node adds one and every removed node subtracts one,
// exactly once, so the counter matches Count once the queue is quiescent.
// While operations are in flight it may lag behind the list.
func (q *Queue[T]) Len() int64 {
	if l := atomic.LoadInt64(&q.len); l > 0 {
		return l
	}
	return 0
}

// Clear swings head to the last observed tail in a single CAS, dropping every
// value linked up to that point. It returns the number of values dropped.
//
// Clear is not linearizable with respect to concurrent Enqueue: values linked
// after tail was read survive. Callers that need an exact clear must stop
// producers first.
func (q *Queue[T]) Clear() int {
	sw := spin.Wait{}
	for {
		head := load[T](&q.head)
		tail := load[T](&q.tail)
		next := load[T](&tail.next)
		if head != load[T](&q.head) {
			q.retries.Add(1)
			sw.Once()
			continue
		}
		if next != nil {
			q.helpTail(tail, next)
			continue
		}
		if head == tail {
			return 0
		}
		// head was read before tail and never passes it, so tail is
		// reachable from head. Links are never cleared: the walk is stable
		// even if consumers move head meanwhile.
		n := 0
		for c := head; c != tail; c = load[T](&c.next) {
			n++
		}
		if cas(&q.head, head, tail) {
			atomic.AddInt64(&q.len, -int64(n))
			q.cleared.Add(1)
			return n
		}
		q.retries.Add(1)
		sw.Once()
	}
}

// All returns a weakly consistent iterator over the queued values. The head
// is read when ranging starts, not when All is called. Values enqueued while
// iterating may or may not be observed; a value is never yielded twice.
//
// The iterator follows next links from the node it started at, so a value
// dequeued after ranging started but before the iterator reached it is still
// yielded.
func (q *Queue[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for n := load[T](&load[T](&q.head).next); n != nil; n = load[T](&n.next) {
			if !yield(n.value) {
				return
			}
		}
	}
}

// Stats returns the diagnostic counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Retries:  q.retries.Load(),
		Helps:    q.helps.Load(),
		Cleared:  q.cleared.Load(),
		LastID:   q.ids.LoadAcquire(),
	}
}

func (q *Queue[T]) helpTail(tail, next *node[T]) {
	if cas(&q.tail, tail, next) {
		q.helps.Add(1)
	}
}

func inc(i *int64) int64 {
	return atomic.AddInt64(i, 1)
}

func dec(i *int64) int64 {
	return atomic.AddInt64(i, -1)
}

func load[T any](p *unsafe.Pointer) *node[T] {
	return (*node[T])(atomic.LoadPointer(p))
}

func cas[T any](p *unsafe.Pointer, old, new *node[T]) bool {
	return atomic.CompareAndSwapPointer(p,
		unsafe.Pointer(old), unsafe.Pointer(new))
}
