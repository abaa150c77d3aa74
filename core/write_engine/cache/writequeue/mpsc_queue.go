// Package writequeue implements an unbounded multi-producer single-consumer
// queue of cache events that must never be dropped.
package writequeue

import "sync/atomic"

type node[E any] struct {
	next atomic.Pointer[node[E]]
	item *E
}

// MPSCQueue is an intrusive Vyukov-style queue. Offer is wait-free for
// producers; Poll must only be called by one consumer at a time.
type MPSCQueue[E any] struct {
	head atomic.Pointer[node[E]]
	tail atomic.Pointer[node[E]]
}

func New[E any]() *MPSCQueue[E] {
	q := &MPSCQueue[E]{}
	stub := &node[E]{}
	q.head.Store(stub)
	q.tail.Store(stub)
	return q
}

// Offer appends e to the queue.
func (q *MPSCQueue[E]) Offer(e *E) {
	n := &node[E]{item: e}
	prev := q.tail.Swap(n)
	prev.next.Store(n)
}

// Poll removes the oldest element, or returns nil when the queue is empty or a
// producer is still linking its node.
func (q *MPSCQueue[E]) Poll() *E {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return nil
	}
	q.head.Store(next)
	item := next.item
	next.item = nil
	return item
}

// IsEmpty reports whether there is nothing to poll. Safe to call from producers.
func (q *MPSCQueue[E]) IsEmpty() bool {
	return q.head.Load().next.Load() == nil
}
