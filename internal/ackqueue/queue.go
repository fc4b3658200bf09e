// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ackqueue implements an insertion ordered queue of unacknowledged
// payloads keyed by a request or sequence identifier.
//
// A Queue is not safe for concurrent use; it is always owned by a single
// session or binding which guards it with its own lock.
package ackqueue // import "mellium.im/koine/internal/ackqueue"

// Entry is a single queued payload and the identifier it was sent with.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// Queue holds payloads in the order they were pushed.
// Entries only ever leave the queue from the front, so iteration order is
// always send order.
type Queue[K comparable, V any] struct {
	entries []Entry[K, V]
}

// Push appends a payload to the back of the queue.
func (q *Queue[K, V]) Push(k K, v V) {
	q.entries = append(q.entries, Entry[K, V]{Key: k, Value: v})
}

// Len returns the number of unacknowledged entries.
func (q *Queue[K, V]) Len() int {
	return len(q.entries)
}

// Front returns the oldest entry without removing it.
func (q *Queue[K, V]) Front() (e Entry[K, V], ok bool) {
	if len(q.entries) == 0 {
		return e, false
	}
	return q.entries[0], true
}

// Get returns the value stored under k, if any.
func (q *Queue[K, V]) Get(k K) (v V, ok bool) {
	for _, e := range q.entries {
		if e.Key == k {
			return e.Value, true
		}
	}
	return v, false
}

// RemoveWhile removes entries from the front of the queue for as long as f
// returns true and reports how many were removed.
// Because acknowledgements are cumulative, f is expected to be monotonic: once
// it returns false for an entry it would return false for every later one.
func (q *Queue[K, V]) RemoveWhile(f func(K) bool) int {
	n := 0
	for n < len(q.entries) && f(q.entries[n].Key) {
		n++
	}
	q.Shift(n)
	return n
}

// Shift removes up to n entries from the front of the queue.
func (q *Queue[K, V]) Shift(n int) {
	if n <= 0 {
		return
	}
	if n >= len(q.entries) {
		q.entries = q.entries[:0]
		return
	}
	var zero Entry[K, V]
	for i := 0; i < n; i++ {
		q.entries[i] = zero
	}
	q.entries = append(q.entries[:0], q.entries[n:]...)
}

// Range calls f for each entry in send order until f returns false.
func (q *Queue[K, V]) Range(f func(K, V) bool) {
	for _, e := range q.entries {
		if !f(e.Key, e.Value) {
			return
		}
	}
}

// Entries returns a copy of the queued entries in send order.
func (q *Queue[K, V]) Entries() []Entry[K, V] {
	out := make([]Entry[K, V], len(q.entries))
	copy(out, q.entries)
	return out
}
