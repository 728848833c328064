// Package queue
//
// (C) Copyright RiptideDB
//
// Licensed under the Mozilla Public License, v. 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.mozilla.org/en-US/MPL/2.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package queue

import (
	"sync/atomic"
)

// node is an element in the queue
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// Queue is a concurrent non-blocking FIFO queue (Michael-Scott style).
// The zero value is not usable; create with New.
type Queue[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]
	size int64
}

// New creates a new concurrent queue
func New[T any]() *Queue[T] {
	n := &node[T]{}
	q := &Queue[T]{}
	q.head.Store(n)
	q.tail.Store(n)
	return q
}

// Enqueue adds a value to the tail of the queue
func (q *Queue[T]) Enqueue(value T) {
	n := &node[T]{value: value}

	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		// Check tail is still consistent
		if tail == q.tail.Load() {
			if next == nil {
				// Try to link the node at the end of the list
				if tail.next.CompareAndSwap(nil, n) {
					// Swing tail to the inserted node
					q.tail.CompareAndSwap(tail, n)
					atomic.AddInt64(&q.size, 1)
					return
				}
			} else {
				// Tail fell behind, advance it
				q.tail.CompareAndSwap(tail, next)
			}
		}
	}
}

// Dequeue removes and returns the value at the head of the queue.
// The second return is false when the queue is empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	var zero T
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()

		if head == q.head.Load() {
			if head == tail {
				if next == nil {
					return zero, false // Empty
				}
				// Tail fell behind, advance it
				q.tail.CompareAndSwap(tail, next)
			} else {
				value := next.value
				if q.head.CompareAndSwap(head, next) {
					atomic.AddInt64(&q.size, -1)
					return value, true
				}
			}
		}
	}
}

// Peek returns the value at the head without removing it
func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return zero, false
	}
	return next.value, true
}

// Len returns the number of values currently queued
func (q *Queue[T]) Len() int64 {
	return atomic.LoadInt64(&q.size)
}

// ForEach calls fn for each queued value from head to tail, stopping early
// when fn returns false. The traversal is a snapshot-free walk; values
// enqueued or dequeued concurrently may or may not be observed.
func (q *Queue[T]) ForEach(fn func(value T) bool) {
	head := q.head.Load()
	curr := head.next.Load()
	for curr != nil {
		if !fn(curr.value) {
			return
		}
		curr = curr.next.Load()
	}
}

// List returns a slice of all values currently in the queue
func (q *Queue[T]) List() []T {
	var result []T
	q.ForEach(func(v T) bool {
		result = append(result, v)
		return true
	})
	return result
}
