// Package stack
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
package stack

import (
	"sync/atomic"
)

// node is an element in the stack
type node[T any] struct {
	value T
	next  *node[T]
}

// Stack is a lock-free LIFO stack (Treiber style)
type Stack[T any] struct {
	head atomic.Pointer[node[T]]
	size int64
}

// New creates a new stack
func New[T any]() *Stack[T] {
	return &Stack[T]{}
}

// Push adds a value to the top of the stack
func (s *Stack[T]) Push(value T) {
	n := &node[T]{value: value}

	for {
		old := s.head.Load()
		n.next = old
		if s.head.CompareAndSwap(old, n) {
			atomic.AddInt64(&s.size, 1)
			return
		}
	}
}

// Pop removes and returns the value on top of the stack.
// The second return is false when the stack is empty.
func (s *Stack[T]) Pop() (T, bool) {
	var zero T
	for {
		old := s.head.Load()
		if old == nil {
			return zero, false
		}
		if s.head.CompareAndSwap(old, old.next) {
			atomic.AddInt64(&s.size, -1)
			return old.value, true
		}
	}
}

// Peek returns the value on top of the stack without removing it
func (s *Stack[T]) Peek() (T, bool) {
	var zero T
	head := s.head.Load()
	if head == nil {
		return zero, false
	}
	return head.value, true
}

// Len returns the number of values on the stack
func (s *Stack[T]) Len() int64 {
	return atomic.LoadInt64(&s.size)
}

// ForEach calls fn for each value from top to bottom, stopping early when fn
// returns false
func (s *Stack[T]) ForEach(fn func(value T) bool) {
	curr := s.head.Load()
	for curr != nil {
		if !fn(curr.value) {
			return
		}
		curr = curr.next
	}
}

// Clear discards all values on the stack
func (s *Stack[T]) Clear() {
	for {
		old := s.head.Load()
		if old == nil {
			return
		}
		if s.head.CompareAndSwap(old, nil) {
			atomic.StoreInt64(&s.size, 0)
			return
		}
	}
}
