// Package buffer
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
package buffer

import (
	"errors"
	"sync/atomic"

	"github.com/riptidedb/riptide/queue"
)

// ErrFull is returned when no slot is available for a new entry
var ErrFull = errors.New("buffer: no available slots")

// ErrInvalidSlot is returned for out-of-range or vacant slots
var ErrInvalidSlot = errors.New("buffer: invalid slot")

// entry wraps a stored value so vacancy can be represented atomically
type entry[T any] struct {
	value T
}

// Buffer is a concurrent slot-based registry. Entries are stored under
// stable integer slots, which makes it a natural home for the engine's
// opaque resource handles: the slot number is the handle.
type Buffer[T any] struct {
	slots          []atomic.Pointer[entry[T]]
	capacity       int64
	availableSlots *queue.Queue[int64]
	count          int64
}

// New creates a buffer with the given fixed capacity
func New[T any](capacity int) (*Buffer[T], error) {
	if capacity <= 0 {
		return nil, errors.New("buffer: capacity must be greater than 0")
	}

	buff := &Buffer[T]{
		slots:          make([]atomic.Pointer[entry[T]], capacity),
		capacity:       int64(capacity),
		availableSlots: queue.New[int64](),
	}

	for i := 0; i < capacity; i++ {
		buff.availableSlots.Enqueue(int64(i))
	}

	return buff, nil
}

// Add stores a value and returns its slot
func (buff *Buffer[T]) Add(item T) (int64, error) {
	slot, ok := buff.availableSlots.Dequeue()
	if !ok {
		return -1, ErrFull
	}

	buff.slots[slot].Store(&entry[T]{value: item})
	atomic.AddInt64(&buff.count, 1)
	return slot, nil
}

// Get returns the value stored at the slot
func (buff *Buffer[T]) Get(slot int64) (T, error) {
	var zero T
	if slot < 0 || slot >= buff.capacity {
		return zero, ErrInvalidSlot
	}

	e := buff.slots[slot].Load()
	if e == nil {
		return zero, ErrInvalidSlot
	}
	return e.value, nil
}

// Remove vacates the slot and recycles it
func (buff *Buffer[T]) Remove(slot int64) error {
	if slot < 0 || slot >= buff.capacity {
		return ErrInvalidSlot
	}

	e := buff.slots[slot].Swap(nil)
	if e == nil {
		return ErrInvalidSlot
	}

	atomic.AddInt64(&buff.count, -1)
	buff.availableSlots.Enqueue(slot)
	return nil
}

// ForEach calls fn for every occupied slot, stopping early when fn returns false
func (buff *Buffer[T]) ForEach(fn func(slot int64, value T) bool) {
	for i := int64(0); i < buff.capacity; i++ {
		e := buff.slots[i].Load()
		if e == nil {
			continue
		}
		if !fn(i, e.value) {
			return
		}
	}
}

// Count returns the number of occupied slots
func (buff *Buffer[T]) Count() int64 {
	return atomic.LoadInt64(&buff.count)
}

// IsFull reports whether every slot is occupied
func (buff *Buffer[T]) IsFull() bool {
	return buff.Count() >= buff.capacity
}
