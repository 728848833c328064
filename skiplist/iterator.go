// Package skiplist
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
package skiplist

import (
	"sync/atomic"
)

// Iterator is a bidirectional cursor over the skip list bound to a read
// sequence. It surfaces raw versions (tombstones included) so merge layers
// above can shadow older sources correctly.
type Iterator struct {
	list    *SkipList
	current *node
	maxSeq  uint64
}

// NewIterator creates an iterator positioned before the first key >= startKey.
// A nil startKey positions before the first key in the list.
func (sl *SkipList) NewIterator(startKey []byte, maxSeq uint64) *Iterator {
	curr := sl.header

	if len(startKey) > 0 {
		for i := sl.getLevel() - 1; i >= 0; i-- {
			for {
				next := (*node)(atomic.LoadPointer(&curr.forward[i]))
				if next == nil || sl.compare(next.key, startKey) >= 0 {
					break
				}
				curr = next
			}
		}
	}

	return &Iterator{
		list:    sl,
		current: curr,
		maxSeq:  maxSeq,
	}
}

// Valid reports whether the iterator points at a node
func (it *Iterator) Valid() bool {
	return it.current != nil && it.current != it.list.header
}

// Key returns the current key
func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.current.key
}

// Version returns the newest version visible at the iterator's read sequence,
// which may be a tombstone. Returns nil when no version is visible.
func (it *Iterator) Version() *Version {
	if !it.Valid() {
		return nil
	}
	return it.current.visibleVersion(it.maxSeq)
}

// Next advances to the next key with a visible version and returns it along
// with that version. Returns false at the end of the list.
func (it *Iterator) Next() ([]byte, *Version, bool) {
	if it.current == nil {
		return nil, nil, false
	}

	for {
		it.current = (*node)(atomic.LoadPointer(&it.current.forward[0]))
		if it.current == nil {
			return nil, nil, false
		}

		version := it.current.visibleVersion(it.maxSeq)
		if version != nil {
			return it.current.key, version, true
		}
		// No version visible at our sequence, keep walking
	}
}

// Prev moves to the previous key with a visible version and returns it along
// with that version. Returns false when the front of the list is reached.
func (it *Iterator) Prev() ([]byte, *Version, bool) {
	if it.current == nil {
		return nil, nil, false
	}

	for {
		it.current = (*node)(atomic.LoadPointer(&it.current.backward))
		if it.current == nil || it.current == it.list.header {
			it.current = nil
			return nil, nil, false
		}

		version := it.current.visibleVersion(it.maxSeq)
		if version != nil {
			return it.current.key, version, true
		}
	}
}

// ToLast positions the iterator at the last key in the list
func (it *Iterator) ToLast() ([]byte, *Version, bool) {
	curr := it.list.header

	for {
		next := (*node)(atomic.LoadPointer(&curr.forward[0]))
		if next == nil {
			break
		}
		curr = next
	}

	if curr == it.list.header {
		it.current = nil
		return nil, nil, false
	}

	it.current = curr
	version := curr.visibleVersion(it.maxSeq)
	if version != nil {
		return curr.key, version, true
	}
	return it.Prev()
}
