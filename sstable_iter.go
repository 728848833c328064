// Package riptide
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
package riptide

import (
	"sort"
)

// tableIterator walks one sstable in key order, surfacing for each key the
// newest version with seq <= maxSeq. Entries inside a table are sorted by
// (key ascending, seq descending), so the first visible version of a key is
// the one that counts; older versions of the same key are skipped.
type tableIterator struct {
	sst    *SSTable
	meta   *tableMeta
	maxSeq uint64

	blockIdx int
	entries  []*tableEntry
	entryIdx int
	valid    bool
	err      error
}

// newTableIterator creates an unpositioned iterator; callers must seek first
func newTableIterator(sst *SSTable, maxSeq uint64) (*tableIterator, error) {
	meta, err := sst.loadMeta()
	if err != nil {
		return nil, err
	}
	return &tableIterator{sst: sst, meta: meta, maxSeq: maxSeq, blockIdx: -1}, nil
}

func (it *tableIterator) loadBlock(idx int) bool {
	if idx < 0 || idx >= len(it.meta.BlockOffsets) {
		it.valid = false
		return false
	}
	set, err := it.sst.readBlock(it.meta, idx)
	if err != nil {
		it.err = err
		it.valid = false
		return false
	}
	it.blockIdx = idx
	it.entries = set.Entries
	return true
}

// seekToFirst positions at the smallest visible key
func (it *tableIterator) seekToFirst() {
	it.err = nil
	if !it.loadBlock(0) {
		return
	}
	it.entryIdx = 0
	it.valid = true
	it.skipInvisibleForward(nil)
}

// seekToLast positions at the largest visible key
func (it *tableIterator) seekToLast() {
	it.err = nil
	if !it.loadBlock(len(it.meta.BlockOffsets) - 1) {
		return
	}
	it.entryIdx = len(it.entries) - 1
	it.valid = true
	it.skipInvisibleBackward()
}

// seek positions at the first visible key >= target
func (it *tableIterator) seek(target []byte) {
	it.err = nil
	cmp := it.sst.cf.compare

	startBlock, _ := it.sst.candidateBlocks(it.meta, target)
	for idx := startBlock; ; idx++ {
		if !it.loadBlock(idx) {
			return
		}
		n := len(it.entries)
		if n == 0 || cmp(it.entries[n-1].Key, target) < 0 {
			continue // Whole block is before the target
		}
		it.entryIdx = sort.Search(n, func(i int) bool {
			return cmp(it.entries[i].Key, target) >= 0
		})
		it.valid = true
		it.skipInvisibleForward(nil)
		return
	}
}

// seekForPrev positions at the last visible key <= target
func (it *tableIterator) seekForPrev(target []byte) {
	it.seek(target)
	cmp := it.sst.cf.compare
	if it.valid && cmp(it.entries[it.entryIdx].Key, target) == 0 {
		return
	}
	// First key > target (or exhausted); step back
	if !it.valid {
		it.seekToLast()
		if it.valid && cmp(it.entries[it.entryIdx].Key, target) > 0 {
			it.prev()
		}
		return
	}
	it.prev()
}

// next advances to the next visible key strictly greater than the current one
func (it *tableIterator) next() {
	if !it.valid {
		return
	}
	prevKey := it.entries[it.entryIdx].Key
	it.entryIdx++
	it.skipInvisibleForward(prevKey)
}

// prev retreats to the previous visible key strictly less than the current one
func (it *tableIterator) prev() {
	if !it.valid {
		return
	}
	cmp := it.sst.cf.compare
	curKey := it.entries[it.entryIdx].Key
	for {
		it.entryIdx--
		for it.entryIdx < 0 {
			if !it.loadBlock(it.blockIdx - 1) {
				return
			}
			it.entryIdx = len(it.entries) - 1
		}
		if cmp(it.entries[it.entryIdx].Key, curKey) < 0 {
			break
		}
	}
	// Landed on the oldest version of the previous key; settle on the newest
	// visible one
	it.skipInvisibleBackward()
}

// skipInvisibleForward advances until the cursor rests on the newest version
// with seq <= maxSeq of a key different from afterKey
func (it *tableIterator) skipInvisibleForward(afterKey []byte) {
	cmp := it.sst.cf.compare
	for {
		for it.entryIdx >= len(it.entries) {
			if !it.loadBlock(it.blockIdx + 1) {
				return
			}
			it.entryIdx = 0
		}
		entry := it.entries[it.entryIdx]
		if afterKey != nil && cmp(entry.Key, afterKey) == 0 {
			it.entryIdx++
			continue
		}
		if uint64(entry.Seq) > it.maxSeq {
			// Too new; skip, but remember the key so an older visible
			// version of it can still surface
			it.entryIdx++
			continue
		}
		it.valid = true
		return
	}
}

// skipInvisibleBackward retreats until the cursor rests on the newest visible
// version of some key, scanning versions oldest-to-newest from below
func (it *tableIterator) skipInvisibleBackward() {
	cmp := it.sst.cf.compare
	for {
		for it.entryIdx < 0 {
			if !it.loadBlock(it.blockIdx - 1) {
				return
			}
			it.entryIdx = len(it.entries) - 1
		}
		entry := it.entries[it.entryIdx]
		if uint64(entry.Seq) <= it.maxSeq {
			// Visible; walk up to the newest visible version of this key
			for it.entryIdx > 0 {
				prev := it.entries[it.entryIdx-1]
				if cmp(prev.Key, entry.Key) != 0 || uint64(prev.Seq) > it.maxSeq {
					break
				}
				it.entryIdx--
				entry = prev
			}
			it.valid = true
			return
		}
		it.entryIdx--
	}
}

// current returns the entry under the cursor
func (it *tableIterator) current() *tableEntry {
	if !it.valid {
		return nil
	}
	return it.entries[it.entryIdx]
}
