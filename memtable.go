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
	"sync/atomic"

	"github.com/riptidedb/riptide/skiplist"
)

// Memtable is the in-memory ordered write buffer of a column family. One
// mutable instance accepts writes; once rotated it becomes immutable and is
// owned jointly by the flush path and any iterator still reading it. Open
// iterators keep a rotated memtable reachable after the flusher drops it, so
// no explicit pin counting is needed in-process.
type Memtable struct {
	skiplist *skiplist.SkipList
	size     int64 // Atomic approximate byte size
	id       int64 // Rotation-unique id within the column family
}

// newMemtable creates a memtable shaped by the column family's config
func newMemtable(id int64, cmp skiplist.CompareFunc, cfg *ColumnFamilyConfig) *Memtable {
	return &Memtable{
		skiplist: skiplist.NewWithOptions(cmp, cfg.SkipListMaxLevel, cfg.SkipListProbability),
		id:       id,
	}
}

// put inserts a value at the given sequence and tracks size
func (memt *Memtable) put(key, value []byte, seq uint64, expiresAt int64) {
	memt.skiplist.Put(key, value, seq, expiresAt)
	atomic.AddInt64(&memt.size, int64(len(key)+len(value)))
}

// delete records a tombstone at the given sequence. Tombstones still occupy
// space until flushed.
func (memt *Memtable) delete(key []byte, seq uint64) {
	memt.skiplist.Delete(key, seq)
	atomic.AddInt64(&memt.size, int64(len(key)))
}

// get returns the newest live value visible at maxSeq
func (memt *Memtable) get(key []byte, maxSeq uint64) ([]byte, uint64, bool) {
	return memt.skiplist.Get(key, maxSeq)
}

// getVersion returns the newest version visible at maxSeq including
// tombstones, for merge and conflict-check paths
func (memt *Memtable) getVersion(key []byte, maxSeq uint64) *skiplist.Version {
	return memt.skiplist.GetVersion(key, maxSeq)
}

// latestSeq returns the newest sequence recorded for the key
func (memt *Memtable) latestSeq(key []byte) (uint64, bool) {
	return memt.skiplist.LatestSeq(key)
}

// Size returns the approximate byte size of buffered entries
func (memt *Memtable) Size() int64 {
	return atomic.LoadInt64(&memt.size)
}

// entryCount returns the number of live entries at the given read sequence
func (memt *Memtable) entryCount(maxSeq uint64) int {
	return memt.skiplist.Count(maxSeq)
}

// iterator creates a skiplist iterator bounded by maxSeq, positioned before
// the first key >= startKey (or the list start when startKey is nil)
func (memt *Memtable) iterator(startKey []byte, maxSeq uint64) *skiplist.Iterator {
	return memt.skiplist.NewIterator(startKey, maxSeq)
}
