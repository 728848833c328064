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
	"time"

	"github.com/riptidedb/riptide/skiplist"
)

// mergeSource is a positioned cursor over one layer of the tree, surfacing
// for each key the newest version at or below the iterator's read sequence,
// tombstones included
type mergeSource interface {
	seekToFirst() error
	seekToLast() error
	seek(key []byte) error
	seekForPrev(key []byte) error
	next() error
	prev() error
	valid() bool
	key() []byte
	seq() uint64
	dead(now int64) bool // Tombstone or expired at the cursor
	value() ([]byte, error)
}

// Iterator is a bidirectional merged view over a column family at a fixed
// read sequence: the active memtable, rotated memtables and every sstable.
// For each key the version with the highest sequence wins; tombstoned and
// expired keys are skipped. Pinned tables are released by Free.
//
// An Iterator is not safe for concurrent use.
type Iterator struct {
	cf      *ColumnFamily
	cmp     CompareFunc
	sources []mergeSource
	pinned  []*SSTable

	curKey   []byte
	curValue []byte
	isValid  bool
	freed    bool
}

// NewIterator opens a merged iterator over the named column family at the
// transaction's read sequence, positioned at the first key. The caller must
// Free it when done.
func (txn *Txn) NewIterator(cfName string) (*Iterator, error) {
	if err := txn.checkActive(); err != nil {
		return nil, err
	}
	cf, err := txn.db.getColumnFamily(cfName)
	if err != nil {
		return nil, err
	}

	maxSeq := txn.readSeq(cf)

	it := &Iterator{cf: cf, cmp: cf.compare}

	it.sources = append(it.sources, &memSource{memt: cf.activeMemtable(), cmp: cf.compare, maxSeq: maxSeq})
	for _, memt := range cf.immutables() {
		it.sources = append(it.sources, &memSource{memt: memt, cmp: cf.compare, maxSeq: maxSeq})
	}
	for _, tabs := range cf.pinTables() {
		for _, sst := range tabs {
			it.pinned = append(it.pinned, sst)
			it.sources = append(it.sources, &tableSource{sst: sst, maxSeq: maxSeq})
		}
	}

	if err := it.SeekToFirst(); err != nil {
		it.Free()
		return nil, err
	}
	return it, nil
}

// Free releases the iterator's table pins. Required; a leaked iterator keeps
// obsolete tables on disk.
func (it *Iterator) Free() {
	if it.freed {
		return
	}
	it.freed = true
	it.isValid = false
	for _, sst := range it.pinned {
		sst.release()
	}
	it.pinned = nil
	it.sources = nil
}

// Valid reports whether the iterator points at a live entry
func (it *Iterator) Valid() bool {
	return it.isValid
}

// Key returns the current key; valid until the next positioning call
func (it *Iterator) Key() []byte {
	if !it.isValid {
		return nil
	}
	return it.curKey
}

// Value returns the current value; valid until the next positioning call
func (it *Iterator) Value() []byte {
	if !it.isValid {
		return nil
	}
	return it.curValue
}

// SeekToFirst positions at the smallest live key
func (it *Iterator) SeekToFirst() error {
	for _, src := range it.sources {
		if err := src.seekToFirst(); err != nil {
			return err
		}
	}
	return it.settleForward(nil)
}

// SeekToLast positions at the largest live key
func (it *Iterator) SeekToLast() error {
	for _, src := range it.sources {
		if err := src.seekToLast(); err != nil {
			return err
		}
	}
	return it.settleBackward(nil)
}

// Seek positions at the first live key >= target
func (it *Iterator) Seek(target []byte) error {
	for _, src := range it.sources {
		if err := src.seek(target); err != nil {
			return err
		}
	}
	return it.settleForward(nil)
}

// SeekForPrev positions at the last live key <= target
func (it *Iterator) SeekForPrev(target []byte) error {
	for _, src := range it.sources {
		if err := src.seekForPrev(target); err != nil {
			return err
		}
	}
	return it.settleBackward(nil)
}

// Next advances to the next live key in ascending order
func (it *Iterator) Next() error {
	if !it.isValid {
		return nil
	}
	// Sources may be oriented backward after a Prev; reposition forward
	// past the current key
	for _, src := range it.sources {
		if err := src.seek(it.curKey); err != nil {
			return err
		}
	}
	return it.settleForward(it.curKey)
}

// Prev retreats to the previous live key in descending order
func (it *Iterator) Prev() error {
	if !it.isValid {
		return nil
	}
	for _, src := range it.sources {
		if err := src.seekForPrev(it.curKey); err != nil {
			return err
		}
	}
	return it.settleBackward(it.curKey)
}

// settleForward finds the smallest key strictly greater than after (or any
// key when after is nil) whose winning version is live, and materializes it
func (it *Iterator) settleForward(after []byte) error {
	now := time.Now().UnixNano()

	for {
		var winner mergeSource
		for _, src := range it.sources {
			// Step sources off the boundary key
			for src.valid() && after != nil && it.cmp(src.key(), after) <= 0 {
				if err := src.next(); err != nil {
					return err
				}
			}
			if !src.valid() {
				continue
			}
			if winner == nil {
				winner = src
				continue
			}
			kc := it.cmp(src.key(), winner.key())
			if kc < 0 || (kc == 0 && src.seq() > winner.seq()) {
				winner = src
			}
		}
		if winner == nil {
			it.isValid = false
			return nil
		}

		key := append([]byte(nil), winner.key()...)
		if winner.dead(now) {
			after = key
			continue
		}

		value, err := winner.value()
		if err != nil {
			return err
		}
		it.curKey = key
		it.curValue = value
		it.isValid = true
		return nil
	}
}

// settleBackward mirrors settleForward in descending order
func (it *Iterator) settleBackward(before []byte) error {
	now := time.Now().UnixNano()

	for {
		var winner mergeSource
		for _, src := range it.sources {
			for src.valid() && before != nil && it.cmp(src.key(), before) >= 0 {
				if err := src.prev(); err != nil {
					return err
				}
			}
			if !src.valid() {
				continue
			}
			if winner == nil {
				winner = src
				continue
			}
			kc := it.cmp(src.key(), winner.key())
			if kc > 0 || (kc == 0 && src.seq() > winner.seq()) {
				winner = src
			}
		}
		if winner == nil {
			it.isValid = false
			return nil
		}

		key := append([]byte(nil), winner.key()...)
		if winner.dead(now) {
			before = key
			continue
		}

		value, err := winner.value()
		if err != nil {
			return err
		}
		it.curKey = key
		it.curValue = value
		it.isValid = true
		return nil
	}
}

// memSource adapts a memtable skiplist cursor
type memSource struct {
	memt   *Memtable
	cmp    CompareFunc
	maxSeq uint64
	it     *skiplist.Iterator
	curKey []byte
	curVer *skiplist.Version
	ok     bool
}

func (ms *memSource) seekToFirst() error {
	ms.it = ms.memt.iterator(nil, ms.maxSeq)
	ms.curKey, ms.curVer, ms.ok = ms.it.Next()
	return nil
}

func (ms *memSource) seekToLast() error {
	ms.it = ms.memt.iterator(nil, ms.maxSeq)
	ms.curKey, ms.curVer, ms.ok = ms.it.ToLast()
	return nil
}

func (ms *memSource) seek(key []byte) error {
	ms.it = ms.memt.iterator(key, ms.maxSeq)
	ms.curKey, ms.curVer, ms.ok = ms.it.Next()
	return nil
}

func (ms *memSource) seekForPrev(key []byte) error {
	// The skiplist cursor only walks from a position, so approach from the
	// end when the seek overshoots
	if err := ms.seek(key); err != nil {
		return err
	}
	cmp := ms.cmp
	if ms.ok && cmp(ms.curKey, key) <= 0 {
		return nil
	}
	if ms.ok {
		return ms.prev()
	}
	if err := ms.seekToLast(); err != nil {
		return err
	}
	for ms.ok && cmp(ms.curKey, key) > 0 {
		if err := ms.prev(); err != nil {
			return err
		}
	}
	return nil
}

func (ms *memSource) next() error {
	if !ms.ok {
		return nil
	}
	ms.curKey, ms.curVer, ms.ok = ms.it.Next()
	return nil
}

func (ms *memSource) prev() error {
	if !ms.ok {
		return nil
	}
	ms.curKey, ms.curVer, ms.ok = ms.it.Prev()
	return nil
}

func (ms *memSource) valid() bool { return ms.ok }

func (ms *memSource) key() []byte { return ms.curKey }

func (ms *memSource) seq() uint64 { return ms.curVer.Seq }

func (ms *memSource) dead(now int64) bool { return !ms.curVer.Live(now) }

func (ms *memSource) value() ([]byte, error) { return ms.curVer.Value, nil }

// tableSource adapts an sstable cursor, resolving separated values lazily
type tableSource struct {
	sst    *SSTable
	maxSeq uint64
	it     *tableIterator
}

func (ts *tableSource) ensure() error {
	if ts.it != nil {
		return nil
	}
	it, err := newTableIterator(ts.sst, ts.maxSeq)
	if err != nil {
		return err
	}
	ts.it = it
	return nil
}

func (ts *tableSource) seekToFirst() error {
	if err := ts.ensure(); err != nil {
		return err
	}
	ts.it.seekToFirst()
	return ts.it.err
}

func (ts *tableSource) seekToLast() error {
	if err := ts.ensure(); err != nil {
		return err
	}
	ts.it.seekToLast()
	return ts.it.err
}

func (ts *tableSource) seek(key []byte) error {
	if err := ts.ensure(); err != nil {
		return err
	}
	ts.it.seek(key)
	return ts.it.err
}

func (ts *tableSource) seekForPrev(key []byte) error {
	if err := ts.ensure(); err != nil {
		return err
	}
	ts.it.seekForPrev(key)
	return ts.it.err
}

func (ts *tableSource) next() error {
	ts.it.next()
	return ts.it.err
}

func (ts *tableSource) prev() error {
	ts.it.prev()
	return ts.it.err
}

func (ts *tableSource) valid() bool { return ts.it != nil && ts.it.valid }

func (ts *tableSource) key() []byte { return ts.it.current().Key }

func (ts *tableSource) seq() uint64 { return uint64(ts.it.current().Seq) }

func (ts *tableSource) dead(now int64) bool {
	entry := ts.it.current()
	return entry.Tombstone || (entry.ExpiresAt > 0 && entry.ExpiresAt <= now)
}

func (ts *tableSource) value() ([]byte, error) {
	return ts.sst.resolveValue(ts.it.current())
}
