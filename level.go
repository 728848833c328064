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
	"sync"
	"sync/atomic"
)

// Level holds the sstables of one tree level behind a copy-on-write slice.
// Readers load the slice without locking; mutations copy under the mutex.
// Level 0 keeps tables newest-first and they may overlap; levels >= 1 are
// kept sorted by min key and non-overlapping.
type Level struct {
	num      int
	sstables atomic.Pointer[[]*SSTable]
	mu       sync.Mutex // Serializes slice replacement, not reads
}

func newLevel(num int) *Level {
	lvl := &Level{num: num}
	empty := make([]*SSTable, 0)
	lvl.sstables.Store(&empty)
	return lvl
}

// tables returns the current immutable snapshot of the level's tables
func (lvl *Level) tables() []*SSTable {
	return *lvl.sstables.Load()
}

// add inserts a table. The table's level-membership pin must already be held.
func (lvl *Level) add(sst *SSTable, cmp CompareFunc) {
	lvl.mu.Lock()
	defer lvl.mu.Unlock()

	cur := *lvl.sstables.Load()
	next := make([]*SSTable, 0, len(cur)+1)
	if lvl.num == 0 {
		// Newest first so reads hit fresh data sooner
		next = append(next, sst)
		next = append(next, cur...)
	} else {
		next = append(next, cur...)
		next = append(next, sst)
		sort.Slice(next, func(i, j int) bool {
			return cmp(next[i].Min, next[j].Min) < 0
		})
	}
	lvl.sstables.Store(&next)
}

// replace atomically removes a set of tables and adds another, used by
// compaction to install its outputs. Removed tables are marked obsolete.
func (lvl *Level) replace(remove []*SSTable, addTables []*SSTable, cmp CompareFunc) {
	removeSet := make(map[int64]struct{}, len(remove))
	for _, sst := range remove {
		removeSet[sst.ID] = struct{}{}
	}

	lvl.mu.Lock()
	cur := *lvl.sstables.Load()
	next := make([]*SSTable, 0, len(cur)+len(addTables))
	for _, sst := range cur {
		if _, gone := removeSet[sst.ID]; !gone {
			next = append(next, sst)
		}
	}
	next = append(next, addTables...)
	if lvl.num > 0 {
		sort.Slice(next, func(i, j int) bool {
			return cmp(next[i].Min, next[j].Min) < 0
		})
	}
	lvl.sstables.Store(&next)
	lvl.mu.Unlock()

	for _, sst := range remove {
		sst.markObsolete()
	}
}

// remove drops tables from the level and marks them obsolete
func (lvl *Level) remove(remove []*SSTable, cmp CompareFunc) {
	lvl.replace(remove, nil, cmp)
}

// totalSize returns the summed file size of the level's tables
func (lvl *Level) totalSize() int64 {
	var total int64
	for _, sst := range lvl.tables() {
		total += sst.Size
	}
	return total
}

// fileCount returns the number of tables in the level
func (lvl *Level) fileCount() int {
	return len(lvl.tables())
}

// overlapping returns the tables whose key range intersects [min, max]
func (lvl *Level) overlapping(min, max []byte) []*SSTable {
	var out []*SSTable
	for _, sst := range lvl.tables() {
		if sst.overlaps(min, max) {
			out = append(out, sst)
		}
	}
	return out
}
