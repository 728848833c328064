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
	"container/list"
	"os"
	"sync"
	"time"

	"github.com/riptidedb/riptide/blockmanager"
)

// fileCache bounds the number of simultaneously open table file handles
// (MaxOpenTables). Handles are opened on demand, kept in recency order and
// closed on eviction. Each lookup pins the handle; an evicted handle stays
// open until its last reader releases it.
type fileCache struct {
	mu       sync.Mutex
	capacity int
	lruList  *list.List
	items    map[string]*list.Element
}

type fileCacheEntry struct {
	path    string
	bm      *blockmanager.BlockManager
	refs    int  // In-flight readers holding this handle
	evicted bool // Left the cache; close once refs drains
}

func newFileCache(capacity int) *fileCache {
	if capacity <= 0 {
		capacity = DefaultMaxOpenTables
	}
	return &fileCache{
		capacity: capacity,
		lruList:  list.New(),
		items:    make(map[string]*list.Element),
	}
}

// get returns an open block manager for the path, opening it if needed. The
// returned release must be called once the caller is done reading.
func (fc *fileCache) get(path string, flag int, perm os.FileMode, syncOpt blockmanager.SyncOption, syncInterval time.Duration) (*blockmanager.BlockManager, func(), error) {
	fc.mu.Lock()
	if elem, ok := fc.items[path]; ok {
		fc.lruList.MoveToFront(elem)
		entry := elem.Value.(*fileCacheEntry)
		entry.refs++
		fc.mu.Unlock()
		return entry.bm, func() { fc.release(entry) }, nil
	}
	fc.mu.Unlock()

	// Open outside the lock; a concurrent open of the same path loses the
	// insert race and its handle is closed.
	bm, err := blockmanager.Open(path, flag, perm, syncOpt, syncInterval)
	if err != nil {
		return nil, nil, err
	}

	fc.mu.Lock()

	if elem, ok := fc.items[path]; ok {
		fc.lruList.MoveToFront(elem)
		entry := elem.Value.(*fileCacheEntry)
		entry.refs++
		fc.mu.Unlock()
		_ = bm.Close()
		return entry.bm, func() { fc.release(entry) }, nil
	}

	entry := &fileCacheEntry{path: path, bm: bm, refs: 1}
	elem := fc.lruList.PushFront(entry)
	fc.items[path] = elem

	var closing []*blockmanager.BlockManager
	for fc.lruList.Len() > fc.capacity {
		back := fc.lruList.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*fileCacheEntry)
		fc.lruList.Remove(back)
		delete(fc.items, victim.path)
		if victim.refs == 0 {
			closing = append(closing, victim.bm)
		} else {
			victim.evicted = true
		}
	}
	fc.mu.Unlock()

	for _, victim := range closing {
		_ = victim.Close()
	}
	return entry.bm, func() { fc.release(entry) }, nil
}

// release drops a reader's pin; an evicted handle closes when the last pin
// goes
func (fc *fileCache) release(entry *fileCacheEntry) {
	fc.mu.Lock()
	entry.refs--
	closeNow := entry.evicted && entry.refs == 0
	fc.mu.Unlock()

	if closeNow {
		_ = entry.bm.Close()
	}
}

// evict removes the handle for a path, if cached. Closing waits for in-flight
// readers.
func (fc *fileCache) evict(path string) {
	fc.mu.Lock()
	var bm *blockmanager.BlockManager
	if elem, ok := fc.items[path]; ok {
		entry := elem.Value.(*fileCacheEntry)
		fc.lruList.Remove(elem)
		delete(fc.items, path)
		if entry.refs == 0 {
			bm = entry.bm
		} else {
			entry.evicted = true
		}
	}
	fc.mu.Unlock()

	if bm != nil {
		_ = bm.Close()
	}
}

// closeAll evicts every cached handle
func (fc *fileCache) closeAll() {
	fc.mu.Lock()
	var closing []*blockmanager.BlockManager
	for path, elem := range fc.items {
		entry := elem.Value.(*fileCacheEntry)
		if entry.refs == 0 {
			closing = append(closing, entry.bm)
		} else {
			entry.evicted = true
		}
		delete(fc.items, path)
	}
	fc.lruList.Init()
	fc.mu.Unlock()

	for _, bm := range closing {
		_ = bm.Close()
	}
}
