// Package blockcache
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
package blockcache

import (
	"container/list"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultNumPartitions is the shard count used when none is configured
const DefaultNumPartitions = 16

// Key addresses a decompressed block: the owning table and the block's byte
// offset within the table's klog
type Key struct {
	TableID int64
	Offset  int64
}

// Stats is an aggregate snapshot across all partitions
type Stats struct {
	Enabled       bool    `json:"enabled"`
	TotalEntries  int64   `json:"total_entries"`
	TotalBytes    int64   `json:"total_bytes"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	NumPartitions int     `json:"num_partitions"`
}

// cacheEntry holds a key and its decompressed block
type cacheEntry struct {
	key   Key
	block []byte
}

// partition is an independently locked LRU shard
type partition struct {
	mu       sync.Mutex
	capacity int64
	bytes    int64
	lruList  *list.List
	items    map[Key]*list.Element
}

// Cache is a partitioned LRU of decompressed blocks shared across tables.
// Keys are sharded by hash to bound lock contention; each partition evicts
// by recency against its own byte capacity.
type Cache struct {
	partitions []*partition
	enabled    bool
	hits       int64
	misses     int64
}

// New creates a cache with the given total byte capacity spread across
// numPartitions shards. A capacity <= 0 disables caching.
func New(capacityBytes int64, numPartitions int) *Cache {
	if numPartitions <= 0 {
		numPartitions = DefaultNumPartitions
	}

	c := &Cache{
		partitions: make([]*partition, numPartitions),
		enabled:    capacityBytes > 0,
	}

	perPartition := int64(0)
	if c.enabled {
		perPartition = capacityBytes / int64(numPartitions)
		if perPartition <= 0 {
			perPartition = capacityBytes
		}
	}

	for i := range c.partitions {
		c.partitions[i] = &partition{
			capacity: perPartition,
			lruList:  list.New(),
			items:    make(map[Key]*list.Element),
		}
	}

	return c
}

// Enabled reports whether the cache holds anything at all
func (c *Cache) Enabled() bool {
	return c.enabled
}

// partitionFor shards a key by hashing (table id, offset)
func (c *Cache) partitionFor(key Key) *partition {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(key.TableID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(key.Offset))
	h := xxhash.Sum64(buf[:])
	return c.partitions[h%uint64(len(c.partitions))]
}

// Get returns the cached block for the key, or nil
func (c *Cache) Get(key Key) ([]byte, bool) {
	if !c.enabled {
		return nil, false
	}

	p := c.partitionFor(key)
	p.mu.Lock()
	elem, ok := p.items[key]
	if ok {
		p.lruList.MoveToFront(elem)
		block := elem.Value.(*cacheEntry).block
		p.mu.Unlock()
		atomic.AddInt64(&c.hits, 1)
		return block, true
	}
	p.mu.Unlock()
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

// Put inserts a block, evicting least-recently-used entries from the key's
// partition until the block fits
func (c *Cache) Put(key Key, block []byte) {
	if !c.enabled {
		return
	}

	p := c.partitionFor(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	if elem, ok := p.items[key]; ok {
		old := elem.Value.(*cacheEntry)
		p.bytes += int64(len(block)) - int64(len(old.block))
		old.block = block
		p.lruList.MoveToFront(elem)
	} else {
		elem := p.lruList.PushFront(&cacheEntry{key: key, block: block})
		p.items[key] = elem
		p.bytes += int64(len(block))
	}

	for p.bytes > p.capacity && p.lruList.Len() > 1 {
		back := p.lruList.Back()
		if back == nil {
			break
		}
		entry := back.Value.(*cacheEntry)
		p.lruList.Remove(back)
		delete(p.items, entry.key)
		p.bytes -= int64(len(entry.block))
	}
}

// GetOrLoad returns the cached block or loads, caches and returns it.
// Concurrent loads of the same block may race; the last completed load wins
// the cache slot, which is harmless since loads are deterministic.
func (c *Cache) GetOrLoad(key Key, load func() ([]byte, error)) ([]byte, error) {
	if block, ok := c.Get(key); ok {
		return block, nil
	}

	block, err := load()
	if err != nil {
		return nil, err
	}

	c.Put(key, block)
	return block, nil
}

// InvalidateTable drops every cached block belonging to a table. Called when
// a table is physically deleted after compaction.
func (c *Cache) InvalidateTable(tableID int64) {
	if !c.enabled {
		return
	}

	for _, p := range c.partitions {
		p.mu.Lock()
		for key, elem := range p.items {
			if key.TableID == tableID {
				entry := elem.Value.(*cacheEntry)
				p.lruList.Remove(elem)
				delete(p.items, key)
				p.bytes -= int64(len(entry.block))
			}
		}
		p.mu.Unlock()
	}
}

// GetStats returns an aggregate snapshot. The hit rate is computed at read
// time, never stored.
func (c *Cache) GetStats() Stats {
	stats := Stats{
		Enabled:       c.enabled,
		Hits:          atomic.LoadInt64(&c.hits),
		Misses:        atomic.LoadInt64(&c.misses),
		NumPartitions: len(c.partitions),
	}

	for _, p := range c.partitions {
		p.mu.Lock()
		stats.TotalEntries += int64(p.lruList.Len())
		stats.TotalBytes += p.bytes
		p.mu.Unlock()
	}

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	return stats
}
