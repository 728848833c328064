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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	c := New(1024*1024, 4)

	key := Key{TableID: 1, Offset: 100}
	c.Put(key, []byte("block data"))

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("block data"), got)

	_, ok = c.Get(Key{TableID: 1, Offset: 200})
	assert.False(t, ok)
}

func TestDisabledCache(t *testing.T) {
	c := New(0, 4)
	assert.False(t, c.Enabled())

	key := Key{TableID: 1, Offset: 0}
	c.Put(key, []byte("dropped"))
	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestEviction(t *testing.T) {
	// One partition, tiny capacity: inserting past capacity must evict the
	// least recently used entries
	c := New(1024, 1)

	for i := 0; i < 16; i++ {
		c.Put(Key{TableID: 1, Offset: int64(i)}, make([]byte, 256))
	}

	stats := c.GetStats()
	assert.LessOrEqual(t, stats.TotalBytes, int64(1024))
	assert.Less(t, stats.TotalEntries, int64(16))

	// The most recent entry survives
	_, ok := c.Get(Key{TableID: 1, Offset: 15})
	assert.True(t, ok)
}

func TestLRUOrder(t *testing.T) {
	c := New(1024, 1)

	a := Key{TableID: 1, Offset: 0}
	b := Key{TableID: 1, Offset: 1}
	c.Put(a, make([]byte, 400))
	c.Put(b, make([]byte, 400))

	// Touch a so b becomes the eviction candidate
	_, ok := c.Get(a)
	require.True(t, ok)

	c.Put(Key{TableID: 1, Offset: 2}, make([]byte, 400))

	_, okA := c.Get(a)
	_, okB := c.Get(b)
	assert.True(t, okA, "recently used entry evicted")
	assert.False(t, okB, "least recently used entry kept")
}

func TestHitRate(t *testing.T) {
	c := New(1024*1024, 4)

	key := Key{TableID: 7, Offset: 0}
	c.Put(key, []byte("x"))

	for i := 0; i < 3; i++ {
		_, ok := c.Get(key)
		require.True(t, ok)
	}
	_, _ = c.Get(Key{TableID: 7, Offset: 999})

	stats := c.GetStats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRate, 0.001)
}

func TestGetOrLoad(t *testing.T) {
	c := New(1024*1024, 4)
	key := Key{TableID: 3, Offset: 42}

	loads := 0
	load := func() ([]byte, error) {
		loads++
		return []byte("loaded"), nil
	}

	got, err := c.GetOrLoad(key, load)
	require.NoError(t, err)
	assert.Equal(t, []byte("loaded"), got)
	assert.Equal(t, 1, loads)

	// Second access is served from the cache
	got, err = c.GetOrLoad(key, load)
	require.NoError(t, err)
	assert.Equal(t, []byte("loaded"), got)
	assert.Equal(t, 1, loads)
}

func TestGetOrLoadError(t *testing.T) {
	c := New(1024*1024, 4)
	boom := errors.New("disk exploded")

	_, err := c.GetOrLoad(Key{TableID: 1, Offset: 1}, func() ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestInvalidateTable(t *testing.T) {
	c := New(1024*1024, 4)

	for i := 0; i < 10; i++ {
		c.Put(Key{TableID: 1, Offset: int64(i)}, []byte("one"))
		c.Put(Key{TableID: 2, Offset: int64(i)}, []byte("two"))
	}

	c.InvalidateTable(1)

	for i := 0; i < 10; i++ {
		_, ok := c.Get(Key{TableID: 1, Offset: int64(i)})
		assert.False(t, ok, "table 1 entry %d survived invalidation", i)
		_, ok = c.Get(Key{TableID: 2, Offset: int64(i)})
		assert.True(t, ok, "table 2 entry %d lost", i)
	}
}

func TestPartitionSpread(t *testing.T) {
	c := New(1024*1024, 8)
	for i := 0; i < 1000; i++ {
		c.Put(Key{TableID: int64(i), Offset: int64(i * 32)}, []byte("v"))
	}

	stats := c.GetStats()
	assert.Equal(t, int64(1000), stats.TotalEntries)
	assert.Equal(t, 8, stats.NumPartitions)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(1024*1024, 16)
	done := make(chan struct{})

	for w := 0; w < 8; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 500; i++ {
				key := Key{TableID: int64(w), Offset: int64(i)}
				c.Put(key, []byte(fmt.Sprintf("w%d-%d", w, i)))
				_, _ = c.Get(key)
			}
		}(w)
	}
	for w := 0; w < 8; w++ {
		<-done
	}

	stats := c.GetStats()
	assert.Positive(t, stats.Hits)
}
