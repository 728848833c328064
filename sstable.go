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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/riptidedb/riptide/blockcache"
	"github.com/riptidedb/riptide/blockmanager"
	"github.com/riptidedb/riptide/bloomfilter"
	"github.com/riptidedb/riptide/compress"
)

// SSTable is an immutable sorted run on disk: a klog holding sorted entry
// blocks plus metadata, and a vlog holding values past the separation
// threshold. A table is never mutated after its writer finishes, only
// superseded and eventually deleted.
type SSTable struct {
	ID         int64  `bson:"id"`
	Level      int    `bson:"level"`
	Size       int64  `bson:"size"`
	EntryCount int64  `bson:"entrycount"`
	Min        []byte `bson:"min"`
	Max        []byte `bson:"max"`
	MinSeq     int64  `bson:"minseq"`
	MaxSeq     int64  `bson:"maxseq"`
	MetaOffset int64  `bson:"metaoffset"`

	cf       *ColumnFamily
	meta     atomic.Pointer[tableMeta]
	metaOnce sync.Mutex
	refs     int32 // Pin count: level membership plus open iterators/snapshots
	obsolete int32 // Set when removed from level membership
	merging  int32 // Set while a compaction job owns this table
}

// tableEntry is a single klog record. Entries within a block are sorted by
// (key ascending, seq descending).
type tableEntry struct {
	Key       []byte `bson:"key"`
	Seq       int64  `bson:"seq"`
	ExpiresAt int64  `bson:"expiresat"`
	Tombstone bool   `bson:"tombstone"`
	Value     []byte `bson:"value,omitempty"`
	VOffset   int64  `bson:"voffset"` // Offset into the vlog, -1 when inline
	VLength   int32  `bson:"vlength"`
}

// blockSet is the payload of one klog data block
type blockSet struct {
	Entries []*tableEntry `bson:"entries"`
}

// sparseIndexEntry maps a sampled block's first-key prefix to its position
type sparseIndexEntry struct {
	KeyPrefix []byte `bson:"keyprefix"`
	BlockIdx  int32  `bson:"blockidx"`
}

// tableMeta is the klog's final block: everything a reader needs beyond the
// manifest record
type tableMeta struct {
	Min          []byte                     `bson:"min"`
	Max          []byte                     `bson:"max"`
	EntryCount   int64                      `bson:"entrycount"`
	MinSeq       int64                      `bson:"minseq"`
	MaxSeq       int64                      `bson:"maxseq"`
	Compression  int32                      `bson:"compression"`
	BlockOffsets []int64                    `bson:"blockoffsets"`
	SparseIndex  []sparseIndexEntry         `bson:"sparseindex,omitempty"`
	Blooms       []*bloomfilter.BloomFilter `bson:"blooms,omitempty"`
	PrefixLen    int32                      `bson:"prefixlen"`
	SampleRatio  int32                      `bson:"sampleratio"`
}

// kLogPath returns the klog file path for this table
func (sst *SSTable) kLogPath() string {
	return filepath.Join(sst.cf.levelDir(sst.Level),
		SSTablePrefix+strconv.FormatInt(sst.ID, 10)+KLogExtension)
}

// vLogPath returns the vlog file path for this table
func (sst *SSTable) vLogPath() string {
	return filepath.Join(sst.cf.levelDir(sst.Level),
		SSTablePrefix+strconv.FormatInt(sst.ID, 10)+VLogExtension)
}

// retain pins the table against physical deletion
func (sst *SSTable) retain() {
	atomic.AddInt32(&sst.refs, 1)
}

// tryRetain pins the table unless its last pin is already gone. A table at
// zero refs may have its files deleted at any moment, so it must not be
// resurrected.
func (sst *SSTable) tryRetain() bool {
	for {
		refs := atomic.LoadInt32(&sst.refs)
		if refs <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&sst.refs, refs, refs+1) {
			return true
		}
	}
}

// release drops a pin; the last release of an obsolete table deletes its
// files and purges its cached blocks
func (sst *SSTable) release() {
	if atomic.AddInt32(&sst.refs, -1) > 0 {
		return
	}
	if atomic.LoadInt32(&sst.obsolete) == 1 {
		sst.deleteFiles()
	}
}

// markObsolete records that the table left level membership and drops the
// level's pin
func (sst *SSTable) markObsolete() {
	atomic.StoreInt32(&sst.obsolete, 1)
	sst.release()
}

func (sst *SSTable) deleteFiles() {
	db := sst.cf.db
	db.fileCache.evict(sst.kLogPath())
	db.fileCache.evict(sst.vLogPath())
	db.blockCache.InvalidateTable(sst.ID)

	if err := os.Remove(sst.kLogPath()); err != nil && !os.IsNotExist(err) {
		db.log(LogWarn, fmt.Sprintf("failed to remove %s: %v", sst.kLogPath(), err))
	}
	if err := os.Remove(sst.vLogPath()); err != nil && !os.IsNotExist(err) {
		db.log(LogWarn, fmt.Sprintf("failed to remove %s: %v", sst.vLogPath(), err))
	}
	db.log(LogDebug, fmt.Sprintf("deleted sstable %d at level %d", sst.ID, sst.Level))
}

// klog returns the open klog block manager via the file handle cache. The
// returned release must be called once the read is done.
func (sst *SSTable) klog() (*blockmanager.BlockManager, func(), error) {
	cfg := sst.cf.config.Load()
	return sst.cf.db.fileCache.get(sst.kLogPath(), os.O_RDONLY, sst.cf.db.opts.Permission,
		blockSyncOption(cfg.SyncMode), cfg.SyncInterval)
}

// vlog returns the open vlog block manager via the file handle cache. The
// returned release must be called once the read is done.
func (sst *SSTable) vlog() (*blockmanager.BlockManager, func(), error) {
	cfg := sst.cf.config.Load()
	return sst.cf.db.fileCache.get(sst.vLogPath(), os.O_RDONLY, sst.cf.db.opts.Permission,
		blockSyncOption(cfg.SyncMode), cfg.SyncInterval)
}

// blockSyncOption maps the column family sync mode onto the block manager's
func blockSyncOption(mode SyncMode) blockmanager.SyncOption {
	switch mode {
	case SyncFull:
		return blockmanager.SyncFull
	case SyncPartial:
		return blockmanager.SyncPartial
	default:
		return blockmanager.SyncNone
	}
}

// loadMeta reads and caches the table's meta block
func (sst *SSTable) loadMeta() (*tableMeta, error) {
	if meta := sst.meta.Load(); meta != nil {
		return meta, nil
	}

	sst.metaOnce.Lock()
	defer sst.metaOnce.Unlock()

	if meta := sst.meta.Load(); meta != nil {
		return meta, nil
	}

	klogBm, done, err := sst.klog()
	if err != nil {
		return nil, wrapError(CodeIO, "failed to open klog for sstable "+strconv.FormatInt(sst.ID, 10), err)
	}
	defer done()

	data, err := klogBm.Read(sst.MetaOffset)
	if err != nil {
		if errors.Is(err, blockmanager.ErrCorrupt) {
			return nil, wrapError(CodeCorruption, "sstable meta block corrupted", err)
		}
		return nil, wrapError(CodeIO, "failed to read sstable meta block", err)
	}

	meta := &tableMeta{}
	if err := bson.Unmarshal(data, meta); err != nil {
		return nil, wrapError(CodeCorruption, "failed to decode sstable meta block", err)
	}

	sst.meta.Store(meta)
	return meta, nil
}

// readBlock loads a data block through the shared block cache, decompressing
// on a miss
func (sst *SSTable) readBlock(meta *tableMeta, blockIdx int) (*blockSet, error) {
	offset := meta.BlockOffsets[blockIdx]

	raw, err := sst.cf.db.blockCache.GetOrLoad(blockcache.Key{TableID: sst.ID, Offset: offset}, func() ([]byte, error) {
		klogBm, done, err := sst.klog()
		if err != nil {
			return nil, wrapError(CodeIO, "failed to open klog", err)
		}
		defer done()

		data, err := klogBm.Read(offset)
		if err != nil {
			if errors.Is(err, blockmanager.ErrCorrupt) {
				return nil, wrapError(CodeCorruption, "sstable data block corrupted", err)
			}
			return nil, wrapError(CodeIO, "failed to read sstable data block", err)
		}

		codec, err := compress.For(compress.Algorithm(meta.Compression))
		if err != nil {
			return nil, wrapError(CodeCorruption, "unknown block compression", err)
		}
		decompressed, err := codec.Decompress(data)
		if err != nil {
			return nil, wrapError(CodeCorruption, "failed to decompress sstable block", err)
		}
		return decompressed, nil
	})
	if err != nil {
		return nil, err
	}

	set := &blockSet{}
	if err := bson.Unmarshal(raw, set); err != nil {
		return nil, wrapError(CodeCorruption, "failed to decode sstable block", err)
	}
	return set, nil
}

// candidateBlocks returns the half-open block range [start, end) that may
// contain the key, using the sampled sparse index when present
func (sst *SSTable) candidateBlocks(meta *tableMeta, key []byte) (int, int) {
	numBlocks := len(meta.BlockOffsets)
	if len(meta.SparseIndex) == 0 {
		return 0, numBlocks
	}

	cmp := sst.cf.compare
	prefix := keyPrefix(key, int(meta.PrefixLen))

	// Start at the last sampled block whose first-key prefix is strictly
	// below ours: keys sharing our prefix may begin inside it, and several
	// consecutive sampled blocks can carry the same prefix
	lo := sort.Search(len(meta.SparseIndex), func(i int) bool {
		return cmp(meta.SparseIndex[i].KeyPrefix, prefix) >= 0
	})
	startBlock := 0
	if lo > 0 {
		startBlock = int(meta.SparseIndex[lo-1].BlockIdx)
	}

	// The first sampled block whose prefix is strictly greater bounds the scan
	hi := sort.Search(len(meta.SparseIndex), func(i int) bool {
		return cmp(meta.SparseIndex[i].KeyPrefix, prefix) > 0
	})
	endBlock := numBlocks
	if hi < len(meta.SparseIndex) {
		endBlock = int(meta.SparseIndex[hi].BlockIdx)
		if endBlock <= startBlock {
			endBlock = startBlock + 1
		}
	}
	return startBlock, endBlock
}

// keyPrefix truncates a key to the block index prefix length
func keyPrefix(key []byte, prefixLen int) []byte {
	if prefixLen <= 0 || len(key) <= prefixLen {
		return key
	}
	return key[:prefixLen]
}

// get returns the newest entry for the key with seq <= maxSeq, or nil.
// Tombstoned and expired entries are returned as-is; callers decide.
func (sst *SSTable) get(key []byte, maxSeq uint64) (*tableEntry, error) {
	cmp := sst.cf.compare

	// Range check; empty bounds mean an empty table
	if len(sst.Min) == 0 && len(sst.Max) == 0 && sst.EntryCount == 0 {
		return nil, nil
	}
	if cmp(key, sst.Min) < 0 || cmp(key, sst.Max) > 0 {
		return nil, nil
	}
	if uint64(sst.MinSeq) > maxSeq {
		return nil, nil // Entire table is newer than the read point
	}

	meta, err := sst.loadMeta()
	if err != nil {
		return nil, err
	}

	startBlock, endBlock := sst.candidateBlocks(meta, key)

	for blockIdx := startBlock; blockIdx < endBlock; blockIdx++ {
		if len(meta.Blooms) > blockIdx && meta.Blooms[blockIdx] != nil {
			if !meta.Blooms[blockIdx].Contains(key) {
				continue
			}
		}

		set, err := sst.readBlock(meta, blockIdx)
		if err != nil {
			return nil, err
		}

		entry := searchBlock(set, key, maxSeq, cmp, int(meta.PrefixLen))
		if entry != nil {
			return entry, nil
		}
	}
	return nil, nil
}

// searchBlock binary-searches a block for the newest visible entry of a key.
// The prefix comparison narrows first, then full keys break ties.
func searchBlock(set *blockSet, key []byte, maxSeq uint64, cmp CompareFunc, prefixLen int) *tableEntry {
	entries := set.Entries
	prefix := keyPrefix(key, prefixLen)

	// First entry whose key prefix >= ours
	i := sort.Search(len(entries), func(i int) bool {
		return cmp(keyPrefix(entries[i].Key, prefixLen), prefix) >= 0
	})

	// Walk forward through the shared-prefix region comparing full keys.
	// Versions of one key are adjacent, newest first.
	for ; i < len(entries); i++ {
		c := cmp(entries[i].Key, key)
		if c < 0 {
			continue
		}
		if c > 0 {
			return nil
		}
		if uint64(entries[i].Seq) <= maxSeq {
			return entries[i]
		}
	}
	return nil
}

// resolveValue materializes an entry's value, reading the vlog for
// separated values
func (sst *SSTable) resolveValue(entry *tableEntry) ([]byte, error) {
	if entry.Tombstone {
		return nil, nil
	}
	if entry.VOffset < 0 {
		return entry.Value, nil
	}

	vlogBm, done, err := sst.vlog()
	if err != nil {
		return nil, wrapError(CodeIO, "failed to open vlog", err)
	}
	defer done()
	value, err := vlogBm.Read(entry.VOffset)
	if err != nil {
		if errors.Is(err, blockmanager.ErrCorrupt) {
			return nil, wrapError(CodeCorruption, "vlog block corrupted", err)
		}
		return nil, wrapError(CodeIO, "failed to read vlog block", err)
	}
	return value, nil
}

// latestSeq returns the newest sequence recorded for the key in this table
func (sst *SSTable) latestSeq(key []byte) (uint64, bool, error) {
	entry, err := sst.get(key, ^uint64(0))
	if err != nil {
		return 0, false, err
	}
	if entry == nil {
		return 0, false, nil
	}
	return uint64(entry.Seq), true, nil
}

// overlaps reports whether the table's key range intersects [min, max]
func (sst *SSTable) overlaps(min, max []byte) bool {
	cmp := sst.cf.compare
	if len(sst.Min) == 0 && len(sst.Max) == 0 {
		return false
	}
	if max != nil && cmp(sst.Min, max) > 0 {
		return false
	}
	if min != nil && cmp(sst.Max, min) < 0 {
		return false
	}
	return true
}
