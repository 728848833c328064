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
	"os"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/riptidedb/riptide/blockmanager"
	"github.com/riptidedb/riptide/bloomfilter"
	"github.com/riptidedb/riptide/compress"
)

// tableWriter builds one sstable pair from a sorted stream of entries. Add
// must be called in (key ascending, seq descending) order. Values at or past
// the separation threshold are appended to the vlog and referenced by offset.
type tableWriter struct {
	cf    *ColumnFamily
	cfg   *ColumnFamilyConfig
	table *SSTable
	codec compress.Compressor

	klog *blockmanager.BlockManager
	vlog *blockmanager.BlockManager

	block        []*tableEntry
	blockBytes   int64
	blockOffsets []int64
	sparseIndex  []sparseIndexEntry
	blooms       []*bloomfilter.BloomFilter
	curBloom     *bloomfilter.BloomFilter

	min        []byte
	max        []byte
	entryCount int64
	minSeq     int64
	maxSeq     int64

	finished bool
}

// bloomEntriesPerBlock sizes per-block filters; blocks hold on the order of
// a few hundred entries at the default block size
const bloomEntriesPerBlock = 1024

// newTableWriter opens the klog/vlog pair for a new table at the given level
func newTableWriter(cf *ColumnFamily, id int64, level int) (*tableWriter, error) {
	cfg := cf.config.Load()
	codec, err := compress.For(cfg.Compression)
	if err != nil {
		return nil, wrapError(CodeInvalidArgs, "unknown compression algorithm", err)
	}

	table := &SSTable{ID: id, Level: level, MinSeq: int64(^uint64(0) >> 1), cf: cf}

	klog, err := blockmanager.Open(table.kLogPath(), os.O_RDWR|os.O_CREATE|os.O_TRUNC,
		cf.db.opts.Permission, blockSyncOption(cfg.SyncMode), cfg.SyncInterval)
	if err != nil {
		return nil, wrapError(CodeIO, "failed to create klog", err)
	}
	vlog, err := blockmanager.Open(table.vLogPath(), os.O_RDWR|os.O_CREATE|os.O_TRUNC,
		cf.db.opts.Permission, blockSyncOption(cfg.SyncMode), cfg.SyncInterval)
	if err != nil {
		_ = klog.Close()
		return nil, wrapError(CodeIO, "failed to create vlog", err)
	}

	tw := &tableWriter{
		cf:    cf,
		cfg:   cfg,
		table: table,
		codec: codec,
		klog:  klog,
		vlog:  vlog,
	}
	if cfg.EnableBloomFilter {
		tw.curBloom = bloomfilter.New(bloomEntriesPerBlock, cfg.BloomFPR)
	}
	return tw, nil
}

// add appends an entry to the table. Ordering is the caller's responsibility.
// Blocks are cut only at key boundaries so all versions of a key share one
// block.
func (tw *tableWriter) add(key, value []byte, seq uint64, expiresAt int64, tombstone bool) error {
	if tw.blockBytes >= DefaultBlockSize && len(tw.block) > 0 &&
		tw.cf.compare(tw.block[len(tw.block)-1].Key, key) != 0 {
		if err := tw.flushBlock(); err != nil {
			return err
		}
	}

	entry := &tableEntry{
		Key:       key,
		Seq:       int64(seq),
		ExpiresAt: expiresAt,
		Tombstone: tombstone,
		VOffset:   -1,
	}

	if !tombstone {
		if int64(len(value)) >= tw.cfg.KLogValueThreshold {
			offset, err := tw.vlog.Append(value)
			if err != nil {
				return wrapError(CodeIO, "failed to append vlog value", err)
			}
			entry.VOffset = offset
			entry.VLength = int32(len(value))
		} else {
			entry.Value = value
		}
	}

	if tw.min == nil {
		tw.min = key
	}
	tw.max = key
	tw.entryCount++
	if entry.Seq < tw.table.MinSeq {
		tw.table.MinSeq = entry.Seq
	}
	if entry.Seq > tw.maxSeq {
		tw.maxSeq = entry.Seq
	}

	tw.block = append(tw.block, entry)
	tw.blockBytes += int64(len(key) + len(entry.Value) + 32)
	if tw.curBloom != nil {
		tw.curBloom.Add(key)
	}
	return nil
}

// flushBlock encodes, compresses and appends the pending block
func (tw *tableWriter) flushBlock() error {
	if len(tw.block) == 0 {
		return nil
	}

	data, err := bson.Marshal(&blockSet{Entries: tw.block})
	if err != nil {
		return wrapError(CodeUnknown, "failed to encode sstable block", err)
	}
	compressed, err := tw.codec.Compress(data)
	if err != nil {
		return wrapError(CodeUnknown, "failed to compress sstable block", err)
	}

	offset, err := tw.klog.Append(compressed)
	if err != nil {
		return wrapError(CodeIO, "failed to append klog block", err)
	}

	blockIdx := len(tw.blockOffsets)
	tw.blockOffsets = append(tw.blockOffsets, offset)

	if tw.cfg.EnableBlockIndexes && blockIdx%tw.cfg.IndexSampleRatio == 0 {
		tw.sparseIndex = append(tw.sparseIndex, sparseIndexEntry{
			KeyPrefix: keyPrefix(tw.block[0].Key, tw.cfg.BlockIndexPrefixLen),
			BlockIdx:  int32(blockIdx),
		})
	}
	if tw.curBloom != nil {
		tw.blooms = append(tw.blooms, tw.curBloom)
		tw.curBloom = bloomfilter.New(bloomEntriesPerBlock, tw.cfg.BloomFPR)
	}

	tw.block = tw.block[:0]
	tw.blockBytes = 0
	return nil
}

// size returns the bytes written so far across both logs, used by compaction
// to split output tables
func (tw *tableWriter) size() int64 {
	return tw.klog.Size() + tw.vlog.Size() + tw.blockBytes
}

// empty reports whether nothing has been added
func (tw *tableWriter) empty() bool {
	return tw.entryCount == 0
}

// finish flushes the final block, writes the meta block and returns the
// completed table with one pin held for level membership
func (tw *tableWriter) finish() (*SSTable, error) {
	if err := tw.flushBlock(); err != nil {
		tw.abort()
		return nil, err
	}

	meta := &tableMeta{
		Min:          tw.min,
		Max:          tw.max,
		EntryCount:   tw.entryCount,
		MinSeq:       tw.table.MinSeq,
		MaxSeq:       tw.maxSeq,
		Compression:  int32(tw.cfg.Compression),
		BlockOffsets: tw.blockOffsets,
		PrefixLen:    int32(tw.cfg.BlockIndexPrefixLen),
		SampleRatio:  int32(tw.cfg.IndexSampleRatio),
	}
	if tw.cfg.EnableBlockIndexes {
		meta.SparseIndex = tw.sparseIndex
	}
	if tw.cfg.EnableBloomFilter {
		meta.Blooms = tw.blooms
	}

	metaBytes, err := bson.Marshal(meta)
	if err != nil {
		tw.abort()
		return nil, wrapError(CodeUnknown, "failed to encode sstable meta", err)
	}
	metaOffset, err := tw.klog.Append(metaBytes)
	if err != nil {
		tw.abort()
		return nil, wrapError(CodeIO, "failed to append sstable meta", err)
	}

	if err := tw.klog.Sync(); err != nil {
		tw.abort()
		return nil, wrapError(CodeIO, "failed to sync klog", err)
	}
	if err := tw.vlog.Sync(); err != nil {
		tw.abort()
		return nil, wrapError(CodeIO, "failed to sync vlog", err)
	}

	tw.table.Size = tw.klog.Size() + tw.vlog.Size()
	tw.table.EntryCount = tw.entryCount
	tw.table.Min = tw.min
	tw.table.Max = tw.max
	tw.table.MaxSeq = tw.maxSeq
	tw.table.MetaOffset = metaOffset
	if tw.entryCount == 0 {
		tw.table.MinSeq = 0
	}
	tw.table.meta.Store(meta)
	tw.table.refs = 1

	_ = tw.klog.Close()
	_ = tw.vlog.Close()
	tw.finished = true
	return tw.table, nil
}

// abort closes and removes the partially written pair
func (tw *tableWriter) abort() {
	if tw.finished {
		return
	}
	_ = tw.klog.Close()
	_ = tw.vlog.Close()
	_ = os.Remove(tw.table.kLogPath())
	_ = os.Remove(tw.table.vLogPath())
	tw.finished = true
}
