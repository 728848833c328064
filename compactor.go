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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riptidedb/riptide/queue"
)

// compactor merges tables down the level tree. Workers wake on a ticker,
// score every column family and run the most pressing job; explicit triggers
// jump the queue. Shallow levels (below DividingLevelOffset) compact
// size-tiered, merging the whole level at once; deeper levels compact
// leveled, one table against its overlap in the next level.
type compactor struct {
	db       *DB
	triggers *queue.Queue[*ColumnFamily]
	wg       sync.WaitGroup
}

func newCompactor(db *DB) *compactor {
	return &compactor{
		db:       db,
		triggers: queue.New[*ColumnFamily](),
	}
}

func (c *compactor) start() {
	for i := 0; i < c.db.opts.NumCompactionThreads; i++ {
		c.wg.Add(1)
		go c.worker()
	}
}

func (c *compactor) stop() {
	c.wg.Wait()
}

// trigger requests an immediate compaction check for a family
func (c *compactor) trigger(cf *ColumnFamily) {
	c.triggers.Enqueue(cf)
}

func (c *compactor) worker() {
	defer c.wg.Done()

	ticker := time.NewTicker(compactorTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.db.closeCh:
			return
		case <-ticker.C:
			if cf, ok := c.triggers.Dequeue(); ok {
				c.compactFamily(cf, true)
				continue
			}
			for _, cf := range c.db.columnFamilies() {
				c.compactFamily(cf, false)
			}
		}
	}
}

// compactFamily runs at most one compaction job for the family. The
// compacting flag keeps jobs on one family from overlapping; concurrent
// flushes into level 0 are fine because inputs are snapshotted up front.
func (c *compactor) compactFamily(cf *ColumnFamily, forced bool) {
	if atomic.LoadInt32(&cf.dropped) == 1 {
		return
	}
	if !atomic.CompareAndSwapInt32(&cf.compacting, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&cf.compacting, 0)

	job := c.pickJob(cf, forced)
	if job == nil {
		return
	}
	if err := cf.checkDiskSpace(); err != nil {
		c.db.log(LogWarn, fmt.Sprintf("compaction of %s skipped: %v", cf.name, err))
		return
	}
	if err := c.run(cf, job); err != nil {
		c.db.log(LogError, fmt.Sprintf("compaction of %s failed: %v", cf.name, err))
	}
}

// compactionJob names the inputs and destination of one merge
type compactionJob struct {
	sourceLevel int
	inputs      []*SSTable // Tables leaving sourceLevel
	overlaps    []*SSTable // Tables leaving sourceLevel+1
}

// pickJob scores the tree and selects the most pressing merge, or nil.
// Level 0 is bounded by file count; deeper levels by byte size against the
// geometric target.
func (c *compactor) pickJob(cf *ColumnFamily, forced bool) *compactionJob {
	cfg := cf.config.Load()
	levels := cf.levelsSnapshot()

	// Level 0 first: too many overlapping tables hurts every read
	l0Tables := levels[0].tables()
	if len(l0Tables) >= cfg.L1FileCountTrigger || (forced && len(l0Tables) > 1) {
		min, max := keyRangeOf(l0Tables, cf.compare)
		return &compactionJob{
			sourceLevel: 0,
			inputs:      l0Tables,
			overlaps:    levels[1].overlapping(min, max),
		}
	}

	for i := 1; i < len(levels)-1; i++ {
		size := levels[i].totalSize()
		if size == 0 {
			continue
		}
		over := size > cf.targetLevelSize(i)
		if !over && !forced {
			continue
		}

		tables := levels[i].tables()
		if i < cfg.DividingLevelOffset {
			// Size-tiered: fold the whole level into the next
			min, max := keyRangeOf(tables, cf.compare)
			return &compactionJob{
				sourceLevel: i,
				inputs:      tables,
				overlaps:    levels[i+1].overlapping(min, max),
			}
		}

		// Leveled: move the oldest table down against its overlap
		input := tables[0]
		for _, sst := range tables[1:] {
			if sst.ID < input.ID {
				input = sst
			}
		}
		return &compactionJob{
			sourceLevel: i,
			inputs:      []*SSTable{input},
			overlaps:    levels[i+1].overlapping(input.Min, input.Max),
		}
	}
	return nil
}

func keyRangeOf(tables []*SSTable, cmp CompareFunc) ([]byte, []byte) {
	var min, max []byte
	for _, sst := range tables {
		if min == nil || cmp(sst.Min, min) < 0 {
			min = sst.Min
		}
		if max == nil || cmp(sst.Max, max) > 0 {
			max = sst.Max
		}
	}
	return min, max
}

// run merges the job's inputs into the next level, garbage collecting
// versions no open snapshot can see, then installs the outputs atomically
func (c *compactor) run(cf *ColumnFamily, job *compactionJob) error {
	outLevel := job.sourceLevel + 1
	if _, err := cf.ensureLevels(outLevel + 1); err != nil {
		return err
	}
	levels := cf.levelsSnapshot()

	// Pin inputs for the duration of the merge
	all := make([]*SSTable, 0, len(job.inputs)+len(job.overlaps))
	all = append(all, job.inputs...)
	all = append(all, job.overlaps...)
	for _, sst := range all {
		sst.retain()
	}
	defer func() {
		for _, sst := range all {
			sst.release()
		}
	}()

	cursors := make([]*rawCursor, 0, len(all))
	for _, sst := range all {
		cur, err := newRawCursor(sst)
		if err != nil {
			return err
		}
		cursors = append(cursors, cur)
	}

	gcFloor := c.db.oldestActiveSnapshot()
	bottom := outLevel == len(levels)-1 && levels[outLevel].fileCount() == len(job.overlaps)

	outputs, err := c.merge(cf, cursors, outLevel, gcFloor, bottom)
	if err != nil {
		for _, sst := range outputs {
			sst.markObsolete()
		}
		return err
	}

	// Install: outputs plus removal of the overlap from the target level,
	// then removal of the inputs from the source
	levels[outLevel].replace(job.overlaps, outputs, cf.compare)
	levels[job.sourceLevel].remove(job.inputs, cf.compare)

	if err := cf.syncManifest(); err != nil {
		return err
	}
	c.db.log(LogInfo, fmt.Sprintf("compacted %d tables of %s from level %d into %d tables at level %d",
		len(all), cf.name, job.sourceLevel, len(outputs), outLevel))
	return nil
}

// merge is a k-way merge over raw cursors ordered by (key asc, seq desc).
// Retention: every version newer than gcFloor survives, plus the newest
// version at or below it; that survivor is dropped entirely when it is a
// tombstone (or expired) and nothing deeper can hold the key.
func (c *compactor) merge(cf *ColumnFamily, cursors []*rawCursor, outLevel int, gcFloor uint64, bottom bool) ([]*SSTable, error) {
	cmp := cf.compare
	target := cf.targetLevelSize(outLevel)
	now := time.Now().UnixNano()

	var outputs []*SSTable
	var tw *tableWriter
	var err error

	finishCurrent := func() error {
		if tw == nil {
			return nil
		}
		if tw.empty() {
			tw.abort()
			tw = nil
			return nil
		}
		sst, ferr := tw.finish()
		if ferr != nil {
			return ferr
		}
		outputs = append(outputs, sst)
		tw = nil
		return nil
	}

	var curKey []byte
	var keptBelowFloor bool

	for {
		// Pick the smallest key; among equal keys the highest seq
		var pick *rawCursor
		for _, cur := range cursors {
			if !cur.valid {
				continue
			}
			if pick == nil {
				pick = cur
				continue
			}
			kc := cmp(cur.entry.Key, pick.entry.Key)
			if kc < 0 || (kc == 0 && cur.entry.Seq > pick.entry.Seq) {
				pick = cur
			}
		}
		if pick == nil {
			break
		}

		entry := pick.entry
		if curKey == nil || cmp(entry.Key, curKey) != 0 {
			curKey = append([]byte(nil), entry.Key...)
			keptBelowFloor = false
		}

		keep := true
		if uint64(entry.Seq) <= gcFloor {
			if keptBelowFloor {
				// An equal-or-newer version at or below the floor already
				// survived; no snapshot can reach this one
				keep = false
			} else {
				keptBelowFloor = true
				dead := entry.Tombstone || (entry.ExpiresAt > 0 && entry.ExpiresAt <= now)
				if dead && bottom {
					keep = false
				}
			}
		}

		if keep {
			// Split outputs at key boundaries only
			if tw != nil && tw.size() >= target &&
				(len(tw.block) == 0 || cmp(tw.block[len(tw.block)-1].Key, entry.Key) != 0) &&
				tw.max != nil && cmp(tw.max, entry.Key) != 0 {
				if err = finishCurrent(); err != nil {
					break
				}
			}
			if tw == nil {
				tw, err = newTableWriter(cf, cf.tableIDs.nextID(), outLevel)
				if err != nil {
					break
				}
			}

			var value []byte
			if !entry.Tombstone {
				value, err = pick.sst.resolveValue(entry)
				if err != nil {
					break
				}
			}
			if err = tw.add(entry.Key, value, uint64(entry.Seq), entry.ExpiresAt, entry.Tombstone); err != nil {
				break
			}
		}

		if err = pick.next(); err != nil {
			break
		}
	}

	if err != nil {
		if tw != nil {
			tw.abort()
		}
		return outputs, err
	}
	if err := finishCurrent(); err != nil {
		return outputs, err
	}
	return outputs, nil
}

// rawCursor walks every entry of a table in storage order, no version
// collapsing and no seq filtering
type rawCursor struct {
	sst      *SSTable
	meta     *tableMeta
	blockIdx int
	entries  []*tableEntry
	entryIdx int
	entry    *tableEntry
	valid    bool
}

func newRawCursor(sst *SSTable) (*rawCursor, error) {
	meta, err := sst.loadMeta()
	if err != nil {
		return nil, err
	}
	cur := &rawCursor{sst: sst, meta: meta, blockIdx: -1}
	return cur, cur.next()
}

func (cur *rawCursor) next() error {
	cur.entryIdx++
	for cur.entryIdx >= len(cur.entries) {
		cur.blockIdx++
		if cur.blockIdx >= len(cur.meta.BlockOffsets) {
			cur.valid = false
			cur.entry = nil
			return nil
		}
		set, err := cur.sst.readBlock(cur.meta, cur.blockIdx)
		if err != nil {
			cur.valid = false
			return err
		}
		cur.entries = set.Entries
		cur.entryIdx = 0
	}
	cur.entry = cur.entries[cur.entryIdx]
	cur.valid = true
	return nil
}
