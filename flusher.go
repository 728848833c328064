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
	"github.com/riptidedb/riptide/skiplist"
)

// flushJob carries one rotated memtable to disk
type flushJob struct {
	cf   *ColumnFamily
	memt *Memtable
}

// flusher drains rotated memtables into level 0 tables. A fixed pool of
// workers polls a lock-free queue; failed jobs are requeued after a backoff
// while the memtable stays readable in the immutable list.
type flusher struct {
	db   *DB
	jobs *queue.Queue[*flushJob]
	wg   sync.WaitGroup
}

func newFlusher(db *DB) *flusher {
	return &flusher{
		db:   db,
		jobs: queue.New[*flushJob](),
	}
}

func (f *flusher) start() {
	for i := 0; i < f.db.opts.NumFlushThreads; i++ {
		f.wg.Add(1)
		go f.worker()
	}
}

func (f *flusher) stop() {
	f.wg.Wait()
}

func (f *flusher) enqueue(job *flushJob) {
	f.jobs.Enqueue(job)
}

// pending reports whether unflushed jobs remain
func (f *flusher) pending() bool {
	return f.jobs.Len() > 0
}

func (f *flusher) worker() {
	defer f.wg.Done()

	ticker := time.NewTicker(flusherTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.db.closeCh:
			// Drain remaining jobs so close does not lose buffered writes
			for {
				job, ok := f.jobs.Dequeue()
				if !ok {
					return
				}
				if err := f.flush(job); err != nil {
					f.db.log(LogError, fmt.Sprintf("flush of %s failed during close: %v", job.cf.name, err))
				}
			}
		case <-ticker.C:
			job, ok := f.jobs.Dequeue()
			if !ok {
				continue
			}
			if err := f.flush(job); err != nil {
				f.db.log(LogWarn, fmt.Sprintf("flush of %s failed, retrying: %v", job.cf.name, err))
				time.Sleep(flushRetryBackoff)
				f.jobs.Enqueue(job)
			}
		}
	}
}

// flush writes one memtable as a level 0 table, installs it and rewrites the
// manifest. Every version in the memtable is carried to disk so open
// snapshots keep reading consistent history; compaction trims old versions
// later.
func (f *flusher) flush(job *flushJob) error {
	cf := job.cf
	if atomic.LoadInt32(&cf.dropped) == 1 {
		cf.removeImmutable(job.memt)
		return nil
	}

	atomic.AddInt32(&cf.flushing, 1)
	defer atomic.AddInt32(&cf.flushing, -1)

	if err := cf.checkDiskSpace(); err != nil {
		return err
	}

	tw, err := newTableWriter(cf, cf.tableIDs.nextID(), 0)
	if err != nil {
		return err
	}

	it := job.memt.iterator(nil, ^uint64(0))
	for {
		key, version, ok := it.Next()
		if !ok {
			break
		}
		// Version chains are newest first, matching table entry order
		for v := version; v != nil; v = v.Next {
			tombstone := v.Type == skiplist.Delete
			if err := tw.add(key, v.Value, v.Seq, v.ExpiresAt, tombstone); err != nil {
				tw.abort()
				return err
			}
		}
	}

	if tw.empty() {
		tw.abort()
		cf.removeImmutable(job.memt)
		return nil
	}

	sst, err := tw.finish()
	if err != nil {
		return err
	}

	cf.levelsSnapshot()[0].add(sst, cf.compare)
	if err := cf.syncManifest(); err != nil {
		return err
	}
	cf.removeImmutable(job.memt)

	f.db.log(LogInfo, fmt.Sprintf("flushed memtable %d of %s to sstable %d (%d entries, %d bytes)",
		job.memt.id, cf.name, sst.ID, sst.EntryCount, sst.Size))
	return nil
}
