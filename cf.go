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
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/riptidedb/riptide/skiplist"
)

// ColumnFamily is an independent keyspace with its own memtables, level
// tree, comparator and configuration. All user access goes through
// transactions; the methods here are the storage machinery underneath plus
// per-family management operations.
type ColumnFamily struct {
	name    string
	db      *DB
	path    string
	config  atomic.Pointer[ColumnFamilyConfig]
	compare CompareFunc

	memtable  atomic.Pointer[Memtable]
	immutable atomic.Pointer[[]*Memtable]
	rotateMu  sync.Mutex

	levels   atomic.Pointer[[]*Level]
	levelsMu sync.Mutex

	tableIDs    *IDGenerator
	memtableIDs *IDGenerator

	manifestMu sync.Mutex

	flushing   int32
	compacting int32
	dropped    int32
}

// newColumnFamily wires an in-memory column family; callers create the
// directory tree and call loadManifest before use
func newColumnFamily(db *DB, name string, cfg *ColumnFamilyConfig, cmp CompareFunc) *ColumnFamily {
	cf := &ColumnFamily{
		name:        name,
		db:          db,
		path:        filepath.Join(db.opts.Directory, name),
		compare:     cmp,
		tableIDs:    newIDGenerator(),
		memtableIDs: newIDGenerator(),
	}
	cf.config.Store(cfg)

	levels := make([]*Level, cfg.MinLevels)
	for i := range levels {
		levels[i] = newLevel(i)
	}
	cf.levels.Store(&levels)

	empty := make([]*Memtable, 0)
	cf.immutable.Store(&empty)
	cf.memtable.Store(newMemtable(cf.memtableIDs.nextID(), cmp, cfg))
	return cf
}

// Name returns the column family name
func (cf *ColumnFamily) Name() string {
	return cf.name
}

func (cf *ColumnFamily) levelDir(level int) string {
	return filepath.Join(cf.path, LevelPrefix+strconv.Itoa(level))
}

func (cf *ColumnFamily) manifestPath() string {
	return filepath.Join(cf.path, ManifestFileName)
}

func (cf *ColumnFamily) configPath() string {
	return filepath.Join(cf.path, ConfigFileName)
}

// createDirs materializes the family directory and its level directories
func (cf *ColumnFamily) createDirs() error {
	cfg := cf.config.Load()
	for i := 0; i < cfg.MinLevels; i++ {
		if err := os.MkdirAll(cf.levelDir(i), cf.db.opts.Permission); err != nil {
			return wrapError(CodeIO, "failed to create level directory", err)
		}
	}
	return nil
}

// levelsSnapshot returns the current immutable levels slice
func (cf *ColumnFamily) levelsSnapshot() []*Level {
	return *cf.levels.Load()
}

// ensureLevels grows the level list to at least n levels
func (cf *ColumnFamily) ensureLevels(n int) (*Level, error) {
	cur := cf.levelsSnapshot()
	if n <= len(cur) {
		return cur[n-1], nil
	}

	cf.levelsMu.Lock()
	defer cf.levelsMu.Unlock()

	cur = cf.levelsSnapshot()
	if n <= len(cur) {
		return cur[n-1], nil
	}

	next := make([]*Level, n)
	copy(next, cur)
	for i := len(cur); i < n; i++ {
		next[i] = newLevel(i)
		if err := os.MkdirAll(cf.levelDir(i), cf.db.opts.Permission); err != nil {
			return nil, wrapError(CodeIO, "failed to create level directory", err)
		}
	}
	cf.levels.Store(&next)
	return next[n-1], nil
}

// targetLevelSize returns the size a level may grow to before compaction,
// WriteBufferSize * ratio^level
func (cf *ColumnFamily) targetLevelSize(level int) int64 {
	cfg := cf.config.Load()
	target := cfg.WriteBufferSize
	for i := 0; i < level; i++ {
		target *= cfg.LevelSizeRatio
	}
	return target
}

// activeMemtable returns the current mutable memtable
func (cf *ColumnFamily) activeMemtable() *Memtable {
	return cf.memtable.Load()
}

// immutables returns the rotated memtables, newest first
func (cf *ColumnFamily) immutables() []*Memtable {
	return *cf.immutable.Load()
}

// maybeRotate rotates the memtable once it outgrows the write buffer
func (cf *ColumnFamily) maybeRotate() error {
	if cf.activeMemtable().Size() < cf.config.Load().WriteBufferSize {
		return nil
	}
	return cf.rotateMemtable()
}

// rotateMemtable swaps in a fresh mutable memtable and queues the old one
// for flushing. Rotation stalls while level 0 is backed up, so writers feel
// backpressure instead of burying the flusher.
func (cf *ColumnFamily) rotateMemtable() error {
	cf.rotateMu.Lock()
	defer cf.rotateMu.Unlock()

	cfg := cf.config.Load()
	for cf.levelsSnapshot()[0].fileCount() > cfg.L0QueueStallThreshold {
		select {
		case <-cf.db.closeCh:
			return ErrClosed
		case <-time.After(stallPollInterval):
		}
		cfg = cf.config.Load()
	}

	old := cf.memtable.Load()
	if old.Size() == 0 {
		return nil
	}

	fresh := newMemtable(cf.memtableIDs.nextID(), cf.compare, cfg)
	cf.memtable.Store(fresh)

	cur := cf.immutables()
	next := make([]*Memtable, 0, len(cur)+1)
	next = append(next, old)
	next = append(next, cur...)
	cf.immutable.Store(&next)

	cf.db.flusher.enqueue(&flushJob{cf: cf, memt: old})
	cf.db.log(LogDebug, fmt.Sprintf("rotated memtable %d of %s (%d bytes)", old.id, cf.name, old.Size()))
	return nil
}

// removeImmutable drops a flushed memtable from the immutable list
func (cf *ColumnFamily) removeImmutable(memt *Memtable) {
	cf.rotateMu.Lock()
	defer cf.rotateMu.Unlock()

	cur := cf.immutables()
	next := make([]*Memtable, 0, len(cur))
	for _, m := range cur {
		if m.id != memt.id {
			next = append(next, m)
		}
	}
	cf.immutable.Store(&next)
}

// pinTables retains every table of the current tree so a concurrent
// compaction cannot delete files mid-read. A table whose last pin is already
// gone means the tree moved under us; the snapshot is retaken.
func (cf *ColumnFamily) pinTables() [][]*SSTable {
	for {
		levels := cf.levelsSnapshot()
		pinned := make([][]*SSTable, len(levels))
		ok := true
		for i, lvl := range levels {
			tabs := lvl.tables()
			got := make([]*SSTable, 0, len(tabs))
			for _, sst := range tabs {
				if !sst.tryRetain() {
					ok = false
					break
				}
				got = append(got, sst)
			}
			pinned[i] = got
			if !ok {
				break
			}
		}
		if ok {
			return pinned
		}
		releaseTables(pinned)
	}
}

// releaseTables drops the pins taken by pinTables
func releaseTables(pinned [][]*SSTable) {
	for _, tabs := range pinned {
		for _, sst := range tabs {
			sst.release()
		}
	}
}

// get returns the newest visible value for the key at maxSeq. Memtables are
// newest data, then every level 0 table is consulted (they may flush out of
// order), then deeper levels until the first hit.
func (cf *ColumnFamily) get(key []byte, maxSeq uint64) ([]byte, error) {
	now := time.Now().UnixNano()

	if v := cf.activeMemtable().getVersion(key, maxSeq); v != nil {
		return versionValue(v, now)
	}
	for _, memt := range cf.immutables() {
		if v := memt.getVersion(key, maxSeq); v != nil {
			return versionValue(v, now)
		}
	}

	pinned := cf.pinTables()
	defer releaseTables(pinned)

	// Level 0 tables overlap; the winner is the entry with the highest seq
	var best *tableEntry
	var bestTable *SSTable
	for _, sst := range pinned[0] {
		entry, err := sst.get(key, maxSeq)
		if err != nil {
			return nil, err
		}
		if entry != nil && (best == nil || entry.Seq > best.Seq) {
			best = entry
			bestTable = sst
		}
	}
	if best != nil {
		return entryValue(bestTable, best, now)
	}

	for _, tabs := range pinned[1:] {
		for _, sst := range tabs {
			entry, err := sst.get(key, maxSeq)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				return entryValue(sst, entry, now)
			}
		}
	}
	return nil, ErrNotFound
}

// versionValue resolves a memtable version into a value or ErrNotFound
func versionValue(v *skiplist.Version, now int64) ([]byte, error) {
	if v.Type == skiplist.Delete || v.Expired(now) {
		return nil, ErrNotFound
	}
	return v.Value, nil
}

// entryValue resolves a table entry into a value or ErrNotFound
func entryValue(sst *SSTable, entry *tableEntry, now int64) ([]byte, error) {
	if entry.Tombstone || (entry.ExpiresAt > 0 && entry.ExpiresAt <= now) {
		return nil, ErrNotFound
	}
	return sst.resolveValue(entry)
}

// latestSeq returns the newest committed sequence for the key across the
// whole tree, used by conflict detection
func (cf *ColumnFamily) latestSeq(key []byte) (uint64, bool, error) {
	if seq, ok := cf.activeMemtable().latestSeq(key); ok {
		return seq, true, nil
	}
	for _, memt := range cf.immutables() {
		if seq, ok := memt.latestSeq(key); ok {
			return seq, true, nil
		}
	}

	pinned := cf.pinTables()
	defer releaseTables(pinned)

	var best uint64
	var found bool
	for _, sst := range pinned[0] {
		seq, ok, err := sst.latestSeq(key)
		if err != nil {
			return 0, false, err
		}
		if ok && seq > best {
			best = seq
			found = true
		}
	}
	if found {
		return best, true, nil
	}

	for _, tabs := range pinned[1:] {
		for _, sst := range tabs {
			seq, ok, err := sst.latestSeq(key)
			if err != nil {
				return 0, false, err
			}
			if ok {
				return seq, true, nil
			}
		}
	}
	return 0, false, nil
}

// syncManifest rewrites the family's manifest from the current tree
func (cf *ColumnFamily) syncManifest() error {
	cf.manifestMu.Lock()
	defer cf.manifestMu.Unlock()

	m := &manifest{
		LastSeq:     int64(cf.db.lastCommittedSeq()),
		NextTableID: cf.tableIDs.current(),
	}
	for _, lvl := range cf.levelsSnapshot() {
		m.Tables = append(m.Tables, lvl.tables()...)
	}
	return writeManifest(cf.manifestPath(), m, cf.db.opts.Permission)
}

// loadManifest rebuilds the level tree from disk state
func (cf *ColumnFamily) loadManifest() (uint64, error) {
	m, err := readManifest(cf.manifestPath())
	if err != nil {
		return 0, err
	}

	cf.tableIDs = reloadIDGenerator(m.NextTableID)

	maxLevel := cf.config.Load().MinLevels
	for _, sst := range m.Tables {
		if sst.Level+1 > maxLevel {
			maxLevel = sst.Level + 1
		}
	}
	if _, err := cf.ensureLevels(maxLevel); err != nil {
		return 0, err
	}

	levels := cf.levelsSnapshot()
	for _, sst := range m.Tables {
		sst.cf = cf
		sst.refs = 1
		levels[sst.Level].add(sst, cf.compare)
	}
	return uint64(m.LastSeq), nil
}

// persistConfig writes the family config as yaml next to the manifest
func (cf *ColumnFamily) persistConfig(cfg *ColumnFamilyConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return wrapError(CodeUnknown, "failed to encode column family config", err)
	}
	tmpPath := cf.configPath() + tempManifestSuffix
	if err := os.WriteFile(tmpPath, data, cf.db.opts.Permission); err != nil {
		return wrapError(CodeIO, "failed to write column family config", err)
	}
	if err := os.Rename(tmpPath, cf.configPath()); err != nil {
		_ = os.Remove(tmpPath)
		return wrapError(CodeIO, "failed to install column family config", err)
	}
	return nil
}

// loadConfig reads a persisted family config
func loadConfig(path string) (*ColumnFamilyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapError(CodeIO, "failed to read column family config", err)
	}
	cfg := &ColumnFamilyConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, wrapError(CodeCorruption, "failed to decode column family config", err)
	}
	return cfg.withDefaults(), nil
}

// UpdateRuntimeConfig applies runtime-changeable settings. Nil fields keep
// their current value. When persist is true the merged config is written to
// the family's config file and survives reopen; otherwise it lasts until
// close.
func (cf *ColumnFamily) UpdateRuntimeConfig(rc *RuntimeConfig, persist bool) error {
	if rc == nil {
		return wrapError(CodeInvalidArgs, "runtime config is nil", nil)
	}
	if atomic.LoadInt32(&cf.dropped) == 1 {
		return ErrCFDropped
	}

	next := rc.apply(cf.config.Load())
	if err := next.validate(); err != nil {
		return err
	}
	if persist {
		if err := cf.persistConfig(next); err != nil {
			return err
		}
	}
	cf.config.Store(next)
	cf.db.log(LogInfo, "updated runtime config of "+cf.name)
	return nil
}

// FlushMemtable rotates the current memtable so the background flusher
// persists it, regardless of size. No-op when the memtable is empty.
func (cf *ColumnFamily) FlushMemtable() error {
	if atomic.LoadInt32(&cf.dropped) == 1 {
		return ErrCFDropped
	}
	return cf.rotateMemtable()
}

// Compact schedules an immediate compaction check for this family
func (cf *ColumnFamily) Compact() error {
	if atomic.LoadInt32(&cf.dropped) == 1 {
		return ErrCFDropped
	}
	cf.db.compactor.trigger(cf)
	return nil
}

// IsFlushing reports whether a flush of this family is in progress
func (cf *ColumnFamily) IsFlushing() bool {
	return atomic.LoadInt32(&cf.flushing) > 0
}

// IsCompacting reports whether a compaction of this family is in progress
func (cf *ColumnFamily) IsCompacting() bool {
	return atomic.LoadInt32(&cf.compacting) > 0
}

// LevelStats describes one level of a family's tree
type LevelStats struct {
	Level      int
	NumTables  int
	Size       int64
	TargetSize int64
}

// ColumnFamilyStats is a point-in-time view of a family's shape
type ColumnFamilyStats struct {
	Name               string
	Config             ColumnFamilyConfig
	MemtableSize       int64
	MemtableEntries    int
	ImmutableMemtables int
	Levels             []LevelStats
	TotalSSTables      int
	TotalSize          int64
}

// Stats returns a snapshot of the family's current shape and configuration
func (cf *ColumnFamily) Stats() *ColumnFamilyStats {
	readSeq := cf.db.lastCommittedSeq()
	stats := &ColumnFamilyStats{
		Name:               cf.name,
		Config:             *cf.config.Load(),
		MemtableSize:       cf.activeMemtable().Size(),
		MemtableEntries:    cf.activeMemtable().entryCount(readSeq),
		ImmutableMemtables: len(cf.immutables()),
	}
	for _, lvl := range cf.levelsSnapshot() {
		ls := LevelStats{
			Level:      lvl.num,
			NumTables:  lvl.fileCount(),
			Size:       lvl.totalSize(),
			TargetSize: cf.targetLevelSize(lvl.num),
		}
		if lvl.num == 0 {
			ls.TargetSize = 0 // Level 0 is bounded by file count, not bytes
		}
		stats.Levels = append(stats.Levels, ls)
		stats.TotalSSTables += ls.NumTables
		stats.TotalSize += ls.Size
	}
	return stats
}

// RangeCost estimates the number of entries a scan of [start, end] would
// visit. It is a coarse upper bound from table metadata, cheap enough to
// guide query planning without touching data blocks.
func (cf *ColumnFamily) RangeCost(start, end []byte) int64 {
	var cost int64
	readSeq := cf.db.lastCommittedSeq()

	cost += int64(cf.activeMemtable().entryCount(readSeq))
	for _, memt := range cf.immutables() {
		cost += int64(memt.entryCount(readSeq))
	}
	for _, lvl := range cf.levelsSnapshot() {
		for _, sst := range lvl.overlapping(start, end) {
			cost += sst.EntryCount
		}
	}
	return cost
}

// checkDiskSpace fails when the volume is below the configured floor
func (cf *ColumnFamily) checkDiskSpace() error {
	cfg := cf.config.Load()
	if cfg.MinDiskSpace <= 0 {
		return nil
	}
	free, err := availableDiskSpace(cf.path)
	if err != nil {
		return err
	}
	if free < cfg.MinDiskSpace {
		return wrapError(CodeIO, fmt.Sprintf("insufficient disk space: %d bytes free, %d required", free, cfg.MinDiskSpace), nil)
	}
	return nil
}
