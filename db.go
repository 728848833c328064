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

// Package riptide is an embeddable transactional key-value storage engine
// built on a log-structured merge tree. Data lives in named column families,
// each with its own memtables, leveled sstable tree, comparator and tuning.
// All access goes through multi-key transactions with selectable isolation,
// backed by multi-version concurrency control over a global commit sequence.
package riptide

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riptidedb/riptide/blockcache"
	"github.com/riptidedb/riptide/buffer"
)

// DB is a database instance rooted at a directory. One process may hold at
// most one open instance per directory. All methods are safe for concurrent
// use unless noted otherwise.
type DB struct {
	opts *Options

	cfs   atomic.Pointer[map[string]*ColumnFamily]
	cfsMu sync.Mutex

	lastSeq  uint64
	commitMu sync.Mutex

	txns *buffer.Buffer[*Txn]

	blockCache *blockcache.Cache
	fileCache  *fileCache

	flusher   *flusher
	compactor *compactor

	hooksMu sync.RWMutex
	hooks   []CommitHook

	closeCh chan struct{}
	closed  int32
}

// Open opens or creates a database at opts.Directory, reopening every column
// family found there and starting the background flush and compaction
// workers
func Open(opts *Options) (*DB, error) {
	if opts == nil || opts.Directory == "" {
		return nil, wrapError(CodeInvalidArgs, "options must name a directory", nil)
	}
	opts = opts.withDefaults()

	if err := os.MkdirAll(opts.Directory, opts.Permission); err != nil {
		return nil, wrapError(CodeIO, "failed to create database directory", err)
	}

	txns, err := buffer.New[*Txn](opts.MaxOpenTransactions)
	if err != nil {
		return nil, wrapError(CodeInvalidArgs, "invalid transaction limit", err)
	}

	db := &DB{
		opts:       opts,
		txns:       txns,
		blockCache: blockcache.New(opts.BlockCacheSize, opts.CacheNumPartitions),
		fileCache:  newFileCache(opts.MaxOpenTables),
		closeCh:    make(chan struct{}),
	}
	db.flusher = newFlusher(db)
	db.compactor = newCompactor(db)

	empty := make(map[string]*ColumnFamily)
	db.cfs.Store(&empty)

	if err := db.reopenColumnFamilies(); err != nil {
		return nil, err
	}

	db.flusher.start()
	db.compactor.start()

	db.log(LogInfo, fmt.Sprintf("opened database at %s with %d column families, last seq %d",
		opts.Directory, len(*db.cfs.Load()), db.lastCommittedSeq()))
	return db, nil
}

// reopenColumnFamilies restores every family with a persisted config under
// the database directory
func (db *DB) reopenColumnFamilies() error {
	entries, err := os.ReadDir(db.opts.Directory)
	if err != nil {
		return wrapError(CodeIO, "failed to read database directory", err)
	}

	var maxSeq uint64
	cfs := make(map[string]*ColumnFamily)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		cfgPath := db.opts.Directory + string(os.PathSeparator) + name + string(os.PathSeparator) + ConfigFileName
		if _, err := os.Stat(cfgPath); err != nil {
			continue // Not a column family directory
		}

		cfg, err := loadConfig(cfgPath)
		if err != nil {
			return err
		}
		cmp, err := comparators.lookup(cfg.ComparatorName)
		if err != nil {
			return wrapError(CodeInvalidArgs, "column family "+name+" needs an unregistered comparator", err)
		}

		cf := newColumnFamily(db, name, cfg, cmp)
		lastSeq, err := cf.loadManifest()
		if err != nil {
			return wrapError(CodeCorruption, "failed to reopen column family "+name, err)
		}
		if lastSeq > maxSeq {
			maxSeq = lastSeq
		}
		cfs[name] = cf
	}

	db.cfs.Store(&cfs)
	atomic.StoreUint64(&db.lastSeq, maxSeq)
	return nil
}

// Close flushes buffered writes, stops the background workers and releases
// file handles. The instance is unusable afterwards.
func (db *DB) Close() error {
	if !atomic.CompareAndSwapInt32(&db.closed, 0, 1) {
		return ErrClosed
	}

	// Wait for an in-flight commit, then hold the lock so none can start
	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	// Memtables are only durable once flushed; push everything out
	for _, cf := range db.columnFamilies() {
		if err := cf.rotateMemtable(); err != nil && err != ErrClosed {
			db.log(LogError, fmt.Sprintf("failed to rotate %s during close: %v", cf.name, err))
		}
	}

	close(db.closeCh)
	db.flusher.stop()
	db.compactor.stop()

	for _, cf := range db.columnFamilies() {
		if err := cf.syncManifest(); err != nil {
			db.log(LogError, fmt.Sprintf("failed to sync manifest of %s during close: %v", cf.name, err))
		}
	}

	db.fileCache.closeAll()
	db.log(LogInfo, "closed database at "+db.opts.Directory)
	return nil
}

// lastCommittedSeq returns the newest published commit sequence
func (db *DB) lastCommittedSeq() uint64 {
	return atomic.LoadUint64(&db.lastSeq)
}

// publishSeq makes a commit sequence visible to readers
func (db *DB) publishSeq(seq uint64) {
	atomic.StoreUint64(&db.lastSeq, seq)
}

// acquireCommitLock takes the commit mutex, retrying under contention for a
// bounded window before giving up with ErrLocked
func (db *DB) acquireCommitLock() error {
	deadline := time.Now().Add(commitLockRetryWindow)
	for {
		if db.commitMu.TryLock() {
			return nil
		}
		if time.Now().After(deadline) {
			return wrapError(CodeLocked, "commit lock contention exceeded retry window", nil)
		}
		time.Sleep(commitLockRetryInterval)
	}
}

// oldestActiveSnapshot returns the smallest sequence any open transaction
// may still read, the floor below which compaction can drop old versions
func (db *DB) oldestActiveSnapshot() uint64 {
	oldest := db.lastCommittedSeq()
	db.txns.ForEach(func(_ int64, txn *Txn) bool {
		if txn != nil && atomic.LoadInt32(&txn.active) == 1 && txn.snapshotSeq < oldest {
			oldest = txn.snapshotSeq
		}
		return true
	})
	return oldest
}

// columnFamilies returns the current family set
func (db *DB) columnFamilies() []*ColumnFamily {
	m := *db.cfs.Load()
	out := make([]*ColumnFamily, 0, len(m))
	for _, cf := range m {
		out = append(out, cf)
	}
	return out
}

// getColumnFamily resolves a family by name
func (db *DB) getColumnFamily(name string) (*ColumnFamily, error) {
	cf, ok := (*db.cfs.Load())[name]
	if !ok {
		return nil, wrapError(CodeNotFound, "column family not found: "+name, nil)
	}
	return cf, nil
}

// GetColumnFamily returns the handle for a named column family
func (db *DB) GetColumnFamily(name string) (*ColumnFamily, error) {
	if atomic.LoadInt32(&db.closed) == 1 {
		return nil, ErrClosed
	}
	return db.getColumnFamily(name)
}

// ListColumnFamilies returns the names of all column families in sorted order
func (db *DB) ListColumnFamilies() []string {
	m := *db.cfs.Load()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateCFName(name string) error {
	if name == "" {
		return wrapError(CodeInvalidArgs, "column family name is empty", nil)
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return wrapError(CodeInvalidArgs, "column family name must not contain path separators", nil)
	}
	return nil
}

// CreateColumnFamily creates a named column family. A nil config uses the
// defaults; zero fields of a partial config are filled in. The merged config
// is persisted and survives restarts.
func (db *DB) CreateColumnFamily(name string, cfg *ColumnFamilyConfig) error {
	if atomic.LoadInt32(&db.closed) == 1 {
		return ErrClosed
	}
	if err := validateCFName(name); err != nil {
		return err
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	cmp, err := comparators.lookup(cfg.ComparatorName)
	if err != nil {
		return err
	}

	db.cfsMu.Lock()
	defer db.cfsMu.Unlock()

	cur := *db.cfs.Load()
	if _, exists := cur[name]; exists {
		return wrapError(CodeExists, "column family already exists: "+name, nil)
	}

	cf := newColumnFamily(db, name, cfg, cmp)
	if err := cf.createDirs(); err != nil {
		return err
	}
	if err := cf.persistConfig(cfg); err != nil {
		return err
	}
	if err := cf.syncManifest(); err != nil {
		return err
	}

	next := make(map[string]*ColumnFamily, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[name] = cf
	db.cfs.Store(&next)

	db.log(LogInfo, "created column family "+name)
	return nil
}

// DropColumnFamily removes a column family and deletes its data. Open
// transactions writing to it fail at commit; open iterators over it keep
// reading pinned state until freed.
func (db *DB) DropColumnFamily(name string) error {
	if atomic.LoadInt32(&db.closed) == 1 {
		return ErrClosed
	}

	db.cfsMu.Lock()
	cur := *db.cfs.Load()
	cf, ok := cur[name]
	if !ok {
		db.cfsMu.Unlock()
		return wrapError(CodeNotFound, "column family not found: "+name, nil)
	}
	next := make(map[string]*ColumnFamily, len(cur))
	for k, v := range cur {
		if k != name {
			next[k] = v
		}
	}
	db.cfs.Store(&next)
	db.cfsMu.Unlock()

	atomic.StoreInt32(&cf.dropped, 1)

	// Wait out in-flight flush and compaction before deleting files
	for cf.IsFlushing() || cf.IsCompacting() {
		time.Sleep(stallPollInterval)
	}

	for _, lvl := range cf.levelsSnapshot() {
		lvl.remove(lvl.tables(), cf.compare)
	}
	if err := os.RemoveAll(cf.path); err != nil {
		return wrapError(CodeIO, "failed to delete column family directory", err)
	}

	db.log(LogInfo, "dropped column family "+name)
	return nil
}

// RenameColumnFamily renames a column family, moving its directory. The
// family must have no flush or compaction in flight.
func (db *DB) RenameColumnFamily(oldName, newName string) error {
	if atomic.LoadInt32(&db.closed) == 1 {
		return ErrClosed
	}
	if err := validateCFName(newName); err != nil {
		return err
	}

	db.cfsMu.Lock()
	defer db.cfsMu.Unlock()

	cur := *db.cfs.Load()
	cf, ok := cur[oldName]
	if !ok {
		return wrapError(CodeNotFound, "column family not found: "+oldName, nil)
	}
	if _, exists := cur[newName]; exists {
		return wrapError(CodeExists, "column family already exists: "+newName, nil)
	}
	if cf.IsFlushing() || cf.IsCompacting() {
		return wrapError(CodeLocked, "column family is busy: "+oldName, nil)
	}

	// Open handles reference paths under the old directory
	db.fileCache.closeAll()

	newPath := db.opts.Directory + string(os.PathSeparator) + newName
	if err := os.Rename(cf.path, newPath); err != nil {
		return wrapError(CodeIO, "failed to rename column family directory", err)
	}
	cf.name = newName
	cf.path = newPath

	next := make(map[string]*ColumnFamily, len(cur))
	for k, v := range cur {
		if k != oldName {
			next[k] = v
		}
	}
	next[newName] = cf
	db.cfs.Store(&next)

	db.log(LogInfo, fmt.Sprintf("renamed column family %s to %s", oldName, newName))
	return nil
}

// RegisterCommitHook adds an observer for committed transactions. Hooks run
// synchronously on the committing goroutine in registration order.
func (db *DB) RegisterCommitHook(hook CommitHook) error {
	if hook == nil {
		return wrapError(CodeInvalidArgs, "commit hook is nil", nil)
	}
	db.hooksMu.Lock()
	db.hooks = append(db.hooks, hook)
	db.hooksMu.Unlock()
	return nil
}

func (db *DB) hasCommitHooks() bool {
	db.hooksMu.RLock()
	defer db.hooksMu.RUnlock()
	return len(db.hooks) > 0
}

func (db *DB) fireCommitHooks(seq uint64, ops []CommitOp) {
	if len(ops) == 0 {
		return
	}
	db.hooksMu.RLock()
	hooks := db.hooks
	db.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(seq, ops)
	}
}

// GetCacheStats returns a snapshot of shared block cache counters
func (db *DB) GetCacheStats() blockcache.Stats {
	return db.blockCache.GetStats()
}

// Stats is a point-in-time view of the whole instance
type Stats struct {
	Directory          string
	LastSeq            uint64
	ActiveTransactions int
	CacheStats         blockcache.Stats
	ColumnFamilies     []*ColumnFamilyStats
}

// Stats gathers statistics across the instance and every column family
func (db *DB) Stats() *Stats {
	stats := &Stats{
		Directory:          db.opts.Directory,
		LastSeq:            db.lastCommittedSeq(),
		ActiveTransactions: int(db.txns.Count()),
		CacheStats:         db.blockCache.GetStats(),
	}
	for _, cf := range db.columnFamilies() {
		stats.ColumnFamilies = append(stats.ColumnFamilies, cf.Stats())
	}
	return stats
}
