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
	"sync/atomic"
	"time"

	"github.com/riptidedb/riptide/stack"
)

// Txn is a multi-operation transaction spanning column families. Writes are
// buffered locally and become visible atomically at commit under a single
// sequence number. Reads observe committed data according to the isolation
// level plus the transaction's own buffered writes.
//
// A Txn is not safe for concurrent use by multiple goroutines.
type Txn struct {
	db          *DB
	slot        int64
	isolation   IsolationLevel
	useCFLevel  bool // Resolve isolation per family from its config
	snapshotSeq uint64
	writes      map[string]*writeSet
	reads       map[string]map[string]struct{} // Serializable read keys per family
	savepoints  *stack.Stack[*savepoint]
	active      int32
}

// writeOp is one buffered mutation
type writeOp struct {
	key       []byte
	value     []byte
	expiresAt int64
	tombstone bool
}

// writeSet is the ordered op log for one column family plus an index of the
// newest op per key for read-your-writes
type writeSet struct {
	ops   []writeOp
	index map[string]int
}

func newWriteSet() *writeSet {
	return &writeSet{index: make(map[string]int)}
}

func (ws *writeSet) append(op writeOp) {
	ws.ops = append(ws.ops, op)
	ws.index[string(op.key)] = len(ws.ops) - 1
}

// truncate discards ops past n and rebuilds the index
func (ws *writeSet) truncate(n int) {
	ws.ops = ws.ops[:n]
	ws.index = make(map[string]int, n)
	for i, op := range ws.ops {
		ws.index[string(op.key)] = i
	}
}

// savepoint marks per-family write set lengths for partial rollback. Reads
// tracked for validation are kept; only writes roll back.
type savepoint struct {
	name       string
	writeMarks map[string]int
}

// Begin starts a transaction whose isolation level per column family comes
// from that family's DefaultIsolationLevel
func (db *DB) Begin() (*Txn, error) {
	return db.begin(0, true)
}

// BeginWithIsolation starts a transaction pinned to one isolation level for
// every column family it touches
func (db *DB) BeginWithIsolation(level IsolationLevel) (*Txn, error) {
	if level < ReadUncommitted || level > Serializable {
		return nil, wrapError(CodeInvalidArgs, "unknown isolation level", nil)
	}
	return db.begin(level, false)
}

func (db *DB) begin(level IsolationLevel, useCFLevel bool) (*Txn, error) {
	if atomic.LoadInt32(&db.closed) == 1 {
		return nil, ErrClosed
	}

	txn := &Txn{
		db:          db,
		isolation:   level,
		useCFLevel:  useCFLevel,
		snapshotSeq: db.lastCommittedSeq(),
		writes:      make(map[string]*writeSet),
		savepoints:  stack.New[*savepoint](),
		active:      1,
	}

	slot, err := db.txns.Add(txn)
	if err != nil {
		return nil, wrapError(CodeMemoryLimit, "too many open transactions", err)
	}
	txn.slot = slot
	return txn, nil
}

// effectiveIsolation resolves the isolation level applied to one family
func (txn *Txn) effectiveIsolation(cf *ColumnFamily) IsolationLevel {
	if txn.useCFLevel {
		return cf.config.Load().DefaultIsolationLevel
	}
	return txn.isolation
}

// readSeq returns the sequence bound for reads against one family
func (txn *Txn) readSeq(cf *ColumnFamily) uint64 {
	switch txn.effectiveIsolation(cf) {
	case Snapshot, Serializable:
		return txn.snapshotSeq
	default:
		// Committed data only; writers publish the sequence after applying
		return txn.db.lastCommittedSeq()
	}
}

func (txn *Txn) checkActive() error {
	if atomic.LoadInt32(&txn.active) != 1 {
		return ErrTxnNotActive
	}
	return nil
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return wrapError(CodeInvalidArgs, "key is empty", nil)
	}
	if len(key) > MaxKeySize {
		return wrapError(CodeTooLarge, "key exceeds maximum size", nil)
	}
	return nil
}

// Put buffers an insert or update of key in the named column family
func (txn *Txn) Put(cfName string, key, value []byte) error {
	return txn.put(cfName, key, value, 0)
}

// PutWithTTL buffers an insert whose value expires after ttl. A non-positive
// ttl means no expiry, same as Put.
func (txn *Txn) PutWithTTL(cfName string, key, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return txn.put(cfName, key, value, 0)
	}
	return txn.put(cfName, key, value, time.Now().Add(ttl).UnixNano())
}

func (txn *Txn) put(cfName string, key, value []byte, expiresAt int64) error {
	if err := txn.checkActive(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if int64(len(value)) > MaxValueSize {
		return wrapError(CodeTooLarge, "value exceeds maximum size", nil)
	}
	if _, err := txn.db.getColumnFamily(cfName); err != nil {
		return err
	}

	ws, ok := txn.writes[cfName]
	if !ok {
		ws = newWriteSet()
		txn.writes[cfName] = ws
	}
	ws.append(writeOp{
		key:       append([]byte(nil), key...),
		value:     append([]byte(nil), value...),
		expiresAt: expiresAt,
	})
	return nil
}

// Delete buffers a deletion of key in the named column family
func (txn *Txn) Delete(cfName string, key []byte) error {
	if err := txn.checkActive(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := txn.db.getColumnFamily(cfName); err != nil {
		return err
	}

	ws, ok := txn.writes[cfName]
	if !ok {
		ws = newWriteSet()
		txn.writes[cfName] = ws
	}
	ws.append(writeOp{
		key:       append([]byte(nil), key...),
		tombstone: true,
	})
	return nil
}

// Get reads a key, seeing the transaction's own writes first and otherwise
// committed data at the transaction's read sequence. Returns ErrNotFound for
// missing, deleted and expired keys.
func (txn *Txn) Get(cfName string, key []byte) ([]byte, error) {
	if err := txn.checkActive(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	cf, err := txn.db.getColumnFamily(cfName)
	if err != nil {
		return nil, err
	}

	if ws, ok := txn.writes[cfName]; ok {
		if idx, hit := ws.index[string(key)]; hit {
			op := ws.ops[idx]
			if op.tombstone {
				return nil, ErrNotFound
			}
			if op.expiresAt > 0 && op.expiresAt <= time.Now().UnixNano() {
				return nil, ErrNotFound
			}
			return op.value, nil
		}
	}

	if txn.effectiveIsolation(cf) == Serializable {
		txn.trackRead(cfName, key)
	}
	return cf.get(key, txn.readSeq(cf))
}

func (txn *Txn) trackRead(cfName string, key []byte) {
	if txn.reads == nil {
		txn.reads = make(map[string]map[string]struct{})
	}
	keys, ok := txn.reads[cfName]
	if !ok {
		keys = make(map[string]struct{})
		txn.reads[cfName] = keys
	}
	keys[string(key)] = struct{}{}
}

// Savepoint marks the current write position under a name. Rolling back to
// the savepoint discards writes buffered after this call.
func (txn *Txn) Savepoint(name string) error {
	if err := txn.checkActive(); err != nil {
		return err
	}
	if name == "" {
		return wrapError(CodeInvalidArgs, "savepoint name is empty", nil)
	}

	sp := &savepoint{
		name:       name,
		writeMarks: make(map[string]int, len(txn.writes)),
	}
	for cfName, ws := range txn.writes {
		sp.writeMarks[cfName] = len(ws.ops)
	}
	txn.savepoints.Push(sp)
	return nil
}

// RollbackToSavepoint discards writes buffered after the named savepoint.
// Savepoints nested above it are discarded; the named savepoint itself
// remains usable.
func (txn *Txn) RollbackToSavepoint(name string) error {
	if err := txn.checkActive(); err != nil {
		return err
	}

	var target *savepoint
	for {
		sp, ok := txn.savepoints.Pop()
		if !ok {
			break
		}
		if sp.name == name {
			target = sp
			break
		}
	}
	if target == nil {
		return ErrNoSavepoint
	}

	for cfName, ws := range txn.writes {
		mark := target.writeMarks[cfName] // Zero for families first touched after the savepoint
		if mark < len(ws.ops) {
			ws.truncate(mark)
		}
	}
	txn.savepoints.Push(target)
	return nil
}

// ReleaseSavepoint forgets the named savepoint and any nested above it,
// keeping the writes
func (txn *Txn) ReleaseSavepoint(name string) error {
	if err := txn.checkActive(); err != nil {
		return err
	}
	for {
		sp, ok := txn.savepoints.Pop()
		if !ok {
			return ErrNoSavepoint
		}
		if sp.name == name {
			return nil
		}
	}
}

// Commit atomically applies the buffered writes under a fresh sequence
// number. Snapshot transactions fail with ErrConflict when a written key was
// committed past the snapshot; Serializable additionally validates every
// tracked read.
func (txn *Txn) Commit() error {
	if !atomic.CompareAndSwapInt32(&txn.active, 1, 0) {
		return ErrTxnNotActive
	}
	defer txn.free()

	// A read-only transaction saw a consistent snapshot; nothing to validate
	if len(txn.writes) == 0 {
		return nil
	}

	db := txn.db
	if err := db.acquireCommitLock(); err != nil {
		return err
	}
	defer db.commitMu.Unlock()

	if atomic.LoadInt32(&db.closed) == 1 {
		return ErrClosed
	}

	// Resolve families up front; a dropped family fails the whole commit
	cfs := make(map[string]*ColumnFamily, len(txn.writes))
	for cfName := range txn.writes {
		cf, err := db.getColumnFamily(cfName)
		if err != nil {
			return err
		}
		cfs[cfName] = cf
	}

	if err := txn.checkConflicts(cfs); err != nil {
		return err
	}

	seq := db.lastCommittedSeq() + 1
	var hookOps []CommitOp
	haveHooks := db.hasCommitHooks()

	for cfName, ws := range txn.writes {
		cf := cfs[cfName]
		memt := cf.activeMemtable()
		for _, op := range ws.ops {
			if op.tombstone {
				memt.delete(op.key, seq)
			} else {
				memt.put(op.key, op.value, seq, op.expiresAt)
			}
			if haveHooks {
				opType := CommitPut
				if op.tombstone {
					opType = CommitDelete
				}
				hookOps = append(hookOps, CommitOp{
					Type:         opType,
					ColumnFamily: cfName,
					Key:          op.key,
					Value:        op.value,
					ExpiresAt:    op.expiresAt,
				})
			}
		}
	}

	// Publish only after every write is applied, so readers at the new
	// sequence never observe a partial commit
	db.publishSeq(seq)

	db.fireCommitHooks(seq, hookOps)

	for _, cf := range cfs {
		if err := cf.maybeRotate(); err != nil {
			db.log(LogWarn, "memtable rotation after commit failed: "+err.Error())
		}
	}
	return nil
}

// checkConflicts applies first-committer-wins to written keys and, for
// Serializable, revalidates the read set against the snapshot
func (txn *Txn) checkConflicts(cfs map[string]*ColumnFamily) error {
	for cfName, ws := range txn.writes {
		cf := cfs[cfName]
		level := txn.effectiveIsolation(cf)
		if level < Snapshot {
			continue
		}
		for key := range ws.index {
			seq, found, err := cf.latestSeq([]byte(key))
			if err != nil {
				return err
			}
			if found && seq > txn.snapshotSeq {
				return wrapError(CodeConflict, "write conflict on key in "+cfName, nil)
			}
		}
	}

	for cfName, keys := range txn.reads {
		cf, err := txn.db.getColumnFamily(cfName)
		if err != nil {
			return err
		}
		if txn.effectiveIsolation(cf) != Serializable {
			continue
		}
		for key := range keys {
			seq, found, err := cf.latestSeq([]byte(key))
			if err != nil {
				return err
			}
			if found && seq > txn.snapshotSeq {
				return wrapError(CodeConflict, "read validation failed on key in "+cfName, nil)
			}
		}
	}
	return nil
}

// Rollback discards the transaction and its buffered writes
func (txn *Txn) Rollback() error {
	if !atomic.CompareAndSwapInt32(&txn.active, 1, 0) {
		return ErrTxnNotActive
	}
	txn.free()
	return nil
}

func (txn *Txn) free() {
	_ = txn.db.txns.Remove(txn.slot)
	txn.writes = nil
	txn.reads = nil
}

// Free releases the transaction's resources. A transaction that was neither
// committed nor rolled back is rolled back. Calling Free after Commit or
// Rollback is a no-op.
func (txn *Txn) Free() {
	_ = txn.Rollback()
}

// Update runs fn inside a transaction, committing on success and rolling
// back on error
func (db *DB) Update(fn func(txn *Txn) error) error {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit()
}

// View runs fn inside a read-only snapshot transaction; writes made by fn
// are discarded
func (db *DB) View(fn func(txn *Txn) error) error {
	txn, err := db.BeginWithIsolation(Snapshot)
	if err != nil {
		return err
	}
	defer func() { _ = txn.Rollback() }()
	return fn(txn)
}
