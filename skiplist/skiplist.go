// Package skiplist
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
package skiplist

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// DefaultMaxLevel is the node tower height cap used when no shape is configured
const DefaultMaxLevel = 12

// DefaultProbability is the branching probability used when no shape is configured
const DefaultProbability = 0.25

// CompareFunc defines the interface for comparing keys
type CompareFunc func(a, b []byte) int

// VersionType distinguishes writes from delete markers in a version chain
type VersionType int

const (
	// Write represents an insert or update
	Write VersionType = iota
	// Delete represents a tombstone
	Delete
)

// Version is a single MVCC version of a key
type Version struct {
	Value     []byte      // Value data, nil for tombstones
	Seq       uint64      // Commit sequence number of the version
	Type      VersionType // Write or Delete
	ExpiresAt int64       // Unix nanoseconds expiry, 0 for no expiry
	Next      *Version    // Older version in the chain
}

// Expired reports whether the version's TTL has lapsed at the given time
func (v *Version) Expired(now int64) bool {
	return v.ExpiresAt > 0 && v.ExpiresAt <= now
}

// Live reports whether the version denotes a readable value (not a tombstone, not expired)
func (v *Version) Live(now int64) bool {
	return v.Type != Delete && !v.Expired(now)
}

// node is a tower in the skip list
type node struct {
	forward  []unsafe.Pointer // per-level atomic pointers to the next node
	backward unsafe.Pointer   // atomic pointer to the previous node at level 0
	key      []byte
	versions unsafe.Pointer // atomic pointer to the newest Version
	mutex    sync.RWMutex   // guards version chain updates
}

// SkipList is a concurrent ordered map from key to an MVCC version chain.
// Readers never block on writers; inserts link new towers with CAS.
type SkipList struct {
	header      *node
	level       atomic.Value // current maximum level (int)
	rng         *rand.Rand
	rngMutex    sync.Mutex
	compare     CompareFunc
	maxLevel    int
	probability float64
}

// DefaultCompare orders keys bytewise, shorter keys first on a shared prefix
func DefaultCompare(a, b []byte) int {
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	for i := 0; i < minLen; i++ {
		if a[i] < b[i] {
			return -1
		} else if a[i] > b[i] {
			return 1
		}
	}
	if len(a) < len(b) {
		return -1
	} else if len(a) > len(b) {
		return 1
	}
	return 0
}

// New creates a skip list with the default comparator and shape
func New() *SkipList {
	return NewWithOptions(DefaultCompare, DefaultMaxLevel, DefaultProbability)
}

// NewWithOptions creates a skip list with a custom comparator, tower height
// cap and branching probability
func NewWithOptions(cmp CompareFunc, maxLevel int, probability float64) *SkipList {
	if cmp == nil {
		cmp = DefaultCompare
	}
	if maxLevel <= 0 {
		maxLevel = DefaultMaxLevel
	}
	if probability <= 0 || probability >= 1 {
		probability = DefaultProbability
	}

	header := &node{
		key:     []byte{},
		forward: make([]unsafe.Pointer, maxLevel),
	}

	sl := &SkipList{
		header:      header,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		compare:     cmp,
		maxLevel:    maxLevel,
		probability: probability,
	}
	sl.level.Store(1)

	return sl
}

func (sl *SkipList) getLevel() int {
	return sl.level.Load().(int)
}

func (sl *SkipList) randomLevel() int {
	sl.rngMutex.Lock()
	defer sl.rngMutex.Unlock()

	lvl := 1
	for sl.rng.Float64() < sl.probability && lvl < sl.maxLevel {
		lvl++
	}
	return lvl
}

// latestVersion atomically returns the newest version of a node
func (n *node) latestVersion() *Version {
	if n == nil {
		return nil
	}
	ptr := atomic.LoadPointer(&n.versions)
	return (*Version)(ptr)
}

// visibleVersion finds the newest version whose sequence does not exceed maxSeq.
// Tombstones are returned as-is; the caller decides how to treat them.
func (n *node) visibleVersion(maxSeq uint64) *Version {
	if n == nil {
		return nil
	}

	n.mutex.RLock()
	defer n.mutex.RUnlock()

	version := n.latestVersion()
	for version != nil {
		if version.Seq <= maxSeq {
			return version
		}
		version = version.Next
	}
	return nil
}

// addVersion prepends a new version to the node's chain
func (n *node) addVersion(value []byte, seq uint64, typ VersionType, expiresAt int64) {
	newVersion := &Version{
		Value:     value,
		Seq:       seq,
		Type:      typ,
		ExpiresAt: expiresAt,
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()

	newVersion.Next = n.latestVersion()
	atomic.StorePointer(&n.versions, unsafe.Pointer(newVersion))
}

// findNode returns the node holding the key, or nil
func (sl *SkipList) findNode(searchKey []byte) *node {
	prev := sl.header
	currentLevel := sl.getLevel()

	for i := currentLevel - 1; i >= 0; i-- {
		curr := (*node)(atomic.LoadPointer(&prev.forward[i]))
		for curr != nil {
			if sl.compare(curr.key, searchKey) >= 0 {
				break
			}
			prev = curr
			curr = (*node)(atomic.LoadPointer(&curr.forward[i]))
		}
	}

	curr := (*node)(atomic.LoadPointer(&prev.forward[0]))
	for curr != nil {
		cmp := sl.compare(curr.key, searchKey)
		if cmp == 0 {
			return curr
		}
		if cmp > 0 {
			return nil
		}
		curr = (*node)(atomic.LoadPointer(&curr.forward[0]))
	}
	return nil
}

// Get retrieves the newest live value visible at maxSeq.
// Returns the value, its sequence and true, or false when the key is absent,
// deleted or expired at the read point.
func (sl *SkipList) Get(searchKey []byte, maxSeq uint64) ([]byte, uint64, bool) {
	n := sl.findNode(searchKey)
	if n == nil {
		return nil, 0, false
	}
	version := n.visibleVersion(maxSeq)
	if version == nil || !version.Live(time.Now().UnixNano()) {
		return nil, 0, false
	}
	return version.Value, version.Seq, true
}

// GetVersion retrieves the newest version visible at maxSeq including
// tombstones and expired entries. Flush and merge paths use this to carry
// delete markers forward.
func (sl *SkipList) GetVersion(searchKey []byte, maxSeq uint64) *Version {
	n := sl.findNode(searchKey)
	if n == nil {
		return nil
	}
	return n.visibleVersion(maxSeq)
}

// LatestSeq returns the sequence of the newest version of the key regardless
// of visibility. Commit-time conflict checks use this.
func (sl *SkipList) LatestSeq(searchKey []byte) (uint64, bool) {
	n := sl.findNode(searchKey)
	if n == nil {
		return 0, false
	}
	version := n.latestVersion()
	if version == nil {
		return 0, false
	}
	return version.Seq, true
}

// Put inserts or updates a value at the given sequence.
// expiresAt is an absolute unix-nanosecond expiry, 0 for none.
func (sl *SkipList) Put(searchKey []byte, newValue []byte, seq uint64, expiresAt int64) {
	sl.insertVersion(searchKey, newValue, seq, Write, expiresAt)
}

// Delete records a tombstone at the given sequence. A tombstone is recorded
// even when the key is absent from the list so it can shadow older on-disk
// versions of the key.
func (sl *SkipList) Delete(searchKey []byte, seq uint64) {
	sl.insertVersion(searchKey, nil, seq, Delete, 0)
}

func (sl *SkipList) insertVersion(searchKey []byte, value []byte, seq uint64, typ VersionType, expiresAt int64) {
	var topLevel int

	for {
		retry := false
		var existingNode *node
		update := make([]*node, sl.maxLevel)

		prev := sl.header
		currentLevel := sl.getLevel()

		for i := currentLevel - 1; i >= 0; i-- {
			curr := (*node)(atomic.LoadPointer(&prev.forward[i]))
			for curr != nil {
				if sl.compare(curr.key, searchKey) >= 0 {
					break
				}
				prev = curr
				curr = (*node)(atomic.LoadPointer(&curr.forward[i]))
			}
			update[i] = prev
		}

		curr := (*node)(atomic.LoadPointer(&prev.forward[0]))
		for curr != nil {
			cmp := sl.compare(curr.key, searchKey)
			if cmp == 0 {
				existingNode = curr
				break
			}
			if cmp > 0 {
				break
			}
			prev = curr
			curr = (*node)(atomic.LoadPointer(&curr.forward[0]))
			update[0] = prev
		}

		if existingNode != nil {
			existingNode.addVersion(value, seq, typ, expiresAt)
			return
		}

		if topLevel == 0 {
			topLevel = sl.randomLevel()
		}

		if topLevel > currentLevel {
			for i := currentLevel; i < topLevel; i++ {
				update[i] = sl.header
			}
			sl.level.CompareAndSwap(currentLevel, topLevel)
		}

		keyClone := make([]byte, len(searchKey))
		copy(keyClone, searchKey)

		newNode := &node{
			key:     keyClone,
			forward: make([]unsafe.Pointer, sl.maxLevel),
		}
		newNode.addVersion(value, seq, typ, expiresAt)

		for i := 0; i < topLevel; i++ {
			next := update[i]
			if next == nil {
				retry = true
				break
			}

			nextPtr := atomic.LoadPointer(&next.forward[i])
			nextNode := (*node)(nextPtr)

			atomic.StorePointer(&newNode.forward[i], unsafe.Pointer(nextNode))

			if atomic.CompareAndSwapPointer(&next.forward[i], nextPtr, unsafe.Pointer(newNode)) {
				if i == 0 {
					if nextNode != nil {
						atomic.StorePointer(&nextNode.backward, unsafe.Pointer(newNode))
					}
					atomic.StorePointer(&newNode.backward, unsafe.Pointer(next))
				}
				continue
			}
			retry = true
			break
		}

		if retry {
			continue
		}
		return
	}
}

// Count returns the number of live entries visible at maxSeq
func (sl *SkipList) Count(maxSeq uint64) int {
	now := time.Now().UnixNano()
	count := 0

	curr := (*node)(atomic.LoadPointer(&sl.header.forward[0]))
	for curr != nil {
		version := curr.visibleVersion(maxSeq)
		if version != nil && version.Live(now) {
			count++
		}
		curr = (*node)(atomic.LoadPointer(&curr.forward[0]))
	}
	return count
}

// MaxSeq returns the highest sequence present in the list
func (sl *SkipList) MaxSeq() uint64 {
	var maxSeq uint64

	curr := (*node)(atomic.LoadPointer(&sl.header.forward[0]))
	for curr != nil {
		version := curr.latestVersion()
		if version != nil && version.Seq > maxSeq {
			maxSeq = version.Seq
		}
		curr = (*node)(atomic.LoadPointer(&curr.forward[0]))
	}
	return maxSeq
}
