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
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/riptidedb/riptide/compress"
)

func TestFlushCreatesTable(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	createTestCF(t, db, "data")

	for i := 0; i < 100; i++ {
		mustPut(t, db, "data", fmt.Sprintf("key%03d", i), fmt.Sprintf("value%d", i))
	}
	flushAndWait(t, db, "data")

	cf, _ := db.GetColumnFamily("data")
	if cf.levelsSnapshot()[0].fileCount() == 0 {
		t.Fatal("expected a level 0 table after flush")
	}

	// Everything reads back from disk
	for i := 0; i < 100; i++ {
		got := mustGet(t, db, "data", fmt.Sprintf("key%03d", i))
		if want := fmt.Sprintf("value%d", i); string(got) != want {
			t.Fatalf("key%03d: got %q, want %q", i, got, want)
		}
	}
}

func TestValueSeparation(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	createTestCF(t, db, "data")

	// Values past KLogValueThreshold go to the vlog
	big := bytes.Repeat([]byte("large-value-"), 512) // ~6KB
	small := []byte("inline")

	err := db.Update(func(txn *Txn) error {
		if err := txn.Put("data", []byte("big"), big); err != nil {
			return err
		}
		return txn.Put("data", []byte("small"), small)
	})
	if err != nil {
		t.Fatal(err)
	}
	flushAndWait(t, db, "data")

	if got := mustGet(t, db, "data", "big"); !bytes.Equal(got, big) {
		t.Fatal("separated value corrupted")
	}
	if got := mustGet(t, db, "data", "small"); !bytes.Equal(got, small) {
		t.Fatal("inline value corrupted")
	}
}

func TestAutomaticMemtableRotation(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	cfg := testCFConfig()
	cfg.WriteBufferSize = 4 * 1024
	if err := db.CreateColumnFamily("data", cfg); err != nil {
		t.Fatal(err)
	}

	// Enough data to cross the write buffer several times
	value := bytes.Repeat([]byte("v"), 256)
	for i := 0; i < 100; i++ {
		err := db.Update(func(txn *Txn) error {
			return txn.Put("data", []byte(fmt.Sprintf("key%03d", i)), value)
		})
		if err != nil {
			t.Fatalf("put %d failed: %v", i, err)
		}
	}

	cf, _ := db.GetColumnFamily("data")
	deadline := time.Now().Add(10 * time.Second)
	for cf.levelsSnapshot()[0].fileCount() == 0 && len(cf.immutables()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no rotation happened despite exceeding the write buffer")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for i := 0; i < 100; i++ {
		got := mustGet(t, db, "data", fmt.Sprintf("key%03d", i))
		if !bytes.Equal(got, value) {
			t.Fatalf("key%03d corrupted after rotation", i)
		}
	}
}

func waitForCompaction(t *testing.T, cf *ColumnFamily, trigger int) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		levels := cf.levelsSnapshot()
		if levels[0].fileCount() < trigger && !cf.IsCompacting() && levels[1].fileCount() > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("compaction did not run: l0=%d l1=%d", levels[0].fileCount(), levels[1].fileCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCompactionPreservesData(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	cfg := testCFConfig()
	cfg.L1FileCountTrigger = 2
	if err := db.CreateColumnFamily("data", cfg); err != nil {
		t.Fatal(err)
	}

	// Three overlapping flushes; later batches overwrite earlier ones
	for batch := 0; batch < 3; batch++ {
		for i := 0; i < 50; i++ {
			mustPut(t, db, "data", fmt.Sprintf("key%03d", i), fmt.Sprintf("batch%d", batch))
		}
		flushAndWait(t, db, "data")
	}

	cf, _ := db.GetColumnFamily("data")
	waitForCompaction(t, cf, 2)

	// The newest batch wins for every key
	for i := 0; i < 50; i++ {
		got := mustGet(t, db, "data", fmt.Sprintf("key%03d", i))
		if string(got) != "batch2" {
			t.Fatalf("key%03d: got %q, want batch2", i, got)
		}
	}
}

func TestDeletedKeyStaysDeletedAfterCompaction(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	cfg := testCFConfig()
	cfg.L1FileCountTrigger = 2
	if err := db.CreateColumnFamily("data", cfg); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		mustPut(t, db, "data", fmt.Sprintf("key%03d", i), "v")
	}
	flushAndWait(t, db, "data")

	err := db.Update(func(txn *Txn) error {
		return txn.Delete("data", []byte("key010"))
	})
	if err != nil {
		t.Fatal(err)
	}
	flushAndWait(t, db, "data")

	cf, _ := db.GetColumnFamily("data")
	waitForCompaction(t, cf, 2)

	err = db.View(func(txn *Txn) error {
		_, err := txn.Get("data", []byte("key010"))
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted key resurrected by compaction: %v", err)
	}
	if got := mustGet(t, db, "data", "key011"); string(got) != "v" {
		t.Fatalf("neighbor key lost: %q", got)
	}
}

func TestExplicitCompact(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	createTestCF(t, db, "data")

	for batch := 0; batch < 2; batch++ {
		for i := 0; i < 20; i++ {
			mustPut(t, db, "data", fmt.Sprintf("key%03d", i), fmt.Sprintf("b%d", batch))
		}
		flushAndWait(t, db, "data")
	}

	cf, _ := db.GetColumnFamily("data")
	if err := cf.Compact(); err != nil {
		t.Fatalf("compact failed: %v", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	for cf.levelsSnapshot()[1].fileCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("explicit compaction did not produce level 1 tables")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 20; i++ {
		if got := mustGet(t, db, "data", fmt.Sprintf("key%03d", i)); string(got) != "b1" {
			t.Fatalf("key%03d: got %q, want b1", i, got)
		}
	}
}

func TestCompressionRoundTrips(t *testing.T) {
	algos := map[string]compress.Algorithm{
		"none":    compress.None,
		"lz4":     compress.LZ4,
		"zstd":    compress.ZSTD,
		"lz4fast": compress.LZ4Fast,
		"snappy":  compress.Snappy,
	}

	for name, algo := range algos {
		t.Run(name, func(t *testing.T) {
			db := openTestDB(t, t.TempDir())
			cfg := testCFConfig()
			cfg.Compression = algo
			if err := db.CreateColumnFamily("data", cfg); err != nil {
				t.Fatal(err)
			}

			for i := 0; i < 50; i++ {
				mustPut(t, db, "data", fmt.Sprintf("key%03d", i), fmt.Sprintf("value-%d", i))
			}
			flushAndWait(t, db, "data")

			for i := 0; i < 50; i++ {
				got := mustGet(t, db, "data", fmt.Sprintf("key%03d", i))
				if want := fmt.Sprintf("value-%d", i); string(got) != want {
					t.Fatalf("key%03d: got %q, want %q", i, got, want)
				}
			}
		})
	}
}

func TestUpdateRuntimeConfigPersists(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(&Options{Directory: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.CreateColumnFamily("data", testCFConfig()); err != nil {
		t.Fatal(err)
	}

	cf, _ := db.GetColumnFamily("data")
	newSize := int64(64 * 1024)
	level := Snapshot
	err = cf.UpdateRuntimeConfig(&RuntimeConfig{
		WriteBufferSize:       &newSize,
		DefaultIsolationLevel: &level,
	}, true)
	if err != nil {
		t.Fatalf("update runtime config failed: %v", err)
	}
	if cf.config.Load().WriteBufferSize != newSize {
		t.Fatal("in-memory config not updated")
	}
	_ = db.Close()

	db = openTestDB(t, dir)
	cf, err = db.GetColumnFamily("data")
	if err != nil {
		t.Fatal(err)
	}
	cfg := cf.config.Load()
	if cfg.WriteBufferSize != newSize {
		t.Fatalf("write buffer size not persisted: %d", cfg.WriteBufferSize)
	}
	if cfg.DefaultIsolationLevel != Snapshot {
		t.Fatalf("isolation level not persisted: %d", cfg.DefaultIsolationLevel)
	}
}

func TestRuntimeConfigValidation(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	createTestCF(t, db, "data")

	cf, _ := db.GetColumnFamily("data")
	bad := float64(2.0)
	err := cf.UpdateRuntimeConfig(&RuntimeConfig{BloomFPR: &bad}, true)
	if !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs for bad bloom fpr, got %v", err)
	}
	if err := cf.UpdateRuntimeConfig(nil, true); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs for nil config, got %v", err)
	}
}

func TestUpdateRuntimeConfigEphemeral(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(&Options{Directory: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.CreateColumnFamily("data", testCFConfig()); err != nil {
		t.Fatal(err)
	}

	cf, _ := db.GetColumnFamily("data")
	original := cf.config.Load().WriteBufferSize
	newSize := original * 2
	if err := cf.UpdateRuntimeConfig(&RuntimeConfig{WriteBufferSize: &newSize}, false); err != nil {
		t.Fatal(err)
	}
	if cf.config.Load().WriteBufferSize != newSize {
		t.Fatal("in-memory config not updated")
	}
	_ = db.Close()

	// Without persist the change does not survive reopen
	db = openTestDB(t, dir)
	cf, err = db.GetColumnFamily("data")
	if err != nil {
		t.Fatal(err)
	}
	if got := cf.config.Load().WriteBufferSize; got != original {
		t.Fatalf("ephemeral change persisted: got %d, want %d", got, original)
	}
}

func TestRangeCost(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	createTestCF(t, db, "data")

	cf, _ := db.GetColumnFamily("data")
	if cost := cf.RangeCost([]byte("a"), []byte("z")); cost != 0 {
		t.Fatalf("expected zero cost on empty family, got %d", cost)
	}

	for i := 0; i < 100; i++ {
		mustPut(t, db, "data", fmt.Sprintf("key%03d", i), "v")
	}
	flushAndWait(t, db, "data")

	cost := cf.RangeCost([]byte("key000"), []byte("key099"))
	if cost < 100 {
		t.Fatalf("expected cost covering 100 entries, got %d", cost)
	}

	// A range outside the data costs nothing at the table level
	if cost := cf.RangeCost([]byte("zzz"), []byte("zzzz")); cost >= 100 {
		t.Fatalf("disjoint range should skip tables, cost %d", cost)
	}
}

func TestRegisterComparator(t *testing.T) {
	name := fmt.Sprintf("test-cmp-%d", time.Now().UnixNano())
	err := RegisterComparator(name, func(a, b []byte) int {
		return bytes.Compare(a, b)
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := RegisterComparator(name, bytes.Compare); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists on duplicate, got %v", err)
	}
	if err := RegisterComparator(BytewiseComparator, bytes.Compare); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs overriding built-in, got %v", err)
	}

	db := openTestDB(t, t.TempDir())
	cfg := testCFConfig()
	cfg.ComparatorName = name
	if err := db.CreateColumnFamily("data", cfg); err != nil {
		t.Fatalf("create with custom comparator failed: %v", err)
	}
	mustPut(t, db, "data", "k", "v")
	if got := mustGet(t, db, "data", "k"); string(got) != "v" {
		t.Fatalf("got %q", got)
	}
}

func TestUnregisteredComparatorRejected(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	cfg := testCFConfig()
	cfg.ComparatorName = "never-registered"
	if err := db.CreateColumnFamily("data", cfg); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unregistered comparator, got %v", err)
	}
}

func TestBloomFilterDisabled(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	cfg := testCFConfig()
	cfg.EnableBloomFilter = false
	cfg.EnableBlockIndexes = false
	if err := db.CreateColumnFamily("data", cfg); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 50; i++ {
		mustPut(t, db, "data", fmt.Sprintf("key%03d", i), "v")
	}
	flushAndWait(t, db, "data")

	// Reads still work without filters or sparse indexes
	for i := 0; i < 50; i++ {
		if got := mustGet(t, db, "data", fmt.Sprintf("key%03d", i)); string(got) != "v" {
			t.Fatalf("key%03d lost without bloom/index", i)
		}
	}
	err := db.View(func(txn *Txn) error {
		_, err := txn.Get("data", []byte("absent"))
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadsSurviveCompaction(t *testing.T) {
	// A tiny handle cache forces constant open/evict churn while compaction
	// deletes superseded tables under concurrent readers
	db, err := Open(&Options{Directory: t.TempDir(), LogLevel: LogNone, MaxOpenTables: 2})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := testCFConfig()
	cfg.L1FileCountTrigger = 2
	if err := db.CreateColumnFamily("data", cfg); err != nil {
		t.Fatal(err)
	}

	const numKeys = 64
	writeAll := func(round int) {
		err := db.Update(func(txn *Txn) error {
			for i := 0; i < numKeys; i++ {
				if err := txn.Put("data", []byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprintf("round%d", round))); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("round %d failed: %v", round, err)
		}
	}
	writeAll(0)
	flushAndWait(t, db, "data")

	stop := make(chan struct{})
	errCh := make(chan error, 4)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for k := seed; ; k++ {
				select {
				case <-stop:
					return
				default:
				}
				key := []byte(fmt.Sprintf("key%03d", k%numKeys))
				err := db.View(func(txn *Txn) error {
					v, err := txn.Get("data", key)
					if err == nil && len(v) == 0 {
						return errors.New("empty value for live key")
					}
					return err
				})
				if err != nil {
					errCh <- fmt.Errorf("get %s: %w", key, err)
					return
				}
			}
		}(r * 17)
	}

	cf, _ := db.GetColumnFamily("data")
	for round := 1; round <= 10; round++ {
		writeAll(round)
		if err := cf.FlushMemtable(); err != nil {
			t.Fatalf("flush round %d: %v", round, err)
		}
		_ = cf.Compact()
	}

	deadline := time.Now().Add(15 * time.Second)
	for len(cf.immutables()) > 0 || cf.IsFlushing() || cf.IsCompacting() {
		if time.Now().After(deadline) {
			t.Fatal("background work did not settle")
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(stop)
	wg.Wait()

	select {
	case err := <-errCh:
		t.Fatalf("concurrent read failed: %v", err)
	default:
	}
}

func TestBloomAbsentKeyReadAmplification(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk load")
	}
	db := openTestDB(t, t.TempDir())

	cfg := DefaultColumnFamilyConfig()
	cfg.WriteBufferSize = 512 * 1024
	cfg.SyncMode = SyncNone
	cfg.BloomFPR = 0.01
	if err := db.CreateColumnFamily("cf1", cfg); err != nil {
		t.Fatal(err)
	}

	const numKeys = 100000
	const batch = 1000
	for base := 0; base < numKeys; base += batch {
		err := db.Update(func(txn *Txn) error {
			for i := base; i < base+batch; i++ {
				if err := txn.Put("cf1", []byte(fmt.Sprintf("key%06d", i)), []byte("v")); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("batch at %d failed: %v", base, err)
		}
	}
	flushAndWait(t, db, "cf1")

	cf, _ := db.GetColumnFamily("cf1")
	if err := cf.Compact(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for cf.levelsSnapshot()[0].fileCount() > 1 || cf.IsCompacting() {
		if time.Now().After(deadline) {
			t.Fatal("compaction did not settle")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, i := range []int{0, 1, numKeys / 2, numKeys - 1} {
		if got := mustGet(t, db, "cf1", fmt.Sprintf("key%06d", i)); string(got) != "v" {
			t.Fatalf("key%06d: got %q", i, got)
		}
	}

	// Absent keys inside the key range only cost a block read on a bloom
	// false positive, so cache traffic bounds the realized rate
	before := db.GetCacheStats()
	const probes = 10000
	for i := 0; i < probes; i++ {
		key := []byte(fmt.Sprintf("key%06dx", (i*7919)%numKeys))
		err := db.View(func(txn *Txn) error {
			_, err := txn.Get("cf1", key)
			return err
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("absent key %s: %v", key, err)
		}
	}
	after := db.GetCacheStats()

	blockReads := (after.Hits + after.Misses) - (before.Hits + before.Misses)
	if rate := float64(blockReads) / float64(probes); rate > 0.05 {
		t.Fatalf("absent reads touched %.4f blocks per probe against a 0.01 fpr", rate)
	}
}
