// Package blockmanager
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
package blockmanager

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *BlockManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.blk")
	bm, err := Open(path, os.O_RDWR|os.O_CREATE, 0644, SyncNone)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = bm.Close() })
	return bm
}

func TestAppendRead(t *testing.T) {
	bm := openTemp(t)

	data := []byte("hello blocks")
	offset, err := bm.Append(data)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	got, err := bm.Read(offset)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestMultipleBlocks(t *testing.T) {
	bm := openTemp(t)

	var offsets []int64
	for i := 0; i < 50; i++ {
		offset, err := bm.Append([]byte(fmt.Sprintf("block-%03d", i)))
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		offsets = append(offsets, offset)
	}

	for i, offset := range offsets {
		got, err := bm.Read(offset)
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if want := fmt.Sprintf("block-%03d", i); string(got) != want {
			t.Fatalf("block %d: got %q, want %q", i, got, want)
		}
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.blk")

	bm, err := Open(path, os.O_RDWR|os.O_CREATE, 0644, SyncFull)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	offset, err := bm.Append([]byte("survives reopen"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := bm.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	bm, err = Open(path, os.O_RDONLY, 0644, SyncNone)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = bm.Close() }()

	got, err := bm.Read(offset)
	if err != nil {
		t.Fatalf("read after reopen failed: %v", err)
	}
	if string(got) != "survives reopen" {
		t.Fatalf("got %q", got)
	}
}

func TestIterator(t *testing.T) {
	bm := openTemp(t)

	want := []string{"one", "two", "three"}
	for _, s := range want {
		if _, err := bm.Append([]byte(s)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	it := bm.Iterator()
	var got []string
	for {
		data, _, err := it.Next()
		if err != nil {
			break
		}
		got = append(got, string(data))
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d blocks, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("block %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCorruptionDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.blk")

	bm, err := Open(path, os.O_RDWR|os.O_CREATE, 0644, SyncFull)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	offset, err := bm.Append([]byte("precious data"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	_ = bm.Close()

	// Flip a payload byte behind the manager's back
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	raw[len(raw)-3] ^= 0xff
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	bm, err = Open(path, os.O_RDONLY, 0644, SyncNone)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = bm.Close() }()

	if _, err := bm.Read(offset); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestReadPastEnd(t *testing.T) {
	bm := openTemp(t)
	if _, err := bm.Append([]byte("only block")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := bm.Read(bm.Size() + 1024); err == nil {
		t.Fatal("expected error reading past end")
	}
}

func TestClosedManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.blk")
	bm, err := Open(path, os.O_RDWR|os.O_CREATE, 0644, SyncNone)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_ = bm.Close()

	if _, err := bm.Append([]byte("nope")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
