// Package buffer
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
package buffer

import (
	"errors"
	"sync"
	"testing"
)

func TestAddGetRemove(t *testing.T) {
	buff, err := New[string](4)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}

	slot, err := buff.Add("hello")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	v, err := buff.Get(slot)
	if err != nil || v != "hello" {
		t.Fatalf("get returned %q, %v", v, err)
	}

	if err := buff.Remove(slot); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := buff.Get(slot); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot after remove, got %v", err)
	}
}

func TestCapacityExhaustion(t *testing.T) {
	buff, err := New[int](2)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}

	if _, err := buff.Add(1); err != nil {
		t.Fatal(err)
	}
	slot, err := buff.Add(2)
	if err != nil {
		t.Fatal(err)
	}
	if !buff.IsFull() {
		t.Fatal("expected full buffer")
	}
	if _, err := buff.Add(3); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}

	// Removing frees a slot for reuse
	if err := buff.Remove(slot); err != nil {
		t.Fatal(err)
	}
	if _, err := buff.Add(4); err != nil {
		t.Fatalf("expected add after remove to succeed, got %v", err)
	}
}

func TestInvalidSlots(t *testing.T) {
	buff, _ := New[int](2)

	if _, err := buff.Get(-1); !errors.Is(err, ErrInvalidSlot) {
		t.Fatal("expected ErrInvalidSlot for negative slot")
	}
	if _, err := buff.Get(99); !errors.Is(err, ErrInvalidSlot) {
		t.Fatal("expected ErrInvalidSlot for out-of-range slot")
	}
	if err := buff.Remove(0); !errors.Is(err, ErrInvalidSlot) {
		t.Fatal("expected ErrInvalidSlot removing vacant slot")
	}
}

func TestForEach(t *testing.T) {
	buff, _ := New[int](8)
	slots := make(map[int64]int)
	for i := 0; i < 5; i++ {
		slot, err := buff.Add(i * 10)
		if err != nil {
			t.Fatal(err)
		}
		slots[slot] = i * 10
	}

	visited := 0
	buff.ForEach(func(slot int64, v int) bool {
		if slots[slot] != v {
			t.Fatalf("slot %d holds %d, want %d", slot, v, slots[slot])
		}
		visited++
		return true
	})
	if visited != 5 {
		t.Fatalf("expected 5 occupied slots, visited %d", visited)
	}
}

func TestConcurrentAddRemove(t *testing.T) {
	buff, _ := New[int](128)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				slot, err := buff.Add(i)
				if err != nil {
					continue
				}
				if err := buff.Remove(slot); err != nil {
					t.Errorf("remove failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if buff.Count() != 0 {
		t.Fatalf("expected empty buffer, count %d", buff.Count())
	}
}
