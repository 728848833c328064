// Package bloomfilter
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
package bloomfilter

import (
	"fmt"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func TestNoFalseNegatives(t *testing.T) {
	bf := New(1000, 0.01)

	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key%04d", i)))
	}
	for i := 0; i < 1000; i++ {
		if !bf.Contains([]byte(fmt.Sprintf("key%04d", i))) {
			t.Fatalf("added key%04d reported absent", i)
		}
	}
}

func TestFalsePositiveRate(t *testing.T) {
	bf := New(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key%04d", i)))
	}

	falsePositives := 0
	probes := 10000
	for i := 0; i < probes; i++ {
		if bf.Contains([]byte(fmt.Sprintf("absent%05d", i))) {
			falsePositives++
		}
	}

	// Allow generous slack over the configured 1%
	if rate := float64(falsePositives) / float64(probes); rate > 0.05 {
		t.Fatalf("false positive rate %.4f exceeds tolerance", rate)
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	bf := New(100, 0.01)
	for i := 0; i < 100; i++ {
		bf.Add([]byte(fmt.Sprintf("key%03d", i)))
	}

	data, err := bson.Marshal(bf)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	restored := &BloomFilter{}
	if err := bson.Unmarshal(data, restored); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	// A restored filter must answer exactly like the original
	for i := 0; i < 100; i++ {
		if !restored.Contains([]byte(fmt.Sprintf("key%03d", i))) {
			t.Fatalf("restored filter lost key%03d", i)
		}
	}
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("probe%03d", i))
		if bf.Contains(key) != restored.Contains(key) {
			t.Fatalf("restored filter disagrees on %s", key)
		}
	}
}

func TestEmptyFilter(t *testing.T) {
	bf := New(0, 0.01)
	if bf.Size == 0 {
		t.Fatal("expected a minimal valid filter for zero expected items")
	}
	bf.Add([]byte("key"))
	if !bf.Contains([]byte("key")) {
		t.Fatal("expected key after add")
	}
}

func TestNilAndEmptyKeys(t *testing.T) {
	bf := New(10, 0.01)
	bf.Add(nil)
	if !bf.Contains(nil) {
		t.Fatal("nil key lost after add")
	}
	if !bf.Contains([]byte{}) {
		t.Fatal("empty key must hash like nil")
	}
}

func TestInvalidRateFallsBack(t *testing.T) {
	// Out-of-range rates size the filter as if 0.01 were asked for
	for _, rate := range []float64{-1, 0, 1, 2} {
		bf := New(100, rate)
		if bf.Size == 0 || bf.HashCount == 0 {
			t.Fatalf("rate %v produced a degenerate filter", rate)
		}
		bf.Add([]byte("key"))
		if !bf.Contains([]byte("key")) {
			t.Fatalf("rate %v dropped an added key", rate)
		}
	}
}

func TestSizeBytes(t *testing.T) {
	small := New(100, 0.01)
	large := New(100000, 0.01)
	if small.SizeBytes() >= large.SizeBytes() {
		t.Fatal("expected filter size to grow with expected items")
	}
}
