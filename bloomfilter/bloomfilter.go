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
	"hash/fnv"
	"math"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a probabilistic membership filter using double hashing.
// All fields are exported so a filter round-trips through bson unchanged;
// hashing is stateless so a decoded filter needs no re-initialization.
type BloomFilter struct {
	Bitset    []byte `bson:"bitset"`    // Bit array, 8 bits per byte
	Size      uint64 `bson:"size"`      // Number of bits
	HashCount uint32 `bson:"hashcount"` // Number of derived hash functions
}

// New creates a bloom filter sized for the expected number of items and the
// target false positive rate. Rates outside (0, 1) fall back to 0.01.
func New(expectedItems uint64, falsePositiveRate float64) *BloomFilter {
	if expectedItems == 0 {
		// An empty filter still needs a valid shape so empty blocks decode
		return &BloomFilter{Bitset: make([]byte, 1), Size: 8, HashCount: 1}
	}

	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	size := optimalSize(expectedItems, falsePositiveRate)
	if falsePositiveRate < 0.01 {
		// Extra headroom for very low FPR targets
		size = uint64(float64(size) * 1.2)
	}

	// Odd sizes improve the double-hashing distribution
	size = nextOddNumber(size)

	hashCount := optimalHashCount(size, expectedItems)

	return &BloomFilter{
		Bitset:    make([]byte, (size+7)/8),
		Size:      size,
		HashCount: hashCount,
	}
}

// Add adds an item to the filter
func (bf *BloomFilter) Add(data []byte) {
	h1, h2 := twoHashes(data)

	// h_i(x) = (h1(x) + i*h2(x)) mod m derives HashCount functions from two hashes
	m := bf.Size
	for i := uint32(0); i < bf.HashCount; i++ {
		h2Val := h2
		if h2Val%m == 0 {
			h2Val++
		}

		position := (h1 + uint64(i)*h2Val) % m
		bf.Bitset[position/8] |= 1 << (position % 8)
	}
}

// Contains checks whether an item might exist in the filter.
// False means the item is definitely absent.
func (bf *BloomFilter) Contains(data []byte) bool {
	if bf == nil || bf.Size == 0 {
		return true // No filter, cannot exclude
	}

	h1, h2 := twoHashes(data)

	m := bf.Size
	for i := uint32(0); i < bf.HashCount; i++ {
		h2Val := h2
		if h2Val%m == 0 {
			h2Val++
		}

		position := (h1 + uint64(i)*h2Val) % m
		if bf.Bitset[position/8]&(1<<(position%8)) == 0 {
			return false
		}
	}
	return true
}

// SizeBytes returns the in-memory footprint of the bit array
func (bf *BloomFilter) SizeBytes() int {
	if bf == nil {
		return 0
	}
	return len(bf.Bitset)
}

// twoHashes computes two independent hash values for double hashing
func twoHashes(data []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(data)

	f := fnv.New64a()
	_, _ = f.Write(data)
	h2 := f.Sum64()

	return h1, h2
}

// optimalSize returns the optimal bit array size: m = -n*ln(p)/(ln2)^2
func optimalSize(n uint64, p float64) uint64 {
	return uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
}

// optimalHashCount returns the optimal hash function count: k = (m/n)*ln2
func optimalHashCount(m, n uint64) uint32 {
	k := uint32(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return k
}

func nextOddNumber(n uint64) uint64 {
	if n%2 == 0 {
		return n + 1
	}
	return n
}
