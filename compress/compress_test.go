// Package compress
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
package compress

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allAlgorithms = []Algorithm{None, LZ4, ZSTD, LZ4Fast, Snappy}

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("riptide stores sorted runs of keys and values "), 200)

	for _, algo := range allAlgorithms {
		c, err := For(algo)
		require.NoError(t, err, "algorithm %d", algo)

		compressed, err := c.Compress(payload)
		require.NoError(t, err)

		restored, err := c.Decompress(compressed)
		require.NoError(t, err)
		assert.Equal(t, payload, restored, "algorithm %d", algo)
	}
}

func TestCompressibleDataShrinks(t *testing.T) {
	payload := bytes.Repeat([]byte("aaaaaaaabbbbbbbb"), 1024)

	for _, algo := range []Algorithm{LZ4, ZSTD, LZ4Fast, Snappy} {
		c, err := For(algo)
		require.NoError(t, err)

		compressed, err := c.Compress(payload)
		require.NoError(t, err)
		assert.Less(t, len(compressed), len(payload), "algorithm %d", algo)
	}
}

func TestIncompressibleData(t *testing.T) {
	payload := make([]byte, 4096)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	for _, algo := range allAlgorithms {
		c, err := For(algo)
		require.NoError(t, err)

		compressed, err := c.Compress(payload)
		require.NoError(t, err)

		restored, err := c.Decompress(compressed)
		require.NoError(t, err)
		assert.Equal(t, payload, restored, "algorithm %d", algo)
	}
}

func TestEmptyPayload(t *testing.T) {
	for _, algo := range allAlgorithms {
		c, err := For(algo)
		require.NoError(t, err)

		compressed, err := c.Compress(nil)
		require.NoError(t, err)

		restored, err := c.Decompress(compressed)
		require.NoError(t, err)
		assert.Empty(t, restored, "algorithm %d", algo)
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	_, err := For(Algorithm(99))
	assert.Error(t, err)
}

func TestAlgorithmAccessor(t *testing.T) {
	for _, algo := range allAlgorithms {
		c, err := For(algo)
		require.NoError(t, err)
		assert.Equal(t, algo, c.Algorithm())
	}
}
