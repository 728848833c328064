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
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a block compression codec. The numeric values are
// persisted in table metadata and must stay stable.
type Algorithm int

const (
	// None stores blocks uncompressed
	None Algorithm = 0
	// LZ4 uses the LZ4 high-compression block format
	LZ4 Algorithm = 1
	// ZSTD uses zstandard at the default level
	ZSTD Algorithm = 2
	// LZ4Fast uses the fast LZ4 block compressor
	LZ4Fast Algorithm = 3
	// Snappy uses the snappy block format
	Snappy Algorithm = 4
)

// Compressor compresses and decompresses whole blocks
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() Algorithm
}

// For returns the compressor implementing the given algorithm
func For(algo Algorithm) (Compressor, error) {
	switch algo {
	case None:
		return noneCompressor{}, nil
	case LZ4:
		return lz4Compressor{fast: false}, nil
	case LZ4Fast:
		return lz4Compressor{fast: true}, nil
	case ZSTD:
		return zstdCompressor{}, nil
	case Snappy:
		return snappyCompressor{}, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %d", algo)
	}
}

// noneCompressor passes blocks through unchanged
type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Algorithm() Algorithm                   { return None }

// lz4Compressor implements the LZ4 block format. The original payload size
// is prefixed as a little-endian uint32 since the block format does not
// self-describe it.
type lz4Compressor struct {
	fast bool
}

func (c lz4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.LittleEndian.PutUint32(dst[0:4], uint32(len(data)))

	var n int
	var err error
	if c.fast {
		var compressor lz4.Compressor
		n, err = compressor.CompressBlock(data, dst[4:])
	} else {
		var compressor lz4.CompressorHC
		n, err = compressor.CompressBlock(data, dst[4:])
	}
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 && len(data) > 0 {
		// Incompressible input, fall back to a stored block
		copy(dst[4:], data)
		n = len(data)
	}
	return dst[:4+n], nil
}

func (c lz4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("lz4 block too short")
	}
	originalLen := binary.LittleEndian.Uint32(data[0:4])
	if originalLen == 0 {
		return []byte{}, nil
	}

	dst := make([]byte, originalLen)
	if int(originalLen) == len(data)-4 {
		// Stored block (incompressible input)
		copy(dst, data[4:])
		return dst, nil
	}

	n, err := lz4.UncompressBlock(data[4:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	return dst[:n], nil
}

func (c lz4Compressor) Algorithm() Algorithm {
	if c.fast {
		return LZ4Fast
	}
	return LZ4
}

// Shared zstd coders; both are safe for concurrent use via EncodeAll/DecodeAll
var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// zstdCompressor implements zstandard compression
type zstdCompressor struct{}

func (zstdCompressor) Compress(data []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (zstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return out, nil
}

func (zstdCompressor) Algorithm() Algorithm { return ZSTD }

// snappyCompressor implements the snappy block format
type snappyCompressor struct{}

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	return out, nil
}

func (snappyCompressor) Algorithm() Algorithm { return Snappy }
