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
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// fileMagic identifies a riptide block file
	fileMagic = uint32(0x52505442) // "RPTB"
	// blockMagic prefixes every block header
	blockMagic = uint32(0x52504231) // "RPB1"
	// fileVersion is bumped on incompatible layout changes
	fileVersion = uint32(1)

	fileHeaderSize  = 16
	blockHeaderSize = 16
)

// ErrCorrupt indicates a block failed its checksum or header validation
var ErrCorrupt = errors.New("blockmanager: block corruption detected")

// ErrClosed indicates the block manager was closed
var ErrClosed = errors.New("blockmanager: closed")

// SyncOption controls when appended data reaches stable storage
type SyncOption int

const (
	// SyncNone leaves syncing to the OS page cache
	SyncNone SyncOption = iota
	// SyncFull performs an fdatasync after every append
	SyncFull
	// SyncPartial performs an fdatasync on a background interval
	SyncPartial
)

// BlockManager is an append-only file of checksummed blocks. Appends are
// serialized; reads address a block by the byte offset returned from Append
// and are positional (pread), so they proceed without locks.
type BlockManager struct {
	file      *os.File
	path      string
	size      int64 // Atomic append position
	appendMu  sync.Mutex
	syncOpt   SyncOption
	closeCh   chan struct{}
	closeOnce sync.Once
	closed    int32
	wg        sync.WaitGroup
}

// Open opens or creates a block file. When the file is created a file header
// is written; when it exists the header is validated. For SyncPartial an
// optional interval may be supplied (default 1s).
func Open(path string, flag int, perm os.FileMode, syncOpt SyncOption, syncInterval ...time.Duration) (*BlockManager, error) {
	file, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to open block file %s: %w", path, err)
	}

	bm := &BlockManager{
		file:    file,
		path:    path,
		syncOpt: syncOpt,
		closeCh: make(chan struct{}),
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat block file %s: %w", path, err)
	}

	if info.Size() == 0 {
		if err := bm.writeFileHeader(); err != nil {
			_ = file.Close()
			return nil, err
		}
		atomic.StoreInt64(&bm.size, fileHeaderSize)
	} else {
		if err := bm.readFileHeader(); err != nil {
			_ = file.Close()
			return nil, err
		}
		atomic.StoreInt64(&bm.size, info.Size())
	}

	if syncOpt == SyncPartial {
		interval := time.Second
		if len(syncInterval) > 0 && syncInterval[0] > 0 {
			interval = syncInterval[0]
		}
		bm.wg.Add(1)
		go bm.backgroundSync(interval)
	}

	return bm, nil
}

// Path returns the file path backing this block manager
func (bm *BlockManager) Path() string {
	return bm.path
}

// Size returns the current file size in bytes
func (bm *BlockManager) Size() int64 {
	return atomic.LoadInt64(&bm.size)
}

func (bm *BlockManager) writeFileHeader() error {
	header := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], fileMagic)
	binary.LittleEndian.PutUint32(header[4:8], fileVersion)

	if _, err := bm.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("failed to write file header: %w", err)
	}
	return nil
}

func (bm *BlockManager) readFileHeader() error {
	header := make([]byte, fileHeaderSize)
	if _, err := bm.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("failed to read file header: %w", err)
	}

	if binary.LittleEndian.Uint32(header[0:4]) != fileMagic {
		return ErrCorrupt
	}
	if binary.LittleEndian.Uint32(header[4:8]) != fileVersion {
		return fmt.Errorf("unsupported block file version %d", binary.LittleEndian.Uint32(header[4:8]))
	}
	return nil
}

// backgroundSync periodically flushes appended data for SyncPartial
func (bm *BlockManager) backgroundSync(interval time.Duration) {
	defer bm.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-bm.closeCh:
			return
		case <-ticker.C:
			_ = fdatasync(bm.file)
		}
	}
}

// Append writes a block and returns its byte offset within the file
func (bm *BlockManager) Append(data []byte) (int64, error) {
	if atomic.LoadInt32(&bm.closed) == 1 {
		return 0, ErrClosed
	}

	header := make([]byte, blockHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], blockMagic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], xxhash.Sum64(data))

	bm.appendMu.Lock()
	offset := atomic.LoadInt64(&bm.size)

	if _, err := bm.file.WriteAt(header, offset); err != nil {
		bm.appendMu.Unlock()
		return 0, fmt.Errorf("failed to write block header: %w", err)
	}
	if _, err := bm.file.WriteAt(data, offset+blockHeaderSize); err != nil {
		bm.appendMu.Unlock()
		return 0, fmt.Errorf("failed to write block payload: %w", err)
	}

	atomic.StoreInt64(&bm.size, offset+blockHeaderSize+int64(len(data)))
	bm.appendMu.Unlock()

	if bm.syncOpt == SyncFull {
		if err := fdatasync(bm.file); err != nil {
			return 0, fmt.Errorf("failed to sync block file: %w", err)
		}
	}

	return offset, nil
}

// Read returns the payload of the block at the given offset.
// The header and checksum are validated; ErrCorrupt is returned on mismatch.
func (bm *BlockManager) Read(offset int64) ([]byte, error) {
	if atomic.LoadInt32(&bm.closed) == 1 {
		return nil, ErrClosed
	}
	if offset < fileHeaderSize || offset >= atomic.LoadInt64(&bm.size) {
		return nil, fmt.Errorf("block offset %d out of range: %w", offset, ErrCorrupt)
	}

	header := make([]byte, blockHeaderSize)
	if _, err := bm.file.ReadAt(header, offset); err != nil {
		return nil, fmt.Errorf("failed to read block header at %d: %w", offset, err)
	}

	if binary.LittleEndian.Uint32(header[0:4]) != blockMagic {
		return nil, ErrCorrupt
	}

	length := binary.LittleEndian.Uint32(header[4:8])
	checksum := binary.LittleEndian.Uint64(header[8:16])

	if int64(length) > atomic.LoadInt64(&bm.size)-offset-blockHeaderSize {
		return nil, ErrCorrupt
	}

	data := make([]byte, length)
	if _, err := bm.file.ReadAt(data, offset+blockHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read block payload at %d: %w", offset, err)
	}

	if xxhash.Sum64(data) != checksum {
		return nil, ErrCorrupt
	}

	return data, nil
}

// Sync forces appended data to stable storage
func (bm *BlockManager) Sync() error {
	return fdatasync(bm.file)
}

// Truncate discards all blocks, keeping the file header. Used when retrying
// a failed table build.
func (bm *BlockManager) Truncate() error {
	bm.appendMu.Lock()
	defer bm.appendMu.Unlock()

	if err := bm.file.Truncate(fileHeaderSize); err != nil {
		return fmt.Errorf("failed to truncate block file: %w", err)
	}
	atomic.StoreInt64(&bm.size, fileHeaderSize)
	return nil
}

// Close stops background syncing and closes the file
func (bm *BlockManager) Close() error {
	var err error
	bm.closeOnce.Do(func() {
		atomic.StoreInt32(&bm.closed, 1)
		close(bm.closeCh)
		bm.wg.Wait()
		if bm.syncOpt != SyncNone {
			_ = fdatasync(bm.file)
		}
		err = bm.file.Close()
	})
	return err
}

// Iterator walks blocks in file order
type Iterator struct {
	bm     *BlockManager
	offset int64
}

// Iterator creates an iterator positioned at the first block
func (bm *BlockManager) Iterator() *Iterator {
	return &Iterator{bm: bm, offset: fileHeaderSize}
}

// Next returns the next block's payload and offset, or an error when the end
// of the file is reached
func (it *Iterator) Next() ([]byte, int64, error) {
	if it.offset >= it.bm.Size() {
		return nil, 0, fmt.Errorf("end of block file")
	}

	offset := it.offset
	data, err := it.bm.Read(offset)
	if err != nil {
		return nil, 0, err
	}

	it.offset = offset + blockHeaderSize + int64(len(data))
	return data, offset, nil
}
