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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// backupCopyConcurrency bounds parallel file copies during a backup
const backupCopyConcurrency = 4

// Backup writes a consistent copy of the database to destDir, which must not
// exist yet. Memtables are flushed first, then every table file is copied
// under a pin so concurrent compaction cannot delete it mid-copy. The copy
// is staged under a temporary name and renamed into place, so a crashed
// backup never leaves a partial destDir. The resulting directory opens like
// any database.
func (db *DB) Backup(destDir string) error {
	if atomic.LoadInt32(&db.closed) == 1 {
		return ErrClosed
	}
	if destDir == "" {
		return wrapError(CodeInvalidArgs, "backup destination is empty", nil)
	}
	if _, err := os.Stat(destDir); err == nil {
		return wrapError(CodeExists, "backup destination already exists: "+destDir, nil)
	}

	// Push buffered writes to disk so the backup holds them
	for _, cf := range db.columnFamilies() {
		if err := cf.FlushMemtable(); err != nil {
			return err
		}
	}
	if err := db.awaitFlushes(); err != nil {
		return err
	}

	stagingDir := destDir + ".tmp-" + uuid.NewString()
	if err := os.MkdirAll(stagingDir, db.opts.Permission); err != nil {
		return wrapError(CodeIO, "failed to create backup staging directory", err)
	}
	defer func() { _ = os.RemoveAll(stagingDir) }()

	for _, cf := range db.columnFamilies() {
		if err := db.backupColumnFamily(cf, stagingDir); err != nil {
			return err
		}
	}

	if err := os.Rename(stagingDir, destDir); err != nil {
		return wrapError(CodeIO, "failed to finalize backup", err)
	}
	db.log(LogInfo, "backup completed at "+destDir)
	return nil
}

// awaitFlushes blocks until the flush queue is drained
func (db *DB) awaitFlushes() error {
	for db.flusher.pending() {
		select {
		case <-db.closeCh:
			return ErrClosed
		case <-time.After(stallPollInterval):
		}
	}
	for _, cf := range db.columnFamilies() {
		for len(cf.immutables()) > 0 || cf.IsFlushing() {
			select {
			case <-db.closeCh:
				return ErrClosed
			case <-time.After(stallPollInterval):
			}
		}
	}
	return nil
}

// backupColumnFamily copies one family's tables, manifest and config into
// the staging directory. Tables are pinned for the duration; the written
// manifest describes exactly the pinned set.
func (db *DB) backupColumnFamily(cf *ColumnFamily, stagingDir string) error {
	cfDir := filepath.Join(stagingDir, cf.name)

	var pinned []*SSTable
	for _, tabs := range cf.pinTables() {
		pinned = append(pinned, tabs...)
	}
	defer func() {
		for _, sst := range pinned {
			sst.release()
		}
	}()

	maxLevel := cf.config.Load().MinLevels
	for _, sst := range pinned {
		if sst.Level+1 > maxLevel {
			maxLevel = sst.Level + 1
		}
	}
	for i := 0; i < maxLevel; i++ {
		dir := filepath.Join(cfDir, LevelPrefix+strconv.Itoa(i))
		if err := os.MkdirAll(dir, db.opts.Permission); err != nil {
			return wrapError(CodeIO, "failed to create backup level directory", err)
		}
	}

	var g errgroup.Group
	g.SetLimit(backupCopyConcurrency)
	for _, sst := range pinned {
		sst := sst
		g.Go(func() error {
			levelDir := filepath.Join(cfDir, LevelPrefix+strconv.Itoa(sst.Level))
			base := SSTablePrefix + strconv.FormatInt(sst.ID, 10)
			if err := copyFile(sst.kLogPath(), filepath.Join(levelDir, base+KLogExtension), db.opts.Permission); err != nil {
				return err
			}
			return copyFile(sst.vLogPath(), filepath.Join(levelDir, base+VLogExtension), db.opts.Permission)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m := &manifest{
		LastSeq:     int64(db.lastCommittedSeq()),
		NextTableID: cf.tableIDs.current(),
		Tables:      pinned,
	}
	if err := writeManifest(filepath.Join(cfDir, ManifestFileName), m, db.opts.Permission); err != nil {
		return err
	}
	return copyFile(cf.configPath(), filepath.Join(cfDir, ConfigFileName), db.opts.Permission)
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return wrapError(CodeIO, fmt.Sprintf("failed to open %s for backup", src), err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return wrapError(CodeIO, fmt.Sprintf("failed to create backup file %s", dst), err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return wrapError(CodeIO, fmt.Sprintf("failed to copy %s", src), err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return wrapError(CodeIO, fmt.Sprintf("failed to sync backup file %s", dst), err)
	}
	return out.Close()
}
