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
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson"
)

// manifest is the durable record of a column family's tree: level membership
// plus the counters needed to resume id and sequence allocation. It is
// rewritten whole after every flush and compaction, via temp file and rename.
type manifest struct {
	LastSeq     int64      `bson:"lastseq"`
	NextTableID int64      `bson:"nexttableid"`
	Tables      []*SSTable `bson:"tables"`
}

// writeManifest atomically replaces the manifest at path
func writeManifest(path string, m *manifest, perm os.FileMode) error {
	data, err := bson.Marshal(m)
	if err != nil {
		return wrapError(CodeUnknown, "failed to encode manifest", err)
	}

	tmpPath := path + tempManifestSuffix
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return wrapError(CodeIO, "failed to create temp manifest", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return wrapError(CodeIO, "failed to write manifest", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return wrapError(CodeIO, "failed to sync manifest", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return wrapError(CodeIO, "failed to close manifest", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return wrapError(CodeIO, "failed to install manifest", err)
	}

	// Persist the rename itself
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// readManifest loads the manifest at path. A missing file yields an empty
// manifest, which is the state of a freshly created column family.
func readManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &manifest{}, nil
		}
		return nil, wrapError(CodeIO, "failed to read manifest", err)
	}

	m := &manifest{}
	if err := bson.Unmarshal(data, m); err != nil {
		return nil, wrapError(CodeCorruption, "failed to decode manifest", err)
	}
	return m, nil
}
