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
	"sync/atomic"
)

// IDGenerator hands out monotonically increasing int64 identifiers
type IDGenerator struct {
	lastID int64
}

// newIDGenerator creates a generator starting at 1
func newIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// reloadIDGenerator resumes a generator from a persisted last id
func reloadIDGenerator(lastID int64) *IDGenerator {
	return &IDGenerator{lastID: lastID}
}

// nextID returns the next identifier
func (g *IDGenerator) nextID() int64 {
	return atomic.AddInt64(&g.lastID, 1)
}

// current returns the most recently issued identifier
func (g *IDGenerator) current() int64 {
	return atomic.LoadInt64(&g.lastID)
}
