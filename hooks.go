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

// CommitOpType distinguishes the operations surfaced to commit hooks
type CommitOpType int

const (
	// CommitPut is an insert or update
	CommitPut CommitOpType = iota
	// CommitDelete is a deletion
	CommitDelete
)

// CommitOp is one applied operation of a committed transaction
type CommitOp struct {
	Type         CommitOpType
	ColumnFamily string
	Key          []byte
	Value        []byte // nil for deletes
	ExpiresAt    int64  // Unix nanoseconds, 0 for no expiry
}

// CommitHook observes committed transactions. Hooks run synchronously on the
// committing goroutine after the commit is visible, in registration order;
// slow hooks slow commits. The ops slice and its buffers must not be
// retained past the call.
type CommitHook func(seq uint64, ops []CommitOp)
