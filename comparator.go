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
	"sync"

	"github.com/riptidedb/riptide/skiplist"
)

// CompareFunc defines a strict total order over keys: negative when a < b,
// zero when equal, positive when a > b
type CompareFunc = skiplist.CompareFunc

// Built-in comparator names
const (
	// BytewiseComparator orders keys lexicographically by byte. The empty
	// name resolves to it as well.
	BytewiseComparator = "bytewise"
	// ReverseBytewiseComparator orders keys in descending byte order
	ReverseBytewiseComparator = "reverse"
)

// comparators is the process-wide registry. It is package level rather than
// per database because column family configs reference comparators by name
// at open time; custom orderings must be registered before Open.
var comparators = newComparatorRegistry()

// RegisterComparator adds a named key ordering usable by column families.
// Registration must happen before opening a database whose families
// reference the name. Built-in names cannot be overridden.
func RegisterComparator(name string, cmp CompareFunc) error {
	return comparators.register(name, cmp)
}

// comparatorRegistry maps a name to an ordering capability. Column families
// resolve their comparator by name at open, so orderings survive restarts as
// long as the same names are registered before reopening.
type comparatorRegistry struct {
	mu    sync.RWMutex
	funcs map[string]CompareFunc
}

func newComparatorRegistry() *comparatorRegistry {
	r := &comparatorRegistry{
		funcs: make(map[string]CompareFunc),
	}
	r.funcs[BytewiseComparator] = skiplist.DefaultCompare
	r.funcs[ReverseBytewiseComparator] = func(a, b []byte) int {
		return -skiplist.DefaultCompare(a, b)
	}
	return r
}

// register adds a named comparator; registering a built-in name fails
func (r *comparatorRegistry) register(name string, cmp CompareFunc) error {
	if name == "" || name == BytewiseComparator || name == ReverseBytewiseComparator {
		return wrapError(CodeInvalidArgs, "cannot override built-in comparator "+name, nil)
	}
	if cmp == nil {
		return wrapError(CodeInvalidArgs, "comparator function is nil", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return wrapError(CodeExists, "comparator already registered: "+name, nil)
	}
	r.funcs[name] = cmp
	return nil
}

// lookup resolves a comparator by name; the empty name is bytewise
func (r *comparatorRegistry) lookup(name string) (CompareFunc, error) {
	if name == "" {
		name = BytewiseComparator
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	cmp, ok := r.funcs[name]
	if !ok {
		return nil, wrapError(CodeNotFound, "comparator not registered: "+name, nil)
	}
	return cmp, nil
}
