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
	"errors"
	"fmt"
)

// ErrorCode classifies engine failures. Codes are stable across releases;
// binding layers translate them into caller-visible errors.
type ErrorCode int

const (
	// CodeMemory indicates an allocation failure
	CodeMemory ErrorCode = -1
	// CodeInvalidArgs indicates a malformed argument
	CodeInvalidArgs ErrorCode = -2
	// CodeNotFound indicates a missing key, column family or resource
	CodeNotFound ErrorCode = -3
	// CodeIO indicates a filesystem failure
	CodeIO ErrorCode = -4
	// CodeCorruption indicates on-disk data failed validation
	CodeCorruption ErrorCode = -5
	// CodeExists indicates the named resource already exists
	CodeExists ErrorCode = -6
	// CodeConflict indicates commit-time transaction conflict
	CodeConflict ErrorCode = -7
	// CodeTooLarge indicates a key or value exceeds engine limits
	CodeTooLarge ErrorCode = -8
	// CodeMemoryLimit indicates a configured memory budget was exceeded
	CodeMemoryLimit ErrorCode = -9
	// CodeInvalidDB indicates an operation on a closed or invalid handle
	CodeInvalidDB ErrorCode = -10
	// CodeUnknown indicates an unclassified failure
	CodeUnknown ErrorCode = -11
	// CodeLocked indicates a resource was unavailable under contention
	CodeLocked ErrorCode = -12
)

// Error is the engine's failure type, carrying a code and an optional cause
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is / errors.As chains
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error with the same code, so sentinel comparisons like
// errors.Is(err, ErrNotFound) work regardless of the message
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// newError creates an Error with a code and message
func newError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// wrapError creates an Error with a code, message and cause
func wrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Sentinel errors for the common codes. Compare with errors.Is.
var (
	ErrNotFound      = newError(CodeNotFound, "not found")
	ErrConflict      = newError(CodeConflict, "transaction conflict")
	ErrExists        = newError(CodeExists, "already exists")
	ErrInvalidArgs   = newError(CodeInvalidArgs, "invalid arguments")
	ErrCorruption    = newError(CodeCorruption, "data corruption")
	ErrTooLarge      = newError(CodeTooLarge, "key or value too large")
	ErrLocked        = newError(CodeLocked, "resource is locked")
	ErrInvalidDB     = newError(CodeInvalidDB, "invalid database handle")
	ErrTxnNotActive  = newError(CodeInvalidArgs, "transaction is not active")
	ErrMemoryLimit   = newError(CodeMemoryLimit, "memory limit exceeded")
	ErrDiskSpaceLow  = newError(CodeIO, "insufficient disk space")
	ErrClosed        = newError(CodeInvalidDB, "database is closed")
	ErrCFDropped     = newError(CodeInvalidDB, "column family has been dropped")
	ErrNoSavepoint   = newError(CodeNotFound, "savepoint not found")
	ErrFlushFailed   = newError(CodeIO, "memtable flush failed")
	ErrCompactFailed = newError(CodeIO, "compaction failed")
)

// CodeOf extracts the ErrorCode from an error chain, or CodeUnknown
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
