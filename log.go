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

// log emits a message to the configured log channel when its level passes
// the configured filter. Emission never blocks; messages are dropped when
// the channel is full or absent.
func (db *DB) log(level LogLevel, msg string) {
	if db.opts.LogChannel == nil || level < db.opts.LogLevel {
		return
	}

	var prefix string
	switch level {
	case LogDebug:
		prefix = "DEBUG "
	case LogInfo:
		prefix = "INFO "
	case LogWarn:
		prefix = "WARN "
	case LogError:
		prefix = "ERROR "
	}

	select {
	case db.opts.LogChannel <- prefix + msg:
	default:
	}
}
