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
	"time"

	"github.com/riptidedb/riptide/compress"
)

// File naming
const (
	SSTablePrefix      = "sst_"     // Prefix for sorted table files
	KLogExtension      = ".klog"    // Key/index log of a table pair
	VLogExtension      = ".vlog"    // Value log of a table pair
	LevelPrefix        = "l"        // Level directory prefix, "l0", "l1", ...
	ManifestFileName   = "MANIFEST" // Per column family level membership
	ConfigFileName     = "config.yaml"
	DefaultPermission  = os.FileMode(0750)
	tempManifestSuffix = ".tmp"
)

// Engine limits
const (
	// MaxKeySize is the largest accepted key
	MaxKeySize = 64 * 1024
	// MaxValueSize is the largest accepted value
	MaxValueSize = 512 * 1024 * 1024
	// DefaultBlockSize is the target size of a klog data block
	DefaultBlockSize = 32 * 1024
)

// Background maintenance tuning
const (
	flusherTickInterval     = 10 * time.Millisecond
	compactorTickInterval   = 50 * time.Millisecond
	flushRetryBackoff       = 250 * time.Millisecond
	stallPollInterval       = 5 * time.Millisecond
	commitLockRetryWindow   = 5 * time.Second
	commitLockRetryInterval = time.Millisecond
)

// LogLevel filters engine log output
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
	LogNone
)

// SyncMode controls when writes reach stable storage
type SyncMode int

const (
	// SyncNone leaves durability to the OS
	SyncNone SyncMode = iota
	// SyncFull syncs on every table append
	SyncFull
	// SyncPartial syncs on a background interval
	SyncPartial
)

// IsolationLevel selects a transaction's visibility and conflict rules
type IsolationLevel int

const (
	// ReadUncommitted reads the latest committed data at each access
	ReadUncommitted IsolationLevel = iota
	// ReadCommitted reads the latest committed data at each access
	ReadCommitted
	// Snapshot pins reads to the sequence captured at begin
	Snapshot
	// Serializable is Snapshot plus commit-time read validation
	Serializable
)

// Options configures a database instance
type Options struct {
	Directory            string        // Directory for the database
	NumFlushThreads      int           // Background flush worker count
	NumCompactionThreads int           // Background compaction worker count
	LogLevel             LogLevel      // Minimum level emitted to LogChannel
	BlockCacheSize       int64         // Total block cache capacity in bytes; 0 means default, negative disables
	CacheNumPartitions   int           // Block cache shard count
	MaxOpenTables        int           // Cap on simultaneously open table file handles
	MaxOpenTransactions  int           // Cap on simultaneously open transactions
	Permission           os.FileMode   // Permission for created files and directories
	LogChannel           chan string   // Optional channel for log output
}

// Default database options
const (
	DefaultNumFlushThreads      = 2
	DefaultNumCompactionThreads = 2
	DefaultBlockCacheSize       = 64 * 1024 * 1024
	DefaultMaxOpenTables        = 256
	DefaultMaxOpenTransactions  = 4096
)

// withDefaults fills unset option fields with defaults
func (opts *Options) withDefaults() *Options {
	out := *opts
	if out.NumFlushThreads <= 0 {
		out.NumFlushThreads = DefaultNumFlushThreads
	}
	if out.NumCompactionThreads <= 0 {
		out.NumCompactionThreads = DefaultNumCompactionThreads
	}
	if out.BlockCacheSize == 0 {
		out.BlockCacheSize = DefaultBlockCacheSize
	}
	if out.CacheNumPartitions <= 0 {
		out.CacheNumPartitions = 16
	}
	if out.MaxOpenTables <= 0 {
		out.MaxOpenTables = DefaultMaxOpenTables
	}
	if out.MaxOpenTransactions <= 0 {
		out.MaxOpenTransactions = DefaultMaxOpenTransactions
	}
	if out.Permission == 0 {
		out.Permission = DefaultPermission
	}
	return &out
}

// ColumnFamilyConfig configures one column family. Zero values are replaced
// by defaults at creation; see DefaultColumnFamilyConfig.
type ColumnFamilyConfig struct {
	WriteBufferSize       int64              `yaml:"write_buffer_size"`
	LevelSizeRatio        int64              `yaml:"level_size_ratio"`
	MinLevels             int                `yaml:"min_levels"`
	DividingLevelOffset   int                `yaml:"dividing_level_offset"`
	KLogValueThreshold    int64              `yaml:"klog_value_threshold"`
	Compression           compress.Algorithm `yaml:"compression"`
	EnableBloomFilter     bool               `yaml:"enable_bloom_filter"`
	BloomFPR              float64            `yaml:"bloom_fpr"`
	EnableBlockIndexes    bool               `yaml:"enable_block_indexes"`
	IndexSampleRatio      int                `yaml:"index_sample_ratio"`
	BlockIndexPrefixLen   int                `yaml:"block_index_prefix_len"`
	SyncMode              SyncMode           `yaml:"sync_mode"`
	SyncInterval          time.Duration      `yaml:"sync_interval"`
	ComparatorName        string             `yaml:"comparator_name"`
	SkipListMaxLevel      int                `yaml:"skip_list_max_level"`
	SkipListProbability   float64            `yaml:"skip_list_probability"`
	DefaultIsolationLevel IsolationLevel     `yaml:"default_isolation_level"`
	MinDiskSpace          int64              `yaml:"min_disk_space"`
	L1FileCountTrigger    int                `yaml:"l1_file_count_trigger"`
	L0QueueStallThreshold int                `yaml:"l0_queue_stall_threshold"`
}

// DefaultColumnFamilyConfig returns the documented defaults
func DefaultColumnFamilyConfig() *ColumnFamilyConfig {
	return &ColumnFamilyConfig{
		WriteBufferSize:       128 * 1024 * 1024,
		LevelSizeRatio:        10,
		MinLevels:             5,
		DividingLevelOffset:   2,
		KLogValueThreshold:    512,
		Compression:           compress.LZ4,
		EnableBloomFilter:     true,
		BloomFPR:              0.01,
		EnableBlockIndexes:    true,
		IndexSampleRatio:      1,
		BlockIndexPrefixLen:   16,
		SyncMode:              SyncFull,
		SyncInterval:          time.Second,
		ComparatorName:        "",
		SkipListMaxLevel:      12,
		SkipListProbability:   0.25,
		DefaultIsolationLevel: ReadCommitted,
		MinDiskSpace:          100 * 1024 * 1024,
		L1FileCountTrigger:    4,
		L0QueueStallThreshold: 20,
	}
}

// validate checks config invariants
func (cfg *ColumnFamilyConfig) validate() error {
	if cfg.WriteBufferSize <= 0 {
		return wrapError(CodeInvalidArgs, "write buffer size must be positive", nil)
	}
	if cfg.LevelSizeRatio < 2 {
		return wrapError(CodeInvalidArgs, "level size ratio must be at least 2", nil)
	}
	if cfg.MinLevels < 2 {
		return wrapError(CodeInvalidArgs, "min levels must be at least 2", nil)
	}
	if cfg.EnableBloomFilter && (cfg.BloomFPR <= 0 || cfg.BloomFPR >= 1) {
		return wrapError(CodeInvalidArgs, "bloom false positive rate must be in (0, 1)", nil)
	}
	if cfg.EnableBlockIndexes && cfg.IndexSampleRatio < 1 {
		return wrapError(CodeInvalidArgs, "index sample ratio must be at least 1", nil)
	}
	if cfg.EnableBlockIndexes && cfg.BlockIndexPrefixLen < 1 {
		return wrapError(CodeInvalidArgs, "block index prefix length must be at least 1", nil)
	}
	if _, err := compress.For(cfg.Compression); err != nil {
		return wrapError(CodeInvalidArgs, "unknown compression algorithm", err)
	}
	return nil
}

// withDefaults fills zero fields from the default config
func (cfg *ColumnFamilyConfig) withDefaults() *ColumnFamilyConfig {
	def := DefaultColumnFamilyConfig()
	if cfg == nil {
		return def
	}
	out := *cfg
	if out.WriteBufferSize == 0 {
		out.WriteBufferSize = def.WriteBufferSize
	}
	if out.LevelSizeRatio == 0 {
		out.LevelSizeRatio = def.LevelSizeRatio
	}
	if out.MinLevels == 0 {
		out.MinLevels = def.MinLevels
	}
	if out.KLogValueThreshold == 0 {
		out.KLogValueThreshold = def.KLogValueThreshold
	}
	if out.BloomFPR == 0 {
		out.BloomFPR = def.BloomFPR
	}
	if out.IndexSampleRatio == 0 {
		out.IndexSampleRatio = def.IndexSampleRatio
	}
	if out.BlockIndexPrefixLen == 0 {
		out.BlockIndexPrefixLen = def.BlockIndexPrefixLen
	}
	if out.SyncInterval == 0 {
		out.SyncInterval = def.SyncInterval
	}
	if out.SkipListMaxLevel == 0 {
		out.SkipListMaxLevel = def.SkipListMaxLevel
	}
	if out.SkipListProbability == 0 {
		out.SkipListProbability = def.SkipListProbability
	}
	if out.MinDiskSpace == 0 {
		out.MinDiskSpace = def.MinDiskSpace
	}
	if out.L1FileCountTrigger == 0 {
		out.L1FileCountTrigger = def.L1FileCountTrigger
	}
	if out.L0QueueStallThreshold == 0 {
		out.L0QueueStallThreshold = def.L0QueueStallThreshold
	}
	return &out
}

// RuntimeConfig is the subset of ColumnFamilyConfig that may change while the
// column family is open. Nil fields keep their current value.
type RuntimeConfig struct {
	WriteBufferSize       *int64          `yaml:"write_buffer_size,omitempty"`
	SyncMode              *SyncMode       `yaml:"sync_mode,omitempty"`
	SyncInterval          *time.Duration  `yaml:"sync_interval,omitempty"`
	DefaultIsolationLevel *IsolationLevel `yaml:"default_isolation_level,omitempty"`
	MinDiskSpace          *int64          `yaml:"min_disk_space,omitempty"`
	L1FileCountTrigger    *int            `yaml:"l1_file_count_trigger,omitempty"`
	L0QueueStallThreshold *int            `yaml:"l0_queue_stall_threshold,omitempty"`
	BloomFPR              *float64        `yaml:"bloom_fpr,omitempty"`
	EnableBloomFilter     *bool           `yaml:"enable_bloom_filter,omitempty"`
}

// apply merges the runtime fields into a copy of the base config
func (rc *RuntimeConfig) apply(base *ColumnFamilyConfig) *ColumnFamilyConfig {
	out := *base
	if rc.WriteBufferSize != nil {
		out.WriteBufferSize = *rc.WriteBufferSize
	}
	if rc.SyncMode != nil {
		out.SyncMode = *rc.SyncMode
	}
	if rc.SyncInterval != nil {
		out.SyncInterval = *rc.SyncInterval
	}
	if rc.DefaultIsolationLevel != nil {
		out.DefaultIsolationLevel = *rc.DefaultIsolationLevel
	}
	if rc.MinDiskSpace != nil {
		out.MinDiskSpace = *rc.MinDiskSpace
	}
	if rc.L1FileCountTrigger != nil {
		out.L1FileCountTrigger = *rc.L1FileCountTrigger
	}
	if rc.L0QueueStallThreshold != nil {
		out.L0QueueStallThreshold = *rc.L0QueueStallThreshold
	}
	if rc.BloomFPR != nil {
		out.BloomFPR = *rc.BloomFPR
	}
	if rc.EnableBloomFilter != nil {
		out.EnableBloomFilter = *rc.EnableBloomFilter
	}
	return &out
}
