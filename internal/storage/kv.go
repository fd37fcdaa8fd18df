package storage

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrClosed      = errors.New("kv engine closed")
	ErrConflict    = errors.New("transaction conflict")
)

// KVEngine defines the interface for embedded key-value storage.
//
// Implementation requirements:
//   - Thread-safe: concurrent reads/writes must be safe
//   - Ordered: Scan visits keys in lexicographic order
//   - Atomic: Update applies all writes of fn or none
type KVEngine interface {
	// Get retrieves a value by key.
	// Returns ErrKeyNotFound if key doesn't exist.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Set stores a key-value pair.
	Set(ctx context.Context, key, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Scan iterates over keys with a given prefix in ascending order.
	// Callback returns false to stop iteration.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error

	// ScanReverse is Scan in descending key order.
	ScanReverse(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error

	// Update runs fn in a read-write transaction. Writes become visible
	// only if fn returns nil. Returns ErrConflict if a concurrent
	// transaction wrote a key fn read, after retries are exhausted.
	Update(ctx context.Context, fn func(tx Txn) error) error

	// NextSequence returns the next value of the named monotonic sequence,
	// starting at 1. Values are unique across restarts but may have gaps.
	NextSequence(ctx context.Context, name string) (uint64, error)

	// GC triggers garbage collection (for LSM-based engines like Badger).
	// Returns bytes reclaimed.
	GC(ctx context.Context) (uint64, error)

	// Stats returns storage statistics (size, keys count, etc.).
	Stats(ctx context.Context) (*KVStats, error)

	// Close gracefully shuts down the KV engine.
	Close() error
}

// Txn is the view of a read-write transaction.
type Txn interface {
	// Get returns ErrKeyNotFound if key doesn't exist.
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
}

// KVStats contains storage engine statistics.
type KVStats struct {
	// TotalKeys is the approximate number of keys.
	TotalKeys uint64 `json:"total_keys"`

	// TotalSize is the total disk usage in bytes.
	TotalSize uint64 `json:"total_size"`

	// LSMSize is the LSM tree size (for Badger).
	LSMSize uint64 `json:"lsm_size"`

	// ValueLogSize is the value log size (for Badger).
	ValueLogSize uint64 `json:"value_log_size"`

	// LastGCTime is the last GC run timestamp (Unix milliseconds).
	LastGCTime int64 `json:"last_gc_time"`

	// GCBytesReclaimed is the total bytes reclaimed by GC.
	GCBytesReclaimed uint64 `json:"gc_bytes_reclaimed"`
}

// KVConfig configures an embedded KV engine.
type KVConfig struct {
	// Engine specifies the KV engine type ("badger" or "memory").
	// Default: "badger"
	Engine string `koanf:"engine"`

	// Dir is the storage directory.
	Dir string `koanf:"dir"`

	// Badger-specific configuration
	Badger BadgerConfig `koanf:"badger"`
}

// BadgerConfig contains Badger-specific tuning parameters.
type BadgerConfig struct {
	// GCInterval is the interval between automatic GC runs.
	// Default: 10m
	GCInterval string `koanf:"gc_interval"`

	// GCThreshold is the GC discard ratio threshold (0.0-1.0).
	// Higher values trigger GC more aggressively.
	// Default: 0.5 (run GC when 50% of data is stale)
	GCThreshold float64 `koanf:"gc_threshold"`

	// CacheSize is the block cache size in bytes.
	// Default: 64MB
	CacheSize int64 `koanf:"cache_size"`

	// ValueLogFileSize is the max value log file size in bytes.
	// Default: 256MB
	ValueLogFileSize int64 `koanf:"value_log_file_size"`

	// NumMemtables is the number of memtables.
	// Default: 2
	NumMemtables int `koanf:"num_memtables"`

	// SyncWrites enables sync writes (fsync after each write).
	// Default: false
	SyncWrites bool `koanf:"sync_writes"`

	// SequenceBandwidth is the number of IDs leased per sequence refill.
	// Default: 100
	SequenceBandwidth uint64 `koanf:"sequence_bandwidth"`
}

// DefaultKVConfig returns the default KV configuration.
func DefaultKVConfig(dir string) KVConfig {
	return KVConfig{
		Engine: "badger",
		Dir:    dir,
		Badger: DefaultBadgerConfig(),
	}
}

// DefaultBadgerConfig returns the default Badger configuration.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		GCInterval:        "10m",
		GCThreshold:       0.5,
		CacheSize:         64 << 20,  // 64MB
		ValueLogFileSize:  256 << 20, // 256MB
		NumMemtables:      2,
		SyncWrites:        false,
		SequenceBandwidth: 100,
	}
}

// PrefixEnd returns the smallest key greater than every key with prefix,
// or nil if no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
