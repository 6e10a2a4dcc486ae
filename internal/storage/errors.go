package storage

import "errors"

var (
	// ErrMemTableFrozen is returned when attempting to write to a frozen memtable.
	ErrMemTableFrozen = errors.New("memtable is frozen")

	// ErrKeyNotFound is returned when a key doesn't exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrCorruptedWAL is returned when a WAL record fails its checksum.
	ErrCorruptedWAL = errors.New("corrupted WAL entry")

	// ErrTruncatedWAL is returned when the last WAL record is incomplete,
	// which happens when the process dies in the middle of a write.
	ErrTruncatedWAL = errors.New("truncated WAL tail")

	// ErrCorruptedSSTable is returned when SSTable data is corrupted.
	ErrCorruptedSSTable = errors.New("corrupted SSTable")

	// ErrCorruptedValue is returned when a stored value cannot be decoded.
	ErrCorruptedValue = errors.New("corrupted value encoding")

	// ErrUnsortedKeys is returned when SSTable entries are not added in
	// strictly increasing key order.
	ErrUnsortedKeys = errors.New("sstable keys must be strictly increasing")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("storage engine is closed")
)
