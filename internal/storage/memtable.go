package storage

import (
	"sync/atomic"
)

// MemTable is an in-memory data structure that buffers writes before flushing to disk.
// It wraps a skip list and tracks size for flush threshold decisions.
type MemTable struct {
	sl     *SkipList
	id     uint64      // Matches the id of the WAL that backs it
	frozen atomic.Bool // Whether this memtable is frozen (no more writes)
}

// NewMemTable creates a new memtable backed by WAL id.
func NewMemTable(id uint64) *MemTable {
	return &MemTable{
		sl: NewSkipList(),
		id: id,
	}
}

// Put inserts or updates a key-value pair.
// Returns an error if the memtable is frozen.
func (m *MemTable) Put(key uint64, value []byte, seq uint64) error {
	if m.frozen.Load() {
		return ErrMemTableFrozen
	}
	m.sl.Put(key, value, seq)
	return nil
}

// Delete marks a key as deleted (tombstone).
func (m *MemTable) Delete(key uint64, seq uint64) error {
	if m.frozen.Load() {
		return ErrMemTableFrozen
	}
	m.sl.Delete(key, seq)
	return nil
}

// Apply replays a recovered WAL entry.
func (m *MemTable) Apply(entry *Entry) error {
	if entry.Deleted {
		return m.Delete(entry.Key, entry.Seq)
	}
	return m.Put(entry.Key, entry.Value, entry.Seq)
}

// Get returns the latest entry for key. A found tombstone is reported with
// found=true and entry.Deleted set, so callers stop searching older tables.
func (m *MemTable) Get(key uint64) (*Entry, bool) {
	return m.sl.Get(key)
}

// Size returns the approximate memory usage in bytes.
func (m *MemTable) Size() int64 {
	return m.sl.Size()
}

// Count returns the number of entries (including tombstones).
func (m *MemTable) Count() int64 {
	return m.sl.Count()
}

// ID returns the unique identifier for this memtable.
func (m *MemTable) ID() uint64 {
	return m.id
}

// Freeze marks the memtable as immutable. No more writes allowed.
func (m *MemTable) Freeze() {
	m.frozen.Store(true)
}

// IsFrozen returns whether the memtable is frozen.
func (m *MemTable) IsFrozen() bool {
	return m.frozen.Load()
}

// ShouldFlush returns true if the memtable exceeds the given size threshold.
func (m *MemTable) ShouldFlush(maxSize int64) bool {
	return m.Size() >= maxSize
}

// Entries returns all entries in key order (for flushing to SSTable).
// The memtable should be frozen before calling this.
func (m *MemTable) Entries() []*Entry {
	entries := make([]*Entry, 0, m.sl.Count())
	iter := m.sl.NewIterator()
	defer iter.Close()

	for iter.Next() {
		entries = append(entries, iter.Entry())
	}
	return entries
}
