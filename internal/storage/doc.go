// Package storage implements the durable key-value engine the list store is
// built on: a Log-Structured Merge (LSM) tree keyed by uint64.
//
// Writes are appended to a per-memtable write-ahead log, applied to an
// in-memory skip list, and flushed as immutable, block-compressed SSTables
// once the memtable reaches its size threshold. Compaction merges all
// SSTables into one and drops tombstones.
//
// Architecture:
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                        LSM-Tree                                 │
//	├─────────────────────────────────────────────────────────────────┤
//	│  Write Path:  Client → WAL → MemTable → (flush) → SSTable       │
//	│  Read Path:   Client → MemTable → Immutables → SSTables (new→old)│
//	├─────────────────────────────────────────────────────────────────┤
//	│  Compaction:  all SSTables → one SSTable, tombstones dropped    │
//	└─────────────────────────────────────────────────────────────────┘
//
// On top of the engine, Arrays and Counters expose the typed single-key
// get/put/remove operations the list store needs (uint64 → []uint64 and
// uint64 → uint64).
package storage
