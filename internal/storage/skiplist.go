package storage

import (
	"sync"
	"sync/atomic"
)

// Entry is one versioned record of the engine.
type Entry struct {
	Key     uint64
	Value   []byte
	Seq     uint64 // Monotonic write sequence number
	Deleted bool   // Tombstone marker for deletions
}

// entryOverhead approximates key, sequence, flag and slice header bytes.
const entryOverhead = 8 + 8 + 1 + 24

// Size returns the approximate memory footprint of this entry in bytes.
func (e *Entry) Size() int {
	return len(e.Value) + entryOverhead
}

// skipListNode is a node in the skip list.
type skipListNode struct {
	entry   *Entry
	forward []*skipListNode
}

// SkipList is an ordered map from uint64 keys to their latest Entry.
// It's the backbone of the MemTable, providing fast inserts and ordered iteration.
type SkipList struct {
	head     *skipListNode
	maxLevel int
	level    int
	size     int64
	count    int64
	mu       sync.RWMutex
	rng      uint64 // XorShift state for level generation
}

const (
	maxSkipListLevel = 16 // Maximum height of skip list
)

// NewSkipList creates a new skip list.
func NewSkipList() *SkipList {
	return &SkipList{
		head: &skipListNode{
			forward: make([]*skipListNode, maxSkipListLevel),
		},
		maxLevel: maxSkipListLevel,
		rng:      0x9E3779B97F4A7C15,
	}
}

func (s *SkipList) nextRand() uint64 {
	s.rng ^= s.rng << 13
	s.rng ^= s.rng >> 7
	s.rng ^= s.rng << 17
	return s.rng
}

// randomLevel draws a level from a geometric distribution with p = 1/4.
func (s *SkipList) randomLevel() int {
	level := 0
	for level < s.maxLevel-1 && s.nextRand()&3 == 0 {
		level++
	}
	return level
}

// findPath fills update with the rightmost node before key on every level
// and returns the node at level 0 that may hold key.
// Caller must hold s.mu.
func (s *SkipList) findPath(key uint64, update []*skipListNode) *skipListNode {
	current := s.head
	for i := s.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].entry.Key < key {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.forward[0]
}

// upsert writes entry for its key, replacing any previous version.
// Returns the size delta.
func (s *SkipList) upsert(entry *Entry) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	update := make([]*skipListNode, s.maxLevel)
	next := s.findPath(entry.Key, update)

	if next != nil && next.entry.Key == entry.Key {
		delta := int64(entry.Size() - next.entry.Size())
		next.entry = entry
		atomic.AddInt64(&s.size, delta)
		return delta
	}

	level := s.randomLevel()
	if level > s.level {
		for i := s.level + 1; i <= level; i++ {
			update[i] = s.head
		}
		s.level = level
	}

	node := &skipListNode{
		entry:   entry,
		forward: make([]*skipListNode, level+1),
	}
	for i := 0; i <= level; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}

	entrySize := int64(entry.Size())
	atomic.AddInt64(&s.size, entrySize)
	atomic.AddInt64(&s.count, 1)
	return entrySize
}

// Put inserts or updates a key-value pair.
func (s *SkipList) Put(key uint64, value []byte, seq uint64) int64 {
	return s.upsert(&Entry{Key: key, Value: value, Seq: seq})
}

// Delete records a tombstone for key. The tombstone must be kept so that it
// shadows older versions living in SSTables.
func (s *SkipList) Delete(key uint64, seq uint64) int64 {
	return s.upsert(&Entry{Key: key, Seq: seq, Deleted: true})
}

// Get returns the latest entry for key, tombstones included.
func (s *SkipList) Get(key uint64) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node := s.findPath(key, nil)
	if node != nil && node.entry.Key == key {
		return node.entry, true
	}
	return nil, false
}

// Size returns the approximate memory usage in bytes.
func (s *SkipList) Size() int64 {
	return atomic.LoadInt64(&s.size)
}

// Count returns the number of entries (including tombstones).
func (s *SkipList) Count() int64 {
	return atomic.LoadInt64(&s.count)
}

// Iterator provides ordered iteration over skip list entries.
// It holds the list's read lock until Close.
type Iterator struct {
	current *skipListNode
	sl      *SkipList
}

// NewIterator returns an iterator positioned before the first element.
func (s *SkipList) NewIterator() *Iterator {
	s.mu.RLock()
	return &Iterator{
		current: s.head,
		sl:      s,
	}
}

// Next advances the iterator. Returns false when exhausted.
func (it *Iterator) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.forward[0]
	return it.current != nil
}

// Entry returns the current entry.
func (it *Iterator) Entry() *Entry {
	if it.current == nil {
		return nil
	}
	return it.current.entry
}

// Close releases the read lock.
func (it *Iterator) Close() {
	it.sl.mu.RUnlock()
}
