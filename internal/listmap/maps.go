package listmap

import (
	"fmt"
)

// ArrayMap is a durable uint64 -> []uint64 map with atomic single-key
// operations. Get returns a slice the caller owns. Sync returns once every
// earlier write would survive a crash. storage.Arrays implements it.
type ArrayMap interface {
	Get(key uint64) ([]uint64, bool, error)
	Put(key uint64, values []uint64) error
	Remove(key uint64) error
	Keys(fn func(key uint64) bool) error
	Sync() error
}

// CountMap is a durable uint64 -> uint64 map. storage.Counters implements it.
type CountMap interface {
	Get(key uint64) (uint64, bool, error)
	Put(key uint64, value uint64) error
	Sync() error
}

// CountIndex records the logical length of every list.
type CountIndex struct {
	m CountMap
}

// NewCountIndex wraps m.
func NewCountIndex(m CountMap) *CountIndex {
	return &CountIndex{m: m}
}

// Get returns the length stored for key, or 0 if there is none.
func (c *CountIndex) Get(key uint64) (uint64, error) {
	n, _, err := c.m.Get(key)
	if err != nil {
		return 0, fmt.Errorf("read count: %w", err)
	}
	return n, nil
}

// Set overwrites the length stored for key.
func (c *CountIndex) Set(key, count uint64) error {
	if err := c.m.Put(key, count); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	return nil
}

// Sync makes every length set so far survive a crash.
func (c *CountIndex) Sync() error {
	if err := c.m.Sync(); err != nil {
		return fmt.Errorf("sync counts: %w", err)
	}
	return nil
}
