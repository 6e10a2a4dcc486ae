package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// MaxValueSize is the largest encoded value a map accepts (2 GiB).
const MaxValueSize = 1 << 31

// Hints describe the expected shape of a map so the engine can size its
// memtable. They do not limit what can be stored.
type Hints struct {
	// Entries is the expected number of keys.
	Entries int64
	// AvgValueLen is the expected number of uint64 elements per value.
	AvgValueLen int
}

const (
	minHintedMemTable = 1 << 20  // 1MB
	maxHintedMemTable = 64 << 20 // 64MB
)

// MemTableSize derives a flush threshold from the hints: a memtable holds
// roughly a sixteenth of the expected data set, clamped to [1MB, 64MB].
func (h Hints) MemTableSize() int64 {
	if h.Entries <= 0 || h.AvgValueLen <= 0 {
		return maxHintedMemTable
	}
	perEntry := int64(h.AvgValueLen)*8 + entryOverhead
	size := h.Entries / 16 * perEntry
	return min(max(size, minHintedMemTable), maxHintedMemTable)
}

// EncodeArray serializes values as little-endian uint64s.
func EncodeArray(values []uint64) []byte {
	buf := make([]byte, 0, len(values)*8)
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	return buf
}

// DecodeArray reverses EncodeArray.
func DecodeArray(data []byte) ([]uint64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("%w: array of %d bytes", ErrCorruptedValue, len(data))
	}
	values := make([]uint64, len(data)/8)
	for i := range values {
		values[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return values, nil
}

// Arrays is a durable map from uint64 keys to fixed-size uint64 arrays,
// backed by its own LSM engine. Single-key Get, Put and Remove are atomic.
type Arrays struct {
	db *LSM
}

// OpenArrays opens an array map in dir, sizing the memtable from hints
// unless config already sets a size.
func OpenArrays(dir string, config LSMConfig, hints Hints, logger *zap.Logger) (*Arrays, error) {
	if config.MemTableSize <= 0 {
		config.MemTableSize = hints.MemTableSize()
	}
	db, err := Open(dir, config, logger)
	if err != nil {
		return nil, err
	}
	return &Arrays{db: db}, nil
}

// Get returns the array stored under key. ok is false if the key is absent.
func (a *Arrays) Get(key uint64) ([]uint64, bool, error) {
	data, err := a.db.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	values, err := DecodeArray(data)
	if err != nil {
		return nil, false, fmt.Errorf("key %d: %w", key, err)
	}
	return values, true, nil
}

// Put stores values under key, replacing any previous array.
func (a *Arrays) Put(key uint64, values []uint64) error {
	if len(values)*8 > MaxValueSize {
		return fmt.Errorf("array of %d elements exceeds the value size limit", len(values))
	}
	return a.db.Put(key, EncodeArray(values))
}

// Remove deletes key. Removing an absent key is not an error.
func (a *Arrays) Remove(key uint64) error {
	return a.db.Delete(key)
}

// Sync makes every write so far survive a crash; see LSM.Sync.
func (a *Arrays) Sync() error {
	return a.db.Sync()
}

// Keys calls fn for every stored key in ascending order until fn returns false.
func (a *Arrays) Keys(fn func(key uint64) bool) error {
	return a.db.Scan(func(key uint64, _ []byte) bool {
		return fn(key)
	})
}

// Engine exposes the underlying LSM for stats, flush and compaction.
func (a *Arrays) Engine() *LSM {
	return a.db
}

// Close closes the underlying engine.
func (a *Arrays) Close() error {
	return a.db.Close()
}

// Counters is a durable map from uint64 keys to uint64 values.
type Counters struct {
	db *LSM
}

// OpenCounters opens a counter map in dir.
func OpenCounters(dir string, config LSMConfig, expectedEntries int64, logger *zap.Logger) (*Counters, error) {
	if config.MemTableSize <= 0 {
		config.MemTableSize = Hints{Entries: expectedEntries, AvgValueLen: 1}.MemTableSize()
	}
	db, err := Open(dir, config, logger)
	if err != nil {
		return nil, err
	}
	return &Counters{db: db}, nil
}

// Get returns the value stored under key. ok is false if the key is absent.
func (c *Counters) Get(key uint64) (uint64, bool, error) {
	data, err := c.db.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("key %d: %w: counter of %d bytes", key, ErrCorruptedValue, len(data))
	}
	return binary.LittleEndian.Uint64(data), true, nil
}

// Put stores value under key.
func (c *Counters) Put(key uint64, value uint64) error {
	return c.db.Put(key, binary.LittleEndian.AppendUint64(make([]byte, 0, 8), value))
}

// Sync makes every write so far survive a crash; see LSM.Sync.
func (c *Counters) Sync() error {
	return c.db.Sync()
}

// Engine exposes the underlying LSM.
func (c *Counters) Engine() *LSM {
	return c.db
}

// Close closes the underlying engine.
func (c *Counters) Close() error {
	return c.db.Close()
}
