package listmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matteso1/chestnut/internal/metrics"
	"github.com/matteso1/chestnut/internal/storage"
	"github.com/matteso1/chestnut/internal/tier"
)

const lockShards = 256

// Config configures a Store. It is fixed for the life of the store.
type Config struct {
	SmallThreshold  uint64
	MedianThreshold uint64

	// Sizing hints for each tier's map.
	SmallHints  storage.Hints
	MedianHints storage.Hints
	LargeHints  storage.Hints

	// Storage configures the engines Open creates. A zero MemTableSize
	// lets the hints decide.
	Storage storage.LSMConfig

	// ScavengeRate caps stale-array removals per second. Zero means no cap.
	ScavengeRate  float64
	ScavengeBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	lsm := storage.DefaultLSMConfig()
	lsm.MemTableSize = 0
	return Config{
		SmallThreshold:  10,
		MedianThreshold: 100,
		SmallHints:      storage.Hints{Entries: 1_000_000, AvgValueLen: 10},
		MedianHints:     storage.Hints{Entries: 100_000, AvgValueLen: 100},
		LargeHints:      storage.Hints{Entries: 10_000, AvgValueLen: 1000},
		Storage:         lsm,
		ScavengeRate:    1000,
		ScavengeBurst:   100,
	}
}

// Policy returns the tier policy described by the thresholds.
func (c Config) Policy() tier.Policy {
	return tier.Policy{Small: c.SmallThreshold, Median: c.MedianThreshold}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if err := c.Policy().Validate(); err != nil {
		return err
	}
	if c.MedianThreshold > MaxCapacity/2 {
		return fmt.Errorf("%w: median threshold %d leaves no room for a large tier",
			tier.ErrInvalidPolicy, c.MedianThreshold)
	}
	if c.ScavengeRate < 0 {
		return errors.New("scavenge rate must not be negative")
	}
	return nil
}

// Store keeps a growable list of non-zero uint64 values per key. Each
// list lives in the tier map its count selects; appends are serialized
// per key, reads take no lock.
type Store struct {
	policy      tier.Policy
	maxCapacity uint64
	maps        [4]ArrayMap // indexed by tier.Tier; [tier.None] is unused
	counts      *CountIndex

	locks [lockShards]sync.Mutex

	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics

	closers []io.Closer
	stop    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New builds a store over existing maps. The caller keeps ownership of
// the maps; Close does not close them.
func New(config Config, small, median, large ArrayMap, counts CountMap, logger *zap.Logger, m *metrics.Metrics) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if config.ScavengeRate > 0 {
		limit = rate.Limit(config.ScavengeRate)
	}
	burst := max(config.ScavengeBurst, 1)

	s := &Store{
		policy:      config.Policy(),
		maxCapacity: MaxCapacity,
		counts:      NewCountIndex(counts),
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger,
		metrics:     m,
		stop:        make(chan struct{}),
	}
	s.maps[tier.Small] = small
	s.maps[tier.Median] = median
	s.maps[tier.Large] = large
	return s, nil
}

// Open opens (or creates) a store with one storage engine per tier and one
// for the count index, under dir/{small,median,large,count}.
func Open(dir string, config Config, logger *zap.Logger, m *metrics.Metrics) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	var closers []io.Closer
	fail := func(err error) (*Store, error) {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}

	arrays := make(map[tier.Tier]*storage.Arrays, 3)
	hints := map[tier.Tier]storage.Hints{
		tier.Small:  config.SmallHints,
		tier.Median: config.MedianHints,
		tier.Large:  config.LargeHints,
	}
	for _, t := range tier.Tiers {
		a, err := storage.OpenArrays(filepath.Join(dir, t.String()), config.Storage, hints[t],
			logger.With(zap.Stringer("tier", t)))
		if err != nil {
			return fail(fmt.Errorf("open %v map: %w", t, err))
		}
		arrays[t] = a
		closers = append(closers, a)
	}

	expected := config.SmallHints.Entries + config.MedianHints.Entries + config.LargeHints.Entries
	counters, err := storage.OpenCounters(filepath.Join(dir, "count"), config.Storage, expected,
		logger.With(zap.String("tier", "count")))
	if err != nil {
		return fail(fmt.Errorf("open count map: %w", err))
	}
	closers = append(closers, counters)

	s, err := New(config, arrays[tier.Small], arrays[tier.Median], arrays[tier.Large], counters, logger, m)
	if err != nil {
		return fail(err)
	}
	s.closers = closers
	return s, nil
}

// Policy returns the store's tier policy.
func (s *Store) Policy() tier.Policy {
	return s.policy
}

func (s *Store) lockFor(key uint64) *sync.Mutex {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return &s.locks[xxhash.Sum64(buf[:])%lockShards]
}

// Append adds value to the end of key's list, creating, promoting or
// growing the backing array as needed.
func (s *Store) Append(key, value uint64) (err error) {
	start := time.Now()
	defer func() { s.metrics.RecordAppend(time.Since(start), err) }()

	if key == 0 || value == 0 {
		return fmt.Errorf("%w: key and value must be non-zero (key=%d value=%d)", ErrInvalidArgument, key, value)
	}
	if s.closed.Load() {
		return ErrClosed
	}

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	count, err := s.counts.Get(key)
	if err != nil {
		return err
	}
	current := s.policy.For(count)

	var array []uint64
	if current != tier.None {
		var ok bool
		array, ok, err = s.maps[current].Get(key)
		if err != nil {
			return fmt.Errorf("read %v array: %w", current, err)
		}
		if err := s.verify(key, count, current, array, ok); err != nil {
			return err
		}
	}

	step, err := s.policy.Next(current, count, uint64(len(array)))
	if err != nil {
		return s.violation(key, count, uint64(len(array)), current, err.Error())
	}
	if step.Capacity > s.maxCapacity {
		return fmt.Errorf("%w: key %d holds %d values", ErrListFull, key, count)
	}

	next := array
	if step.Action != tier.Fill {
		next = make([]uint64, step.Capacity)
		copy(next, array[:count])
	}
	next[count] = value
	clear(next[count+1:])

	// Each map is its own engine, so the array must be durable before the
	// count that exposes it.
	if err := s.maps[step.To].Put(key, next); err != nil {
		return fmt.Errorf("write %v array: %w", step.To, err)
	}
	if err := s.maps[step.To].Sync(); err != nil {
		return fmt.Errorf("sync %v array: %w", step.To, err)
	}
	if err := s.counts.Set(key, count+1); err != nil {
		return err
	}

	switch step.Action {
	case tier.Promote:
		s.logger.Info("list promoted",
			zap.Uint64("key", key),
			zap.Stringer("from", step.From),
			zap.Stringer("to", step.To),
			zap.Uint64("capacity", step.Capacity))
		s.metrics.RecordPromotion(step.To.String())
		s.retire(key, step.From)
	case tier.Grow:
		s.logger.Info("list grown",
			zap.Uint64("key", key),
			zap.Uint64("capacity", step.Capacity))
		s.metrics.RecordGrowth()
	}
	return nil
}

// retire removes the copy a promotion left in the tier it moved out of.
// The new count must reach disk first so that no crash leaves it selecting
// the removed copy. The append has already taken effect, so a failure only
// leaves a stale copy for Scavenge.
func (s *Store) retire(key uint64, from tier.Tier) {
	err := s.counts.Sync()
	if err == nil {
		err = s.maps[from].Remove(key)
	}
	if err != nil {
		s.logger.Warn("stale array left behind",
			zap.Uint64("key", key),
			zap.Stringer("tier", from),
			zap.Error(err))
		s.metrics.RecordError()
	}
}

// inconsistency reports how array disagrees with count, or "" if it does
// not. Slots past count are not checked: an append whose count write was
// lost leaves its value there, and readers mask it.
func (s *Store) inconsistency(count uint64, t tier.Tier, array []uint64, ok bool) string {
	capacity := uint64(len(array))
	switch {
	case !ok:
		return "array missing"
	case !s.policy.ValidCapacity(t, capacity):
		return "capacity does not match tier"
	case count > capacity:
		return "count exceeds capacity"
	case array[count-1] == 0:
		return "last counted slot is empty"
	}
	return ""
}

// verify checks that array is the one count describes.
func (s *Store) verify(key, count uint64, t tier.Tier, array []uint64, ok bool) error {
	if reason := s.inconsistency(count, t, array, ok); reason != "" {
		return s.violation(key, count, uint64(len(array)), t, reason)
	}
	return nil
}

func (s *Store) violation(key, count, capacity uint64, t tier.Tier, reason string) error {
	v := &InvariantViolation{Key: key, Count: count, Capacity: capacity, Tier: t, Reason: reason}
	s.logger.Error("invariant violation",
		zap.Uint64("key", key),
		zap.Uint64("count", count),
		zap.Uint64("capacity", capacity),
		zap.Stringer("tier", t),
		zap.String("reason", reason))
	s.metrics.RecordInvariantViolation()
	return v
}

// load returns key's count and backing array, with every slot past the
// count zeroed. The read is lock-free; if what it sees is inconsistent,
// for instance because it raced with a promotion, it is repeated under the
// key's lock and a remaining inconsistency is a violation.
func (s *Store) load(key uint64) (uint64, []uint64, error) {
	if s.closed.Load() {
		return 0, nil, ErrClosed
	}

	count, array, ok, err := s.fetch(key)
	if err != nil || count == 0 {
		return count, nil, err
	}
	if s.inconsistency(count, s.policy.For(count), array, ok) == "" {
		clear(array[count:])
		return count, array, nil
	}

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	count, array, ok, err = s.fetch(key)
	if err != nil || count == 0 {
		return count, nil, err
	}
	if err := s.verify(key, count, s.policy.For(count), array, ok); err != nil {
		return 0, nil, err
	}
	clear(array[count:])
	return count, array, nil
}

func (s *Store) fetch(key uint64) (uint64, []uint64, bool, error) {
	count, err := s.counts.Get(key)
	if err != nil || count == 0 {
		return count, nil, false, err
	}
	t := s.policy.For(count)
	array, ok, err := s.maps[t].Get(key)
	if err != nil {
		return 0, nil, false, fmt.Errorf("read %v array: %w", t, err)
	}
	return count, array, ok, nil
}

// Read returns key's count together with at most limit of its values,
// both taken from the same load. A zero limit returns the raw backing
// array. values is nil if the key has none.
func (s *Store) Read(key, limit uint64) (count uint64, values []uint64, err error) {
	start := time.Now()
	op := "get"
	if limit == 0 {
		op = "raw"
	}
	defer func() { s.metrics.RecordRead(op, time.Since(start), err) }()

	count, array, err := s.load(key)
	if err != nil || count == 0 {
		return count, nil, err
	}
	switch {
	case limit == 0:
		return count, array, nil
	case limit < count:
		return count, array[:limit:limit], nil
	default:
		return count, array[:count:count], nil
	}
}

// Get returns key's values in append order, or nil if the key has none.
func (s *Store) Get(key uint64) ([]uint64, error) {
	_, values, err := s.Read(key, math.MaxUint64)
	return values, err
}

// GetN returns at most limit values. A zero limit returns the raw backing
// array, as Raw does.
func (s *Store) GetN(key, limit uint64) ([]uint64, error) {
	_, values, err := s.Read(key, limit)
	return values, err
}

// Raw returns the whole backing array of key, including the zero slots
// past its count, or nil if the key has none.
func (s *Store) Raw(key uint64) ([]uint64, error) {
	return s.GetN(key, 0)
}

// Contains reports whether value is in key's list.
func (s *Store) Contains(key, value uint64) (found bool, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordRead("contains", time.Since(start), err) }()

	if value == 0 {
		return false, nil
	}
	count, array, err := s.load(key)
	if err != nil {
		return false, err
	}
	for _, v := range array[:count] {
		if v == value {
			return true, nil
		}
	}
	return false, nil
}

// Count returns the number of values appended to key.
func (s *Store) Count(key uint64) (n uint64, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordRead("count", time.Since(start), err) }()

	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.counts.Get(key)
}

// Close stops the scavenger and closes the maps the store opened.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stop)
	s.wg.Wait()

	// Wait out in-flight appends.
	for i := range s.locks {
		s.locks[i].Lock()
		defer s.locks[i].Unlock()
	}

	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
