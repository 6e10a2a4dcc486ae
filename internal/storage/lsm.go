package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LSM is the main Log-Structured Merge tree storage engine.
// It coordinates memtables, SSTables, WALs, and compaction.
type LSM struct {
	// Active memtable and the WAL backing it
	memtable *MemTable
	wal      *WAL
	// Frozen memtables waiting to be flushed, oldest first
	immutable []*MemTable
	// SSTables ordered by sequence range, oldest first
	tables []*SSTable

	config  LSMConfig
	dataDir string
	logger  *zap.Logger

	// mu guards memtable, wal, immutable and tables. Reads hold it shared
	// for their whole lookup so compaction never closes a table under them.
	mu sync.RWMutex
	// flushMu serializes flushes and compactions.
	flushMu sync.Mutex

	seq    atomic.Uint64 // last assigned write sequence
	nextID atomic.Uint64 // next WAL / SSTable file id
	closed atomic.Bool

	// Background workers
	flushChan chan struct{}
	closeChan chan struct{}
	wg        sync.WaitGroup
}

// LSMConfig configures the LSM tree behavior.
type LSMConfig struct {
	// MemTableSize is the size threshold for flushing memtable to disk.
	MemTableSize int64
	// CompactionTrigger is the number of SSTables that triggers a full compaction.
	CompactionTrigger int
	// WALSyncMode determines when WAL is synced to disk.
	WALSyncMode SyncMode
	// SyncInterval is the fsync period for SyncBatch.
	SyncInterval time.Duration
	// Compression is the SSTable block codec.
	Compression Compression
	// BlockSize is the uncompressed SSTable block size target.
	BlockSize int
}

// DefaultLSMConfig returns production-ready defaults.
func DefaultLSMConfig() LSMConfig {
	return LSMConfig{
		MemTableSize:      64 * 1024 * 1024, // 64MB
		CompactionTrigger: 8,
		WALSyncMode:       SyncBatch,
		SyncInterval:      100 * time.Millisecond,
		Compression:       CompressionLZ4,
		BlockSize:         defaultBlockSize,
	}
}

// Open creates or opens an LSM tree at the given directory.
// Existing SSTables are loaded, WALs left by a previous run are replayed and
// flushed, and the background worker is started.
func Open(dataDir string, config LSMConfig, logger *zap.Logger) (*LSM, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CompactionTrigger < 2 {
		config.CompactionTrigger = 2
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 100 * time.Millisecond
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	l := &LSM{
		config:    config,
		dataDir:   dataDir,
		logger:    logger.With(zap.String("dir", dataDir)),
		flushChan: make(chan struct{}, 1),
		closeChan: make(chan struct{}),
	}

	if err := l.loadSSTables(); err != nil {
		return nil, fmt.Errorf("failed to load SSTables: %w", err)
	}

	if err := l.recover(); err != nil {
		l.closeTables()
		return nil, fmt.Errorf("failed to recover from WAL: %w", err)
	}

	if err := l.newActive(); err != nil {
		l.closeTables()
		return nil, err
	}

	l.wg.Add(1)
	go l.worker()

	return l, nil
}

func (l *LSM) loadSSTables() error {
	tmps, _ := filepath.Glob(filepath.Join(l.dataDir, "*.tmp"))
	for _, p := range tmps {
		os.Remove(p)
	}

	paths, err := filepath.Glob(filepath.Join(l.dataDir, "*.sst"))
	if err != nil {
		return err
	}

	tables := make([]*SSTable, len(paths))
	g := new(errgroup.Group)
	g.SetLimit(8)
	for i, path := range paths {
		g.Go(func() error {
			sst, err := OpenSSTable(path)
			if err != nil {
				return err
			}
			tables[i] = sst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, sst := range tables {
			if sst != nil {
				sst.Close()
			}
		}
		return err
	}

	// Drop leftovers of an interrupted compaction or a flush whose WAL
	// was replayed again.
	live := make([]*SSTable, 0, len(tables))
	for _, sst := range tables {
		stale := false
		for _, other := range tables {
			if other.covers(sst) {
				stale = true
				break
			}
		}
		if stale {
			l.logger.Warn("removing superseded sstable", zap.String("path", sst.Path()))
			sst.Close()
			os.Remove(sst.Path())
			continue
		}
		live = append(live, sst)
	}
	sortTables(live)
	l.tables = live

	for _, sst := range l.tables {
		l.observeID(sst.ID())
		if sst.MaxSeq() > l.seq.Load() {
			l.seq.Store(sst.MaxSeq())
		}
	}
	return nil
}

func sortTables(tables []*SSTable) {
	sort.Slice(tables, func(i, j int) bool {
		if tables[i].MaxSeq() != tables[j].MaxSeq() {
			return tables[i].MaxSeq() < tables[j].MaxSeq()
		}
		return tables[i].ID() < tables[j].ID()
	})
}

func (l *LSM) observeID(id uint64) {
	for {
		cur := l.nextID.Load()
		if id < cur || l.nextID.CompareAndSwap(cur, id+1) {
			return
		}
	}
}

// recover replays every WAL left on disk into one memtable, flushes it to an
// SSTable and removes the WAL files.
func (l *LSM) recover() error {
	ids, err := listWALs(l.dataDir)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		l.observeID(id)
	}

	mem := NewMemTable(l.nextID.Add(1) - 1)
	for _, id := range ids {
		path := filepath.Join(l.dataDir, walFileName(id))
		entries, err := RecoverWAL(path)
		if errors.Is(err, ErrTruncatedWAL) {
			l.logger.Warn("dropping torn WAL tail",
				zap.String("wal", path),
				zap.Int("recovered", len(entries)))
		} else if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, entry := range entries {
			if err := mem.Apply(entry); err != nil {
				return err
			}
			if entry.Seq > l.seq.Load() {
				l.seq.Store(entry.Seq)
			}
		}
	}

	if mem.Count() > 0 {
		sst, err := l.writeTable(mem.ID(), mem.Entries(), 0, 0)
		if err != nil {
			return err
		}
		l.tables = append(l.tables, sst)
		sortTables(l.tables)
		l.logger.Info("recovered WAL",
			zap.Int("wals", len(ids)),
			zap.Int64("entries", mem.Count()))
	}

	for _, id := range ids {
		if err := os.Remove(filepath.Join(l.dataDir, walFileName(id))); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// newActive installs a fresh memtable and WAL. Caller must hold l.mu or be
// the only user of l.
func (l *LSM) newActive() error {
	id := l.nextID.Add(1) - 1
	wal, err := OpenWAL(filepath.Join(l.dataDir, walFileName(id)), WALConfig{SyncMode: l.config.WALSyncMode})
	if err != nil {
		return fmt.Errorf("failed to open WAL: %w", err)
	}
	l.wal = wal
	l.memtable = NewMemTable(id)
	return nil
}

func (l *LSM) write(entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return ErrClosed
	}

	entry.Seq = l.seq.Add(1)
	if err := l.wal.Append(entry); err != nil {
		return fmt.Errorf("WAL append failed: %w", err)
	}
	if err := l.memtable.Apply(entry); err != nil {
		return err
	}

	if l.memtable.ShouldFlush(l.config.MemTableSize) {
		l.rotate()
	}
	return nil
}

// Put inserts or updates a key-value pair. The engine keeps a reference to
// value; callers must not modify it afterwards.
func (l *LSM) Put(key uint64, value []byte) error {
	return l.write(&Entry{Key: key, Value: value})
}

// Sync returns once every write accepted so far has left the WAL buffer:
// handed to the OS under SyncNone, fsynced otherwise. Callers that keep
// related data in several engines use it to order their writes across a
// crash.
func (l *LSM) Sync() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed.Load() {
		return ErrClosed
	}
	if l.config.WALSyncMode == SyncNone {
		return l.wal.Flush()
	}
	return l.wal.Sync()
}

// Delete marks a key as deleted.
func (l *LSM) Delete(key uint64) error {
	return l.write(&Entry{Key: key, Deleted: true})
}

// Get retrieves a value by key.
func (l *LSM) Get(key uint64) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed.Load() {
		return nil, ErrClosed
	}

	// 1. Active memtable
	if entry, found := l.memtable.Get(key); found {
		return entryValue(entry)
	}

	// 2. Immutable memtables, newest first
	for i := len(l.immutable) - 1; i >= 0; i-- {
		if entry, found := l.immutable[i].Get(key); found {
			return entryValue(entry)
		}
	}

	// 3. SSTables, newest first
	for i := len(l.tables) - 1; i >= 0; i-- {
		entry, found, err := l.tables[i].Get(key)
		if err != nil {
			return nil, err
		}
		if found {
			return entryValue(entry)
		}
	}

	return nil, ErrKeyNotFound
}

func entryValue(entry *Entry) ([]byte, error) {
	if entry.Deleted {
		return nil, ErrKeyNotFound
	}
	return entry.Value, nil
}

// Scan calls fn for every live key in ascending order with its latest value,
// until fn returns false. The merged view is materialized before the first
// callback, so fn may write to the engine.
func (l *LSM) Scan(fn func(key uint64, value []byte) bool) error {
	l.mu.RLock()
	if l.closed.Load() {
		l.mu.RUnlock()
		return ErrClosed
	}
	merged, err := l.mergedLocked()
	l.mu.RUnlock()
	if err != nil {
		return err
	}

	for _, entry := range merged {
		if entry.Deleted {
			continue
		}
		if !fn(entry.Key, entry.Value) {
			return nil
		}
	}
	return nil
}

// mergedLocked returns the newest version of every key across all sources in
// key order. Caller must hold l.mu.
func (l *LSM) mergedLocked() ([]*Entry, error) {
	latest := make(map[uint64]*Entry)
	for _, sst := range l.tables {
		if err := sst.Ascend(func(e *Entry) bool {
			latest[e.Key] = e
			return true
		}); err != nil {
			return nil, err
		}
	}
	mems := append(append([]*MemTable{}, l.immutable...), l.memtable)
	for _, mem := range mems {
		for _, e := range mem.Entries() {
			latest[e.Key] = e
		}
	}
	return sortedEntries(latest), nil
}

func sortedEntries(latest map[uint64]*Entry) []*Entry {
	entries := make([]*Entry, 0, len(latest))
	for _, e := range latest {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// rotate freezes the active memtable and hands it to the flush worker.
// Caller must hold l.mu.
func (l *LSM) rotate() {
	if l.memtable.Count() == 0 {
		return
	}

	oldWAL, oldMem := l.wal, l.memtable
	if err := l.newActive(); err != nil {
		// Keep writing to the current memtable; retry on the next write.
		l.logger.Error("memtable rotation failed", zap.Error(err))
		return
	}
	if err := oldWAL.Close(); err != nil {
		l.logger.Warn("closing rotated WAL", zap.Error(err))
	}

	oldMem.Freeze()
	l.immutable = append(l.immutable, oldMem)

	select {
	case l.flushChan <- struct{}{}:
	default:
	}
}

func (l *LSM) worker() {
	defer l.wg.Done()

	var syncTick <-chan time.Time
	if l.config.WALSyncMode == SyncBatch {
		ticker := time.NewTicker(l.config.SyncInterval)
		defer ticker.Stop()
		syncTick = ticker.C
	}

	for {
		select {
		case <-l.closeChan:
			return
		case <-syncTick:
			l.mu.RLock()
			err := l.wal.Sync()
			l.mu.RUnlock()
			if err != nil {
				l.logger.Error("WAL sync failed", zap.Error(err))
			}
		case <-l.flushChan:
			if err := l.flushImmutable(); err != nil {
				l.logger.Error("memtable flush failed", zap.Error(err))
				continue
			}
			if l.tableCount() >= l.config.CompactionTrigger {
				if err := l.Compact(); err != nil {
					l.logger.Error("compaction failed", zap.Error(err))
				}
			}
		}
	}
}

func (l *LSM) tableCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tables)
}

// flushImmutable writes every frozen memtable to an SSTable, oldest first.
// A memtable stays readable in the immutable list until its table is live.
func (l *LSM) flushImmutable() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	for {
		l.mu.RLock()
		if len(l.immutable) == 0 {
			l.mu.RUnlock()
			return nil
		}
		mem := l.immutable[0]
		l.mu.RUnlock()

		sst, err := l.writeTable(mem.ID(), mem.Entries(), 0, 0)
		if err != nil {
			return err
		}

		l.mu.Lock()
		l.tables = append(l.tables, sst)
		sortTables(l.tables)
		l.immutable = l.immutable[1:]
		l.mu.Unlock()

		walPath := filepath.Join(l.dataDir, walFileName(mem.ID()))
		if err := os.Remove(walPath); err != nil && !os.IsNotExist(err) {
			l.logger.Warn("removing flushed WAL", zap.String("wal", walPath), zap.Error(err))
		}
		l.logger.Debug("flushed memtable",
			zap.Uint64("id", mem.ID()),
			zap.Uint64("entries", sst.EntryCount()))
	}
}

func (l *LSM) writeTable(id uint64, entries []*Entry, minSeq, maxSeq uint64) (*SSTable, error) {
	path := filepath.Join(l.dataDir, sstFileName(id))
	writer, err := NewSSTableWriter(path, SSTableOptions{
		Compression: l.config.Compression,
		BlockSize:   l.config.BlockSize,
	})
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if err := writer.Add(entry); err != nil {
			writer.Abort()
			return nil, err
		}
	}
	if maxSeq > 0 {
		writer.CoverSeq(minSeq, maxSeq)
	}
	if err := writer.Finish(); err != nil {
		return nil, err
	}
	return OpenSSTable(path)
}

// Flush freezes the active memtable and writes every pending memtable to disk.
func (l *LSM) Flush() error {
	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		return ErrClosed
	}
	l.rotate()
	l.mu.Unlock()
	return l.flushImmutable()
}

// Compact merges all SSTables into one, keeping the newest version of each
// key and dropping tombstones. The output records the full sequence range of
// its inputs so leftovers from an interrupted compaction are recognized on
// the next Open.
func (l *LSM) Compact() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.RLock()
	inputs := append([]*SSTable{}, l.tables...)
	l.mu.RUnlock()
	if len(inputs) < 2 {
		return nil
	}

	latest := make(map[uint64]*Entry)
	minSeq, maxSeq := inputs[0].MinSeq(), uint64(0)
	for _, sst := range inputs {
		if err := sst.Ascend(func(e *Entry) bool {
			latest[e.Key] = e
			return true
		}); err != nil {
			return err
		}
		minSeq = min(minSeq, sst.MinSeq())
		maxSeq = max(maxSeq, sst.MaxSeq())
	}

	live := make([]*Entry, 0, len(latest))
	for _, e := range sortedEntries(latest) {
		if !e.Deleted {
			live = append(live, e)
		}
	}

	out, err := l.writeTable(l.nextID.Add(1)-1, live, minSeq, maxSeq)
	if err != nil {
		return err
	}

	l.mu.Lock()
	rest := l.tables[len(inputs):]
	l.tables = append([]*SSTable{out}, rest...)
	sortTables(l.tables)
	l.mu.Unlock()

	for _, sst := range inputs {
		sst.Close()
		if err := os.Remove(sst.Path()); err != nil {
			l.logger.Warn("removing compacted sstable", zap.String("path", sst.Path()), zap.Error(err))
		}
	}

	l.logger.Info("compacted sstables",
		zap.Int("inputs", len(inputs)),
		zap.Int("live_keys", len(live)),
		zap.Int("dropped", len(latest)-len(live)))
	return nil
}

func (l *LSM) closeTables() {
	for _, sst := range l.tables {
		sst.Close()
	}
	l.tables = nil
}

// Close gracefully shuts down the LSM tree: the worker is stopped, pending
// memtables are flushed and all files are closed.
func (l *LSM) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.closeChan)
	l.wg.Wait()

	l.mu.Lock()
	l.rotate()
	l.mu.Unlock()
	flushErr := l.flushImmutable()

	l.mu.Lock()
	defer l.mu.Unlock()

	walErr := l.wal.Close()
	if flushErr == nil && l.memtable.Count() == 0 {
		os.Remove(l.wal.Path())
	}
	l.closeTables()

	return errors.Join(flushErr, walErr)
}

// Stats returns current statistics.
func (l *LSM) Stats() LSMStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var tableEntries uint64
	for _, sst := range l.tables {
		tableEntries += sst.EntryCount()
	}

	return LSMStats{
		MemTableSize:   l.memtable.Size(),
		MemTableCount:  l.memtable.Count(),
		ImmutableCount: len(l.immutable),
		SSTableCount:   len(l.tables),
		SSTableEntries: tableEntries,
		LastSeq:        l.seq.Load(),
	}
}

// LSMStats contains runtime statistics.
type LSMStats struct {
	MemTableSize   int64
	MemTableCount  int64
	ImmutableCount int
	SSTableCount   int
	SSTableEntries uint64
	LastSeq        uint64
}
