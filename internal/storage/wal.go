package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// WAL (Write-Ahead Log) provides durability for memtable writes.
// Every write is appended to the WAL before being applied to the memtable.
// Each memtable owns one WAL file; the file is removed once the memtable
// has been flushed to an SSTable.
//
// Record format:
//   - xxhash64 checksum of the payload (8 bytes)
//   - payload length (4 bytes)
//   - payload: seq (8) | key (8) | flags (1) | value (rest)
type WAL struct {
	file     *os.File
	writer   *bufio.Writer
	path     string
	mu       sync.Mutex
	size     int64
	dirty    bool
	syncMode SyncMode
}

// SyncMode determines when WAL writes are synced to disk.
type SyncMode int

const (
	// SyncNone - no explicit sync (fastest, least durable)
	SyncNone SyncMode = iota
	// SyncBatch - sync from the engine's background worker at a fixed interval
	SyncBatch
	// SyncAlways - fsync after every write (slowest, most durable)
	SyncAlways
)

// ParseSyncMode maps a config string to a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(s) {
	case "none":
		return SyncNone, nil
	case "", "batch":
		return SyncBatch, nil
	case "always":
		return SyncAlways, nil
	default:
		return SyncNone, fmt.Errorf("unknown sync mode %q", s)
	}
}

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBatch:
		return "batch"
	case SyncAlways:
		return "always"
	default:
		return "unknown"
	}
}

const (
	walHeaderSize  = 12
	walPayloadBase = 17
	walFlagDeleted = 1 << 0
	// maxWALRecord bounds a single record: a full array at MaxValueSize plus framing.
	maxWALRecord = MaxValueSize + walPayloadBase
)

// WALConfig configures WAL behavior.
type WALConfig struct {
	SyncMode SyncMode
}

// DefaultWALConfig returns sensible defaults.
func DefaultWALConfig() WALConfig {
	return WALConfig{
		SyncMode: SyncBatch,
	}
}

func walFileName(id uint64) string {
	return fmt.Sprintf("wal-%08d.log", id)
}

// OpenWAL opens or creates a WAL file.
func OpenWAL(path string, config WALConfig) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriterSize(file, 64*1024), // 64KB buffer
		path:     path,
		size:     info.Size(),
		syncMode: config.SyncMode,
	}, nil
}

// Append writes an entry to the WAL.
func (w *WAL) Append(entry *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload := encodeWALPayload(entry)

	var header [walHeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:], xxhash.Sum64(payload))
	binary.LittleEndian.PutUint32(header[8:], uint32(len(payload)))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}

	w.size += int64(walHeaderSize + len(payload))
	w.dirty = true

	if w.syncMode == SyncAlways {
		return w.sync()
	}
	return nil
}

func encodeWALPayload(entry *Entry) []byte {
	buf := make([]byte, walPayloadBase+len(entry.Value))
	binary.LittleEndian.PutUint64(buf[0:], entry.Seq)
	binary.LittleEndian.PutUint64(buf[8:], entry.Key)
	if entry.Deleted {
		buf[16] = walFlagDeleted
	} else {
		copy(buf[walPayloadBase:], entry.Value)
	}
	return buf
}

func decodeWALPayload(data []byte) (*Entry, error) {
	if len(data) < walPayloadBase {
		return nil, ErrCorruptedWAL
	}
	entry := &Entry{
		Seq:     binary.LittleEndian.Uint64(data[0:]),
		Key:     binary.LittleEndian.Uint64(data[8:]),
		Deleted: data[16]&walFlagDeleted != 0,
	}
	if !entry.Deleted {
		entry.Value = append([]byte{}, data[walPayloadBase:]...)
	}
	return entry, nil
}

// Sync flushes and syncs the WAL to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sync()
}

// Flush hands buffered records to the OS without waiting for the disk.
// They survive a process crash but not a power loss.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.Flush()
}

func (w *WAL) sync() error {
	if !w.dirty {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.dirty = false
	return nil
}

// Size returns the current WAL file size.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the WAL file path.
func (w *WAL) Path() string {
	return w.path
}

// Close flushes buffered records and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if w.syncMode != SyncNone {
		if err := w.file.Sync(); err != nil {
			w.file.Close()
			return err
		}
	}
	return w.file.Close()
}

// RecoverWAL reads all entries from the WAL for replay.
//
// A record cut short at the end of the file is reported as ErrTruncatedWAL
// together with every complete record before it. A checksum mismatch
// followed by more data is ErrCorruptedWAL.
func RecoverWAL(path string) ([]*Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No WAL to recover
		}
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var entries []*Entry

	for {
		var header [walHeaderSize]byte
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if err == io.EOF {
				return entries, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return entries, ErrTruncatedWAL
			}
			return entries, err
		}

		checksum := binary.LittleEndian.Uint64(header[0:])
		length := binary.LittleEndian.Uint32(header[8:])
		if int64(length) > maxWALRecord {
			return entries, atTail(reader)
		}

		data, err := io.ReadAll(io.LimitReader(reader, int64(length)))
		if err != nil {
			return entries, err
		}
		if len(data) < int(length) {
			return entries, ErrTruncatedWAL
		}

		if xxhash.Sum64(data) != checksum {
			return entries, atTail(reader)
		}

		entry, err := decodeWALPayload(data)
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
}

// atTail classifies a bad record: garbage in the final record is a torn
// write, garbage followed by more records is corruption.
func atTail(reader *bufio.Reader) error {
	if _, err := reader.Peek(1); err == io.EOF {
		return ErrTruncatedWAL
	}
	return ErrCorruptedWAL
}

// listWALs returns the ids of all WAL files in dir, oldest first.
func listWALs(dir string) ([]uint64, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(paths))
	for _, p := range paths {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), "wal-"), ".log")
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
