package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// SSTable (Sorted String Table) is an immutable on-disk data structure.
// It stores entries sorted by key, grouped in optionally compressed blocks,
// with an index for fast lookups.
//
// File format:
//
//	┌─────────────────────────────────────────────────────────────┐
//	│ Data Blocks                                                 │
//	│   header: checksum(8) codec(1) rawLen(4) storedLen(4)       │
//	│   body:   [key(8) seq(8) flags(1) valueLen(4) value] ...    │
//	├─────────────────────────────────────────────────────────────┤
//	│ Index Block                                                 │
//	│   [firstKey(8), lastKey(8), blockOffset(8), blockSize(4)]   │
//	├─────────────────────────────────────────────────────────────┤
//	│ Footer (72 bytes)                                           │
//	│   indexOffset, indexSize, entryCount, minKey, maxKey,       │
//	│   minSeq, maxSeq, indexChecksum (8 bytes each)              │
//	│   version (4 bytes), magic number (4 bytes)                 │
//	└─────────────────────────────────────────────────────────────┘
const (
	sstableMagic       = 0x43485354 // "CHST"
	sstableVersion     = 1
	defaultBlockSize   = 4 * 1024 // 4KB blocks
	blockHeaderSize    = 17
	blockEntryBase     = 21
	indexEntrySize     = 28
	sstableFooterSize  = 72
	sstableFlagDeleted = 1 << 0
)

// SSTableOptions configures an SSTable writer.
type SSTableOptions struct {
	Compression Compression
	BlockSize   int
}

// DefaultSSTableOptions returns sensible defaults.
func DefaultSSTableOptions() SSTableOptions {
	return SSTableOptions{
		Compression: CompressionNone,
		BlockSize:   defaultBlockSize,
	}
}

// SSTableWriter writes entries to an SSTable file.
// Data goes to a temporary file that is renamed into place by Finish.
type SSTableWriter struct {
	file       *os.File
	writer     *bufio.Writer
	path       string
	opts       SSTableOptions
	index      []indexEntry
	blockBuf   []byte
	entryCount uint64
	minKey     uint64
	maxKey     uint64
	minSeq     uint64
	maxSeq     uint64
	offset     int64
}

type indexEntry struct {
	firstKey    uint64
	lastKey     uint64
	blockOffset int64
	blockSize   uint32
}

// NewSSTableWriter creates a writer for a new SSTable at path.
func NewSSTableWriter(path string, opts SSTableOptions) (*SSTableWriter, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = defaultBlockSize
	}
	file, err := os.Create(path + ".tmp")
	if err != nil {
		return nil, err
	}

	return &SSTableWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
		opts:   opts,
	}, nil
}

// Add writes an entry to the SSTable. Entries must be added in strictly
// increasing key order.
func (w *SSTableWriter) Add(entry *Entry) error {
	if w.entryCount > 0 && entry.Key <= w.maxKey {
		return fmt.Errorf("%w: %d after %d", ErrUnsortedKeys, entry.Key, w.maxKey)
	}
	if w.entryCount == 0 {
		w.minKey = entry.Key
	}
	w.maxKey = entry.Key
	w.entryCount++
	w.CoverSeq(entry.Seq, entry.Seq)

	if len(w.blockBuf) == 0 {
		w.index = append(w.index, indexEntry{
			firstKey:    entry.Key,
			blockOffset: w.offset,
		})
	}
	w.index[len(w.index)-1].lastKey = entry.Key
	w.blockBuf = appendBlockEntry(w.blockBuf, entry)

	if len(w.blockBuf) >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

func appendBlockEntry(buf []byte, entry *Entry) []byte {
	var head [blockEntryBase]byte
	binary.LittleEndian.PutUint64(head[0:], entry.Key)
	binary.LittleEndian.PutUint64(head[8:], entry.Seq)
	if entry.Deleted {
		head[16] = sstableFlagDeleted
	} else {
		binary.LittleEndian.PutUint32(head[17:], uint32(len(entry.Value)))
	}
	buf = append(buf, head[:]...)
	if !entry.Deleted {
		buf = append(buf, entry.Value...)
	}
	return buf
}

func (w *SSTableWriter) flushBlock() error {
	if len(w.blockBuf) == 0 {
		return nil
	}

	stored, codec, err := compressBlock(w.blockBuf, w.opts.Compression)
	if err != nil {
		return err
	}

	var header [blockHeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:], xxhash.Sum64(stored))
	header[8] = byte(codec)
	binary.LittleEndian.PutUint32(header[9:], uint32(len(w.blockBuf)))
	binary.LittleEndian.PutUint32(header[13:], uint32(len(stored)))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(stored); err != nil {
		return err
	}

	total := blockHeaderSize + len(stored)
	w.index[len(w.index)-1].blockSize = uint32(total)
	w.offset += int64(total)
	w.blockBuf = w.blockBuf[:0]
	return nil
}

// Finish completes the SSTable, writes the index and footer, and renames the
// file into place.
func (w *SSTableWriter) Finish() error {
	if err := w.flushBlock(); err != nil {
		w.Abort()
		return err
	}

	indexBuf := make([]byte, 0, len(w.index)*indexEntrySize)
	for _, idx := range w.index {
		indexBuf = binary.LittleEndian.AppendUint64(indexBuf, idx.firstKey)
		indexBuf = binary.LittleEndian.AppendUint64(indexBuf, idx.lastKey)
		indexBuf = binary.LittleEndian.AppendUint64(indexBuf, uint64(idx.blockOffset))
		indexBuf = binary.LittleEndian.AppendUint32(indexBuf, idx.blockSize)
	}
	if _, err := w.writer.Write(indexBuf); err != nil {
		w.Abort()
		return err
	}

	footer := make([]byte, 0, sstableFooterSize)
	footer = binary.LittleEndian.AppendUint64(footer, uint64(w.offset))
	footer = binary.LittleEndian.AppendUint64(footer, uint64(len(indexBuf)))
	footer = binary.LittleEndian.AppendUint64(footer, w.entryCount)
	footer = binary.LittleEndian.AppendUint64(footer, w.minKey)
	footer = binary.LittleEndian.AppendUint64(footer, w.maxKey)
	footer = binary.LittleEndian.AppendUint64(footer, w.minSeq)
	footer = binary.LittleEndian.AppendUint64(footer, w.maxSeq)
	footer = binary.LittleEndian.AppendUint64(footer, xxhash.Sum64(indexBuf))
	footer = binary.LittleEndian.AppendUint32(footer, sstableVersion)
	footer = binary.LittleEndian.AppendUint32(footer, sstableMagic)
	if _, err := w.writer.Write(footer); err != nil {
		w.Abort()
		return err
	}

	if err := w.writer.Flush(); err != nil {
		w.Abort()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.Abort()
		return err
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return err
	}
	return os.Rename(w.file.Name(), w.path)
}

// CoverSeq widens the sequence range recorded in the footer. Compaction uses
// it so that the output covers every input even when tombstones are dropped.
func (w *SSTableWriter) CoverSeq(minSeq, maxSeq uint64) {
	if w.minSeq == 0 || minSeq < w.minSeq {
		w.minSeq = minSeq
	}
	if maxSeq > w.maxSeq {
		w.maxSeq = maxSeq
	}
}

// Abort discards a partially written table.
func (w *SSTableWriter) Abort() {
	w.file.Close()
	os.Remove(w.file.Name())
}

// EntryCount returns the number of entries added so far.
func (w *SSTableWriter) EntryCount() uint64 {
	return w.entryCount
}

// Path returns the final file path.
func (w *SSTableWriter) Path() string {
	return w.path
}

// SSTable represents an open SSTable file for reading. Reads use ReadAt and
// are safe for concurrent use.
type SSTable struct {
	file       *os.File
	path       string
	id         uint64
	index      []indexEntry
	minKey     uint64
	maxKey     uint64
	minSeq     uint64
	maxSeq     uint64
	entryCount uint64
}

// OpenSSTable opens an existing SSTable for reading.
func OpenSSTable(path string) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	sst := &SSTable{file: file, path: path, id: parseTableID(path)}
	if err := sst.load(); err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sst, nil
}

func (s *SSTable) load() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	fileSize := info.Size()
	if fileSize < sstableFooterSize {
		return ErrCorruptedSSTable
	}

	footer := make([]byte, sstableFooterSize)
	if _, err := s.file.ReadAt(footer, fileSize-sstableFooterSize); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(footer[68:]) != sstableMagic {
		return ErrCorruptedSSTable
	}
	if v := binary.LittleEndian.Uint32(footer[64:]); v != sstableVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptedSSTable, v)
	}

	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:]))
	indexSize := int64(binary.LittleEndian.Uint64(footer[8:]))
	s.entryCount = binary.LittleEndian.Uint64(footer[16:])
	s.minKey = binary.LittleEndian.Uint64(footer[24:])
	s.maxKey = binary.LittleEndian.Uint64(footer[32:])
	s.minSeq = binary.LittleEndian.Uint64(footer[40:])
	s.maxSeq = binary.LittleEndian.Uint64(footer[48:])
	indexChecksum := binary.LittleEndian.Uint64(footer[56:])

	if indexOffset < 0 || indexSize < 0 || indexSize%indexEntrySize != 0 ||
		indexOffset+indexSize != fileSize-sstableFooterSize {
		return ErrCorruptedSSTable
	}

	indexBuf := make([]byte, indexSize)
	if _, err := s.file.ReadAt(indexBuf, indexOffset); err != nil {
		return err
	}
	if xxhash.Sum64(indexBuf) != indexChecksum {
		return ErrCorruptedSSTable
	}

	s.index = make([]indexEntry, 0, indexSize/indexEntrySize)
	for off := 0; off < len(indexBuf); off += indexEntrySize {
		s.index = append(s.index, indexEntry{
			firstKey:    binary.LittleEndian.Uint64(indexBuf[off:]),
			lastKey:     binary.LittleEndian.Uint64(indexBuf[off+8:]),
			blockOffset: int64(binary.LittleEndian.Uint64(indexBuf[off+16:])),
			blockSize:   binary.LittleEndian.Uint32(indexBuf[off+24:]),
		})
	}
	return nil
}

// Get looks up a key in the SSTable. Tombstones are returned with
// Deleted set so the caller stops searching older tables.
func (s *SSTable) Get(key uint64) (*Entry, bool, error) {
	if !s.Contains(key) {
		return nil, false, nil
	}

	blockIdx := sort.Search(len(s.index), func(i int) bool {
		return s.index[i].lastKey >= key
	})
	if blockIdx >= len(s.index) || s.index[blockIdx].firstKey > key {
		return nil, false, nil
	}

	block, err := s.readBlock(blockIdx)
	if err != nil {
		return nil, false, err
	}

	i := sort.Search(len(block), func(i int) bool { return block[i].Key >= key })
	if i < len(block) && block[i].Key == key {
		return block[i], true, nil
	}
	return nil, false, nil
}

func (s *SSTable) readBlock(idx int) ([]*Entry, error) {
	blockEntry := s.index[idx]
	if blockEntry.blockSize < blockHeaderSize {
		return nil, ErrCorruptedSSTable
	}

	data := make([]byte, blockEntry.blockSize)
	if _, err := s.file.ReadAt(data, blockEntry.blockOffset); err != nil {
		if err == io.EOF {
			return nil, ErrCorruptedSSTable
		}
		return nil, err
	}

	checksum := binary.LittleEndian.Uint64(data[0:])
	codec := Compression(data[8])
	rawLen := binary.LittleEndian.Uint32(data[9:])
	storedLen := binary.LittleEndian.Uint32(data[13:])
	if int(storedLen) != len(data)-blockHeaderSize {
		return nil, ErrCorruptedSSTable
	}

	stored := data[blockHeaderSize:]
	if xxhash.Sum64(stored) != checksum {
		return nil, ErrCorruptedSSTable
	}

	raw, err := decompressBlock(stored, codec, int(rawLen))
	if err != nil {
		return nil, err
	}
	return parseBlockEntries(raw)
}

func parseBlockEntries(data []byte) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	offset := 0

	for offset < len(data) {
		if offset+blockEntryBase > len(data) {
			return nil, ErrCorruptedSSTable
		}
		entry := &Entry{
			Key:     binary.LittleEndian.Uint64(data[offset:]),
			Seq:     binary.LittleEndian.Uint64(data[offset+8:]),
			Deleted: data[offset+16]&sstableFlagDeleted != 0,
		}
		valueLen := int(binary.LittleEndian.Uint32(data[offset+17:]))
		offset += blockEntryBase

		if !entry.Deleted {
			if offset+valueLen > len(data) {
				return nil, ErrCorruptedSSTable
			}
			entry.Value = make([]byte, valueLen)
			copy(entry.Value, data[offset:offset+valueLen])
			offset += valueLen
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Ascend calls fn for every entry in key order, tombstones included, until
// fn returns false.
func (s *SSTable) Ascend(fn func(*Entry) bool) error {
	for i := range s.index {
		block, err := s.readBlock(i)
		if err != nil {
			return err
		}
		for _, entry := range block {
			if !fn(entry) {
				return nil
			}
		}
	}
	return nil
}

// Contains checks if a key might be in this SSTable (using key range).
func (s *SSTable) Contains(key uint64) bool {
	return s.entryCount > 0 && key >= s.minKey && key <= s.maxKey
}

// Close closes the SSTable file.
func (s *SSTable) Close() error {
	return s.file.Close()
}

// Path returns the file path.
func (s *SSTable) Path() string {
	return s.path
}

// EntryCount returns the number of entries in this SSTable.
func (s *SSTable) EntryCount() uint64 {
	return s.entryCount
}

// ID returns the numeric id parsed from the file name.
func (s *SSTable) ID() uint64 {
	return s.id
}

// MinSeq returns the lowest sequence number covered by this SSTable.
func (s *SSTable) MinSeq() uint64 {
	return s.minSeq
}

// MaxSeq returns the highest sequence number covered by this SSTable.
func (s *SSTable) MaxSeq() uint64 {
	return s.maxSeq
}

// covers reports whether every write in other is also reflected in s,
// i.e. other is a leftover input of a compaction that produced s, or a
// duplicate flush of the same WAL.
func (s *SSTable) covers(other *SSTable) bool {
	if s == other || s.minSeq > other.minSeq || other.maxSeq > s.maxSeq {
		return false
	}
	if s.minSeq == other.minSeq && s.maxSeq == other.maxSeq {
		return s.id > other.id
	}
	return true
}

func sstFileName(id uint64) string {
	return fmt.Sprintf("%08d.sst", id)
}

func parseTableID(path string) uint64 {
	id, err := strconv.ParseUint(strings.TrimSuffix(filepath.Base(path), ".sst"), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
