package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testConfig() LSMConfig {
	config := DefaultLSMConfig()
	config.MemTableSize = 1024 * 1024
	config.WALSyncMode = SyncNone
	return config
}

func TestSkipList_BasicOperations(t *testing.T) {
	sl := NewSkipList()

	sl.Put(1, []byte("value1"), 1)
	sl.Put(2, []byte("value2"), 2)
	sl.Put(3, []byte("value3"), 3)

	entry, found := sl.Get(1)
	require.True(t, found)
	assert.Equal(t, "value1", string(entry.Value))

	_, found = sl.Get(42)
	assert.False(t, found)

	// Tombstones stay visible so they can shadow older tables.
	sl.Delete(2, 4)
	entry, found = sl.Get(2)
	require.True(t, found)
	assert.True(t, entry.Deleted)

	sl.Put(1, []byte("updated"), 5)
	entry, found = sl.Get(1)
	require.True(t, found)
	assert.Equal(t, "updated", string(entry.Value))
	assert.Equal(t, uint64(5), entry.Seq)
	assert.Equal(t, int64(3), sl.Count())
}

func TestSkipList_Iterator(t *testing.T) {
	sl := NewSkipList()
	for _, k := range []uint64{30, 10, 20, 50, 40} {
		sl.Put(k, []byte{byte(k)}, k)
	}

	iter := sl.NewIterator()
	var keys []uint64
	for iter.Next() {
		keys = append(keys, iter.Entry().Key)
	}
	iter.Close()
	assert.Equal(t, []uint64{10, 20, 30, 40, 50}, keys)
}

func TestMemTable_Freeze(t *testing.T) {
	mt := NewMemTable(7)
	require.NoError(t, mt.Put(1, []byte("bar"), 1))

	entry, found := mt.Get(1)
	require.True(t, found)
	assert.Equal(t, "bar", string(entry.Value))

	mt.Freeze()
	assert.ErrorIs(t, mt.Put(2, []byte("x"), 2), ErrMemTableFrozen)
	assert.ErrorIs(t, mt.Delete(1, 3), ErrMemTableFrozen)
	assert.Equal(t, uint64(7), mt.ID())
}

func TestWAL_WriteAndRecover(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "test.wal")

	wal, err := OpenWAL(walPath, WALConfig{SyncMode: SyncAlways})
	require.NoError(t, err)
	entries := []*Entry{
		{Key: 1, Value: []byte("value1"), Seq: 1},
		{Key: 2, Value: []byte("value2"), Seq: 2},
		{Key: 3, Deleted: true, Seq: 3},
	}
	for _, entry := range entries {
		require.NoError(t, wal.Append(entry))
	}
	require.NoError(t, wal.Close())

	recovered, err := RecoverWAL(walPath)
	require.NoError(t, err)
	require.Len(t, recovered, 3)
	assert.Equal(t, uint64(1), recovered[0].Key)
	assert.Equal(t, "value1", string(recovered[0].Value))
	assert.True(t, recovered[2].Deleted)
	assert.Equal(t, uint64(3), recovered[2].Seq)
}

func TestWAL_TornTail(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "torn.wal")

	wal, err := OpenWAL(walPath, DefaultWALConfig())
	require.NoError(t, err)
	require.NoError(t, wal.Append(&Entry{Key: 1, Value: []byte("complete"), Seq: 1}))
	require.NoError(t, wal.Append(&Entry{Key: 2, Value: []byte("partial"), Seq: 2}))
	require.NoError(t, wal.Close())

	info, err := os.Stat(walPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(walPath, info.Size()-3))

	recovered, err := RecoverWAL(walPath)
	assert.ErrorIs(t, err, ErrTruncatedWAL)
	require.Len(t, recovered, 1)
	assert.Equal(t, "complete", string(recovered[0].Value))
}

func TestWAL_CorruptedRecord(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "corrupt.wal")

	wal, err := OpenWAL(walPath, DefaultWALConfig())
	require.NoError(t, err)
	require.NoError(t, wal.Append(&Entry{Key: 1, Value: []byte("first"), Seq: 1}))
	require.NoError(t, wal.Append(&Entry{Key: 2, Value: []byte("second"), Seq: 2}))
	require.NoError(t, wal.Close())

	data, err := os.ReadFile(walPath)
	require.NoError(t, err)
	data[walHeaderSize+walPayloadBase] ^= 0xFF // flip a value byte of the first record
	require.NoError(t, os.WriteFile(walPath, data, 0644))

	_, err = RecoverWAL(walPath)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
}

func TestSSTable_WriteAndRead(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			sstPath := filepath.Join(t.TempDir(), sstFileName(1))

			writer, err := NewSSTableWriter(sstPath, SSTableOptions{Compression: c, BlockSize: 256})
			require.NoError(t, err)

			// Sparse arrays compress well, mirroring padded tier arrays.
			for k := uint64(1); k <= 200; k++ {
				value := EncodeArray([]uint64{k, k * 2, 0, 0, 0, 0, 0, 0})
				require.NoError(t, writer.Add(&Entry{Key: k * 10, Value: value, Seq: k}))
			}
			require.NoError(t, writer.Add(&Entry{Key: 5000, Deleted: true, Seq: 201}))
			require.NoError(t, writer.Finish())

			sst, err := OpenSSTable(sstPath)
			require.NoError(t, err)
			defer sst.Close()

			assert.Equal(t, uint64(201), sst.EntryCount())
			assert.Equal(t, uint64(1), sst.MinSeq())
			assert.Equal(t, uint64(201), sst.MaxSeq())
			assert.Equal(t, uint64(1), sst.ID())

			entry, found, err := sst.Get(1230)
			require.NoError(t, err)
			require.True(t, found)
			values, err := DecodeArray(entry.Value)
			require.NoError(t, err)
			assert.Equal(t, []uint64{123, 246, 0, 0, 0, 0, 0, 0}, values)

			_, found, err = sst.Get(1235)
			require.NoError(t, err)
			assert.False(t, found)

			entry, found, err = sst.Get(5000)
			require.NoError(t, err)
			require.True(t, found)
			assert.True(t, entry.Deleted)

			assert.True(t, sst.Contains(10))
			assert.False(t, sst.Contains(5))

			var count int
			require.NoError(t, sst.Ascend(func(*Entry) bool { count++; return true }))
			assert.Equal(t, 201, count)
		})
	}
}

func TestSSTable_RejectsUnsortedKeys(t *testing.T) {
	writer, err := NewSSTableWriter(filepath.Join(t.TempDir(), "x.sst"), DefaultSSTableOptions())
	require.NoError(t, err)
	defer writer.Abort()

	require.NoError(t, writer.Add(&Entry{Key: 5, Value: []byte("a"), Seq: 1}))
	assert.ErrorIs(t, writer.Add(&Entry{Key: 5, Value: []byte("b"), Seq: 2}), ErrUnsortedKeys)
}

func TestSSTable_DetectsCorruption(t *testing.T) {
	sstPath := filepath.Join(t.TempDir(), sstFileName(3))
	writer, err := NewSSTableWriter(sstPath, DefaultSSTableOptions())
	require.NoError(t, err)
	require.NoError(t, writer.Add(&Entry{Key: 1, Value: []byte("payload"), Seq: 1}))
	require.NoError(t, writer.Finish())

	data, err := os.ReadFile(sstPath)
	require.NoError(t, err)
	data[blockHeaderSize+blockEntryBase] ^= 0xFF
	require.NoError(t, os.WriteFile(sstPath, data, 0644))

	sst, err := OpenSSTable(sstPath)
	require.NoError(t, err)
	defer sst.Close()

	_, _, err = sst.Get(1)
	assert.ErrorIs(t, err, ErrCorruptedSSTable)
}

func TestLSM_BasicOperations(t *testing.T) {
	lsm, err := Open(t.TempDir(), testConfig(), nil)
	require.NoError(t, err)
	defer lsm.Close()

	require.NoError(t, lsm.Put(1, []byte("world")))

	value, err := lsm.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "world", string(value))

	require.NoError(t, lsm.Delete(1))
	_, err = lsm.Get(1)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLSM_TombstoneShadowsFlushedValue(t *testing.T) {
	lsm, err := Open(t.TempDir(), testConfig(), nil)
	require.NoError(t, err)
	defer lsm.Close()

	require.NoError(t, lsm.Put(9, []byte("old")))
	require.NoError(t, lsm.Flush())
	require.NoError(t, lsm.Delete(9))

	_, err = lsm.Get(9)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, lsm.Flush())
	_, err = lsm.Get(9)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLSM_ReopenRecoversWAL(t *testing.T) {
	dir := t.TempDir()

	lsm, err := Open(dir, testConfig(), nil)
	require.NoError(t, err)
	for k := uint64(1); k <= 100; k++ {
		require.NoError(t, lsm.Put(k, []byte(fmt.Sprintf("v%03d", k))))
	}
	require.NoError(t, lsm.Delete(50))
	// Simulate a crash: stop the worker and close the WAL without flushing.
	lsm.closed.Store(true)
	close(lsm.closeChan)
	lsm.wg.Wait()
	require.NoError(t, lsm.wal.Close())
	lsm.closeTables()

	core, logs := observer.New(zap.WarnLevel)
	reopened, err := Open(dir, testConfig(), zap.New(core))
	require.NoError(t, err)
	defer reopened.Close()

	value, err := reopened.Get(77)
	require.NoError(t, err)
	assert.Equal(t, "v077", string(value))
	_, err = reopened.Get(50)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, 0, logs.Len())

	require.NoError(t, reopened.Put(101, []byte("next")))
	assert.Greater(t, reopened.Stats().LastSeq, uint64(101))
}

func TestLSM_ReopenAfterClose(t *testing.T) {
	dir := t.TempDir()
	config := testConfig()
	config.Compression = CompressionZstd

	lsm, err := Open(dir, config, nil)
	require.NoError(t, err)
	for k := uint64(1); k <= 500; k++ {
		require.NoError(t, lsm.Put(k, EncodeArray([]uint64{k, 0, 0, 0})))
	}
	require.NoError(t, lsm.Close())

	wals, err := listWALs(dir)
	require.NoError(t, err)
	assert.Empty(t, wals)

	reopened, err := Open(dir, config, nil)
	require.NoError(t, err)
	defer reopened.Close()

	for k := uint64(1); k <= 500; k++ {
		value, err := reopened.Get(k)
		require.NoError(t, err)
		values, err := DecodeArray(value)
		require.NoError(t, err)
		assert.Equal(t, k, values[0])
	}
}

func TestLSM_FlushAndCompact(t *testing.T) {
	config := testConfig()
	config.CompactionTrigger = 100 // compact explicitly

	lsm, err := Open(t.TempDir(), config, nil)
	require.NoError(t, err)
	defer lsm.Close()

	for round := 0; round < 4; round++ {
		for k := uint64(1); k <= 50; k++ {
			require.NoError(t, lsm.Put(k, []byte(fmt.Sprintf("r%d-%d", round, k))))
		}
		require.NoError(t, lsm.Flush())
	}
	require.NoError(t, lsm.Delete(10))
	require.NoError(t, lsm.Flush())
	assert.Equal(t, 5, lsm.Stats().SSTableCount)

	require.NoError(t, lsm.Compact())
	stats := lsm.Stats()
	assert.Equal(t, 1, stats.SSTableCount)
	assert.Equal(t, uint64(49), stats.SSTableEntries)

	value, err := lsm.Get(20)
	require.NoError(t, err)
	assert.Equal(t, "r3-20", string(value))
	_, err = lsm.Get(10)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLSM_InterruptedCompactionLeftovers(t *testing.T) {
	dir := t.TempDir()
	config := testConfig()
	config.CompactionTrigger = 100

	lsm, err := Open(dir, config, nil)
	require.NoError(t, err)
	require.NoError(t, lsm.Put(1, []byte("a")))
	require.NoError(t, lsm.Flush())
	require.NoError(t, lsm.Delete(1))
	require.NoError(t, lsm.Put(2, []byte("b")))
	require.NoError(t, lsm.Flush())

	// Keep copies of the inputs to emulate a crash before they were removed.
	saved := map[string][]byte{}
	paths, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	require.NoError(t, err)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		saved[p] = data
	}
	require.NoError(t, lsm.Compact())
	require.NoError(t, lsm.Close())
	for p, data := range saved {
		require.NoError(t, os.WriteFile(p, data, 0644))
	}

	reopened, err := Open(dir, config, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.Stats().SSTableCount)
	_, err = reopened.Get(1)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	value, err := reopened.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "b", string(value))
}

func TestLSM_Scan(t *testing.T) {
	lsm, err := Open(t.TempDir(), testConfig(), nil)
	require.NoError(t, err)
	defer lsm.Close()

	require.NoError(t, lsm.Put(3, []byte("c")))
	require.NoError(t, lsm.Put(1, []byte("a")))
	require.NoError(t, lsm.Flush())
	require.NoError(t, lsm.Put(2, []byte("b")))
	require.NoError(t, lsm.Put(1, []byte("a2")))
	require.NoError(t, lsm.Delete(3))

	got := map[uint64]string{}
	var order []uint64
	require.NoError(t, lsm.Scan(func(key uint64, value []byte) bool {
		got[key] = string(value)
		order = append(order, key)
		return true
	}))
	assert.Equal(t, []uint64{1, 2}, order)
	assert.Equal(t, map[uint64]string{1: "a2", 2: "b"}, got)
}

func TestLSM_AutomaticFlush(t *testing.T) {
	config := testConfig()
	config.MemTableSize = 4 * 1024

	lsm, err := Open(t.TempDir(), config, nil)
	require.NoError(t, err)
	defer lsm.Close()

	for k := uint64(1); k <= 2000; k++ {
		require.NoError(t, lsm.Put(k, EncodeArray([]uint64{k})))
	}
	for k := uint64(1); k <= 2000; k++ {
		value, err := lsm.Get(k)
		require.NoError(t, err, "key %d", k)
		values, err := DecodeArray(value)
		require.NoError(t, err)
		assert.Equal(t, []uint64{k}, values)
	}
}

func TestLSM_ConcurrentAccess(t *testing.T) {
	lsm, err := Open(t.TempDir(), testConfig(), nil)
	require.NoError(t, err)
	defer lsm.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 500; i++ {
			if err := lsm.Put(i, []byte(fmt.Sprintf("concurrent-value-%04d", i))); err != nil {
				errs <- err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 500; i++ {
			// Not-found is fine while the writer is still running.
			if _, err := lsm.Get(i); err != nil && err != ErrKeyNotFound {
				errs <- err
				return
			}
		}
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent access error: %v", err)
	}
	for i := uint64(1); i <= 500; i++ {
		_, err := lsm.Get(i)
		assert.NoError(t, err, "missing key %d after concurrent writes", i)
	}
}

func TestLSM_ClosedEngine(t *testing.T) {
	lsm, err := Open(t.TempDir(), testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, lsm.Close())
	require.NoError(t, lsm.Close())

	assert.ErrorIs(t, lsm.Put(1, []byte("x")), ErrClosed)
	_, err = lsm.Get(1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLSM_SyncHandsBufferedWritesToOS(t *testing.T) {
	lsm, err := Open(t.TempDir(), testConfig(), nil)
	require.NoError(t, err)
	defer lsm.Close()

	walPath := lsm.wal.Path()
	require.NoError(t, lsm.Put(1, []byte("a")))
	require.NoError(t, lsm.Put(2, []byte("b")))

	// SyncNone keeps records in the WAL buffer until something pushes them.
	entries, err := RecoverWAL(walPath)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, lsm.Sync())
	entries, err = RecoverWAL(walPath)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Key)
	assert.Equal(t, uint64(2), entries[1].Key)

	require.NoError(t, lsm.Close())
	assert.ErrorIs(t, lsm.Sync(), ErrClosed)
}

func TestLSM_CloseStopsWorker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lsm, err := Open(t.TempDir(), testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, lsm.Put(1, []byte("x")))
	require.NoError(t, lsm.Close())
}

func BenchmarkSkipList_Put(b *testing.B) {
	sl := NewSkipList()
	value := []byte("value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sl.Put(uint64(i), value, uint64(i))
	}
}

func BenchmarkLSM_Put(b *testing.B) {
	config := DefaultLSMConfig()
	config.WALSyncMode = SyncNone
	lsm, err := Open(b.TempDir(), config, nil)
	if err != nil {
		b.Fatal(err)
	}
	defer lsm.Close()

	value := EncodeArray(make([]uint64, 10))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lsm.Put(uint64(i), value)
	}
}
