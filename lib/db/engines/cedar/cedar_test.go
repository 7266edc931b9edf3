package cedar

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/memory"
	"github.com/ValentinKolb/mKV/lib/db/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallOptions describes a single segment map with 8 byte chunks, so entry
// positions are predictable.
func smallOptions() *Options {
	return &Options{
		Name:              "test",
		Entries:           100,
		ActualSegments:    1,
		ActualChunkSize:   8,
		MaxChunksPerEntry: 64,
		Alignment:         1,
	}
}

func openMap(t *testing.T, opts *Options) *Map {
	t.Helper()
	m, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func put(t *testing.T, m *Map, key, value string) Result {
	t.Helper()
	res, err := m.Compute([]byte(key), func([]byte, bool) ([]byte, Op) {
		return []byte(value), OpPut
	})
	require.NoError(t, err)
	return res
}

func get(t *testing.T, m *Map, key string) (string, bool) {
	t.Helper()
	v, ok, err := m.Get([]byte(key))
	require.NoError(t, err)
	return string(v), ok
}

func usedChunks(t *testing.T, m *Map) int64 {
	t.Helper()
	st, err := m.Stats()
	require.NoError(t, err)
	return st.UsedChunks
}

func TestKeyValueRoundTrip(t *testing.T) {
	m := openMap(t, smallOptions())

	prev, loaded, err := m.Put([]byte("Key"), []byte("Value"))
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Nil(t, prev)

	v, ok := get(t, m, "Key")
	require.True(t, ok)
	assert.Equal(t, "Value", v)

	buf := make([]byte, 0, 32)
	got, ok, err := m.GetUsing([]byte("Key"), buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Value", string(got))
	assert.Same(t, &buf[:1][0], &got[0], "GetUsing should reuse the buffer")

	var viewed string
	ok, err = m.View([]byte("Key"), func(value []byte) { viewed = string(value) })
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Value", viewed)

	contains, err := m.ContainsKey([]byte("Key"))
	require.NoError(t, err)
	assert.True(t, contains)

	_, ok = get(t, m, "Missing")
	assert.False(t, ok)

	// keySize + "Key" + valueSize + "Value" = 10 bytes = 2 chunks
	assert.Equal(t, int64(2), usedChunks(t, m))
	assert.Equal(t, int64(1), m.Len())
	require.NoError(t, m.CheckAllocation())

	prev, loaded, err = m.Put([]byte("Key"), []byte("Other"))
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "Value", string(prev))
}

func TestTypedIntMap(t *testing.T) {
	tm, err := OpenTyped[int32, int32](smallOptions(), Int32{}, Int32{})
	require.NoError(t, err)
	defer tm.Close()

	_, _, err = tm.Put(1, 11)
	require.NoError(t, err)
	_, _, err = tm.Put(2, 22)
	require.NoError(t, err)

	v, ok, err := tm.Get(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(11), v)

	v, ok, err = tm.Get(2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(22), v)

	_, ok, err = tm.Get(3)
	require.NoError(t, err)
	assert.False(t, ok)

	// constant 4 byte keys and values fill exactly one chunk each
	assert.Equal(t, int64(2), usedChunks(t, tm.Map()))
}

func TestGrowInPlaceIntoFreedChunks(t *testing.T) {
	m := openMap(t, smallOptions())

	// 1 + 1 + 1 + 5 = 8 bytes = one chunk each
	assert.Equal(t, int64(0), put(t, m, "1", "aaaaa").Pos)
	assert.Equal(t, int64(1), put(t, m, "2", "bbbbb").Pos)

	_, removed, err := m.Remove([]byte("2"))
	require.NoError(t, err)
	require.True(t, removed)

	// 1 + 1 + 1 + 21 = 24 bytes = three chunks, the freed chunk 1 is reused
	res := put(t, m, "1", strings.Repeat("x", 21))
	assert.Equal(t, int64(0), res.Pos)
	assert.False(t, res.Relocated)
	assert.Equal(t, int64(3), usedChunks(t, m))

	v, _ := get(t, m, "1")
	assert.Equal(t, strings.Repeat("x", 21), v)
	require.NoError(t, m.CheckAllocation())
}

func TestRelocationAccounting(t *testing.T) {
	m := openMap(t, smallOptions())

	put(t, m, "1", "aaaaa")
	put(t, m, "2", "bbbbb")

	res := put(t, m, "1", strings.Repeat("x", 21))
	assert.True(t, res.Relocated)
	assert.True(t, res.Present)
	assert.Equal(t, int64(2), res.Pos)
	assert.Equal(t, int64(4), usedChunks(t, m))
	require.NoError(t, m.CheckAllocation())

	v, _ := get(t, m, "1")
	assert.Equal(t, strings.Repeat("x", 21), v)
	v, _ = get(t, m, "2")
	assert.Equal(t, "bbbbb", v)

	// shrinking back frees the tail chunks in place
	res = put(t, m, "1", "a")
	assert.False(t, res.Relocated)
	assert.Equal(t, int64(2), res.Pos)
	assert.Equal(t, int64(2), usedChunks(t, m))
	require.NoError(t, m.CheckAllocation())
}

func TestRemovedRangeIsReused(t *testing.T) {
	m := openMap(t, smallOptions())

	put(t, m, "a", "11111")
	put(t, m, "b", "22222")
	put(t, m, "c", "33333")

	for _, k := range []string{"a", "b"} {
		_, _, err := m.Remove([]byte(k))
		require.NoError(t, err)
	}

	// 1 + 1 + 1 + 13 = 16 bytes = two chunks, exactly the removed range
	res := put(t, m, "d", strings.Repeat("4", 13))
	assert.Equal(t, int64(0), res.Pos)
	assert.Equal(t, int64(3), usedChunks(t, m))
	require.NoError(t, m.CheckAllocation())
}

func TestValueTooLarge(t *testing.T) {
	o := smallOptions()
	o.MaxChunksPerEntry = 4
	m := openMap(t, o)

	_, _, err := m.Put([]byte("big"), make([]byte, 100))
	assert.ErrorIs(t, err, ErrValueTooLarge)

	_, ok := get(t, m, "big")
	assert.False(t, ok)

	// an existing entry stays intact when it cannot grow
	put(t, m, "k", "small")
	_, _, err = m.Put([]byte("k"), make([]byte, 100))
	assert.ErrorIs(t, err, ErrValueTooLarge)
	v, _ := get(t, m, "k")
	assert.Equal(t, "small", v)
	require.NoError(t, m.CheckAllocation())
}

func TestConstantSizeMismatch(t *testing.T) {
	m := openMap(t, &Options{Entries: 100, ActualSegments: 1, ConstantKeySize: 4, ConstantValueSize: 4})

	_, _, err := m.Put([]byte("abc"), []byte("1234"))
	assert.ErrorIs(t, err, ErrSizeMismatch)

	_, _, err = m.Put([]byte("abcd"), []byte("12345"))
	assert.ErrorIs(t, err, ErrSizeMismatch)

	_, _, err = m.Put([]byte("abcd"), []byte("1234"))
	assert.NoError(t, err)
	assert.Equal(t, int64(1), m.Len())
}

func TestConditionalOperations(t *testing.T) {
	m := openMap(t, smallOptions())
	key := []byte("k")

	existing, loaded, err := m.PutIfAbsent(key, []byte("v1"))
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Nil(t, existing)

	existing, loaded, err = m.PutIfAbsent(key, []byte("v2"))
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "v1", string(existing))

	_, replaced, err := m.Replace([]byte("missing"), []byte("x"))
	require.NoError(t, err)
	assert.False(t, replaced)

	prev, replaced, err := m.Replace(key, []byte("v3"))
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, "v1", string(prev))

	ok, err := m.ReplaceIf(key, []byte("wrong"), []byte("v4"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.ReplaceIf(key, []byte("v3"), []byte("v4"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.RemoveIf(key, []byte("v3"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.RemoveIf(key, []byte("v4"))
	require.NoError(t, err)
	assert.True(t, ok)

	value, created, err := m.AcquireUsing(key, []byte("default"), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "default", string(value))

	value, created, err = m.AcquireUsing(key, []byte("other"), make([]byte, 0, 16))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "default", string(value))

	res, err := m.Compute(key, func(old []byte, present bool) ([]byte, Op) {
		require.True(t, present)
		return append([]byte("pre-"), old...), OpPut
	})
	require.NoError(t, err)
	assert.Equal(t, OpPut, res.Applied)
	v, _ := get(t, m, "k")
	assert.Equal(t, "pre-default", v)

	res, err = m.Compute([]byte("absent"), func(_ []byte, present bool) ([]byte, Op) {
		return nil, OpRemove
	})
	require.NoError(t, err)
	assert.Equal(t, OpKeep, res.Applied)
}

func TestReturnsNullOptions(t *testing.T) {
	o := smallOptions()
	o.PutReturnsNull = true
	o.RemoveReturnsNull = true
	m := openMap(t, o)

	put(t, m, "k", "v")

	prev, loaded, err := m.Put([]byte("k"), []byte("w"))
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Nil(t, prev)

	prev, removed, err := m.Remove([]byte("k"))
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Nil(t, prev)
}

func TestTieringBeyondBudget(t *testing.T) {
	o := smallOptions()
	o.EntriesPerSegment = 8 // 10 entries per tier
	m := openMap(t, o)

	for i := 0; i < 100; i++ {
		put(t, m, fmt.Sprintf("key-%03d", i), fmt.Sprintf("value-%03d", i))
	}
	for i := 0; i < 100; i++ {
		v, ok := get(t, m, fmt.Sprintf("key-%03d", i))
		require.True(t, ok, "key-%03d", i)
		assert.Equal(t, fmt.Sprintf("value-%03d", i), v)
	}

	st, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(100), st.Entries)
	assert.GreaterOrEqual(t, st.Tiers, int64(10))
	assert.True(t, st.BloatExceeded)
	require.NoError(t, m.CheckAllocation())

	var out bytes.Buffer
	m.WritePrometheus(&out)
	assert.Contains(t, out.String(), `cedar_bloat_exceeded_total{map="test"}`)
	assert.Contains(t, out.String(), `cedar_puts_total{map="test"} 100`)
}

func TestTiersExhausted(t *testing.T) {
	o := smallOptions()
	o.EntriesPerSegment = 8
	o.MaxTiers = 2
	m := openMap(t, o)

	var err error
	for i := 0; i < 30 && err == nil; i++ {
		_, _, err = m.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte("value"))
	}
	assert.ErrorIs(t, err, ErrTiersExhausted)
	assert.Equal(t, int64(20), m.Len())
	require.NoError(t, m.CheckAllocation())
}

func TestSegmentOverflowWithoutTiering(t *testing.T) {
	o := smallOptions()
	o.EntriesPerSegment = 8
	o.DisableSegmentTiering = true
	m := openMap(t, o)

	var err error
	for i := 0; i < 30 && err == nil; i++ {
		_, _, err = m.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte("value"))
	}
	assert.ErrorIs(t, err, ErrSegmentOverflow)
	assert.Equal(t, int64(10), m.Len())
}

func TestConcurrentWriters(t *testing.T) {
	m := openMap(t, &Options{Entries: 20_000, ActualSegments: 8})

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("w%d-key-%d", w, i))
				if _, _, err := m.Put(key, []byte(fmt.Sprintf("value-%d", i))); err != nil {
					t.Errorf("put %s: %v", key, err)
					return
				}
				if v, ok, err := m.Get(key); err != nil || !ok || string(v) != fmt.Sprintf("value-%d", i) {
					t.Errorf("get %s: %q %v %v", key, v, ok, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(workers*perWorker), m.Len())
	require.NoError(t, m.CheckAllocation())

	st, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 8, st.Segments)
	assert.Greater(t, st.Distribution.DistributionQuality, 0.5)
}

func TestConstantEntriesWithUnalignedChunks(t *testing.T) {
	// 3 byte chunks put entry starts at every offset modulo the alignment
	m := openMap(t, &Options{
		Entries:           100,
		ActualSegments:    1,
		ConstantKeySize:   5,
		ConstantValueSize: 8,
		Alignment:         8,
		ActualChunkSize:   3,
	})

	value := func(i, round int) []byte { return bytes.Repeat([]byte{byte(i + round)}, 8) }
	for round := 0; round < 2; round++ {
		for i := 0; i < 20; i++ {
			_, _, err := m.Put([]byte(fmt.Sprintf("k%04d", i)), value(i, round))
			require.NoError(t, err)
		}
		for i := 0; i < 20; i++ {
			v, ok, err := m.Get([]byte(fmt.Sprintf("k%04d", i)))
			require.NoError(t, err)
			require.True(t, ok, "k%04d", i)
			assert.Equal(t, value(i, round), v, "k%04d", i)
		}
		require.NoError(t, m.CheckAllocation())
	}
	assert.Equal(t, int64(20), m.Len())
}

func TestSegmentsDoNotBlockEachOther(t *testing.T) {
	m := openMap(t, &Options{Entries: 1000, ActualSegments: 4})

	a := []byte("a")
	locked := m.segmentFor(util.HashKey(a))
	var b []byte
	for i := 0; b == nil; i++ {
		if k := []byte(fmt.Sprintf("b%d", i)); m.segmentFor(util.HashKey(k)) != locked {
			b = k
		}
	}

	locked.Lock().WriteLock()
	other := make(chan error, 1)
	go func() {
		_, _, err := m.Put(b, []byte("v"))
		other <- err
	}()
	select {
	case err := <-other:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		locked.Lock().WriteUnlock()
		t.Fatal("put to another segment waited for the locked segment")
	}

	same := make(chan error, 1)
	go func() {
		_, _, err := m.Put(a, []byte("v"))
		same <- err
	}()
	select {
	case <-same:
		t.Fatal("put completed while its segment was write locked")
	case <-time.After(50 * time.Millisecond):
	}
	locked.Lock().WriteUnlock()
	require.NoError(t, <-same)

	_, ok := get(t, m, "a")
	assert.True(t, ok)
	_, ok = get(t, m, string(b))
	assert.True(t, ok)
}

func TestRangeAndSegmentRange(t *testing.T) {
	m := openMap(t, &Options{Entries: 1000, ActualSegments: 4})

	want := make(map[string]string)
	for i := 0; i < 200; i++ {
		k, v := fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)
		want[k] = v
		put(t, m, k, v)
	}

	got := make(map[string]string)
	require.NoError(t, m.Range(func(key, value []byte) bool {
		got[string(key)] = string(value)
		return true
	}))
	assert.Equal(t, want, got)

	perSegment := 0
	for i := 0; i < m.Segments(); i++ {
		require.NoError(t, m.SegmentRange(i, func(_, _ []byte) bool {
			perSegment++
			return true
		}))
	}
	assert.Equal(t, 200, perSegment)

	visited := 0
	require.NoError(t, m.Range(func(_, _ []byte) bool {
		visited++
		return visited < 5
	}))
	assert.Equal(t, 5, visited)

	assert.Error(t, m.SegmentRange(4, func(_, _ []byte) bool { return true }))
}

func TestClear(t *testing.T) {
	o := smallOptions()
	o.EntriesPerSegment = 8
	m := openMap(t, o)

	for i := 0; i < 50; i++ {
		put(t, m, fmt.Sprintf("k%d", i), "v")
	}
	require.NoError(t, m.Clear())
	assert.Equal(t, int64(0), m.Len())
	assert.Equal(t, int64(0), usedChunks(t, m))

	put(t, m, "k1", "again")
	v, ok := get(t, m, "k1")
	assert.True(t, ok)
	assert.Equal(t, "again", v)
}

func TestChecksumEntries(t *testing.T) {
	o := smallOptions()
	o.ChecksumEntries = true
	m := openMap(t, o)

	for i := 0; i < 20; i++ {
		put(t, m, fmt.Sprintf("k%d", i), strings.Repeat("v", i))
	}
	put(t, m, "k3", strings.Repeat("w", 40))
	for i := 0; i < 20; i++ {
		want := strings.Repeat("v", i)
		if i == 3 {
			want = strings.Repeat("w", 40)
		}
		v, ok := get(t, m, fmt.Sprintf("k%d", i))
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
}

func TestClosedMap(t *testing.T) {
	m, err := Open(smallOptions())
	require.NoError(t, err)
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Close(), ErrClosed)
	_, _, err = m.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = m.Put([]byte("k"), []byte("v"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, int64(0), m.Len())
}

func TestCloseWaitsForOperations(t *testing.T) {
	m, err := Open(smallOptions())
	require.NoError(t, err)
	put(t, m, "k", "v")

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = m.View([]byte("k"), func(value []byte) {
			close(entered)
			<-release
			// still mapped
			assert.Equal(t, "v", string(value))
		})
	}()
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- m.Close() }()
	select {
	case <-closed:
		t.Fatal("close returned while a view was running")
	case <-time.After(50 * time.Millisecond):
	}

	// new operations are refused while close waits
	_, _, err = m.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrClosed)

	close(release)
	require.NoError(t, <-closed)
	assert.ErrorIs(t, m.Sync(), ErrClosed)
}

func TestCloseDuringConcurrentReads(t *testing.T) {
	m, err := Open(&Options{Entries: 1000, ActualSegments: 4})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		put(t, m, fmt.Sprintf("k%d", i), "value")
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				key := []byte(fmt.Sprintf("k%d", i%100))
				if _, _, err := m.Get(key); err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
				if _, _, err := m.Put(key, []byte("value")); err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Close())
	wg.Wait()
}

func TestResetLocks(t *testing.T) {
	m := openMap(t, smallOptions())
	put(t, m, "k", "v")

	// a holder that never releases
	l := m.segments[0].Lock()
	l.ReadLock()
	l.UpdateLock()

	n, err := m.ResetLocks()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	readers, update, write := l.State()
	assert.Zero(t, readers)
	assert.False(t, update)
	assert.False(t, write)

	put(t, m, "k", "w")
	v, _ := get(t, m, "k")
	assert.Equal(t, "w", v)

	n, err = m.ResetLocks()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResetLocksRefusesSharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.cedar")
	o := &Options{Path: path, Entries: 100, ActualSegments: 2}

	m1, err := Open(o)
	require.NoError(t, err)
	m1.segments[1].Lock().WriteLock()

	m2, err := Open(o)
	require.NoError(t, err)
	_, err = m2.ResetLocks()
	assert.ErrorIs(t, err, ErrInUse)
	require.NoError(t, m2.Close())

	// the last handle may recover the file
	n, err := m1.ResetLocks()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, m1.Close())

	m3, err := Open(o)
	require.NoError(t, err)
	_, ok := get(t, m3, "k")
	assert.False(t, ok)
	put(t, m3, "k", "v")
	require.NoError(t, m3.Close())
}

func TestInvalidOptions(t *testing.T) {
	tests := []struct {
		name  string
		opts  Options
		field string
	}{
		{"negative entries", Options{Entries: -1}, "Entries"},
		{"alignment", Options{Alignment: 3}, "Alignment"},
		{"max chunks", Options{MaxChunksPerEntry: 65}, "MaxChunksPerEntry"},
		{"bloat factor", Options{MaxBloatFactor: 0.5}, "MaxBloatFactor"},
		{"chunks per segment", Options{MaxChunksPerEntry: 8, ActualChunksPerSegment: 4}, "ActualChunksPerSegment"},
		{"cleanup timeout", Options{Replication: &ReplicationOptions{}}, "Replication.CleanupTimeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(&tt.opts)
			require.ErrorIs(t, err, ErrInvalidConfig)
			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestFileMapReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.cedar")
	o := &Options{Path: path, Entries: 1000, ActualSegments: 2}

	m, err := Open(o)
	require.NoError(t, err)
	assert.True(t, m.Created())
	for i := 0; i < 100; i++ {
		put(t, m, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}
	require.NoError(t, m.Sync())
	require.NoError(t, m.Close())

	m, err = Open(&Options{Path: path})
	require.NoError(t, err)
	defer m.Close()
	assert.False(t, m.Created())
	assert.Equal(t, 2, m.Segments())
	assert.Equal(t, int64(100), m.Len())
	for i := 0; i < 100; i++ {
		v, ok := get(t, m, fmt.Sprintf("k%d", i))
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("v%d", i), v)
	}
	require.NoError(t, m.CheckAllocation())
}

func TestFileMapSharedHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.cedar")
	o := &Options{Path: path, Entries: 1000, ActualSegments: 2, EntriesPerSegment: 8}

	m1, err := Open(o)
	require.NoError(t, err)
	m2, err := Open(o)
	require.NoError(t, err)
	assert.Equal(t, 2, memory.Shared(path))

	// m1 appends tiers that m2 has to discover
	for i := 0; i < 60; i++ {
		put(t, m1, fmt.Sprintf("k%d", i), "v")
	}
	for i := 0; i < 60; i++ {
		_, ok := get(t, m2, fmt.Sprintf("k%d", i))
		require.True(t, ok, "k%d", i)
	}

	require.NoError(t, m1.Close())
	assert.Equal(t, 1, memory.Shared(path))
	_, ok := get(t, m2, "k1")
	assert.True(t, ok)
	require.NoError(t, m2.Close())
	assert.Equal(t, 0, memory.Shared(path))
}

func TestReopenWithIncompatibleOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conflict.cedar")

	m, err := Open(&Options{Path: path, Entries: 100, ActualSegments: 1, ConstantValueSize: 8})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = Open(&Options{Path: path, ConstantValueSize: 4})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Open(&Options{Path: path, Replication: DefaultReplicationOptions(1)})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	// the failed opens released the file
	assert.Equal(t, 0, memory.Shared(path))
	m, err = Open(&Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, m.Close())
}
