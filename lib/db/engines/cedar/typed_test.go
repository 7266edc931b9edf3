package cedar

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedStringCounters(t *testing.T) {
	tm, err := OpenTyped[string, int64](&Options{Entries: 1000, ActualSegments: 4}, String{}, Int64{})
	require.NoError(t, err)
	defer tm.Close()

	incr := func(old int64, _ bool) (int64, Op) { return old + 1, OpPut }

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, err := tm.Compute(fmt.Sprintf("counter-%d", i%10), incr); err != nil {
					t.Errorf("compute: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), tm.Len())
	sum := int64(0)
	require.NoError(t, tm.Range(func(k string, v int64) bool {
		assert.Equal(t, int64(80), v, k)
		sum += v
		return true
	}))
	assert.Equal(t, int64(800), sum)
}

func TestTypedOperations(t *testing.T) {
	tm, err := OpenTyped[uint64, float64](smallOptions(), Uint64{}, Float64{})
	require.NoError(t, err)
	defer tm.Close()

	// both codecs have a constant size
	st, err := tm.Map().Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(8), st.ChunkSize)

	_, loaded, err := tm.Put(1, 1.5)
	require.NoError(t, err)
	assert.False(t, loaded)

	prev, loaded, err := tm.Put(1, 2.5)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, 1.5, prev)

	inserted, err := tm.PutIfAbsent(1, 9)
	require.NoError(t, err)
	assert.False(t, inserted)
	inserted, err = tm.PutIfAbsent(2, 3.25)
	require.NoError(t, err)
	assert.True(t, inserted)

	ok, err := tm.ContainsKey(2)
	require.NoError(t, err)
	assert.True(t, ok)

	prev, removed, err := tm.Remove(1)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 2.5, prev)

	_, removed, err = tm.Remove(1)
	require.NoError(t, err)
	assert.False(t, removed)

	res, err := tm.Compute(2, func(old float64, present bool) (float64, Op) {
		require.True(t, present)
		return 0, OpRemove
	})
	require.NoError(t, err)
	assert.Equal(t, OpRemove, res.Applied)
	assert.Equal(t, int64(0), tm.Len())
}

func TestTypedBytesReuse(t *testing.T) {
	tm, err := OpenTyped[string, []byte](smallOptions(), String{}, Bytes{})
	require.NoError(t, err)
	defer tm.Close()

	_, _, err = tm.Put("k", []byte("payload"))
	require.NoError(t, err)

	reuse := make([]byte, 0, 32)
	v, ok, err := tm.GetUsing("k", &reuse)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), v)
	assert.Equal(t, 32, cap(v))

	_, ok, err = tm.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFixedCodecs(t *testing.T) {
	var buf []byte
	buf = Int32{}.Append(buf, -7)
	v32, err := Int32{}.Read(buf, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(-7), v32)

	_, err = Int64{}.Read(buf, nil)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	buf = Float64{}.Append(buf[:0], 3.75)
	f, err := Float64{}.Read(buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 3.75, f)
}
