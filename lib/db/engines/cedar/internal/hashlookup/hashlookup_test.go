package hashlookup

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alignedBytes(words int) []byte {
	w := make([]uint64, words)
	return unsafe.Slice((*byte)(unsafe.Pointer(&w[0])), words*8)
}

func newTable(capacity int64) Table {
	return New(alignedBytes(int(capacity)), capacity, 16)
}

// find follows the probe chain of key and returns the slot pointing to value.
func find(t Table, key uint64, value int64) bool {
	return t.FindValue(key, value) >= 0
}

func TestCapacityFor(t *testing.T) {
	assert.Equal(t, int64(8), CapacityFor(1))
	assert.Equal(t, int64(16), CapacityFor(10))
	assert.Equal(t, int64(2048), CapacityFor(1024))
	for _, n := range []int64{1, 5, 100, 1000, 4096} {
		assert.GreaterOrEqual(t, MaxEntries(CapacityFor(n)), n)
	}
}

func TestValueBits(t *testing.T) {
	assert.Equal(t, uint(1), ValueBits(1))
	assert.Equal(t, uint(1), ValueBits(2))
	assert.Equal(t, uint(2), ValueBits(3))
	assert.Equal(t, uint(10), ValueBits(1024))
	assert.Equal(t, uint(11), ValueBits(1025))
}

func TestMaskUnsetKeyNeverZero(t *testing.T) {
	tbl := newTable(16)
	assert.Equal(t, uint64(1), tbl.MaskUnsetKey(0))
	assert.Equal(t, uint64(1), tbl.MaskUnsetKey(1<<48))
	assert.Equal(t, uint64(0x1234), tbl.MaskUnsetKey(0x1234))
}

func TestWriteReadEntry(t *testing.T) {
	tbl := newTable(16)
	tbl.WriteEntry(3, 0xabc, 42)
	e := tbl.ReadEntry(3)
	require.False(t, Empty(e))
	assert.Equal(t, uint64(0xabc), tbl.Key(e))
	assert.Equal(t, int64(42), tbl.Value(e))
	assert.True(t, Empty(tbl.ReadEntry(4)))
	assert.Panics(t, func() { tbl.WriteEntry(0, 1, 1<<16) })
}

func TestFindEmptyProbesLinearly(t *testing.T) {
	tbl := newTable(8)
	key := uint64(8 + 6) // home slot 6
	for i := int64(0); i < 3; i++ {
		pos := tbl.FindEmpty(key)
		assert.Equal(t, (6+i)&7, pos)
		tbl.WriteEntry(pos, key, i)
	}
	assert.Equal(t, int64(1), tbl.FindEmpty(key))
}

func TestRemoveKeepsChainsIntact(t *testing.T) {
	tbl := newTable(8)
	// three keys with home slot 6 and one with home 7 wrap around the end
	keys := []uint64{6, 14, 22, 7}
	for i, k := range keys {
		tbl.WriteEntry(tbl.FindEmpty(k), k, int64(i))
	}
	// remove the first member of the chain
	tbl.Remove(tbl.FindValue(6, 0))
	assert.False(t, find(tbl, 6, 0))
	assert.True(t, find(tbl, 14, 1))
	assert.True(t, find(tbl, 22, 2))
	assert.True(t, find(tbl, 7, 3))
}

func TestRemoveRandomized(t *testing.T) {
	const capacity = 64
	tbl := newTable(capacity)
	rnd := rand.New(rand.NewSource(7))
	live := map[int64]uint64{}

	for round := 0; round < 5000; round++ {
		if len(live) < int(MaxEntries(capacity)) && rnd.Intn(2) == 0 {
			key := uint64(rnd.Intn(1<<10) + 1)
			value := int64(round % (1 << 16))
			if _, ok := live[value]; ok {
				continue
			}
			tbl.WriteEntry(tbl.FindEmpty(key), key, value)
			live[value] = key
		} else {
			for value, key := range live {
				pos := tbl.FindValue(key, value)
				require.GreaterOrEqual(t, pos, int64(0))
				tbl.Remove(pos)
				delete(live, value)
				break
			}
		}
		for value, key := range live {
			require.True(t, find(tbl, key, value), "round %d lost key %d", round, key)
		}
	}

	count := 0
	tbl.ForEach(func(int64, uint64, int64) bool { count++; return true })
	assert.Equal(t, len(live), count)
}

func TestClear(t *testing.T) {
	tbl := newTable(8)
	tbl.WriteEntry(1, 5, 5)
	tbl.Clear()
	assert.True(t, Empty(tbl.ReadEntry(1)))
}
