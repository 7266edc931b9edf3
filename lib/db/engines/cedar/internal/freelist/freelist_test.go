package freelist

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newList(size int64) List {
	w := make([]uint64, BytesFor(size)/8)
	return New(unsafe.Slice((*byte)(unsafe.Pointer(&w[0])), len(w)*8), size)
}

func TestBytesFor(t *testing.T) {
	assert.Equal(t, int64(8), BytesFor(1))
	assert.Equal(t, int64(8), BytesFor(64))
	assert.Equal(t, int64(16), BytesFor(65))
}

func TestSetClearRanges(t *testing.T) {
	l := newList(200)
	l.SetRange(60, 130)
	assert.False(t, l.Get(59))
	assert.True(t, l.Get(60))
	assert.True(t, l.Get(129))
	assert.False(t, l.Get(130))
	assert.Equal(t, int64(70), l.Cardinality())
	assert.True(t, l.IsRangeSet(60, 130))
	assert.True(t, l.IsRangeClear(0, 60))
	assert.False(t, l.IsRangeClear(0, 61))
	assert.True(t, l.IsRangeClear(130, 200))

	l.ClearRange(64, 128)
	assert.Equal(t, int64(6), l.Cardinality())
	assert.True(t, l.IsRangeClear(64, 128))
	assert.True(t, l.IsRangeClear(10, 10))
	assert.Panics(t, func() { l.SetRange(190, 201) })
}

func TestNextBits(t *testing.T) {
	l := newList(130)
	assert.Equal(t, NotFound, l.NextSetBit(0))
	assert.Equal(t, int64(0), l.NextClearBit(0))
	l.Set(70)
	assert.Equal(t, int64(70), l.NextSetBit(0))
	assert.Equal(t, int64(70), l.NextSetBit(70))
	assert.Equal(t, NotFound, l.NextSetBit(71))
	l.SetRange(0, 130)
	assert.Equal(t, NotFound, l.NextClearBit(0))
}

func TestSetNextNContinuousClearBits(t *testing.T) {
	l := newList(128)
	assert.Equal(t, int64(0), l.SetNextNContinuousClearBits(0, 3))
	assert.Equal(t, int64(3), l.SetNextNContinuousClearBits(0, 2))

	// hole of two chunks at [10, 12), a run of four must skip it
	l.SetRange(12, 20)
	assert.Equal(t, int64(20), l.SetNextNContinuousClearBits(5, 10))
	assert.Equal(t, int64(5), l.SetNextNContinuousClearBits(5, 5))
	assert.Equal(t, int64(30), l.SetNextNContinuousClearBits(10, 4))
	assert.Equal(t, int64(10), l.SetNextNContinuousClearBits(10, 2))

	// runs crossing word boundaries
	assert.Equal(t, int64(34), l.SetNextNContinuousClearBits(0, 64))
	assert.Equal(t, int64(98), l.SetNextNContinuousClearBits(0, 30))
	assert.Equal(t, NotFound, l.SetNextNContinuousClearBits(0, 1))
	assert.Equal(t, int64(128), l.Cardinality())
}

func TestSetNextNNotFoundLeavesListUntouched(t *testing.T) {
	l := newList(16)
	l.Set(8)
	require.Equal(t, NotFound, l.SetNextNContinuousClearBits(0, 9))
	assert.Equal(t, int64(1), l.Cardinality())
	require.Equal(t, NotFound, l.SetNextNContinuousClearBits(9, 8))
	assert.Equal(t, int64(9), l.SetNextNContinuousClearBits(9, 7))
}
