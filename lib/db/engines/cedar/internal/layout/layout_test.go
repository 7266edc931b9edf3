package layout

import (
	"testing"

	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/sizeenc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignAddr(t *testing.T) {
	assert.Equal(t, int64(5), Alignment(1).AlignAddr(5))
	assert.Equal(t, int64(8), Alignment(4).AlignAddr(5))
	assert.Equal(t, int64(8), Alignment(8).AlignAddr(8))
	assert.Equal(t, int64(16), Alignment(8).AlignAddr(9))
	assert.False(t, Alignment(3).Valid())
}

func TestNewValidates(t *testing.T) {
	_, err := New(0, sizeenc.StopBit{}, sizeenc.StopBit{}, 3, 8, 64)
	assert.Error(t, err)
	_, err = New(0, sizeenc.StopBit{}, sizeenc.StopBit{}, 1, 0, 64)
	assert.Error(t, err)
	_, err = New(0, sizeenc.StopBit{}, sizeenc.StopBit{}, 1, 8, 65)
	assert.Error(t, err)
	_, err = New(0, sizeenc.StopBit{}, sizeenc.StopBit{}, 1, 8, 0)
	assert.Error(t, err)
}

func TestEntrySizeRegimes(t *testing.T) {
	// constant key and value: the whole entry is aligned
	l, err := New(1, sizeenc.For(4), sizeenc.For(4), 4, 8, 1)
	require.NoError(t, err)
	require.True(t, l.ConstantlySizedEntry())
	assert.Equal(t, int64(5), l.SizeOfEverythingBeforeValue(4, 4))
	assert.Equal(t, int64(12), l.EntrySize(4, 4))

	// chunk size is not a multiple of the alignment: reserve worst padding
	l, err = New(0, sizeenc.StopBit{}, sizeenc.StopBit{}, 8, 12, 64)
	require.NoError(t, err)
	require.True(t, l.UnknownAlignmentBeforeAllocation())
	assert.Equal(t, int64(1+3+1+7+10), l.EntrySize(3, 10))

	// default: the prefix is aligned
	l, err = New(0, sizeenc.StopBit{}, sizeenc.StopBit{}, 8, 16, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(8+10), l.EntrySize(3, 10))
}

func TestConstantSizesWithUnknownAlignment(t *testing.T) {
	// chunk starts at multiples of 3 hit every residue modulo 8
	l, err := New(0, sizeenc.For(5), sizeenc.For(8), 8, 3, 64)
	require.NoError(t, err)
	require.True(t, l.ConstantlySizedEntry())
	require.True(t, l.UnknownAlignmentBeforeAllocation())
	assert.Equal(t, int64(5+7+8), l.EntrySize(5, 8))

	reserved := l.InChunks(l.EntrySize(5, 8))
	b := make([]byte, 256)
	for pos := int64(0); pos < 16; pos++ {
		e := l.Encode(b, pos, []byte("key01"), 8)
		assert.Zero(t, e.ValueOffset%8, "pos %d", pos)
		assert.LessOrEqual(t, l.Chunks(e), reserved, "pos %d", pos)
	}
}

func TestInChunks(t *testing.T) {
	l, err := New(0, sizeenc.StopBit{}, sizeenc.StopBit{}, 1, 8, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.InChunks(0))
	assert.Equal(t, int64(1), l.InChunks(8))
	assert.Equal(t, int64(2), l.InChunks(9))
}

func TestEncodeDecode(t *testing.T) {
	l, err := New(2, sizeenc.StopBit{}, sizeenc.StopBit{}, 4, 8, 64)
	require.NoError(t, err)
	b := make([]byte, 256)

	e := l.Encode(b, 3, []byte("Key"), 5)
	copy(b[e.ValueOffset:], "Value")
	assert.Equal(t, int64(24), e.Start)
	assert.Equal(t, int64(26), e.KeySizeOffset)
	assert.Equal(t, int64(27), e.KeyOffset)
	assert.Equal(t, int64(30), e.ValueSizeOffset)
	assert.Equal(t, int64(32), e.ValueOffset)
	assert.Equal(t, int64(37), e.End())
	assert.Equal(t, int64(2), l.Chunks(e))

	d := l.Decode(b, 3)
	assert.Equal(t, e, d)
	assert.Equal(t, "Key", string(b[d.KeyOffset:d.KeyOffset+d.KeySize]))
	assert.Equal(t, "Value", string(b[d.ValueOffset:d.End()]))

	assert.Equal(t, int64(32+200), l.EndForValueSize(e, 200))
	grown := l.WriteValueSize(b, e, 200)
	assert.Equal(t, int64(32), grown.ValueOffset)
	assert.Equal(t, int64(232), grown.End())
}
