package sizeenc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopBitEncodingSize(t *testing.T) {
	var c StopBit
	assert.Equal(t, 1, c.EncodingSize(0))
	assert.Equal(t, 1, c.EncodingSize(127))
	assert.Equal(t, 2, c.EncodingSize(128))
	assert.Equal(t, 2, c.EncodingSize(16383))
	assert.Equal(t, 3, c.EncodingSize(16384))
	assert.Equal(t, MaxStopBitBytes, c.EncodingSize(math.MaxInt64))
}

func TestStopBitBoundaries(t *testing.T) {
	var c StopBit
	buf := make([]byte, 32)
	for _, size := range []int64{0, 1, 127, 128, 255, 300, 16383, 16384, 1 << 21, 1<<35 + 7, math.MaxInt64} {
		n := c.Write(buf, 3, size)
		require.Equal(t, c.EncodingSize(size), n, "size %d", size)

		got, read := c.Read(buf, 3)
		require.Equal(t, n, read)
		require.Equal(t, size, got)
	}
}

func TestStopBitMalformed(t *testing.T) {
	buf := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	assert.Panics(t, func() { StopBit{}.Read(buf, 0) })
}

func TestConstant(t *testing.T) {
	c := For(4)
	size, ok := c.Constant()
	require.True(t, ok)
	assert.Equal(t, int64(4), size)
	assert.Equal(t, 0, c.EncodingSize(4))
	assert.Equal(t, 0, c.Write(nil, 0, 4))

	got, n := c.Read(nil, 0)
	assert.Equal(t, int64(4), got)
	assert.Equal(t, 0, n)

	assert.Panics(t, func() { c.Write(nil, 0, 5) })
	_, ok = For(0).Constant()
	assert.False(t, ok)
}
