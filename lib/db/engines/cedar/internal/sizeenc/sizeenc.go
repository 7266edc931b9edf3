// Package sizeenc encodes the key and value lengths that precede the key and
// value bytes of an entry.
//
// Two encodings exist: a stop-bit varint (7 payload bits per byte, the high bit
// marks a continuation) for variable-size data, and a constant encoding that
// occupies zero bytes because the size is known from the map configuration.
package sizeenc

import "fmt"

// MaxStopBitBytes is the longest stop-bit encoding of a non-negative int64.
const MaxStopBitBytes = 9

// Codec encodes and decodes a size into raw memory.
type Codec interface {
	// EncodingSize returns the number of bytes Write uses for size.
	EncodingSize(size int64) int

	// Write stores size at b[off:] and returns the number of bytes written.
	Write(b []byte, off int64, size int64) int

	// Read decodes a size stored at b[off:] and returns it together with the
	// number of bytes consumed.
	Read(b []byte, off int64) (size int64, n int)

	// Constant reports whether every encoded size has the same value.
	Constant() (size int64, ok bool)
}

// --------------------------------------------------------------------------
// Stop-bit encoding
// --------------------------------------------------------------------------

// StopBit is the variable-length size codec.
type StopBit struct{}

// EncodingSize returns 1 for sizes below 128, 2 below 16384, and so on.
func (StopBit) EncodingSize(size int64) int {
	if size < 0 {
		panic(fmt.Sprintf("sizeenc: negative size %d", size))
	}
	n := 1
	for v := uint64(size) >> 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

func (StopBit) Write(b []byte, off int64, size int64) int {
	if size < 0 {
		panic(fmt.Sprintf("sizeenc: negative size %d", size))
	}
	v := uint64(size)
	i := off
	for v >= 0x80 {
		b[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	b[i] = byte(v)
	return int(i-off) + 1
}

func (StopBit) Read(b []byte, off int64) (int64, int) {
	var (
		v     uint64
		shift uint
	)
	for i := 0; i < MaxStopBitBytes; i++ {
		c := b[off+int64(i)]
		v |= uint64(c&0x7f) << shift
		if c < 0x80 {
			return int64(v), i + 1
		}
		shift += 7
	}
	panic("sizeenc: malformed stop-bit size")
}

func (StopBit) Constant() (int64, bool) { return 0, false }

// --------------------------------------------------------------------------
// Constant encoding
// --------------------------------------------------------------------------

// Constant is the codec for sizes fixed by configuration. Nothing is stored.
type Constant struct {
	Size int64
}

func (c Constant) EncodingSize(int64) int { return 0 }

// Write stores nothing. A size different from c.Size is a programming error
// because the caller validates constant sizes before touching memory.
func (c Constant) Write(_ []byte, _ int64, size int64) int {
	if size != c.Size {
		panic(fmt.Sprintf("sizeenc: size %d differs from constant %d", size, c.Size))
	}
	return 0
}

func (c Constant) Read([]byte, int64) (int64, int) { return c.Size, 0 }

func (c Constant) Constant() (int64, bool) { return c.Size, true }

// For returns the constant codec when constantSize > 0 and the stop-bit codec
// otherwise.
func For(constantSize int64) Codec {
	if constantSize > 0 {
		return Constant{Size: constantSize}
	}
	return StopBit{}
}
