package cedar

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Codec converts values of type T to and from their stored bytes.
type Codec[T any] interface {
	// Size returns the number of bytes Append writes for v.
	Size(v T) int
	// Append appends the encoding of v to dst.
	Append(dst []byte, v T) []byte
	// Read decodes src. src points into mapped memory, so the result must not
	// reference it. reuse, if not nil, may be used to avoid allocations.
	Read(src []byte, reuse *T) (T, error)
}

// ConstantSizer is implemented by codecs whose encodings all have the same
// size. OpenTyped configures the constant key and value size from it.
type ConstantSizer interface {
	ConstantSize() int
}

func checkLen(src []byte, want int) error {
	if len(src) != want {
		return fmt.Errorf("%w: stored value has %d bytes, want %d", ErrSizeMismatch, len(src), want)
	}
	return nil
}

// --------------------------------------------------------------------------
// Variable size codecs
// --------------------------------------------------------------------------

// Bytes stores byte slices as they are.
type Bytes struct{}

func (Bytes) Size(v []byte) int                  { return len(v) }
func (Bytes) Append(dst []byte, v []byte) []byte { return append(dst, v...) }

func (Bytes) Read(src []byte, reuse *[]byte) ([]byte, error) {
	if reuse != nil {
		return append((*reuse)[:0], src...), nil
	}
	return append(make([]byte, 0, len(src)), src...), nil
}

// String stores strings as their UTF-8 bytes.
type String struct{}

func (String) Size(v string) int                  { return len(v) }
func (String) Append(dst []byte, v string) []byte { return append(dst, v...) }
func (String) Read(src []byte, _ *string) (string, error) {
	return string(src), nil
}

// --------------------------------------------------------------------------
// Fixed size codecs (little endian)
// --------------------------------------------------------------------------

// Int32 stores int32 values in 4 bytes.
type Int32 struct{}

func (Int32) ConstantSize() int { return 4 }
func (Int32) Size(int32) int    { return 4 }
func (Int32) Append(dst []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(v))
}
func (Int32) Read(src []byte, _ *int32) (int32, error) {
	if err := checkLen(src, 4); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(src)), nil
}

// Int64 stores int64 values in 8 bytes.
type Int64 struct{}

func (Int64) ConstantSize() int { return 8 }
func (Int64) Size(int64) int    { return 8 }
func (Int64) Append(dst []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(dst, uint64(v))
}
func (Int64) Read(src []byte, _ *int64) (int64, error) {
	if err := checkLen(src, 8); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(src)), nil
}

// Uint64 stores uint64 values in 8 bytes.
type Uint64 struct{}

func (Uint64) ConstantSize() int { return 8 }
func (Uint64) Size(uint64) int   { return 8 }
func (Uint64) Append(dst []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, v)
}
func (Uint64) Read(src []byte, _ *uint64) (uint64, error) {
	if err := checkLen(src, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(src), nil
}

// Float64 stores float64 values as their IEEE 754 bits.
type Float64 struct{}

func (Float64) ConstantSize() int { return 8 }
func (Float64) Size(float64) int  { return 8 }
func (Float64) Append(dst []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
}
func (Float64) Read(src []byte, _ *float64) (float64, error) {
	if err := checkLen(src, 8); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(src)), nil
}
