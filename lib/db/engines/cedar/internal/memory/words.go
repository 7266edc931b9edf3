package memory

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Word returns a pointer to the 8-byte aligned word at b[off:off+8].
// All shared counters, lock words and hash lookup slots are accessed through it
// so that they can be read and written atomically by every process mapping b.
func Word(b []byte, off int64) *uint64 {
	if off < 0 || off+8 > int64(len(b)) {
		panic(fmt.Sprintf("memory: word offset %d out of bounds (%d)", off, len(b)))
	}
	p := unsafe.Pointer(&b[off])
	if uintptr(p)&7 != 0 {
		panic(fmt.Sprintf("memory: word offset %d is not 8-byte aligned", off))
	}
	return (*uint64)(p)
}

// Load atomically loads the word at b[off:].
func Load(b []byte, off int64) uint64 {
	return atomic.LoadUint64(Word(b, off))
}

// Store atomically stores v at b[off:].
func Store(b []byte, off int64, v uint64) {
	atomic.StoreUint64(Word(b, off), v)
}

// Add atomically adds delta to the word at b[off:] and returns the new value.
func Add(b []byte, off int64, delta int64) uint64 {
	return atomic.AddUint64(Word(b, off), uint64(delta))
}

// CompareAndSwap executes the compare-and-swap operation for the word at b[off:].
func CompareAndSwap(b []byte, off int64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(Word(b, off), old, new)
}

// Words reinterprets an 8-byte aligned byte slice as a slice of words.
// The length of b must be a multiple of 8.
func Words(b []byte) []uint64 {
	if len(b) == 0 {
		return nil
	}
	if len(b)%8 != 0 {
		panic(fmt.Sprintf("memory: length %d is not a multiple of 8", len(b)))
	}
	return unsafe.Slice(Word(b, 0), len(b)/8)
}
