package util

import (
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashKey returns the 64-bit xxHash of key.
//
// The hash is persisted implicitly in the lookup tables of file-backed maps,
// so it is unseeded and must stay stable across processes and versions.
func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// HashString is HashKey for strings, without copying s.
func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// StringBytes returns the bytes of s without copying. The result must not be
// modified.
func StringBytes(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
