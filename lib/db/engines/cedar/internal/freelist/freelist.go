// Package freelist implements the per-tier chunk allocator: a bitset with one
// bit per chunk living inside the mapped tier. A set bit marks an allocated
// chunk.
//
// The list itself is not synchronized. Callers mutate it under the segment's
// exclusive lock.
package freelist

import (
	"fmt"
	"math/bits"

	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/memory"
)

// NotFound is returned by searches that found no matching bit or run.
const NotFound int64 = -1

// List is a bitset view over a mapped byte region.
type List struct {
	words []uint64
	size  int64
}

// BytesFor returns the region size needed to track chunks chunks. The result
// is a multiple of 8.
func BytesFor(chunks int64) int64 {
	return (chunks + 63) / 64 * 8
}

// New returns a free list view over b tracking size chunks.
func New(b []byte, size int64) List {
	need := BytesFor(size)
	if int64(len(b)) < need {
		panic(fmt.Sprintf("freelist: region of %d bytes too small for %d bits", len(b), size))
	}
	return List{words: memory.Words(b[:need]), size: size}
}

// Size returns the number of tracked chunks.
func (l List) Size() int64 { return l.size }

func (l List) check(from, to int64) {
	if from < 0 || to > l.size || from > to {
		panic(fmt.Sprintf("freelist: invalid range [%d, %d) for size %d", from, to, l.size))
	}
}

// Get reports whether bit i is set.
func (l List) Get(i int64) bool {
	l.check(i, i+1)
	return l.words[i>>6]&(1<<(uint(i)&63)) != 0
}

// Set sets bit i.
func (l List) Set(i int64) { l.SetRange(i, i+1) }

// Clear clears bit i.
func (l List) Clear(i int64) { l.ClearRange(i, i+1) }

// rangeMasks calls fn for every word overlapping [from, to) with the mask of
// bits inside the range.
func rangeMasks(from, to int64, fn func(w int64, mask uint64) bool) bool {
	for from < to {
		w := from >> 6
		lo := uint(from & 63)
		end := (w + 1) << 6
		if end > to {
			end = to
		}
		n := uint(end - from)
		var mask uint64
		if n == 64 {
			mask = ^uint64(0)
		} else {
			mask = (1<<n - 1) << lo
		}
		if !fn(w, mask) {
			return false
		}
		from = end
	}
	return true
}

// IsRangeClear reports whether every bit in [from, to) is clear.
func (l List) IsRangeClear(from, to int64) bool {
	l.check(from, to)
	return rangeMasks(from, to, func(w int64, mask uint64) bool {
		return l.words[w]&mask == 0
	})
}

// IsRangeSet reports whether every bit in [from, to) is set.
func (l List) IsRangeSet(from, to int64) bool {
	l.check(from, to)
	return rangeMasks(from, to, func(w int64, mask uint64) bool {
		return l.words[w]&mask == mask
	})
}

// SetRange sets every bit in [from, to).
func (l List) SetRange(from, to int64) {
	l.check(from, to)
	rangeMasks(from, to, func(w int64, mask uint64) bool {
		l.words[w] |= mask
		return true
	})
}

// ClearRange clears every bit in [from, to).
func (l List) ClearRange(from, to int64) {
	l.check(from, to)
	rangeMasks(from, to, func(w int64, mask uint64) bool {
		l.words[w] &^= mask
		return true
	})
}

// NextSetBit returns the index of the first set bit at or after from.
func (l List) NextSetBit(from int64) int64 {
	if from < 0 {
		from = 0
	}
	if from >= l.size {
		return NotFound
	}
	w := from >> 6
	word := l.words[w] & (^uint64(0) << (uint(from) & 63))
	for {
		if word != 0 {
			i := w<<6 + int64(bits.TrailingZeros64(word))
			if i >= l.size {
				return NotFound
			}
			return i
		}
		w++
		if w >= int64(len(l.words)) {
			return NotFound
		}
		word = l.words[w]
	}
}

// NextClearBit returns the index of the first clear bit at or after from.
func (l List) NextClearBit(from int64) int64 {
	if from < 0 {
		from = 0
	}
	if from >= l.size {
		return NotFound
	}
	w := from >> 6
	word := ^l.words[w] & (^uint64(0) << (uint(from) & 63))
	for {
		if word != 0 {
			i := w<<6 + int64(bits.TrailingZeros64(word))
			if i >= l.size {
				return NotFound
			}
			return i
		}
		w++
		if w >= int64(len(l.words)) {
			return NotFound
		}
		word = ^l.words[w]
	}
}

// SetNextNContinuousClearBits finds the first run of n clear bits starting at
// or after from, sets them and returns the start of the run. It returns
// NotFound without modifying the list when no such run exists before the end.
func (l List) SetNextNContinuousClearBits(from int64, n int) int64 {
	if n <= 0 {
		panic(fmt.Sprintf("freelist: invalid run length %d", n))
	}
	for from < l.size {
		start := l.NextClearBit(from)
		if start == NotFound || start+int64(n) > l.size {
			return NotFound
		}
		next := l.NextSetBit(start)
		if next == NotFound || next-start >= int64(n) {
			l.SetRange(start, start+int64(n))
			return start
		}
		from = next + 1
	}
	return NotFound
}

// Cardinality returns the number of set bits.
func (l List) Cardinality() int64 {
	var n int
	for _, w := range l.words {
		n += bits.OnesCount64(w)
	}
	return int64(n)
}

// ClearAll clears every bit.
func (l List) ClearAll() {
	clear(l.words)
}
