// Package hashlookup implements the per-tier open-addressing table that maps a
// key's search hash to the chunk position of its entry.
//
// Every slot is one 8-byte word inside the mapped tier:
//
//	slot = searchKey << valueBits | chunkPos
//
// A zero slot is empty. Search keys are masked hash bits forced to be
// non-zero, so an occupied slot can never be mistaken for an empty one.
// Probing is linear from searchKey & (capacity-1). Removal uses backward shift
// deletion, so no slot tombstones exist and probe chains stay intact.
//
// Slots are read and written with atomic word operations. Mutations happen
// under the segment's exclusive lock, readers hold at least the shared lock.
package hashlookup

import (
	"fmt"
	"math/bits"

	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/memory"
)

// SlotSize is the size of one slot in bytes.
const SlotSize = 8

// Table is a view over the slot region of one tier.
type Table struct {
	b         []byte
	capacity  int64
	capMask   int64
	valueBits uint
	keyMask   uint64
	valueMask uint64
}

// New returns a table view over b. capacity must be a power of two and b must
// hold capacity slots. valueBits is the number of low slot bits reserved for
// chunk positions.
func New(b []byte, capacity int64, valueBits uint) Table {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("hashlookup: capacity %d is not a power of two", capacity))
	}
	if int64(len(b)) < capacity*SlotSize {
		panic(fmt.Sprintf("hashlookup: region of %d bytes is too small for %d slots", len(b), capacity))
	}
	if valueBits == 0 || valueBits >= 48 {
		panic(fmt.Sprintf("hashlookup: invalid value bits %d", valueBits))
	}
	return Table{
		b:         b[:capacity*SlotSize],
		capacity:  capacity,
		capMask:   capacity - 1,
		valueBits: valueBits,
		keyMask:   1<<(64-valueBits) - 1,
		valueMask: 1<<valueBits - 1,
	}
}

// ValueBits returns the number of bits needed to address chunks positions in
// [0, chunks).
func ValueBits(chunks int64) uint {
	if chunks <= 1 {
		return 1
	}
	return uint(bits.Len64(uint64(chunks - 1)))
}

// CapacityFor returns the slot count for a tier that holds up to entries
// entries while keeping the load factor at or below two thirds.
func CapacityFor(entries int64) int64 {
	want := entries + entries/2 + 1
	if want < 8 {
		want = 8
	}
	return int64(1) << bits.Len64(uint64(want-1))
}

// MaxEntries returns the number of entries a table of the given capacity
// accepts before the tier counts as full.
func MaxEntries(capacity int64) int64 {
	return capacity * 2 / 3
}

// Capacity returns the number of slots.
func (t Table) Capacity() int64 { return t.capacity }

// MaskUnsetKey turns a hash into a search key. The result is never zero.
func (t Table) MaskUnsetKey(hash uint64) uint64 {
	k := hash & t.keyMask
	if k == 0 {
		return 1
	}
	return k
}

// HashLookupPos returns the first slot probed for key.
func (t Table) HashLookupPos(key uint64) int64 {
	return int64(key) & t.capMask
}

// Step returns the slot probed after pos.
func (t Table) Step(pos int64) int64 {
	return (pos + 1) & t.capMask
}

// StepBack returns the slot probed before pos.
func (t Table) StepBack(pos int64) int64 {
	return (pos - 1) & t.capMask
}

// ReadEntry atomically loads the slot at pos.
func (t Table) ReadEntry(pos int64) uint64 {
	return memory.Load(t.b, pos*SlotSize)
}

// WriteEntry atomically stores a slot at pos. The store is visible to readers
// that load the slot afterwards, which makes it safe for repointing an entry
// after relocation.
func (t Table) WriteEntry(pos int64, key uint64, value int64) {
	t.CheckValueForPut(value)
	memory.Store(t.b, pos*SlotSize, key<<t.valueBits|uint64(value))
}

func (t Table) writeRaw(pos int64, entry uint64) {
	memory.Store(t.b, pos*SlotSize, entry)
}

// ClearEntry empties the slot at pos without shifting followers.
func (t Table) ClearEntry(pos int64) {
	memory.Store(t.b, pos*SlotSize, 0)
}

// Empty reports whether entry is an empty slot.
func Empty(entry uint64) bool { return entry == 0 }

// Key extracts the search key of a slot.
func (t Table) Key(entry uint64) uint64 { return entry >> t.valueBits }

// Value extracts the chunk position of a slot.
func (t Table) Value(entry uint64) int64 { return int64(entry & t.valueMask) }

// CheckValueForPut panics when value does not fit into the value bits.
func (t Table) CheckValueForPut(value int64) {
	if value < 0 || uint64(value) > t.valueMask {
		panic(fmt.Sprintf("hashlookup: value %d out of range [0, %d]", value, t.valueMask))
	}
}

// FindEmpty returns the first empty slot on the probe chain of key. The table
// must not be full, which the tier entry limit guarantees.
func (t Table) FindEmpty(key uint64) int64 {
	pos := t.HashLookupPos(key)
	for i := int64(0); i < t.capacity; i++ {
		if Empty(t.ReadEntry(pos)) {
			return pos
		}
		pos = t.Step(pos)
	}
	panic("hashlookup: table is full")
}

// FindValue returns the slot on the probe chain of key that points to value,
// or -1 when no such slot exists.
func (t Table) FindValue(key uint64, value int64) int64 {
	pos := t.HashLookupPos(key)
	for i := int64(0); i < t.capacity; i++ {
		entry := t.ReadEntry(pos)
		if Empty(entry) {
			return -1
		}
		if t.Key(entry) == key && t.Value(entry) == value {
			return pos
		}
		pos = t.Step(pos)
	}
	return -1
}

// Remove deletes the slot at pos and shifts later members of the probe chain
// backwards so that lookups never stop early at the freed slot. It returns
// the position that finally became empty.
func (t Table) Remove(pos int64) int64 {
	posToRemove := pos
	posToShift := pos
	for {
		posToShift = t.Step(posToShift)
		entryToShift := t.ReadEntry(posToShift)
		if Empty(entryToShift) {
			break
		}
		insertPos := t.HashLookupPos(t.Key(entryToShift))
		// accepted circular orders of insert (i), remove (r) and shift (s):
		// [..i..r..s..], [..r..s..i..], [..s..i..r..]
		cond1 := insertPos <= posToRemove
		cond2 := posToRemove <= posToShift
		if (cond1 && cond2) || (posToShift < insertPos && (cond1 || cond2)) {
			t.writeRaw(posToRemove, entryToShift)
			posToRemove = posToShift
		}
	}
	t.ClearEntry(posToRemove)
	return posToRemove
}

// Clear empties every slot.
func (t Table) Clear() {
	clear(t.b)
}

// ForEach calls fn for every occupied slot in slot order until fn returns false.
func (t Table) ForEach(fn func(pos int64, key uint64, value int64) bool) {
	for pos := int64(0); pos < t.capacity; pos++ {
		entry := t.ReadEntry(pos)
		if Empty(entry) {
			continue
		}
		if !fn(pos, t.Key(entry), t.Value(entry)) {
			return
		}
	}
}
