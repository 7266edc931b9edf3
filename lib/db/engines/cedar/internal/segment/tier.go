package segment

import (
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/freelist"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/hashlookup"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/memory"
)

// tier header word offsets
const (
	offLock       = 0
	offEntries    = 8
	offDeleted    = 16
	offCursor     = 24
	offNextTier   = 32
	offUsedChunks = 40
	offModCount   = 48
)

// Tier is a process-local view of one tier: a header, a hash lookup table, a
// free list and the chunk area holding the entries.
type Tier struct {
	ID      int64
	b       []byte
	Lookup  hashlookup.Table
	Free    freelist.List
	Entries []byte
}

func newTier(cfg *Config, id int64, b []byte) *Tier {
	return &Tier{
		ID:      id,
		b:       b,
		Lookup:  hashlookup.New(b[cfg.LookupOffset:cfg.FreeListOffset], cfg.LookupCapacity, cfg.ValueBits),
		Free:    freelist.New(b[cfg.FreeListOffset:cfg.EntriesOffset], cfg.ChunksPerTier),
		Entries: b[cfg.EntriesOffset : cfg.EntriesOffset+cfg.ChunksPerTier*cfg.Layout.ChunkSize],
	}
}

func (t *Tier) lockWord() *uint64 { return memory.Word(t.b, offLock) }

// LiveEntries returns the number of live entries in the tier.
func (t *Tier) LiveEntries() int64 { return int64(memory.Load(t.b, offEntries)) }

// Tombstones returns the number of tombstoned entries in the tier.
func (t *Tier) Tombstones() int64 { return int64(memory.Load(t.b, offDeleted)) }

// Occupied returns the number of hash lookup slots in use.
func (t *Tier) Occupied() int64 { return t.LiveEntries() + t.Tombstones() }

// UsedChunks returns the number of allocated chunks.
func (t *Tier) UsedChunks() int64 { return int64(memory.Load(t.b, offUsedChunks)) }

// Cursor returns the position the next allocation search starts from.
func (t *Tier) Cursor() int64 { return int64(memory.Load(t.b, offCursor)) }

func (t *Tier) next() int64 { return int64(memory.Load(t.b, offNextTier)) - 1 }

func (t *Tier) setNext(id int64) { memory.Store(t.b, offNextTier, uint64(id+1)) }

func (t *Tier) setCursor(pos int64) { memory.Store(t.b, offCursor, uint64(pos)) }

func (t *Tier) addEntries(d int64) { memory.Add(t.b, offEntries, d) }

func (t *Tier) addDeleted(d int64) { memory.Add(t.b, offDeleted, d) }

func (t *Tier) addUsed(d int64) { memory.Add(t.b, offUsedChunks, d) }

func (t *Tier) modCount() uint64 { return memory.Load(t.b, offModCount) }

func (t *Tier) bumpModCount() { memory.Add(t.b, offModCount, 1) }

// allocChunks reserves n contiguous chunks, searching from the rolling cursor
// and wrapping around once. It returns freelist.NotFound when the tier has no
// such run.
func (t *Tier) allocChunks(n int64) int64 {
	from := t.Cursor()
	pos := t.Free.SetNextNContinuousClearBits(from, int(n))
	if pos == freelist.NotFound && from > 0 {
		pos = t.Free.SetNextNContinuousClearBits(0, int(n))
	}
	if pos == freelist.NotFound {
		return pos
	}
	next := pos + n
	if next >= t.Free.Size() {
		next = 0
	}
	t.setCursor(next)
	t.addUsed(n)
	return pos
}

// freeChunks releases n chunks at pos. The cursor moves back so that the
// range is found by the next allocation.
func (t *Tier) freeChunks(pos, n int64) {
	t.Free.ClearRange(pos, pos+n)
	if pos < t.Cursor() {
		t.setCursor(pos)
	}
	t.addUsed(-n)
}

// shrinkChunks releases the tail [pos+keep, pos+had) of an entry in place.
// The cursor is left untouched.
func (t *Tier) shrinkChunks(pos, keep, had int64) {
	t.Free.ClearRange(pos+keep, pos+had)
	t.addUsed(-(had - keep))
}

// reset empties the tier but keeps its link to the next tier.
func (t *Tier) reset() {
	t.Lookup.Clear()
	t.Free.ClearAll()
	memory.Store(t.b, offEntries, 0)
	memory.Store(t.b, offDeleted, 0)
	memory.Store(t.b, offCursor, 0)
	memory.Store(t.b, offUsedChunks, 0)
	t.bumpModCount()
}
