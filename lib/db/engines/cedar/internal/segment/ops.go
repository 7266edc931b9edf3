package segment

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/layout"
)

// Op is the mutation an update function asks for.
type Op uint8

const (
	OpKeep Op = iota
	OpPut
	OpRemove
)

// UpdateFunc receives the current value of a key, a view into mapped memory
// that is only valid during the call, and decides what to do with the key.
// It must not retain old.
type UpdateFunc func(old []byte, present bool) (value []byte, op Op)

// Result describes the outcome of Update.
type Result struct {
	Present   bool  // key was live before the update
	Applied   Op    // mutation that was carried out
	Tier      int64 // location of the written entry
	Pos       int64
	Relocated bool // the entry moved to a new chunk range
}

// EntryView is an entry visited by ForEach. Key and Value point into mapped
// memory and are only valid during the callback.
type EntryView struct {
	Key         []byte
	Value       []byte
	Replication Replication
	Tier        int64
	Pos         int64
}

// --------------------------------------------------------------------------
// Read operations
// --------------------------------------------------------------------------

// Get appends the value of key to dst[:0] and returns it.
//
// Thread-safety: This method takes the shared lock.
func (s *Segment) Get(key []byte, hash uint64, dst []byte) ([]byte, bool, error) {
	s.lock.ReadLock()
	defer s.lock.ReadUnlock()

	q := Query{Key: key, Hash: hash}
	if err := s.search(&q); err != nil {
		return dst, false, err
	}
	if q.State != StatePresent {
		return dst, false, nil
	}
	if err := s.verify(&q); err != nil {
		return dst, false, err
	}
	v := s.value(&q)
	if dst == nil {
		dst = make([]byte, 0, len(v))
	}
	return append(dst[:0], v...), true, nil
}

// View calls fn with the value of key while holding the shared lock.
func (s *Segment) View(key []byte, hash uint64, fn func(value []byte)) (bool, error) {
	s.lock.ReadLock()
	defer s.lock.ReadUnlock()

	q := Query{Key: key, Hash: hash}
	if err := s.search(&q); err != nil {
		return false, err
	}
	if q.State != StatePresent {
		return false, nil
	}
	if err := s.verify(&q); err != nil {
		return false, err
	}
	fn(s.value(&q))
	return true, nil
}

// Inspect returns the search state and the replication metadata of key.
// Tombstones are reported as StateDeletedPresent.
func (s *Segment) Inspect(key []byte, hash uint64) (SearchState, Replication, error) {
	s.lock.ReadLock()
	defer s.lock.ReadUnlock()

	q := Query{Key: key, Hash: hash}
	if err := s.search(&q); err != nil {
		return StateInit, Replication{}, err
	}
	if q.State == StateAbsent || !s.cfg.Replicated {
		return q.State, Replication{}, nil
	}
	return q.State, s.readReplication(q.tier, q.entry), nil
}

// ForEach visits the entries of the segment in tier and slot order while
// holding the shared lock. Tombstones are visited only if includeTombstones
// is set. It returns false if fn stopped the iteration.
func (s *Segment) ForEach(includeTombstones bool, fn func(e EntryView) bool) (bool, error) {
	s.lock.ReadLock()
	defer s.lock.ReadUnlock()

	l := s.cfg.Layout
	cont := true
	var verr error
	err := s.forEachTier(func(t *Tier) bool {
		t.Lookup.ForEach(func(_ int64, _ uint64, pos int64) bool {
			e := l.Decode(t.Entries, pos)
			var r Replication
			if s.cfg.Replicated {
				r = s.readReplication(t, e)
				if r.Tombstone && !includeTombstones {
					return true
				}
			}
			if s.cfg.Checksums && !s.checksumOK(t, e) {
				verr = &ChecksumError{Segment: s.Index, Tier: t.ID, Pos: pos}
				cont = false
				return false
			}
			cont = fn(EntryView{
				Key:         t.Entries[e.KeyOffset : e.KeyOffset+e.KeySize],
				Value:       t.Entries[e.ValueOffset:e.End()],
				Replication: r,
				Tier:        t.ID,
				Pos:         pos,
			})
			return cont
		})
		return cont
	})
	if err != nil {
		return false, err
	}
	return cont, verr
}

// --------------------------------------------------------------------------
// Write operations
// --------------------------------------------------------------------------

// Update searches key under the update lock and applies the mutation chosen
// by fn. The lock is upgraded to exclusive before anything is written. stamp
// is stored as replication metadata on replicated maps.
func (s *Segment) Update(key []byte, hash uint64, stamp Replication, fn UpdateFunc) (res Result, err error) {
	s.lock.UpdateLock()
	exclusive := false
	defer func() {
		if exclusive {
			s.lock.WriteUnlock()
		} else {
			s.lock.UpdateUnlock()
		}
	}()

	q := Query{Key: key, Hash: hash}
	if err = s.search(&q); err != nil {
		return res, err
	}
	res.Present = q.State == StatePresent
	var old []byte
	if res.Present {
		if err = s.verify(&q); err != nil {
			return res, err
		}
		old = s.value(&q)
	}

	value, op := fn(old, res.Present)
	switch op {
	case OpPut:
		if q.tier != nil && overlaps(value, q.tier.Entries) {
			value = bytes.Clone(value)
		}
		s.lock.UpgradeToWrite()
		exclusive = true
		err = s.put(&q, value, stamp, &res)
	case OpRemove:
		if !res.Present {
			return res, nil
		}
		s.lock.UpgradeToWrite()
		exclusive = true
		err = s.remove(&q, stamp, &res)
	}
	return res, err
}

func overlaps(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	a0, b0 := uintptr(unsafe.Pointer(&a[0])), uintptr(unsafe.Pointer(&b[0]))
	return a0 < b0+uintptr(len(b)) && b0 < a0+uintptr(len(a))
}

func (s *Segment) put(q *Query, value []byte, stamp Replication, res *Result) error {
	if q.State == StateAbsent {
		if err := s.insert(q, value); err != nil {
			return err
		}
	} else {
		if err := s.replaceValue(q, value, res); err != nil {
			return err
		}
		if q.State == StateDeletedPresent {
			q.tier.addDeleted(-1)
			q.tier.addEntries(1)
		}
	}
	if s.cfg.Replicated {
		s.writeReplication(q.tier, q.entry, Replication{Timestamp: stamp.Timestamp, Origin: stamp.Origin})
	}
	s.updateChecksum(q.tier, q.entry)
	q.tier.bumpModCount()
	q.State = StatePresent
	res.Applied, res.Tier, res.Pos = OpPut, q.tier.ID, q.pos
	return nil
}

// insert allocates and writes a new entry and publishes it in the hash lookup
// of the tier it was placed in.
func (s *Segment) insert(q *Query, value []byte) error {
	l := s.cfg.Layout
	n := l.InChunks(l.EntrySize(int64(len(q.Key)), int64(len(value))))
	if n > l.MaxChunksPerEntry {
		return fmt.Errorf("%w: %d chunks needed, max %d", ErrValueTooLarge, n, l.MaxChunksPerEntry)
	}
	t, pos, err := s.alloc(n, nil)
	if err != nil {
		return err
	}
	e := l.Encode(t.Entries, pos, q.Key, int64(len(value)))
	used := l.Chunks(e)
	assertFits(used, n)
	copy(t.Entries[e.ValueOffset:e.End()], value)
	if used < n {
		t.shrinkChunks(pos, used, n)
	}
	slot := t.Lookup.FindEmpty(q.searchKey)
	t.Lookup.WriteEntry(slot, q.searchKey, pos)
	t.addEntries(1)
	q.tier, q.slot, q.pos, q.entry = t, slot, pos, e
	return nil
}

// assertFits panics if an encoded entry needs more chunks than were reserved
// for it. The layout reserves worst-case padding, so this is a bug.
func assertFits(used, reserved int64) {
	if used > reserved {
		panic(fmt.Sprintf("segment: entry occupies %d chunks, %d reserved", used, reserved))
	}
}

// replaceValue overwrites the value of the entry found by q. A value of equal
// size is written in place. A larger value extends the entry in place when the
// chunks behind it are free and relocates it otherwise. A smaller value frees
// the tail chunks.
func (s *Segment) replaceValue(q *Query, value []byte, res *Result) error {
	l := s.cfg.Layout
	t, e := q.tier, q.entry
	newSize := int64(len(value))
	if newSize != e.ValueSize {
		oldChunks := l.Chunks(e)
		newChunks := l.InChunks(l.EndForValueSize(e, newSize) - e.Start)
		switch {
		case newChunks > oldChunks:
			if newChunks > l.MaxChunksPerEntry {
				return fmt.Errorf("%w: %d chunks needed, max %d", ErrValueTooLarge, newChunks, l.MaxChunksPerEntry)
			}
			if q.pos+newChunks <= s.cfg.ChunksPerTier && t.Free.IsRangeClear(q.pos+oldChunks, q.pos+newChunks) {
				t.Free.SetRange(q.pos+oldChunks, q.pos+newChunks)
				t.addUsed(newChunks - oldChunks)
			} else {
				return s.relocate(q, value, res)
			}
		case newChunks < oldChunks:
			t.shrinkChunks(q.pos, newChunks, oldChunks)
		}
		e = l.WriteValueSize(t.Entries, e, newSize)
	}
	copy(t.Entries[e.ValueOffset:e.End()], value)
	q.entry = e
	return nil
}

// relocate moves the entry found by q to a new chunk range that fits value.
// The old range is released first so that it can be reused by the move.
func (s *Segment) relocate(q *Query, value []byte, res *Result) error {
	l := s.cfg.Layout
	old, oldTier, oldPos := q.entry, q.tier, q.pos
	oldChunks := l.Chunks(old)

	n := l.InChunks(l.EntrySize(old.KeySize, int64(len(value))))
	if n > l.MaxChunksPerEntry {
		return fmt.Errorf("%w: %d chunks needed, max %d", ErrValueTooLarge, n, l.MaxChunksPerEntry)
	}

	oldTier.freeChunks(oldPos, oldChunks)
	t, pos, err := s.alloc(n, oldTier)
	if err != nil {
		oldTier.Free.SetRange(oldPos, oldPos+oldChunks)
		oldTier.addUsed(oldChunks)
		return err
	}

	// metadata and key move along, the copy tolerates overlapping ranges
	prefix := old.ValueSizeOffset - old.Start
	start := pos * l.ChunkSize
	copy(t.Entries[start:start+prefix], oldTier.Entries[old.Start:old.ValueSizeOffset])
	e := layout.Entry{
		Start:           start,
		KeySizeOffset:   start + (old.KeySizeOffset - old.Start),
		KeySize:         old.KeySize,
		KeyOffset:       start + (old.KeyOffset - old.Start),
		ValueSizeOffset: start + prefix,
	}
	e = l.WriteValueSize(t.Entries, e, int64(len(value)))
	used := l.Chunks(e)
	assertFits(used, n)
	copy(t.Entries[e.ValueOffset:e.End()], value)
	if used < n {
		t.shrinkChunks(pos, used, n)
	}

	if t == oldTier {
		t.Lookup.WriteEntry(q.slot, q.searchKey, pos)
	} else {
		slot := t.Lookup.FindEmpty(q.searchKey)
		t.Lookup.WriteEntry(slot, q.searchKey, pos)
		oldTier.Lookup.Remove(q.slot)
		if q.State == StateDeletedPresent {
			oldTier.addDeleted(-1)
			t.addDeleted(1)
		} else {
			oldTier.addEntries(-1)
			t.addEntries(1)
		}
		oldTier.bumpModCount()
		q.slot = slot
	}
	q.tier, q.pos, q.entry = t, pos, e
	res.Relocated = true
	return nil
}

func (s *Segment) remove(q *Query, stamp Replication, res *Result) error {
	t := q.tier
	if s.cfg.Replicated {
		// tombstones keep key and metadata, the value is dropped
		if _, constant := s.cfg.Layout.ValueSizes.Constant(); !constant {
			if err := s.replaceValue(q, nil, res); err != nil {
				return err
			}
		}
		s.writeReplication(t, q.entry, Replication{Timestamp: stamp.Timestamp, Origin: stamp.Origin, Tombstone: true})
		s.updateChecksum(t, q.entry)
		t.addEntries(-1)
		t.addDeleted(1)
		q.State = StateDeletedPresent
	} else {
		t.Lookup.Remove(q.slot)
		t.freeChunks(q.pos, s.cfg.Layout.Chunks(q.entry))
		t.addEntries(-1)
		q.State = StateAbsent
	}
	t.bumpModCount()
	res.Applied, res.Tier, res.Pos = OpRemove, t.ID, q.pos
	return nil
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// EraseTombstone physically removes the tombstone at (tier, pos) if it still
// exists and expired reports true for its metadata.
func (s *Segment) EraseTombstone(tierID, pos int64, expired func(r Replication) bool) (bool, error) {
	if !s.cfg.Replicated {
		return false, nil
	}
	s.lock.WriteLock()
	defer s.lock.WriteUnlock()

	var t *Tier
	if err := s.forEachTier(func(c *Tier) bool {
		if c.ID == tierID {
			t = c
		}
		return t == nil
	}); err != nil {
		return false, err
	}
	if t == nil || pos < 0 || pos >= s.cfg.ChunksPerTier || !t.Free.Get(pos) {
		return false, nil
	}
	e, ok := s.decodeAt(t, pos)
	if !ok {
		return false, nil
	}
	key := t.Entries[e.KeyOffset : e.KeyOffset+e.KeySize]
	slot := t.Lookup.FindValue(t.Lookup.MaskUnsetKey(s.cfg.Hash(key)), pos)
	if slot < 0 {
		return false, nil
	}
	r := s.readReplication(t, e)
	if !r.Tombstone || !expired(r) {
		return false, nil
	}
	t.Lookup.Remove(slot)
	t.freeChunks(pos, s.cfg.Layout.Chunks(e))
	t.addDeleted(-1)
	t.bumpModCount()
	return true, nil
}

// decodeAt decodes the bytes at pos as an entry. A stale position can point
// into the middle of another entry, so out of range sizes are reported
// instead of trusted.
func (s *Segment) decodeAt(t *Tier, pos int64) (e layout.Entry, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	e = s.cfg.Layout.Decode(t.Entries, pos)
	if e.KeySize < 0 || e.ValueSize < 0 || e.End() > int64(len(t.Entries)) {
		return e, false
	}
	return e, true
}

// Clear removes all entries. Appended tiers stay linked and empty.
func (s *Segment) Clear() error {
	s.lock.WriteLock()
	defer s.lock.WriteUnlock()
	return s.forEachTier(func(t *Tier) bool {
		t.reset()
		return true
	})
}

// Stats is a point-in-time summary of a segment.
type Stats struct {
	Entries     int64  `json:"entries"`
	Tombstones  int64  `json:"tombstones"`
	Tiers       int    `json:"tiers"`
	UsedChunks  int64  `json:"used_chunks"`
	TotalChunks int64  `json:"total_chunks"`
	ModCount    uint64 `json:"mod_count"`
}

// Stats reads the segment counters without taking the lock.
func (s *Segment) Stats() (Stats, error) {
	var st Stats
	err := s.forEachTier(func(t *Tier) bool {
		st.Entries += t.LiveEntries()
		st.Tombstones += t.Tombstones()
		st.Tiers++
		st.UsedChunks += t.UsedChunks()
		st.TotalChunks += s.cfg.ChunksPerTier
		st.ModCount += t.modCount()
		return true
	})
	return st, err
}

// Size returns the number of live entries.
func (s *Segment) Size() int64 {
	st, _ := s.Stats()
	return st.Entries
}

// CheckAllocation verifies that the free list of every tier accounts exactly
// for the chunks of the entries referenced by its hash lookup.
func (s *Segment) CheckAllocation() error {
	s.lock.ReadLock()
	defer s.lock.ReadUnlock()

	l := s.cfg.Layout
	var cerr error
	err := s.forEachTier(func(t *Tier) bool {
		var want int64
		t.Lookup.ForEach(func(_ int64, _ uint64, pos int64) bool {
			e := l.Decode(t.Entries, pos)
			n := l.Chunks(e)
			if !t.Free.IsRangeSet(pos, pos+n) {
				cerr = fmt.Errorf("tier %d: chunks [%d, %d) of a live entry are not allocated", t.ID, pos, pos+n)
				return false
			}
			want += n
			return true
		})
		if cerr == nil && (t.Free.Cardinality() != want || t.UsedChunks() != want) {
			cerr = fmt.Errorf("tier %d: %d chunks allocated, %d counted, %d referenced", t.ID, t.Free.Cardinality(), t.UsedChunks(), want)
		}
		return cerr == nil
	})
	if err != nil {
		return err
	}
	return cerr
}
