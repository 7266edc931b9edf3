// Package segment implements one partition of a cedar map: a chain of tiers
// that share a lock word, and the query state machine operating on them.
//
// A query first searches the key through the hash lookup tables of all tiers
// in chain order and ends in one of three states: the key is present, absent,
// or present as a tombstone (replicated maps only). Reads run under the shared
// lock. Mutating queries search under the update lock and upgrade to the
// exclusive lock before the first byte is written.
package segment

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/hashlookup"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/layout"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/memory"
)

var (
	// ErrValueTooLarge is returned when an entry needs more than the maximum
	// number of chunks per entry.
	ErrValueTooLarge = errors.New("entry exceeds max chunks per entry")
	// ErrSegmentOverflow is returned when a segment is full and tiering is disabled.
	ErrSegmentOverflow = errors.New("segment is full and tiering is disabled")
	// ErrChecksumMismatch is returned when a stored entry fails checksum verification.
	ErrChecksumMismatch = errors.New("entry checksum mismatch")
)

// ChecksumError describes the entry that failed verification.
type ChecksumError struct {
	Segment int
	Tier    int64
	Pos     int64
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("entry checksum mismatch in segment %d, tier %d, chunk %d", e.Segment, e.Tier, e.Pos)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// TierSource resolves and allocates tiers in the mapped region.
type TierSource interface {
	Tier(id int64) ([]byte, error)
	AllocateTier() (int64, []byte, error)
}

// Config is shared by all segments of a map.
type Config struct {
	Layout            layout.Layout
	Replicated        bool
	Checksums         bool
	AllowTiering      bool
	ChunksPerTier     int64
	LookupCapacity    int64
	ValueBits         uint
	MaxEntriesPerTier int64

	LookupOffset   int64
	FreeListOffset int64
	EntriesOffset  int64

	// Hash computes the key hash, it must match the hash the map routes with.
	Hash func(key []byte) uint64
	// OnNewTier is called under the segment lock after a tier was appended.
	OnNewTier func(segment int, tier int64)
}

// NewConfig derives the tier layout from the region geometry.
func NewConfig(g memory.Geometry, l layout.Layout, hash func([]byte) uint64) *Config {
	return &Config{
		Layout:            l,
		Replicated:        g.Flags&memory.FlagReplicated != 0,
		Checksums:         g.Flags&memory.FlagChecksums != 0,
		AllowTiering:      g.Flags&memory.FlagTiering != 0,
		ChunksPerTier:     g.ChunksPerTier,
		LookupCapacity:    g.LookupCapacity,
		ValueBits:         hashlookup.ValueBits(g.ChunksPerTier),
		MaxEntriesPerTier: hashlookup.MaxEntries(g.LookupCapacity),
		LookupOffset:      g.LookupOffset(),
		FreeListOffset:    g.FreeListOffset(),
		EntriesOffset:     g.EntriesOffset(),
		Hash:              hash,
	}
}

// MetaDataBytes returns the number of metadata bytes preceding the key size.
func MetaDataBytes(replicated, checksums bool) int64 {
	var n int64
	if checksums {
		n += checksumBytes
	}
	if replicated {
		n += replicationBytes
	}
	return n
}

// --------------------------------------------------------------------------
// Segment
// --------------------------------------------------------------------------

// Segment is the unit of parallelism of a map.
type Segment struct {
	Index int
	cfg   *Config
	src   TierSource
	lock  Lock

	mu    sync.Mutex // guards growth of the tier cache
	tiers atomic.Pointer[[]*Tier]
}

// New attaches to segment index, whose primary tier has the same id.
func New(index int, cfg *Config, src TierSource) (*Segment, error) {
	b, err := src.Tier(int64(index))
	if err != nil {
		return nil, err
	}
	first := newTier(cfg, int64(index), b)
	s := &Segment{Index: index, cfg: cfg, src: src, lock: Lock{word: first.lockWord()}}
	tiers := []*Tier{first}
	s.tiers.Store(&tiers)
	return s, nil
}

// Lock returns the segment lock.
func (s *Segment) Lock() Lock { return s.lock }

// tier returns the i-th tier of the chain, or nil at the end of the chain.
// Tiers appended by other handles are picked up from the persisted links.
func (s *Segment) tier(i int) (*Tier, error) {
	if cached := *s.tiers.Load(); i < len(cached) {
		return cached[i], nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cached := *s.tiers.Load()
	for len(cached) <= i {
		next := cached[len(cached)-1].next()
		if next < 0 {
			return nil, nil
		}
		b, err := s.src.Tier(next)
		if err != nil {
			return nil, err
		}
		grown := make([]*Tier, len(cached)+1)
		copy(grown, cached)
		grown[len(cached)] = newTier(s.cfg, next, b)
		cached = grown
		s.tiers.Store(&cached)
	}
	return cached[i], nil
}

// forEachTier calls fn for every tier of the chain until fn returns false.
func (s *Segment) forEachTier(fn func(t *Tier) bool) error {
	for i := 0; ; i++ {
		t, err := s.tier(i)
		if err != nil {
			return err
		}
		if t == nil || !fn(t) {
			return nil
		}
	}
}

// appendTier allocates a tier and links it to the end of the chain.
// The caller holds the exclusive lock.
func (s *Segment) appendTier() (*Tier, error) {
	if !s.cfg.AllowTiering {
		return nil, ErrSegmentOverflow
	}
	var (
		last  *Tier
		count int
	)
	if err := s.forEachTier(func(t *Tier) bool { last = t; count++; return true }); err != nil {
		return nil, err
	}
	id, _, err := s.src.AllocateTier()
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", s.Index, err)
	}
	last.setNext(id)
	t, err := s.tier(count)
	if err != nil {
		return nil, err
	}
	if s.cfg.OnNewTier != nil {
		s.cfg.OnNewTier(s.Index, id)
	}
	return t, nil
}

// TierCount returns the number of tiers known to this handle.
func (s *Segment) TierCount() int {
	return len(*s.tiers.Load())
}

// alloc reserves n chunks in the first tier of the chain that has both a free
// lookup slot and a free run, appending a tier when none has. The tier keep is
// exempt from the slot check because its entry is being moved, not added.
func (s *Segment) alloc(n int64, keep *Tier) (*Tier, int64, error) {
	var (
		found *Tier
		pos   int64
	)
	err := s.forEachTier(func(t *Tier) bool {
		if t != keep && t.Occupied() >= s.cfg.MaxEntriesPerTier {
			return true
		}
		if p := t.allocChunks(n); p >= 0 {
			found, pos = t, p
			return false
		}
		return true
	})
	if err != nil || found != nil {
		return found, pos, err
	}
	t, err := s.appendTier()
	if err != nil {
		return nil, 0, err
	}
	if pos = t.allocChunks(n); pos < 0 {
		return nil, 0, fmt.Errorf("segment %d: fresh tier %d cannot hold %d chunks", s.Index, t.ID, n)
	}
	return t, pos, nil
}

// --------------------------------------------------------------------------
// Query context
// --------------------------------------------------------------------------

// SearchState is the outcome of a key search.
type SearchState uint8

const (
	StateInit SearchState = iota
	StatePresent
	StateAbsent
	StateDeletedPresent
)

func (s SearchState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePresent:
		return "PRESENT"
	case StateAbsent:
		return "ABSENT"
	case StateDeletedPresent:
		return "DELETED_PRESENT"
	default:
		return "UNKNOWN"
	}
}

// Query carries the state of one key operation on a segment.
type Query struct {
	Key  []byte
	Hash uint64

	State     SearchState
	searchKey uint64
	tier      *Tier
	slot      int64
	pos       int64
	entry     layout.Entry
}

// search locates q.Key in the tier chain. The caller holds at least the
// shared lock.
func (s *Segment) search(q *Query) error {
	q.State = StateAbsent
	q.tier = nil
	first, err := s.tier(0)
	if err != nil {
		return err
	}
	q.searchKey = first.Lookup.MaskUnsetKey(q.Hash)
	l := s.cfg.Layout
	return s.forEachTier(func(t *Tier) bool {
		pos := t.Lookup.HashLookupPos(q.searchKey)
		for i := int64(0); i < t.Lookup.Capacity(); i++ {
			slot := t.Lookup.ReadEntry(pos)
			if hashlookup.Empty(slot) {
				return true
			}
			if t.Lookup.Key(slot) == q.searchKey {
				chunk := t.Lookup.Value(slot)
				e := l.Decode(t.Entries, chunk)
				if e.KeySize == int64(len(q.Key)) && bytes.Equal(t.Entries[e.KeyOffset:e.KeyOffset+e.KeySize], q.Key) {
					q.tier, q.slot, q.pos, q.entry = t, pos, chunk, e
					q.State = StatePresent
					if s.cfg.Replicated && s.isTombstone(t, e) {
						q.State = StateDeletedPresent
					}
					return false
				}
			}
			pos = t.Lookup.Step(pos)
		}
		return true
	})
}

func (s *Segment) value(q *Query) []byte {
	return q.tier.Entries[q.entry.ValueOffset:q.entry.End()]
}

// verify checks the entry checksum when checksums are enabled.
func (s *Segment) verify(q *Query) error {
	if !s.cfg.Checksums || s.checksumOK(q.tier, q.entry) {
		return nil
	}
	return &ChecksumError{Segment: s.Index, Tier: q.tier.ID, Pos: q.pos}
}
