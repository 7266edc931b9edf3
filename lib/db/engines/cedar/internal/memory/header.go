package memory

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	magic         = "CEDARMAP" // File format identifier
	formatVersion = 1          // Layout version

	// HeaderSize is the space reserved for the header at the start of extent 0.
	HeaderSize = 4096
	// ExtentAlign is the granularity of extent sizes and file offsets.
	ExtentAlign = 64 << 10
	// TierHeaderSize is the size of the per-tier header words.
	TierHeaderSize = 64

	// header field offsets
	offVersion        = 8
	offFlags          = 12
	offSegments       = 16
	offChunkSize      = 24
	offMaxChunks      = 32
	offChunksPerTier  = 40
	offLookupCap      = 48
	offEntriesPerSeg  = 56
	offConstKeySize   = 64
	offConstValueSize = 72
	offAlignment      = 80
	offTiersPerBulk   = 88
	offTierBudget     = 96
	offMaxTiers       = 104
	offChecksum       = 120 // crc32c over [0, offChecksum)

	// runtime words, accessed atomically
	offAllocatedTiers = 128
	offBulks          = 136
	offAllocLock      = 144
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Header flags.
const (
	FlagReplicated uint32 = 1 << iota
	FlagChecksums
	FlagTiering
)

// --------------------------------------------------------------------------
// Geometry
// --------------------------------------------------------------------------

// Geometry is the persisted configuration of a map. It fully determines the
// layout of the mapped region.
type Geometry struct {
	Flags             uint32
	Segments          int64
	ChunkSize         int64
	MaxChunksPerEntry int64
	ChunksPerTier     int64
	LookupCapacity    int64
	EntriesPerSegment int64
	ConstantKeySize   int64
	ConstantValueSize int64
	Alignment         int64
	TiersPerBulk      int64
	TierBudget        int64 // soft limit derived from the bloat factor
	MaxTiers          int64 // hard limit
}

func align(v, a int64) int64 { return (v + a - 1) / a * a }

// LookupOffset is the offset of the hash lookup slots within a tier.
func (g Geometry) LookupOffset() int64 { return TierHeaderSize }

// FreeListOffset is the offset of the free list within a tier.
func (g Geometry) FreeListOffset() int64 {
	return g.LookupOffset() + g.LookupCapacity*8
}

// EntriesOffset is the offset of the chunk area within a tier.
func (g Geometry) EntriesOffset() int64 {
	return align(g.FreeListOffset()+(g.ChunksPerTier+63)/64*8, 64)
}

// TierSize is the size of one tier in bytes.
func (g Geometry) TierSize() int64 {
	return align(g.EntriesOffset()+g.ChunksPerTier*g.ChunkSize, 64)
}

// Extent0Size is the size of the extent holding the header and the primary tiers.
func (g Geometry) Extent0Size() int64 {
	return align(HeaderSize+g.Segments*g.TierSize(), ExtentAlign)
}

// BulkSize is the size of one overflow extent.
func (g Geometry) BulkSize() int64 {
	return align(g.TiersPerBulk*g.TierSize(), ExtentAlign)
}

// locate returns the extent index and offset of tier id.
func (g Geometry) locate(id int64) (int, int64) {
	if id < g.Segments {
		return 0, HeaderSize + id*g.TierSize()
	}
	extra := id - g.Segments
	return int(extra/g.TiersPerBulk) + 1, extra % g.TiersPerBulk * g.TierSize()
}

// Validate checks the geometry for internal consistency.
func (g Geometry) Validate() error {
	switch {
	case g.Segments <= 0:
		return fmt.Errorf("segments must be positive, got %d", g.Segments)
	case g.ChunkSize <= 0:
		return fmt.Errorf("chunk size must be positive, got %d", g.ChunkSize)
	case g.ChunksPerTier <= 0:
		return fmt.Errorf("chunks per tier must be positive, got %d", g.ChunksPerTier)
	case g.LookupCapacity <= 0 || g.LookupCapacity&(g.LookupCapacity-1) != 0:
		return fmt.Errorf("lookup capacity must be a power of two, got %d", g.LookupCapacity)
	case g.TiersPerBulk <= 0:
		return fmt.Errorf("tiers per bulk must be positive, got %d", g.TiersPerBulk)
	case g.MaxTiers < g.Segments:
		return fmt.Errorf("max tiers %d below segment count %d", g.MaxTiers, g.Segments)
	}
	return nil
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

func writeHeader(b []byte, g Geometry) {
	le := binary.LittleEndian
	copy(b, magic)
	le.PutUint32(b[offVersion:], formatVersion)
	le.PutUint32(b[offFlags:], g.Flags)
	le.PutUint64(b[offSegments:], uint64(g.Segments))
	le.PutUint64(b[offChunkSize:], uint64(g.ChunkSize))
	le.PutUint64(b[offMaxChunks:], uint64(g.MaxChunksPerEntry))
	le.PutUint64(b[offChunksPerTier:], uint64(g.ChunksPerTier))
	le.PutUint64(b[offLookupCap:], uint64(g.LookupCapacity))
	le.PutUint64(b[offEntriesPerSeg:], uint64(g.EntriesPerSegment))
	le.PutUint64(b[offConstKeySize:], uint64(g.ConstantKeySize))
	le.PutUint64(b[offConstValueSize:], uint64(g.ConstantValueSize))
	le.PutUint64(b[offAlignment:], uint64(g.Alignment))
	le.PutUint64(b[offTiersPerBulk:], uint64(g.TiersPerBulk))
	le.PutUint64(b[offTierBudget:], uint64(g.TierBudget))
	le.PutUint64(b[offMaxTiers:], uint64(g.MaxTiers))
	le.PutUint32(b[offChecksum:], crc32.Checksum(b[:offChecksum], castagnoli))
}

func readHeader(b []byte) (Geometry, error) {
	if len(b) < HeaderSize {
		return Geometry{}, fmt.Errorf("%w: header truncated", ErrCorruptFile)
	}
	if string(b[:len(magic)]) != magic {
		return Geometry{}, fmt.Errorf("%w: magic number mismatch", ErrCorruptFile)
	}
	le := binary.LittleEndian
	if v := le.Uint32(b[offVersion:]); v != formatVersion {
		return Geometry{}, fmt.Errorf("%w: unsupported version %d (expected %d)", ErrCorruptFile, v, formatVersion)
	}
	if sum := crc32.Checksum(b[:offChecksum], castagnoli); sum != le.Uint32(b[offChecksum:]) {
		return Geometry{}, fmt.Errorf("%w: header checksum mismatch", ErrCorruptFile)
	}
	g := Geometry{
		Flags:             le.Uint32(b[offFlags:]),
		Segments:          int64(le.Uint64(b[offSegments:])),
		ChunkSize:         int64(le.Uint64(b[offChunkSize:])),
		MaxChunksPerEntry: int64(le.Uint64(b[offMaxChunks:])),
		ChunksPerTier:     int64(le.Uint64(b[offChunksPerTier:])),
		LookupCapacity:    int64(le.Uint64(b[offLookupCap:])),
		EntriesPerSegment: int64(le.Uint64(b[offEntriesPerSeg:])),
		ConstantKeySize:   int64(le.Uint64(b[offConstKeySize:])),
		ConstantValueSize: int64(le.Uint64(b[offConstValueSize:])),
		Alignment:         int64(le.Uint64(b[offAlignment:])),
		TiersPerBulk:      int64(le.Uint64(b[offTiersPerBulk:])),
		TierBudget:        int64(le.Uint64(b[offTierBudget:])),
		MaxTiers:          int64(le.Uint64(b[offMaxTiers:])),
	}
	if err := g.Validate(); err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return g, nil
}
