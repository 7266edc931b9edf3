package cedar

import (
	"math"
	"math/bits"
	"runtime"
	"time"

	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/hashlookup"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/layout"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/memory"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/segment"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/sizeenc"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultEntries          = 1 << 16
	defaultAverageKeySize   = 16
	defaultAverageValueSize = 64
	defaultMaxChunks        = 64
	defaultBloatFactor      = 1.0
	defaultSweepInterval    = time.Second
	defaultCleanupTimeout   = 60_000 // one minute of SystemClock time

	entriesPerSegmentTarget = 8192    // segment count heuristic
	maxSegments             = 1 << 16 // upper bound of the segment count
	minChunkSize            = 8
	maxDerivedChunkSize     = 4096
	maxTiersPerBulk         = 16
	tierHeadroom            = 4 // hard tier limit as a multiple of the tier budget
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures a map. Zero values of the sizing fields are derived from
// Entries and the average key and value sizes. A constant size takes
// precedence over the average size.
type Options struct {
	Path string // map file, empty for an anonymous map
	Name string // label of the exported metrics

	Entries           int64 // expected number of live entries
	AverageKeySize    int64
	AverageValueSize  int64
	ConstantKeySize   int64 // > 0 if every key has this size
	ConstantValueSize int64 // > 0 if every value has this size
	Alignment         int64 // alignment of value offsets, a power of two

	ActualChunkSize        int64
	MaxChunksPerEntry      int64 // in [1, 64]
	ActualSegments         int64
	EntriesPerSegment      int64
	ActualChunksPerSegment int64   // chunks per tier
	MaxBloatFactor         float64 // tier budget as a multiple of the primary tiers
	MaxTiers               int64   // hard limit of tiers including the primary ones
	DisableSegmentTiering  bool    // fail with ErrSegmentOverflow instead of adding tiers
	ChecksumEntries        bool    // store a CRC32-C per entry and verify it on read

	PutReturnsNull    bool // Put does not copy out the previous value
	RemoveReturnsNull bool // Remove does not copy out the previous value

	Replication   *ReplicationOptions // nil for a plain map
	SweepInterval time.Duration       // period of the background tombstone sweep
}

// DefaultOptions returns the options of an anonymous plain map sized for
// 64 Ki entries.
func DefaultOptions() *Options {
	return &Options{
		Entries:          defaultEntries,
		AverageKeySize:   defaultAverageKeySize,
		AverageValueSize: defaultAverageValueSize,
		Alignment:        1,
		MaxBloatFactor:   defaultBloatFactor,
		SweepInterval:    defaultSweepInterval,
	}
}

// TimeSource supplies replication timestamps. CleanupTimeout is measured in
// the same unit.
type TimeSource interface {
	Now() uint64
}

// SystemClock is a TimeSource returning Unix milliseconds.
type SystemClock struct{}

func (SystemClock) Now() uint64 { return uint64(time.Now().UnixMilli()) }

// ReplicationOptions enable replicated mode: entries carry a timestamp, an
// origin identifier and a tombstone flag, and removed keys stay as tombstones
// until they are older than CleanupTimeout.
type ReplicationOptions struct {
	Identifier     uint8          // origin written with local changes
	CleanupTimeout uint64         // minimum age of a tombstone before it is erased
	TimeSource     TimeSource     // defaults to SystemClock
	Listener       ChangeListener // receives every change after the segment lock is released
}

// DefaultReplicationOptions returns replication options with the system clock
// and a cleanup timeout of one minute.
func DefaultReplicationOptions(identifier uint8) *ReplicationOptions {
	return &ReplicationOptions{
		Identifier:     identifier,
		CleanupTimeout: defaultCleanupTimeout,
		TimeSource:     SystemClock{},
	}
}

// Validate checks the options for invalid and conflicting values.
func (o *Options) Validate() error {
	switch {
	case o.Entries < 0:
		return configErrorf("Entries", "must not be negative, got %d", o.Entries)
	case o.AverageKeySize < 0 || o.AverageValueSize < 0:
		return configErrorf("AverageKeySize", "average sizes must not be negative")
	case o.ConstantKeySize < 0 || o.ConstantValueSize < 0:
		return configErrorf("ConstantKeySize", "constant sizes must not be negative")
	case o.Alignment < 0 || o.Alignment > 0 && !layout.Alignment(o.Alignment).Valid():
		return configErrorf("Alignment", "must be a power of two, got %d", o.Alignment)
	case o.Alignment > 1 && o.ConstantValueSize%o.Alignment != 0:
		return configErrorf("Alignment", "constant value size %d is not a multiple of %d", o.ConstantValueSize, o.Alignment)
	case o.ActualChunkSize < 0:
		return configErrorf("ActualChunkSize", "must not be negative, got %d", o.ActualChunkSize)
	case o.MaxChunksPerEntry < 0 || o.MaxChunksPerEntry > 64:
		return configErrorf("MaxChunksPerEntry", "must be in [1, 64], got %d", o.MaxChunksPerEntry)
	case o.ActualSegments < 0 || o.ActualSegments > maxSegments:
		return configErrorf("ActualSegments", "must be in [1, %d], got %d", maxSegments, o.ActualSegments)
	case o.EntriesPerSegment < 0:
		return configErrorf("EntriesPerSegment", "must not be negative, got %d", o.EntriesPerSegment)
	case o.ActualChunksPerSegment < 0:
		return configErrorf("ActualChunksPerSegment", "must not be negative, got %d", o.ActualChunksPerSegment)
	case o.MaxBloatFactor != 0 && (o.MaxBloatFactor < 1 || o.MaxBloatFactor > 1000 || math.IsNaN(o.MaxBloatFactor)):
		return configErrorf("MaxBloatFactor", "must be in [1, 1000], got %v", o.MaxBloatFactor)
	case o.MaxTiers < 0:
		return configErrorf("MaxTiers", "must not be negative, got %d", o.MaxTiers)
	case o.SweepInterval < 0:
		return configErrorf("SweepInterval", "must not be negative, got %s", o.SweepInterval)
	}
	if o.MaxChunksPerEntry > 0 && o.ActualChunksPerSegment > 0 && o.ActualChunksPerSegment < o.MaxChunksPerEntry {
		return configErrorf("ActualChunksPerSegment", "%d chunks cannot hold an entry of %d chunks", o.ActualChunksPerSegment, o.MaxChunksPerEntry)
	}
	if r := o.Replication; r != nil && r.CleanupTimeout == 0 {
		return configErrorf("Replication.CleanupTimeout", "must be positive")
	}
	return nil
}

// --------------------------------------------------------------------------
// Derived geometry
// --------------------------------------------------------------------------

func (o *Options) flags() uint32 {
	var f uint32
	if o.Replication != nil {
		f |= memory.FlagReplicated
	}
	if o.ChecksumEntries {
		f |= memory.FlagChecksums
	}
	if !o.DisableSegmentTiering {
		f |= memory.FlagTiering
	}
	return f
}

func orDefault(v, def int64) int64 {
	if v > 0 {
		return v
	}
	return def
}

func nextPow2(v int64) int64 {
	if v <= 1 {
		return 1
	}
	return int64(1) << bits.Len64(uint64(v-1))
}

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

// geometry derives the layout of a new map from the options.
func (o *Options) geometry() (memory.Geometry, error) {
	g := memory.Geometry{
		Flags:             o.flags(),
		ConstantKeySize:   o.ConstantKeySize,
		ConstantValueSize: o.ConstantValueSize,
		Alignment:         orDefault(o.Alignment, 1),
	}
	entries := orDefault(o.Entries, defaultEntries)
	avgKey := orDefault(o.ConstantKeySize, orDefault(o.AverageKeySize, defaultAverageKeySize))
	avgValue := orDefault(o.ConstantValueSize, orDefault(o.AverageValueSize, defaultAverageValueSize))
	constant := o.ConstantKeySize > 0 && o.ConstantValueSize > 0

	// entry size estimate, independent of the final chunk size
	meta := segment.MetaDataBytes(g.Flags&memory.FlagReplicated != 0, g.Flags&memory.FlagChecksums != 0)
	probe, err := layout.New(meta, sizeenc.For(g.ConstantKeySize), sizeenc.For(g.ConstantValueSize), layout.Alignment(g.Alignment), 1, 1)
	if err != nil {
		return g, configErrorf("Alignment", "%v", err)
	}
	avgEntry := probe.EntrySize(avgKey, avgValue)

	switch {
	case o.ActualChunkSize > 0:
		g.ChunkSize = o.ActualChunkSize
		// a chunk size that is not a multiple of the alignment reserves
		// worst-case padding, so the estimate grows with it
		sized, err := layout.New(meta, sizeenc.For(g.ConstantKeySize), sizeenc.For(g.ConstantValueSize), layout.Alignment(g.Alignment), g.ChunkSize, 1)
		if err != nil {
			return g, configErrorf("ActualChunkSize", "%v", err)
		}
		avgEntry = sized.EntrySize(avgKey, avgValue)
	case constant:
		g.ChunkSize = avgEntry
	default:
		g.ChunkSize = min(max(nextPow2(avgEntry/4), minChunkSize), maxDerivedChunkSize)
	}
	switch {
	case o.MaxChunksPerEntry > 0:
		g.MaxChunksPerEntry = o.MaxChunksPerEntry
	case constant:
		g.MaxChunksPerEntry = ceilDiv(avgEntry, g.ChunkSize)
	default:
		g.MaxChunksPerEntry = defaultMaxChunks
	}
	if g.MaxChunksPerEntry > 64 {
		return g, configErrorf("ActualChunkSize", "a constant entry of %d bytes needs more than 64 chunks of %d bytes", avgEntry, g.ChunkSize)
	}

	g.Segments = o.ActualSegments
	if g.Segments == 0 {
		g.Segments = max(nextPow2(ceilDiv(entries, entriesPerSegmentTarget)), nextPow2(int64(runtime.NumCPU())))
		g.Segments = min(g.Segments, maxSegments)
	}
	g.EntriesPerSegment = o.EntriesPerSegment
	if g.EntriesPerSegment == 0 {
		g.EntriesPerSegment = ceilDiv(entries, g.Segments)*5/4 + 8
	}

	g.ChunksPerTier = o.ActualChunksPerSegment
	if g.ChunksPerTier == 0 {
		g.ChunksPerTier = max(g.EntriesPerSegment*ceilDiv(avgEntry, g.ChunkSize), g.MaxChunksPerEntry)
	}
	if g.ChunksPerTier < g.MaxChunksPerEntry {
		return g, configErrorf("ActualChunksPerSegment", "%d chunks cannot hold an entry of %d chunks", g.ChunksPerTier, g.MaxChunksPerEntry)
	}
	if hashlookup.ValueBits(g.ChunksPerTier) > 40 {
		return g, configErrorf("ActualChunksPerSegment", "%d chunks per tier are too many", g.ChunksPerTier)
	}
	g.LookupCapacity = hashlookup.CapacityFor(g.EntriesPerSegment)
	g.TiersPerBulk = min(g.Segments, maxTiersPerBulk)

	bloat := o.MaxBloatFactor
	if bloat == 0 {
		bloat = defaultBloatFactor
	}
	g.TierBudget = g.Segments + int64(math.Ceil(float64(g.Segments)*(bloat-1)))
	switch {
	case o.DisableSegmentTiering:
		g.MaxTiers = g.Segments
	case o.MaxTiers > 0:
		g.MaxTiers = max(o.MaxTiers, g.Segments)
	default:
		g.MaxTiers = max(tierHeadroom*g.TierBudget, g.Segments+64)
	}
	return g, g.Validate()
}

// checkCompatible verifies that the persisted geometry of a reopened file
// agrees with the options that cannot be changed after creation.
func (o *Options) checkCompatible(g memory.Geometry) error {
	switch {
	case o.ConstantKeySize > 0 && o.ConstantKeySize != g.ConstantKeySize:
		return configErrorf("ConstantKeySize", "file was created with constant key size %d", g.ConstantKeySize)
	case o.ConstantValueSize > 0 && o.ConstantValueSize != g.ConstantValueSize:
		return configErrorf("ConstantValueSize", "file was created with constant value size %d", g.ConstantValueSize)
	case (o.Replication != nil) != (g.Flags&memory.FlagReplicated != 0):
		return configErrorf("Replication", "replicated mode differs from the file (file flags %#x)", g.Flags)
	}
	return nil
}

// layoutFor returns the entry layout of a map with geometry g.
func layoutFor(g memory.Geometry) (layout.Layout, error) {
	meta := segment.MetaDataBytes(g.Flags&memory.FlagReplicated != 0, g.Flags&memory.FlagChecksums != 0)
	return layout.New(meta, sizeenc.For(g.ConstantKeySize), sizeenc.For(g.ConstantValueSize),
		layout.Alignment(g.Alignment), g.ChunkSize, g.MaxChunksPerEntry)
}
