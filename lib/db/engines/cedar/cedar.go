package cedar

import (
	"bytes"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/memory"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/segment"
	"github.com/ValentinKolb/mKV/lib/db/util"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("cedar")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Op is the mutation a ComputeFunc asks for.
type Op = segment.Op

const (
	OpKeep   = segment.OpKeep   // leave the entry unchanged
	OpPut    = segment.OpPut    // write the returned value
	OpRemove = segment.OpRemove // remove the entry
)

// ComputeFunc receives the current value of a key and decides what to do
// with it. old points into mapped memory and is only valid during the call.
// The function runs under the segment lock and must not access the map.
type ComputeFunc func(old []byte, present bool) (value []byte, op Op)

// Result describes the outcome of a mutation.
type Result = segment.Result

// Stamp is the replication metadata of a change received from another node.
type Stamp struct {
	Timestamp uint64
	Origin    uint8
}

// EntryInfo is the state of a key including replication metadata.
type EntryInfo struct {
	Present   bool
	Tombstone bool
	Timestamp uint64
	Origin    uint8
}

// --------------------------------------------------------------------------
// Map
// --------------------------------------------------------------------------

// Map is a segmented hash map whose entries live in mapped memory, either
// anonymous or backed by a file. All methods are safe for concurrent use.
// Close waits for operations in progress before it releases the mapping, so
// it must not be called from a callback passed to the map.
type Map struct {
	opts     Options
	region   *memory.Region
	geo      memory.Geometry
	segments []*segment.Segment
	created  bool

	// replication
	replicated bool
	clock      TimeSource
	origin     uint8
	notifier   *notifier
	sweeper    *sweeper

	metrics     *mapMetrics
	inflight    atomic.Int64 // operations currently reading mapped memory
	closed      atomic.Bool
	bloatWarned atomic.Bool
}

// Open creates or opens a map. With an empty Path the map lives in anonymous
// memory, otherwise in the file at Path, which is created when it does not
// exist. Opening a path that is already open in this process shares the
// mapping of the first handle.
func Open(opts *Options) (*Map, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.Replication != nil {
		r := *o.Replication
		if r.TimeSource == nil {
			r.TimeSource = SystemClock{}
		}
		o.Replication = &r
	}

	g, err := o.geometry()
	if err != nil {
		return nil, err
	}

	var region *memory.Region
	created := true
	if o.Path == "" {
		region, err = memory.OpenAnonymous(g)
	} else {
		region, created, err = memory.Acquire(o.Path, g)
	}
	if err != nil {
		return nil, fmt.Errorf("cedar: open region: %w", err)
	}

	m, err := newMap(&o, region, created)
	if err != nil {
		_ = memory.Release(region)
		return nil, err
	}

	if o.Path != "" {
		verb := "opened"
		if created {
			verb = "created"
		}
		log.Infof("%s map %s (%d segments, chunk size %d, %d tiers allocated)",
			verb, o.Path, m.geo.Segments, m.geo.ChunkSize, region.AllocatedTiers())
	}
	return m, nil
}

func newMap(o *Options, region *memory.Region, created bool) (*Map, error) {
	g := region.Geometry()
	if !created {
		if err := o.checkCompatible(g); err != nil {
			return nil, err
		}
	}
	l, err := layoutFor(g)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}

	m := &Map{
		opts:       *o,
		region:     region,
		geo:        g,
		created:    created,
		replicated: g.Flags&memory.FlagReplicated != 0,
	}
	m.metrics = newMapMetrics(m)

	cfg := segment.NewConfig(g, l, util.HashKey)
	cfg.OnNewTier = m.onNewTier
	m.segments = make([]*segment.Segment, g.Segments)
	for i := range m.segments {
		if m.segments[i], err = segment.New(i, cfg, region); err != nil {
			return nil, fmt.Errorf("cedar: attach segment %d: %w", i, err)
		}
	}

	if r := o.Replication; r != nil {
		m.clock = r.TimeSource
		m.origin = r.Identifier
		m.sweeper = newSweeper(m, r.CleanupTimeout, o.SweepInterval)
		if !created {
			if err := m.sweeper.seed(); err != nil {
				return nil, fmt.Errorf("cedar: register tombstones: %w", err)
			}
		}
		if r.Listener != nil {
			m.notifier = newNotifier(r.Listener)
		}
		m.sweeper.start()
	}
	return m, nil
}

// onNewTier runs under the lock of the segment that grew.
func (m *Map) onNewTier(seg int, tier int64) {
	m.metrics.tiersAdded.Inc()
	allocated := m.region.AllocatedTiers()
	if allocated <= m.geo.TierBudget {
		return
	}
	m.metrics.bloatExceeded.Inc()
	if m.bloatWarned.CompareAndSwap(false, true) {
		log.Warningf("map %s exceeds its tier budget: segment %d appended tier %d, %d of %d budgeted tiers allocated (hard limit %d)",
			m.name(), seg, tier, allocated, m.geo.TierBudget, m.geo.MaxTiers)
	}
}

func (m *Map) name() string {
	switch {
	case m.opts.Name != "":
		return m.opts.Name
	case m.opts.Path != "":
		return m.opts.Path
	default:
		return "(anonymous)"
	}
}

// --------------------------------------------------------------------------
// Routing and validation
// --------------------------------------------------------------------------

// segmentFor selects the segment from the high hash bits. The low bits are
// used by the hash lookup of the segment.
func (m *Map) segmentFor(hash uint64) *segment.Segment {
	return m.segments[(hash>>40)%uint64(len(m.segments))]
}

// enter marks an operation in progress. Every successful enter must be paired
// with leave.
func (m *Map) enter() error {
	m.inflight.Add(1)
	if m.closed.Load() {
		m.inflight.Add(-1)
		return ErrClosed
	}
	return nil
}

func (m *Map) leave() { m.inflight.Add(-1) }

// drain waits until no operation entered before closed was set is running.
func (m *Map) drain() {
	for i := 0; m.inflight.Load() > 0; i++ {
		if i < 100 {
			runtime.Gosched()
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}

func (m *Map) checkKey(key []byte) error {
	if c := m.geo.ConstantKeySize; c > 0 && int64(len(key)) != c {
		return fmt.Errorf("%w: key has %d bytes, want %d", ErrSizeMismatch, len(key), c)
	}
	return nil
}

func (m *Map) checkValue(value []byte) error {
	if c := m.geo.ConstantValueSize; c > 0 && int64(len(value)) != c {
		return fmt.Errorf("%w: value has %d bytes, want %d", ErrSizeMismatch, len(value), c)
	}
	return nil
}

func (m *Map) localStamp() segment.Replication {
	if !m.replicated {
		return segment.Replication{}
	}
	return segment.Replication{Timestamp: m.clock.Now(), Origin: m.origin}
}

// update runs fn under the update lock of the key's segment. Change events
// and tombstone registrations are queued after the lock is released.
func (m *Map) update(key []byte, stamp segment.Replication, fn ComputeFunc) (Result, error) {
	if err := m.checkKey(key); err != nil {
		return Result{}, err
	}
	res, seg, written, err := m.apply(key, stamp, fn)
	if err != nil {
		return res, err
	}

	if m.replicated && res.Applied != OpKeep {
		removed := res.Applied == OpRemove
		if m.notifier != nil {
			ev := &ChangeEvent{
				Segment:   seg.Index,
				Key:       bytes.Clone(key),
				Timestamp: stamp.Timestamp,
				Origin:    stamp.Origin,
				Removed:   removed,
			}
			if !removed {
				ev.Value = written
			}
			m.notifier.push(ev)
		}
		if removed {
			m.sweeper.register(seg.Index, res, stamp.Timestamp)
		}
	}
	return res, nil
}

// apply runs fn on the key's segment and returns a copy of the written value
// when change events are delivered.
func (m *Map) apply(key []byte, stamp segment.Replication, fn ComputeFunc) (Result, *segment.Segment, []byte, error) {
	if err := m.enter(); err != nil {
		return Result{}, nil, nil, err
	}
	defer m.leave()
	start := time.Now()
	hash := util.HashKey(key)
	seg := m.segmentFor(hash)

	var valueErr error
	var written []byte
	res, err := seg.Update(key, hash, stamp, func(old []byte, present bool) ([]byte, segment.Op) {
		value, op := fn(old, present)
		if op == OpPut {
			if valueErr = m.checkValue(value); valueErr != nil {
				return nil, OpKeep
			}
			if m.notifier != nil {
				written = bytes.Clone(value)
				if written == nil {
					written = []byte{}
				}
			}
		}
		return value, op
	})
	if err == nil {
		err = valueErr
	}
	if err != nil {
		return res, seg, nil, err
	}
	m.metrics.observeUpdate(res, start)
	return res, seg, written, nil
}

// --------------------------------------------------------------------------
// Read operations
// --------------------------------------------------------------------------

// Get returns a copy of the value of key.
func (m *Map) Get(key []byte) ([]byte, bool, error) {
	return m.GetUsing(key, nil)
}

// GetUsing copies the value of key into buf, growing it if needed, and
// returns the result. buf may be nil.
func (m *Map) GetUsing(key, buf []byte) ([]byte, bool, error) {
	if err := m.checkKey(key); err != nil {
		return buf, false, err
	}
	if err := m.enter(); err != nil {
		return buf, false, err
	}
	defer m.leave()
	hash := util.HashKey(key)
	value, ok, err := m.segmentFor(hash).Get(key, hash, buf)
	m.metrics.observeRead(ok)
	return value, ok, err
}

// View calls fn with the value of key while the segment is read locked.
// value points into mapped memory and must not be retained or modified.
func (m *Map) View(key []byte, fn func(value []byte)) (bool, error) {
	if err := m.checkKey(key); err != nil {
		return false, err
	}
	if err := m.enter(); err != nil {
		return false, err
	}
	defer m.leave()
	hash := util.HashKey(key)
	ok, err := m.segmentFor(hash).View(key, hash, fn)
	m.metrics.observeRead(ok)
	return ok, err
}

// ContainsKey reports whether key has a live entry.
func (m *Map) ContainsKey(key []byte) (bool, error) {
	info, err := m.Inspect(key)
	return info.Present, err
}

// Inspect returns the state of key. On replicated maps tombstones are
// reported with the timestamp and origin of the removal.
func (m *Map) Inspect(key []byte) (EntryInfo, error) {
	if err := m.checkKey(key); err != nil {
		return EntryInfo{}, err
	}
	if err := m.enter(); err != nil {
		return EntryInfo{}, err
	}
	defer m.leave()
	hash := util.HashKey(key)
	state, r, err := m.segmentFor(hash).Inspect(key, hash)
	if err != nil {
		return EntryInfo{}, err
	}
	return EntryInfo{
		Present:   state == segment.StatePresent,
		Tombstone: state == segment.StateDeletedPresent,
		Timestamp: r.Timestamp,
		Origin:    r.Origin,
	}, nil
}

// --------------------------------------------------------------------------
// Write operations
// --------------------------------------------------------------------------

// Put sets the value of key. The previous value is returned unless the map
// was opened with PutReturnsNull.
func (m *Map) Put(key, value []byte) (prev []byte, loaded bool, err error) {
	res, err := m.update(key, m.localStamp(), func(old []byte, present bool) ([]byte, Op) {
		if present && !m.opts.PutReturnsNull {
			prev = bytes.Clone(old)
		}
		return value, OpPut
	})
	return prev, res.Present, err
}

// PutIfAbsent sets the value of key only if it has no live entry. Otherwise
// the existing value is returned.
func (m *Map) PutIfAbsent(key, value []byte) (existing []byte, loaded bool, err error) {
	res, err := m.update(key, m.localStamp(), func(old []byte, present bool) ([]byte, Op) {
		if present {
			existing = bytes.Clone(old)
			return nil, OpKeep
		}
		return value, OpPut
	})
	return existing, res.Present, err
}

// Replace sets the value of key only if it has a live entry and returns the
// previous value.
func (m *Map) Replace(key, value []byte) (prev []byte, replaced bool, err error) {
	res, err := m.update(key, m.localStamp(), func(old []byte, present bool) ([]byte, Op) {
		if !present {
			return nil, OpKeep
		}
		prev = bytes.Clone(old)
		return value, OpPut
	})
	return prev, res.Applied == OpPut, err
}

// ReplaceIf sets the value of key to newValue only if its current value
// equals oldValue.
func (m *Map) ReplaceIf(key, oldValue, newValue []byte) (bool, error) {
	res, err := m.update(key, m.localStamp(), func(old []byte, present bool) ([]byte, Op) {
		if !present || !bytes.Equal(old, oldValue) {
			return nil, OpKeep
		}
		return newValue, OpPut
	})
	return res.Applied == OpPut, err
}

// Remove deletes key. The previous value is returned unless the map was
// opened with RemoveReturnsNull. On replicated maps the entry becomes a
// tombstone.
func (m *Map) Remove(key []byte) (prev []byte, removed bool, err error) {
	res, err := m.update(key, m.localStamp(), func(old []byte, present bool) ([]byte, Op) {
		if present && !m.opts.RemoveReturnsNull {
			prev = bytes.Clone(old)
		}
		return nil, OpRemove
	})
	return prev, res.Applied == OpRemove, err
}

// RemoveIf deletes key only if its current value equals value.
func (m *Map) RemoveIf(key, value []byte) (bool, error) {
	res, err := m.update(key, m.localStamp(), func(old []byte, present bool) ([]byte, Op) {
		if !present || !bytes.Equal(old, value) {
			return nil, OpKeep
		}
		return nil, OpRemove
	})
	return res.Applied == OpRemove, err
}

// AcquireUsing returns the value of key copied into buf. If key has no live
// entry, def is inserted first and returned. created reports the insert.
func (m *Map) AcquireUsing(key, def, buf []byte) (value []byte, created bool, err error) {
	res, err := m.update(key, m.localStamp(), func(old []byte, present bool) ([]byte, Op) {
		if present {
			value = append(buf[:0], old...)
			return nil, OpKeep
		}
		return def, OpPut
	})
	if err != nil {
		return buf, false, err
	}
	if res.Applied == OpPut {
		value = append(buf[:0], def...)
	}
	return value, res.Applied == OpPut, nil
}

// Compute applies fn to the current value of key atomically.
func (m *Map) Compute(key []byte, fn ComputeFunc) (Result, error) {
	return m.update(key, m.localStamp(), fn)
}

// PutStamped applies a put received from another node with its original
// timestamp and origin.
func (m *Map) PutStamped(key, value []byte, stamp Stamp) (Result, error) {
	if !m.replicated {
		return Result{}, ErrNotReplicated
	}
	return m.update(key, segment.Replication{Timestamp: stamp.Timestamp, Origin: stamp.Origin},
		func([]byte, bool) ([]byte, Op) { return value, OpPut })
}

// RemoveStamped applies a removal received from another node with its
// original timestamp and origin.
func (m *Map) RemoveStamped(key []byte, stamp Stamp) (Result, error) {
	if !m.replicated {
		return Result{}, ErrNotReplicated
	}
	return m.update(key, segment.Replication{Timestamp: stamp.Timestamp, Origin: stamp.Origin},
		func([]byte, bool) ([]byte, Op) { return nil, OpRemove })
}

// --------------------------------------------------------------------------
// Iteration
// --------------------------------------------------------------------------

// Len returns the number of live entries.
func (m *Map) Len() int64 {
	if m.enter() != nil {
		return 0
	}
	defer m.leave()
	var n int64
	for _, s := range m.segments {
		n += s.Size()
	}
	return n
}

// Segments returns the number of segments.
func (m *Map) Segments() int {
	return len(m.segments)
}

// Range calls fn for every live entry, one segment at a time, until fn
// returns false. Key and value point into mapped memory and are only valid
// during the call. fn runs under a segment read lock and must not modify the
// map.
func (m *Map) Range(fn func(key, value []byte) bool) error {
	for i := range m.segments {
		cont, err := m.segmentRange(i, fn)
		if err != nil || !cont {
			return err
		}
	}
	return nil
}

// SegmentRange is Range restricted to segment i.
func (m *Map) SegmentRange(i int, fn func(key, value []byte) bool) error {
	if i < 0 || i >= len(m.segments) {
		return fmt.Errorf("cedar: segment %d out of range [0, %d)", i, len(m.segments))
	}
	_, err := m.segmentRange(i, fn)
	return err
}

func (m *Map) segmentRange(i int, fn func(key, value []byte) bool) (bool, error) {
	if err := m.enter(); err != nil {
		return false, err
	}
	defer m.leave()
	return m.segments[i].ForEach(false, func(e segment.EntryView) bool {
		return fn(e.Key, e.Value)
	})
}

// Clear removes all entries including tombstones. Tiers stay allocated.
func (m *Map) Clear() error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	for _, s := range m.segments {
		if err := s.Clear(); err != nil {
			return err
		}
	}
	if m.sweeper != nil {
		m.sweeper.reset()
	}
	return nil
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// Stats is a point-in-time summary of a map.
type Stats struct {
	Entries       int64                  `json:"entries"`
	Tombstones    int64                  `json:"tombstones"`
	Segments      int                    `json:"segments"`
	Tiers         int64                  `json:"tiers"`
	TierBudget    int64                  `json:"tier_budget"`
	MaxTiers      int64                  `json:"max_tiers"`
	ChunkSize     int64                  `json:"chunk_size"`
	UsedChunks    int64                  `json:"used_chunks"`
	TotalChunks   int64                  `json:"total_chunks"`
	MappedBytes   int64                  `json:"mapped_bytes"`
	BloatExceeded bool                   `json:"bloat_exceeded"`
	Distribution  util.DistributionStats `json:"segment_distribution"`
	PerSegment    []segment.Stats        `json:"-"`
}

// Stats collects the counters of all segments in parallel.
func (m *Map) Stats() (Stats, error) {
	if err := m.enter(); err != nil {
		return Stats{}, err
	}
	defer m.leave()
	per := make([]segment.Stats, len(m.segments))
	var g errgroup.Group
	for i, s := range m.segments {
		g.Go(func() (err error) {
			per[i], err = s.Stats()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	st := Stats{
		Segments:    len(m.segments),
		Tiers:       m.region.AllocatedTiers(),
		TierBudget:  m.geo.TierBudget,
		MaxTiers:    m.geo.MaxTiers,
		ChunkSize:   m.geo.ChunkSize,
		MappedBytes: m.region.MappedBytes(),
		PerSegment:  per,
	}
	entries := make([]float64, len(per))
	for i, s := range per {
		st.Entries += s.Entries
		st.Tombstones += s.Tombstones
		st.UsedChunks += s.UsedChunks
		st.TotalChunks += s.TotalChunks
		entries[i] = float64(s.Entries)
	}
	st.BloatExceeded = st.Tiers > st.TierBudget
	st.Distribution = util.NewDistributionStats(entries)
	return st, nil
}

// Sweep scans all segments and erases every tombstone older than the
// cleanup timeout. It returns the number of erased tombstones.
func (m *Map) Sweep() (int, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	if !m.replicated {
		return 0, ErrNotReplicated
	}
	now := m.clock.Now()

	var swept atomic.Int64
	var g errgroup.Group
	for _, s := range m.segments {
		g.Go(func() error {
			var due []location
			_, err := s.ForEach(true, func(e segment.EntryView) bool {
				if e.Replication.Tombstone && m.sweeper.expired(e.Replication, now) {
					due = append(due, location{tier: e.Tier, pos: e.Pos})
				}
				return true
			})
			if err != nil {
				return err
			}
			for _, loc := range due {
				erased, err := s.EraseTombstone(loc.tier, loc.pos, func(r segment.Replication) bool {
					return m.sweeper.expired(r, now)
				})
				if err != nil {
					return err
				}
				if erased {
					swept.Add(1)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	m.metrics.swept.Add(int(swept.Load()))
	return int(swept.Load()), err
}

// CheckAllocation verifies the chunk accounting of every tier.
func (m *Map) CheckAllocation() error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	for _, s := range m.segments {
		if err := s.CheckAllocation(); err != nil {
			return fmt.Errorf("segment %d: %w", s.Index, err)
		}
	}
	return nil
}

// ResetLocks releases every segment lock and the tier allocation lock of the
// map and returns the number of segments that were locked. It recovers a file
// left locked by a process that died while holding a lock. It fails with
// ErrInUse while another handle or process has the map open, and must not run
// concurrently with other operations on m.
func (m *Map) ResetLocks() (int, error) {
	if err := m.enter(); err != nil {
		return 0, err
	}
	defer m.leave()
	if p := m.region.Path(); p != "" && memory.Shared(p) > 1 {
		return 0, fmt.Errorf("%w: %d handles in this process", ErrInUse, memory.Shared(p))
	}

	cleared := 0
	err := m.region.Recover(func() {
		for _, s := range m.segments {
			l := s.Lock()
			readers, update, write := l.State()
			if readers == 0 && !update && !write {
				continue
			}
			log.Warningf("map %s: releasing lock of segment %d (readers=%d, update=%v, write=%v)",
				m.name(), s.Index, readers, update, write)
			l.ForceUnlock()
			cleared++
		}
	})
	return cleared, err
}

// Created reports whether Open created the map instead of reopening a file.
func (m *Map) Created() bool { return m.created }

// Replicated reports whether entries carry replication metadata.
func (m *Map) Replicated() bool { return m.replicated }

// Sync flushes a file-backed map to disk.
func (m *Map) Sync() error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()
	return m.region.Sync()
}

// Close stops the background goroutines, delivers pending change events,
// waits for operations in progress and releases the mapping. Operations
// started after Close return ErrClosed. Closing twice returns ErrClosed.
func (m *Map) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if m.sweeper != nil {
		m.sweeper.close()
	}
	if m.notifier != nil {
		m.notifier.close()
	}
	m.drain()
	return memory.Release(m.region)
}
