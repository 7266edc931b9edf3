package cedar

import (
	"io"
	"sync/atomic"

	"github.com/ValentinKolb/mKV/lib/db"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/segment"
	"github.com/ValentinKolb/mKV/lib/db/util"
	"golang.org/x/sync/errgroup"
)

// defaultIndexCleanupTimeout is the tombstone lifetime of the KVDB adapter,
// measured in write indices.
const defaultIndexCleanupTimeout = 1000

const supportedFeatures = db.FeatureSet | db.FeatureSetIfUnset | db.FeatureGet | db.FeatureDelete |
	db.FeatureHas | db.FeatureSave | db.FeatureLoad | db.FeatureGarbageCollect

// cedarDB adapts a replicated Map to the db.KVDB interface. The write index
// is the replication clock: entries and tombstones are stamped with it and
// tombstones are swept once the index advanced by the cleanup timeout.
type cedarDB struct {
	m        *Map
	writeIdx atomic.Uint64
}

// writeIdxClock is the TimeSource of the adapter.
type writeIdxClock struct{ db *cedarDB }

func (c writeIdxClock) Now() uint64 { return c.db.writeIdx.Load() }

// NewCedarDB opens a cedar map behind the db.KVDB interface. opts may be nil.
// The map is always replicated. Only the identifier and the cleanup timeout
// (in write indices) of opts.Replication are used.
func NewCedarDB(opts *Options) (db.KVDB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	o.PutReturnsNull = true
	o.RemoveReturnsNull = true

	adapter := &cedarDB{}
	r := ReplicationOptions{CleanupTimeout: defaultIndexCleanupTimeout}
	if o.Replication != nil {
		r.Identifier = o.Replication.Identifier
		r.Listener = o.Replication.Listener
		if o.Replication.CleanupTimeout > 0 {
			r.CleanupTimeout = o.Replication.CleanupTimeout
		}
	}
	r.TimeSource = writeIdxClock{db: adapter}
	o.Replication = &r

	m, err := Open(&o)
	if err != nil {
		return nil, err
	}
	adapter.m = m
	if !m.Created() {
		adapter.SetWriteIdx(adapter.maxTimestamp())
	}
	return adapter, nil
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (d *cedarDB) Set(key string, value []byte, writeIdx uint64) error {
	d.SetWriteIdx(writeIdx)
	_, _, err := d.m.Put(util.StringBytes(key), value)
	return err
}

func (d *cedarDB) SetIfUnset(key string, value []byte, writeIdx uint64) error {
	d.SetWriteIdx(writeIdx)
	_, err := d.m.Compute(util.StringBytes(key), func(_ []byte, present bool) ([]byte, Op) {
		if present {
			return nil, OpKeep
		}
		return value, OpPut
	})
	return err
}

func (d *cedarDB) Delete(key string, writeIdx uint64) error {
	d.SetWriteIdx(writeIdx)
	_, _, err := d.m.Remove(util.StringBytes(key))
	return err
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

func (d *cedarDB) Get(key string) ([]byte, bool, error) {
	value, ok, err := d.m.Get(util.StringBytes(key))
	if !ok {
		return nil, false, err
	}
	return value, true, err
}

func (d *cedarDB) Has(key string) (bool, error) {
	return d.m.ContainsKey(util.StringBytes(key))
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

func (d *cedarDB) Save(w io.Writer) error {
	return d.m.Save(w, CompressionZstd)
}

// Load replaces the content of the database and advances the write index to
// the newest loaded entry.
func (d *cedarDB) Load(r io.Reader) error {
	if err := d.m.Load(r); err != nil {
		return err
	}
	d.SetWriteIdx(d.maxTimestamp())
	return nil
}

func (d *cedarDB) maxTimestamp() uint64 {
	var newest atomic.Uint64
	var g errgroup.Group
	for _, s := range d.m.segments {
		g.Go(func() error {
			var local uint64
			_, err := s.ForEach(true, func(e segment.EntryView) bool {
				local = max(local, e.Replication.Timestamp)
				return true
			})
			for {
				cur := newest.Load()
				if local <= cur || newest.CompareAndSwap(cur, local) {
					break
				}
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Warningf("could not restore the write index: %v", err)
	}
	return newest.Load()
}

// --------------------------------------------------------------------------
// Feature Support
// --------------------------------------------------------------------------

func (d *cedarDB) SupportsFeature(feature db.Feature) bool {
	return feature&supportedFeatures == feature
}

// Info is the metadata reported by GetInfo.
type Info struct {
	Stats      Stats `json:"stats"`
	ValueSizes struct {
		Average int `json:"average"`
		Median  int `json:"median"`
		P95     int `json:"p95"`
	} `json:"value_sizes"`
}

func (d *cedarDB) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{DbType: db.ImplCedar}
	for f := db.FeatureSet; f <= db.FeatureGarbageCollect; f <<= 1 {
		if d.SupportsFeature(f) {
			info.SupportedFeatures = append(info.SupportedFeatures, f)
		}
	}

	stats, err := d.m.Stats()
	if err != nil {
		log.Errorf("collecting stats failed: %v", err)
		return info
	}
	info.SizeBytes = int(stats.MappedBytes)

	meta := Info{Stats: stats}
	h, err := d.m.valueSizes()
	if err != nil {
		log.Errorf("collecting value sizes failed: %v", err)
	}
	meta.ValueSizes.Average = h.AverageSize()
	meta.ValueSizes.Median = h.MedianEstimate()
	meta.ValueSizes.P95 = h.GetPercentileEstimate(95)
	info.Metadata = meta
	return info
}

// valueSizes builds a histogram of the value sizes of all live entries, one
// segment per goroutine.
func (m *Map) valueSizes() (*util.SizeHistogram, error) {
	total := util.NewSizeHistogram()
	var g errgroup.Group
	for _, s := range m.segments {
		g.Go(func() error {
			local := util.NewSizeHistogram()
			_, err := s.ForEach(false, func(e segment.EntryView) bool {
				local.AddSample(len(e.Value))
				return true
			})
			total.Merge(local)
			return err
		})
	}
	return total, g.Wait()
}

// --------------------------------------------------------------------------
// Write Index Operations
// --------------------------------------------------------------------------

func (d *cedarDB) SetWriteIdx(index uint64) {
	for {
		cur := d.writeIdx.Load()
		if index <= cur || d.writeIdx.CompareAndSwap(cur, index) {
			return
		}
	}
}

func (d *cedarDB) WriteIdx() uint64 {
	return d.writeIdx.Load()
}

func (d *cedarDB) Close() error {
	return d.m.Close()
}

// Unwrap returns the map behind a KVDB created by NewCedarDB.
func Unwrap(database db.KVDB) (*Map, bool) {
	d, ok := database.(*cedarDB)
	if !ok {
		return nil, false
	}
	return d.m, true
}
