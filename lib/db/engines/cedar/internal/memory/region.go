package memory

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Backing provides raw memory for a region, either anonymous or backed by a file.
type Backing interface {
	// MapExtent maps size bytes starting at offset. Anonymous backings ignore offset.
	MapExtent(offset, size int64) ([]byte, error)
	// Grow makes sure the backing holds at least size bytes.
	Grow(size int64) error
	// Sync flushes a mapped extent to its backing store.
	Sync(b []byte) error
	// Unmap releases a mapped extent.
	Unmap(b []byte) error
	// Lock and Unlock guard header initialization across processes.
	Lock() error
	Unlock() error
	// Share marks the backing as in use by this process until Close.
	Share() error
	// TryExclusive upgrades the Share mark if no other process holds one.
	TryExclusive() (bool, error)
	// Close releases the backing itself.
	Close() error
}

// Region is the mapped memory of one map.
type Region struct {
	path    string
	geo     Geometry
	backing Backing

	mu      sync.Mutex // guards mapping of new extents
	extents atomic.Pointer[[][]byte]
	header  []byte
	closed  atomic.Bool
	refs    int
}

// OpenAnonymous creates a region backed by anonymous memory.
func OpenAnonymous(g Geometry) (*Region, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	r := &Region{geo: g, backing: newAnonBacking()}
	ext0, err := r.backing.MapExtent(0, g.Extent0Size())
	if err != nil {
		return nil, err
	}
	r.init(ext0)
	writeHeader(r.header, g)
	Store(r.header, offAllocatedTiers, uint64(g.Segments))
	return r, nil
}

// OpenFile opens the map file at path, creating and initializing it with g when
// it is empty. For existing files the persisted geometry is used and g is
// ignored. The returned flag reports whether the file was created.
func OpenFile(path string, g Geometry) (*Region, bool, error) {
	backing, size, err := openFileBacking(path)
	if err != nil {
		return nil, false, err
	}
	r, created, err := openFile(path, backing, size, g)
	if err != nil {
		_ = backing.Close()
		return nil, false, err
	}
	return r, created, nil
}

func openFile(path string, backing Backing, size int64, g Geometry) (*Region, bool, error) {
	if err := backing.Lock(); err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", path, err)
	}
	defer backing.Unlock()

	created := size == 0
	if created {
		if err := g.Validate(); err != nil {
			return nil, false, err
		}
		if err := backing.Grow(g.Extent0Size()); err != nil {
			return nil, false, fmt.Errorf("grow %s: %w", path, err)
		}
	} else {
		if size < HeaderSize {
			return nil, false, fmt.Errorf("%w: %s is only %d bytes", ErrCorruptFile, path, size)
		}
		hdr, err := backing.MapExtent(0, HeaderSize)
		if err != nil {
			return nil, false, err
		}
		g, err = readHeader(hdr)
		_ = backing.Unmap(hdr)
		if err != nil {
			return nil, false, err
		}
		if size < g.Extent0Size() {
			return nil, false, fmt.Errorf("%w: %s is %d bytes, expected at least %d", ErrCorruptFile, path, size, g.Extent0Size())
		}
	}

	r := &Region{path: path, geo: g, backing: backing}
	ext0, err := backing.MapExtent(0, g.Extent0Size())
	if err != nil {
		return nil, false, err
	}
	r.init(ext0)

	if created {
		writeHeader(r.header, g)
		Store(r.header, offAllocatedTiers, uint64(g.Segments))
		if err := backing.Sync(r.header); err != nil {
			r.unmapAll()
			return nil, false, fmt.Errorf("sync header of %s: %w", path, err)
		}
		if err := backing.Share(); err != nil {
			r.unmapAll()
			return nil, false, err
		}
		return r, true, nil
	}

	bulks := int64(Load(r.header, offBulks))
	if need := g.Extent0Size() + bulks*g.BulkSize(); size < need {
		r.unmapAll()
		return nil, false, fmt.Errorf("%w: %s is %d bytes, expected %d for %d bulks", ErrCorruptFile, path, size, need, bulks)
	}
	for i := int64(1); i <= bulks; i++ {
		if _, err := r.extent(int(i)); err != nil {
			r.unmapAll()
			return nil, false, err
		}
	}
	if err := backing.Share(); err != nil {
		r.unmapAll()
		return nil, false, err
	}
	return r, false, nil
}

func (r *Region) init(ext0 []byte) {
	exts := [][]byte{ext0}
	r.extents.Store(&exts)
	r.header = ext0[:HeaderSize]
}

// Path returns the backing file path, empty for anonymous regions.
func (r *Region) Path() string { return r.path }

// Geometry returns the layout of the region.
func (r *Region) Geometry() Geometry { return r.geo }

// AllocatedTiers returns the number of tiers handed out so far, including the
// primary tiers of all segments.
func (r *Region) AllocatedTiers() int64 {
	return int64(Load(r.header, offAllocatedTiers))
}

// MappedBytes returns the total size of all mapped extents.
func (r *Region) MappedBytes() int64 {
	var n int64
	for _, e := range *r.extents.Load() {
		n += int64(len(e))
	}
	return n
}

// extent returns the mapped extent i, mapping it when another process or
// handle created it since this region last looked.
func (r *Region) extent(i int) ([]byte, error) {
	if exts := *r.extents.Load(); i < len(exts) {
		return exts[i], nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return nil, ErrClosed
	}
	exts := *r.extents.Load()
	for len(exts) <= i {
		next := int64(len(exts))
		if next > int64(Load(r.header, offBulks)) {
			return nil, fmt.Errorf("%w: extent %d was never allocated", ErrCorruptFile, next)
		}
		off := r.geo.Extent0Size() + (next-1)*r.geo.BulkSize()
		data, err := r.backing.MapExtent(off, r.geo.BulkSize())
		if err != nil {
			return nil, err
		}
		grown := make([][]byte, len(exts)+1)
		copy(grown, exts)
		grown[len(exts)] = data
		exts = grown
		r.extents.Store(&exts)
	}
	return exts[i], nil
}

// Tier returns the memory of tier id.
func (r *Region) Tier(id int64) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if id < 0 || id >= r.AllocatedTiers() {
		return nil, fmt.Errorf("%w: tier %d not allocated", ErrCorruptFile, id)
	}
	idx, off := r.geo.locate(id)
	ext, err := r.extent(idx)
	if err != nil {
		return nil, err
	}
	return ext[off : off+r.geo.TierSize()], nil
}

// AllocateTier hands out a new overflow tier. The returned memory is zeroed.
func (r *Region) AllocateTier() (int64, []byte, error) {
	if r.closed.Load() {
		return 0, nil, ErrClosed
	}
	r.lockAlloc()
	defer r.unlockAlloc()

	id := r.AllocatedTiers()
	if id >= r.geo.MaxTiers {
		return 0, nil, ErrTiersExhausted
	}
	idx, off := r.geo.locate(id)
	if bulks := int64(Load(r.header, offBulks)); int64(idx) > bulks {
		if err := r.backing.Grow(r.geo.Extent0Size() + int64(idx)*r.geo.BulkSize()); err != nil {
			return 0, nil, fmt.Errorf("grow region: %w", err)
		}
		Store(r.header, offBulks, uint64(idx))
	}
	ext, err := r.extent(idx)
	if err != nil {
		return 0, nil, err
	}
	Store(r.header, offAllocatedTiers, uint64(id+1))
	return id, ext[off : off+r.geo.TierSize()], nil
}

// lockAlloc takes the header spin lock shared by all processes mapping the region.
func (r *Region) lockAlloc() {
	for spins := 0; !CompareAndSwap(r.header, offAllocLock, 0, 1); spins++ {
		if spins < 64 {
			runtime.Gosched()
		} else {
			time.Sleep(10 * time.Microsecond)
		}
	}
}

func (r *Region) unlockAlloc() {
	Store(r.header, offAllocLock, 0)
}

// Recover runs reset and clears the allocation lock while no other process
// has the region open. It returns ErrInUse otherwise. Handles of this process
// share one region, callers must make sure none of them is in use.
func (r *Region) Recover(reset func()) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.backing.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", r.path, err)
	}
	defer r.backing.Unlock()

	ok, err := r.backing.TryExclusive()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInUse, r.path)
	}
	reset()
	r.unlockAlloc()
	return r.backing.Share()
}

// Sync flushes all extents to the backing file.
func (r *Region) Sync() error {
	if r.closed.Load() {
		return ErrClosed
	}
	var errs []error
	for _, e := range *r.extents.Load() {
		errs = append(errs, r.backing.Sync(e))
	}
	return errors.Join(errs...)
}

func (r *Region) unmapAll() error {
	var errs []error
	for _, e := range *r.extents.Load() {
		errs = append(errs, r.backing.Unmap(e))
	}
	empty := [][]byte{}
	r.extents.Store(&empty)
	return errors.Join(errs...)
}

// Close unmaps all extents and closes the backing. It is idempotent.
// Slices obtained from the region must not be used afterwards.
func (r *Region) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.unmapAll(), r.backing.Close())
}
