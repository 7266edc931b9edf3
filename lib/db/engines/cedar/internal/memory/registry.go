package memory

import (
	"path/filepath"

	"github.com/puzpuzpuz/xsync/v3"
)

// regions holds the file-backed regions opened by this process. Opening the
// same file twice returns the same mapping so that all handles operate on one
// set of extents.
var regions = xsync.NewMapOf[string, *Region]()

// Acquire opens the file region at path or returns the already opened one,
// incrementing its reference count.
func Acquire(path string, g Geometry) (r *Region, created bool, err error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return nil, false, err
	}
	r, _ = regions.Compute(key, func(old *Region, loaded bool) (*Region, bool) {
		if loaded {
			old.refs++
			return old, false
		}
		var opened *Region
		opened, created, err = OpenFile(key, g)
		if err != nil {
			return nil, true
		}
		opened.refs = 1
		return opened, false
	})
	if err != nil {
		return nil, false, err
	}
	return r, created, nil
}

// Release drops one reference to a region obtained from Acquire and closes it
// when the last reference is gone. Anonymous regions are closed directly.
func Release(r *Region) error {
	if r.path == "" {
		return r.Close()
	}
	var closeErr error
	regions.Compute(r.path, func(old *Region, loaded bool) (*Region, bool) {
		if !loaded || old != r {
			closeErr = r.Close()
			return old, !loaded
		}
		old.refs--
		if old.refs > 0 {
			return old, false
		}
		closeErr = old.Close()
		return nil, true
	})
	return closeErr
}

// Shared returns the number of handles sharing the region at path.
func Shared(path string) int {
	key, err := filepath.Abs(path)
	if err != nil {
		return 0
	}
	if r, ok := regions.Load(key); ok {
		return r.refs
	}
	return 0
}
