//go:build unix

package memory

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Anonymous backing
// --------------------------------------------------------------------------

type anonBacking struct{}

func newAnonBacking() Backing { return anonBacking{} }

func (anonBacking) MapExtent(_, size int64) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap anonymous extent of %d bytes: %w", size, err)
	}
	advise(data)
	return data, nil
}

func (anonBacking) Grow(int64) error     { return nil }
func (anonBacking) Sync([]byte) error    { return nil }
func (anonBacking) Unmap(b []byte) error { return unix.Munmap(b) }
func (anonBacking) Close() error         { return nil }
func (anonBacking) Lock() error          { return nil }
func (anonBacking) Unlock() error        { return nil }
func (anonBacking) Share() error         { return nil }

func (anonBacking) TryExclusive() (bool, error) { return true, nil }

// --------------------------------------------------------------------------
// File backing
// --------------------------------------------------------------------------

type fileBacking struct {
	f *os.File
}

func openFileBacking(path string) (Backing, int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return &fileBacking{f: f}, fi.Size(), nil
}

func (fb *fileBacking) MapExtent(offset, size int64) ([]byte, error) {
	data, err := unix.Mmap(int(fb.f.Fd()), offset, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s at %d (+%d): %w", fb.f.Name(), offset, size, err)
	}
	advise(data)
	return data, nil
}

// Grow extends the file to at least size bytes. The new range reads as zero.
func (fb *fileBacking) Grow(size int64) error {
	fi, err := fb.f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() >= size {
		return nil
	}
	return fb.f.Truncate(size)
}

func (fb *fileBacking) Sync(b []byte) error {
	return unix.Msync(b, unix.MS_SYNC)
}

func (fb *fileBacking) Unmap(b []byte) error { return unix.Munmap(b) }

func (fb *fileBacking) Close() error { return fb.f.Close() }

// Lock takes an exclusive advisory lock on the file. It is held while a
// process initializes or validates the header.
func (fb *fileBacking) Lock() error {
	return unix.Flock(int(fb.f.Fd()), unix.LOCK_EX)
}

func (fb *fileBacking) Unlock() error {
	return unix.Flock(int(fb.f.Fd()), unix.LOCK_UN)
}

// The presence lock is a record lock on the first byte of the file. Record
// locks belong to the process and are independent of the flock above.
func (fb *fileBacking) presence(typ int16) error {
	lk := unix.Flock_t{Type: typ, Whence: io.SeekStart, Start: 0, Len: 1}
	return unix.FcntlFlock(fb.f.Fd(), unix.F_SETLK, &lk)
}

// Share takes the shared presence lock. It is held until the file is closed.
func (fb *fileBacking) Share() error {
	if err := fb.presence(unix.F_RDLCK); err != nil {
		return fmt.Errorf("presence lock %s: %w", fb.f.Name(), err)
	}
	return nil
}

// TryExclusive converts the presence lock to an exclusive one without
// waiting. It fails when another process has the file open.
func (fb *fileBacking) TryExclusive() (bool, error) {
	err := fb.presence(unix.F_WRLCK)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EACCES):
		return false, nil
	default:
		return false, fmt.Errorf("presence lock %s: %w", fb.f.Name(), err)
	}
}

// advise hints random access for hash lookups. The hint is advisory, failures
// are ignored.
func advise(data []byte) {
	_ = unix.Madvise(data, unix.MADV_RANDOM)
}
