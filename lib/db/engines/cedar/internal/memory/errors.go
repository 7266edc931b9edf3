package memory

import "errors"

var (
	// ErrClosed is returned when a closed region is accessed.
	ErrClosed = errors.New("memory: region is closed")
	// ErrCorruptFile is returned when a mapped file has an invalid header or size.
	ErrCorruptFile = errors.New("memory: corrupt map file")
	// ErrTiersExhausted is returned when no further tier can be allocated.
	ErrTiersExhausted = errors.New("memory: tier limit reached")
	// ErrInUse is returned when another process has the mapped file open.
	ErrInUse = errors.New("memory: map file is in use by another process")
	// ErrUnsupported is returned when file-backed maps are not available on this platform.
	ErrUnsupported = errors.New("memory: file-backed maps are not supported on this platform")
)
