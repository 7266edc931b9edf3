package cedar

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/memory"
	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/segment"
)

var (
	// ErrInvalidConfig is wrapped by every ConfigError.
	ErrInvalidConfig = errors.New("cedar: invalid configuration")
	// ErrValueTooLarge is returned when an entry would need more chunks than
	// the configured maximum per entry.
	ErrValueTooLarge = segment.ErrValueTooLarge
	// ErrSegmentOverflow is returned when a segment is full and tiering is disabled.
	ErrSegmentOverflow = segment.ErrSegmentOverflow
	// ErrTiersExhausted is returned when the hard tier limit of the map is reached.
	ErrTiersExhausted = memory.ErrTiersExhausted
	// ErrChecksumMismatch is returned when a stored entry fails verification.
	ErrChecksumMismatch = segment.ErrChecksumMismatch
	// ErrCorruptFile is returned when a map file has an invalid header or size.
	ErrCorruptFile = memory.ErrCorruptFile
	// ErrSizeMismatch is returned when a key or value does not have the
	// constant size the map was created with.
	ErrSizeMismatch = errors.New("cedar: size does not match the constant size")
	// ErrNotReplicated is returned by replication operations on a plain map.
	ErrNotReplicated = errors.New("cedar: map is not replicated")
	// ErrInvalidSnapshot is returned by Load for malformed snapshot streams.
	ErrInvalidSnapshot = errors.New("cedar: invalid snapshot")
	// ErrInUse is returned by ResetLocks while another handle or process has
	// the map open.
	ErrInUse = memory.ErrInUse
	// ErrClosed is returned by operations on a closed map.
	ErrClosed = errors.New("cedar: map is closed")
)

// ChecksumError describes the entry that failed checksum verification.
type ChecksumError = segment.ChecksumError

// ConfigError reports an invalid option.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("cedar: invalid option %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

func configErrorf(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
