package cedar

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/segment"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// --------------------------------------------------------------------------
// Snapshot format
// --------------------------------------------------------------------------

const (
	snapshotMagic   = "CEDARSNP"
	snapshotVersion = 1

	snapshotFlagReplicated = 1 << 0
)

// Compression selects the codec of the snapshot body.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression converts a codec name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("cedar: unknown compression %q, must be one of none, zstd, lz4", name)
	}
}

// snapshotRecord is a deep copy of a live entry.
type snapshotRecord struct {
	key, value []byte
	stamp      segment.Replication
}

// nopCloser adapts the uncompressed writer.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// --------------------------------------------------------------------------
// Save
// --------------------------------------------------------------------------

// Save writes all live entries to w. Tombstones are not saved. Every segment
// is copied under its read lock and written after the lock is released, so
// the snapshot is consistent per segment but not across segments.
func (m *Map) Save(w io.Writer, c Compression) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.leave()

	// header is never compressed
	var flags uint8
	if m.replicated {
		flags |= snapshotFlagReplicated
	}
	header := append([]byte(snapshotMagic), snapshotVersion, uint8(c), flags)
	if _, err := w.Write(header); err != nil {
		return err
	}

	var body io.WriteCloser
	switch c {
	case CompressionNone:
		body = nopCloser{w}
	case CompressionZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		body = enc
	case CompressionLZ4:
		body = lz4.NewWriter(w)
	default:
		return fmt.Errorf("cedar: unknown compression %d", c)
	}

	bw := bufio.NewWriterSize(body, 1024*1024) // 1 MB buffer
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(m.segments))); err != nil {
		return err
	}
	for _, s := range m.segments {
		records, err := m.copySegment(s)
		if err != nil {
			return err
		}
		if err := writeRecords(bw, records, m.replicated); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return body.Close()
}

func (m *Map) copySegment(s *segment.Segment) ([]snapshotRecord, error) {
	var records []snapshotRecord
	_, err := s.ForEach(false, func(e segment.EntryView) bool {
		buf := make([]byte, len(e.Key)+len(e.Value))
		copy(buf, e.Key)
		copy(buf[len(e.Key):], e.Value)
		records = append(records, snapshotRecord{
			key:   buf[:len(e.Key):len(e.Key)],
			value: buf[len(e.Key):],
			stamp: e.Replication,
		})
		return true
	})
	return records, err
}

func writeRecords(bw *bufio.Writer, records []snapshotRecord, replicated bool) error {
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(records))); err != nil {
		return err
	}
	for _, r := range records {
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(r.key))); err != nil {
			return err
		}
		if _, err := bw.Write(r.key); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(r.value))); err != nil {
			return err
		}
		if _, err := bw.Write(r.value); err != nil {
			return err
		}
		if replicated {
			if err := binary.Write(bw, binary.LittleEndian, r.stamp.Timestamp); err != nil {
				return err
			}
			if err := bw.WriteByte(r.stamp.Origin); err != nil {
				return err
			}
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Load
// --------------------------------------------------------------------------

// Load replaces the content of the map with the snapshot read from r. The
// snapshot may come from a map with a different geometry. Replication
// metadata is kept when both the snapshot and the map are replicated,
// otherwise loaded entries are stamped with the local clock.
func (m *Map) Load(r io.Reader) error {
	if m.closed.Load() {
		return ErrClosed
	}

	header := make([]byte, len(snapshotMagic)+3)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if string(header[:len(snapshotMagic)]) != snapshotMagic {
		return fmt.Errorf("%w: magic number mismatch", ErrInvalidSnapshot)
	}
	if v := header[len(snapshotMagic)]; v != snapshotVersion {
		return fmt.Errorf("%w: unsupported version %d (expected %d)", ErrInvalidSnapshot, v, snapshotVersion)
	}
	c := Compression(header[len(snapshotMagic)+1])
	stamped := header[len(snapshotMagic)+2]&snapshotFlagReplicated != 0

	var body io.Reader
	switch c {
	case CompressionNone:
		body = r
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return err
		}
		defer dec.Close()
		body = dec
	case CompressionLZ4:
		body = lz4.NewReader(r)
	default:
		return fmt.Errorf("%w: unknown compression %d", ErrInvalidSnapshot, c)
	}
	br := bufio.NewReaderSize(body, 1024*1024) // 1 MB buffer

	if err := m.Clear(); err != nil {
		return err
	}

	var batches uint32
	if err := binary.Read(br, binary.LittleEndian, &batches); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	var loaded int64
	for b := uint32(0); b < batches; b++ {
		var count uint64
		if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		for i := uint64(0); i < count; i++ {
			rec, err := readRecord(br, stamped)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
			}
			if err := m.loadRecord(rec, stamped); err != nil {
				return fmt.Errorf("cedar: load key %q: %w", rec.key, err)
			}
			loaded++
		}
	}
	log.Debugf("loaded %d entries into map %s", loaded, m.name())
	return nil
}

func readRecord(br *bufio.Reader, stamped bool) (snapshotRecord, error) {
	var rec snapshotRecord
	var n uint32
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return rec, err
	}
	rec.key = make([]byte, n)
	if _, err := io.ReadFull(br, rec.key); err != nil {
		return rec, err
	}
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return rec, err
	}
	rec.value = make([]byte, n)
	if _, err := io.ReadFull(br, rec.value); err != nil {
		return rec, err
	}
	if stamped {
		if err := binary.Read(br, binary.LittleEndian, &rec.stamp.Timestamp); err != nil {
			return rec, err
		}
		origin, err := br.ReadByte()
		if err != nil {
			return rec, err
		}
		rec.stamp.Origin = origin
	}
	return rec, nil
}

func (m *Map) loadRecord(rec snapshotRecord, stamped bool) error {
	if m.replicated && stamped {
		_, err := m.PutStamped(rec.key, rec.value, Stamp{Timestamp: rec.stamp.Timestamp, Origin: rec.stamp.Origin})
		return err
	}
	_, err := m.update(rec.key, m.localStamp(), func([]byte, bool) ([]byte, Op) {
		return rec.value, OpPut
	})
	return err
}
