package segment

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/layout"
)

// Entry metadata precedes the key size:
//
//	[checksum u32]? [timestamp u64][origin u8][flags u8]?
const (
	checksumBytes    = 4
	replicationBytes = 10

	flagTombstone byte = 1 << 0
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Replication is the replication metadata of an entry.
type Replication struct {
	Timestamp uint64
	Origin    uint8
	Tombstone bool
}

func (s *Segment) replicationOffset(e layout.Entry) int64 {
	if s.cfg.Checksums {
		return e.Start + checksumBytes
	}
	return e.Start
}

func (s *Segment) readReplication(t *Tier, e layout.Entry) Replication {
	off := s.replicationOffset(e)
	return Replication{
		Timestamp: binary.LittleEndian.Uint64(t.Entries[off:]),
		Origin:    t.Entries[off+8],
		Tombstone: t.Entries[off+9]&flagTombstone != 0,
	}
}

func (s *Segment) writeReplication(t *Tier, e layout.Entry, r Replication) {
	off := s.replicationOffset(e)
	binary.LittleEndian.PutUint64(t.Entries[off:], r.Timestamp)
	t.Entries[off+8] = r.Origin
	var flags byte
	if r.Tombstone {
		flags |= flagTombstone
	}
	t.Entries[off+9] = flags
}

func (s *Segment) isTombstone(t *Tier, e layout.Entry) bool {
	return t.Entries[s.replicationOffset(e)+9]&flagTombstone != 0
}

func (s *Segment) checksum(t *Tier, e layout.Entry) uint32 {
	return crc32.Checksum(t.Entries[e.Start+checksumBytes:e.End()], castagnoli)
}

func (s *Segment) updateChecksum(t *Tier, e layout.Entry) {
	if s.cfg.Checksums {
		binary.LittleEndian.PutUint32(t.Entries[e.Start:], s.checksum(t, e))
	}
}

func (s *Segment) checksumOK(t *Tier, e layout.Entry) bool {
	return binary.LittleEndian.Uint32(t.Entries[e.Start:]) == s.checksum(t, e)
}
