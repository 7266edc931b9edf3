// Package layout computes where the parts of an entry live inside a tier's
// chunk area and how many chunks an entry occupies.
//
// An entry starts at a chunk boundary and is laid out as
//
//	[metadata][keySize][key][valueSize][padding][value]
//
// where the padding aligns the value offset to the configured alignment. The
// offsets handled here are relative to the start of the chunk area, which is
// itself 64-byte aligned in memory, so aligning an offset aligns the address.
package layout

import (
	"fmt"

	"github.com/ValentinKolb/mKV/lib/db/engines/cedar/internal/sizeenc"
)

// Alignment of value offsets. Valid values are 1, 2, 4 and 8.
type Alignment int64

// AlignAddr rounds off up to the next multiple of a.
func (a Alignment) AlignAddr(off int64) int64 {
	if a <= 1 {
		return off
	}
	return (off + int64(a) - 1) &^ (int64(a) - 1)
}

// Valid reports whether a is a supported alignment.
func (a Alignment) Valid() bool {
	return a == 1 || a == 2 || a == 4 || a == 8
}

// Layout describes the entry format of one map.
type Layout struct {
	MetaDataBytes     int64
	KeySizes          sizeenc.Codec
	ValueSizes        sizeenc.Codec
	Alignment         Alignment
	ChunkSize         int64
	MaxChunksPerEntry int64

	constantlySizedEntry bool
	unknownAlignment     bool
	worstAlignment       int64
}

// New validates the parameters and derives the alignment regime.
func New(metaDataBytes int64, keySizes, valueSizes sizeenc.Codec, alignment Alignment, chunkSize, maxChunksPerEntry int64) (Layout, error) {
	if !alignment.Valid() {
		return Layout{}, fmt.Errorf("layout: invalid alignment %d", alignment)
	}
	if chunkSize <= 0 {
		return Layout{}, fmt.Errorf("layout: invalid chunk size %d", chunkSize)
	}
	if maxChunksPerEntry < 1 || maxChunksPerEntry > 64 {
		return Layout{}, fmt.Errorf("layout: max chunks per entry %d not in [1, 64]", maxChunksPerEntry)
	}
	_, constKey := keySizes.Constant()
	_, constValue := valueSizes.Constant()
	l := Layout{
		MetaDataBytes:        metaDataBytes,
		KeySizes:             keySizes,
		ValueSizes:           valueSizes,
		Alignment:            alignment,
		ChunkSize:            chunkSize,
		MaxChunksPerEntry:    maxChunksPerEntry,
		constantlySizedEntry: constKey && constValue,
		unknownAlignment:     chunkSize%int64(alignment) != 0,
	}
	if l.unknownAlignment {
		l.worstAlignment = int64(alignment) - 1
	}
	return l, nil
}

// ConstantlySizedEntry reports whether keys and values both have a constant size.
func (l Layout) ConstantlySizedEntry() bool { return l.constantlySizedEntry }

// UnknownAlignmentBeforeAllocation reports whether the value padding depends
// on the chunk an entry is placed at.
func (l Layout) UnknownAlignmentBeforeAllocation() bool { return l.unknownAlignment }

// SizeOfEverythingBeforeValue returns the number of bytes preceding the value
// padding.
func (l Layout) SizeOfEverythingBeforeValue(keySize, valueSize int64) int64 {
	return l.MetaDataBytes + int64(l.KeySizes.EncodingSize(keySize)) + keySize + int64(l.ValueSizes.EncodingSize(valueSize))
}

// InnerEntrySize returns the space to reserve for an entry before its chunk
// position is known.
func (l Layout) InnerEntrySize(sizeBeforeValue, valueSize int64) int64 {
	switch {
	case l.unknownAlignment:
		// also for constant sizes: chunk starts are not aligned, so the
		// padding depends on the position
		return sizeBeforeValue + l.worstAlignment + valueSize
	case l.constantlySizedEntry:
		return l.Alignment.AlignAddr(sizeBeforeValue + valueSize)
	default:
		return l.Alignment.AlignAddr(sizeBeforeValue) + valueSize
	}
}

// EntrySize returns the number of bytes to reserve for an entry.
func (l Layout) EntrySize(keySize, valueSize int64) int64 {
	return l.InnerEntrySize(l.SizeOfEverythingBeforeValue(keySize, valueSize), valueSize)
}

// InChunks returns the number of chunks needed for size bytes.
func (l Layout) InChunks(size int64) int64 {
	if size <= 0 {
		return 1
	}
	return (size + l.ChunkSize - 1) / l.ChunkSize
}

// --------------------------------------------------------------------------
// Entry offsets
// --------------------------------------------------------------------------

// Entry holds the decoded offsets of one entry within the chunk area.
type Entry struct {
	Start           int64
	KeySizeOffset   int64
	KeySize         int64
	KeyOffset       int64
	ValueSizeOffset int64
	ValueSize       int64
	ValueOffset     int64
}

// End returns the offset one past the last value byte.
func (e Entry) End() int64 { return e.ValueOffset + e.ValueSize }

// Chunks returns the number of chunks the entry occupies.
func (l Layout) Chunks(e Entry) int64 { return l.InChunks(e.End() - e.Start) }

// Decode reads the entry that starts at chunk position pos.
func (l Layout) Decode(b []byte, pos int64) Entry {
	start := pos * l.ChunkSize
	e := Entry{Start: start, KeySizeOffset: start + l.MetaDataBytes}
	var n int
	e.KeySize, n = l.KeySizes.Read(b, e.KeySizeOffset)
	e.KeyOffset = e.KeySizeOffset + int64(n)
	e.ValueSizeOffset = e.KeyOffset + e.KeySize
	e.ValueSize, n = l.ValueSizes.Read(b, e.ValueSizeOffset)
	e.ValueOffset = l.Alignment.AlignAddr(e.ValueSizeOffset + int64(n))
	return e
}

// Encode writes the key and the value size of a new entry at chunk position
// pos and returns its offsets. Metadata and value bytes are left to the caller.
func (l Layout) Encode(b []byte, pos int64, key []byte, valueSize int64) Entry {
	start := pos * l.ChunkSize
	e := Entry{Start: start, KeySizeOffset: start + l.MetaDataBytes, KeySize: int64(len(key))}
	n := l.KeySizes.Write(b, e.KeySizeOffset, e.KeySize)
	e.KeyOffset = e.KeySizeOffset + int64(n)
	copy(b[e.KeyOffset:], key)
	e.ValueSizeOffset = e.KeyOffset + e.KeySize
	return l.WriteValueSize(b, e, valueSize)
}

// WriteValueSize stores a new value size for e and returns the entry with the
// recomputed value offset. The value bytes are not touched.
func (l Layout) WriteValueSize(b []byte, e Entry, valueSize int64) Entry {
	n := l.ValueSizes.Write(b, e.ValueSizeOffset, valueSize)
	e.ValueSize = valueSize
	e.ValueOffset = l.Alignment.AlignAddr(e.ValueSizeOffset + int64(n))
	return e
}

// EndForValueSize returns the entry end e would have with a value of
// valueSize bytes, without writing anything.
func (l Layout) EndForValueSize(e Entry, valueSize int64) int64 {
	return l.Alignment.AlignAddr(e.ValueSizeOffset+int64(l.ValueSizes.EncodingSize(valueSize))) + valueSize
}
