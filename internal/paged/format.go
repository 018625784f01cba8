package paged

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Paged file format constants.
//
// A paged file is four contiguous sections:
//
//	meta     24 bytes
//	headers  N * 8 bytes
//	crcs     N * 8 bytes (reserved, written zero, never verified)
//	data     N * P bytes
//
// where N = data_size / P. All integers are big-endian.
const (
	// Magic bytes at the start of every paged file.
	Magic = 0x617A6D79

	// File format version.
	Version = 1

	// MetaSize is the fixed meta section size in bytes.
	MetaSize = 24

	// HeaderEntrySize is the per-slot header entry size in bytes.
	HeaderEntrySize = 8

	// CRCEntrySize is the per-slot reserved checksum entry size in bytes.
	CRCEntrySize = 8
)

// Page size bounds. The page size is a power of two fixed at volume
// creation.
const (
	MinPageSize = 1 << 10
	MaxPageSize = 1 << 22
)

// Meta field offsets (bytes from file start).
const (
	offMagic    = 0x00 // uint32
	offVersion  = 0x04 // uint32
	offPageSize = 0x08 // uint32
	offDataSize = 0x0C // uint32
	// Bytes 0x10 through 0x17 are reserved and must be zero.
)

// Header flag bits.
const (
	// FlagOccupied marks a slot as holding a page.
	FlagOccupied uint32 = 1 << 0

	// FlagDirty marks a cache slot whose page has not been written back
	// to the store. Meaningless in store segments.
	FlagDirty uint32 = 1 << 1
)

// Meta is the decoded 24-byte meta section.
type Meta struct {
	PageSize uint32
	DataSize uint32
}

// Slots returns the number of page slots, derived from the meta fields.
// The file's total length is never consulted; it may carry trailing
// alignment padding.
func (m Meta) Slots() uint32 {
	return m.DataSize / m.PageSize
}

// FileSize returns the exact byte size of a paged file with the given
// geometry, excluding any trailing padding.
func (m Meta) FileSize() int64 {
	slots := int64(m.Slots())

	return MetaSize + slots*(HeaderEntrySize+CRCEntrySize) + int64(m.DataSize)
}

// Header is one per-slot header entry: a flags word and the global page
// index the slot holds. If FlagOccupied is clear the slot is free, its
// data contents are undefined, and Global carries no meaning.
type Header struct {
	Flags  uint32
	Global uint32
}

// Occupied reports whether the slot holds a page.
func (h Header) Occupied() bool {
	return h.Flags&FlagOccupied != 0
}

// Dirty reports whether the slot's page has unwritten modifications.
func (h Header) Dirty() bool {
	return h.Flags&FlagDirty != 0
}

// encodeMeta serializes the meta section. Reserved bytes stay zero.
func encodeMeta(m Meta) []byte {
	buf := make([]byte, MetaSize)

	binary.BigEndian.PutUint32(buf[offMagic:], Magic)
	binary.BigEndian.PutUint32(buf[offVersion:], Version)
	binary.BigEndian.PutUint32(buf[offPageSize:], m.PageSize)
	binary.BigEndian.PutUint32(buf[offDataSize:], m.DataSize)

	return buf
}

// decodeMeta deserializes and validates the meta section.
func decodeMeta(buf []byte) (Meta, error) {
	if len(buf) < MetaSize {
		return Meta{}, fmt.Errorf("%w: meta truncated at %d bytes", ErrInvalidFormat, len(buf))
	}

	magic := binary.BigEndian.Uint32(buf[offMagic:])
	if magic != Magic {
		return Meta{}, fmt.Errorf("%w: bad magic %#08x", ErrInvalidFormat, magic)
	}

	version := binary.BigEndian.Uint32(buf[offVersion:])
	if version != Version {
		return Meta{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, version)
	}

	m := Meta{
		PageSize: binary.BigEndian.Uint32(buf[offPageSize:]),
		DataSize: binary.BigEndian.Uint32(buf[offDataSize:]),
	}

	err := validateGeometry(m.PageSize, m.DataSize)
	if err != nil {
		return Meta{}, err
	}

	return m, nil
}

// validateGeometry checks the page-size and data-size constraints shared
// by Open and Create.
func validateGeometry(pageSize, dataSize uint32) error {
	if pageSize < MinPageSize || pageSize > MaxPageSize || bits.OnesCount32(pageSize) != 1 {
		return fmt.Errorf("%w: page size %d is not a power of two in [%d, %d]",
			ErrInvalidFormat, pageSize, MinPageSize, MaxPageSize)
	}

	if dataSize == 0 || dataSize%pageSize != 0 {
		return fmt.Errorf("%w: data size %d is not a positive multiple of page size %d",
			ErrInvalidFormat, dataSize, pageSize)
	}

	return nil
}

// encodeHeader serializes one header entry.
func encodeHeader(h Header) [HeaderEntrySize]byte {
	var buf [HeaderEntrySize]byte

	binary.BigEndian.PutUint32(buf[0:], h.Flags)
	binary.BigEndian.PutUint32(buf[4:], h.Global)

	return buf
}

// decodeHeader deserializes one header entry.
func decodeHeader(buf []byte) Header {
	return Header{
		Flags:  binary.BigEndian.Uint32(buf[0:]),
		Global: binary.BigEndian.Uint32(buf[4:]),
	}
}
