// Package paged implements the on-disk layout shared by the cache file
// and every store segment: a fixed meta section, a per-slot header
// array, a reserved checksum array, and the page data area.
//
// A [File] addresses pages by local slot index and does no locking of
// its own. Concurrent use is safe provided callers target disjoint
// slots; the cache layer serializes access with its own lock.
package paged

import (
	"errors"
	"fmt"
	"os"

	"github.com/muhamadazmy/qbd/pkg/fs"
)

var (
	// ErrInvalidFormat reports a magic, version, or geometry mismatch on
	// open. Fatal; the engine refuses to mount the volume.
	ErrInvalidFormat = errors.New("paged: invalid format")

	// ErrInvalidSlot reports a slot index at or beyond the slot count.
	ErrInvalidSlot = errors.New("paged: invalid slot")

	// ErrClosed reports use of a closed file.
	ErrClosed = errors.New("paged: closed")
)

// File is an open paged file.
type File struct {
	f    fs.File
	path string
	meta Meta

	// Section offsets, fixed at open.
	headersOff int64
	dataOff    int64

	closed bool
}

// Create writes a fresh paged file at path with the given geometry:
// zeroed headers, zeroed checksum entries, and a zero-filled data
// section. Existing content is truncated. The file is synced before
// Create returns.
//
// Pre-allocation runs before the engine starts serving; the engine
// itself never grows or shrinks a file.
func Create(fsys fs.FS, path string, pageSize, dataSize uint32) error {
	err := validateGeometry(pageSize, dataSize)
	if err != nil {
		return err
	}

	m := Meta{PageSize: pageSize, DataSize: dataSize}

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	defer func() { _ = f.Close() }()

	_, err = f.WriteAt(encodeMeta(m), 0)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", path, err)
	}

	// Headers, checksums, and data are all zero; extending the file is
	// enough and keeps it sparse on filesystems that support holes.
	err = f.Truncate(m.FileSize())
	if err != nil {
		return fmt.Errorf("size %s: %w", path, err)
	}

	err = f.Sync()
	if err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}

	return nil
}

// Open opens an existing paged file and validates its meta section.
//
// The slot count is computed from the persisted data_size field, never
// from the file's length: the file may carry trailing alignment padding.
// A file shorter than its own geometry requires is rejected.
func Open(fsys fs.FS, path string) (*File, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	metaBuf := make([]byte, MetaSize)

	_, err = f.ReadAt(metaBuf, 0)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("read meta %s: %w: %w", path, ErrInvalidFormat, err)
	}

	meta, err := decodeMeta(metaBuf)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("%s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if info.Size() < meta.FileSize() {
		_ = f.Close()

		return nil, fmt.Errorf("%w: %s is %d bytes, geometry requires %d",
			ErrInvalidFormat, path, info.Size(), meta.FileSize())
	}

	slots := int64(meta.Slots())

	return &File{
		f:          f,
		path:       path,
		meta:       meta,
		headersOff: MetaSize,
		dataOff:    MetaSize + slots*(HeaderEntrySize+CRCEntrySize),
	}, nil
}

// Path returns the path the file was opened from.
func (p *File) Path() string {
	return p.path
}

// Meta returns the decoded meta section.
func (p *File) Meta() Meta {
	return p.meta
}

// PageSize returns the page size in bytes.
func (p *File) PageSize() uint32 {
	return p.meta.PageSize
}

// Slots returns the number of page slots.
func (p *File) Slots() uint32 {
	return p.meta.Slots()
}

// ReadHeader reads the header entry for slot i.
func (p *File) ReadHeader(i uint32) (Header, error) {
	err := p.checkSlot(i)
	if err != nil {
		return Header{}, err
	}

	var buf [HeaderEntrySize]byte

	_, err = p.f.ReadAt(buf[:], p.headersOff+int64(i)*HeaderEntrySize)
	if err != nil {
		return Header{}, fmt.Errorf("read header %d of %s: %w", i, p.path, err)
	}

	return decodeHeader(buf[:]), nil
}

// WriteHeader writes the header entry for slot i.
func (p *File) WriteHeader(i uint32, h Header) error {
	err := p.checkSlot(i)
	if err != nil {
		return err
	}

	buf := encodeHeader(h)

	_, err = p.f.WriteAt(buf[:], p.headersOff+int64(i)*HeaderEntrySize)
	if err != nil {
		return fmt.Errorf("write header %d of %s: %w", i, p.path, err)
	}

	return nil
}

// ReadPage reads slot i's page into buf. buf must be exactly one page.
func (p *File) ReadPage(i uint32, buf []byte) error {
	err := p.checkSlot(i)
	if err != nil {
		return err
	}

	err = p.checkPageBuf(buf)
	if err != nil {
		return err
	}

	_, err = p.f.ReadAt(buf, p.dataOff+int64(i)*int64(p.meta.PageSize))
	if err != nil {
		return fmt.Errorf("read page %d of %s: %w", i, p.path, err)
	}

	return nil
}

// WritePage writes buf into slot i's page. buf must be exactly one page.
func (p *File) WritePage(i uint32, buf []byte) error {
	err := p.checkSlot(i)
	if err != nil {
		return err
	}

	err = p.checkPageBuf(buf)
	if err != nil {
		return err
	}

	_, err = p.f.WriteAt(buf, p.dataOff+int64(i)*int64(p.meta.PageSize))
	if err != nil {
		return fmt.Errorf("write page %d of %s: %w", i, p.path, err)
	}

	return nil
}

// Flush asks the OS to persist all prior writes.
func (p *File) Flush() error {
	if p.closed {
		return ErrClosed
	}

	err := p.f.Sync()
	if err != nil {
		return fmt.Errorf("sync %s: %w", p.path, err)
	}

	return nil
}

// Close closes the underlying file. Close is idempotent.
func (p *File) Close() error {
	if p.closed {
		return nil
	}

	p.closed = true

	err := p.f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", p.path, err)
	}

	return nil
}

func (p *File) checkSlot(i uint32) error {
	if p.closed {
		return ErrClosed
	}

	if i >= p.meta.Slots() {
		return fmt.Errorf("%w: slot %d of %d in %s", ErrInvalidSlot, i, p.meta.Slots(), p.path)
	}

	return nil
}

func (p *File) checkPageBuf(buf []byte) error {
	if uint32(len(buf)) != p.meta.PageSize {
		return fmt.Errorf("%w: buffer is %d bytes, page size is %d",
			ErrInvalidSlot, len(buf), p.meta.PageSize)
	}

	return nil
}
