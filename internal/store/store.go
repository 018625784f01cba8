// Package store maps the logical volume onto an ordered list of paged
// files (segments) whose capacities concatenate. A page always lives at
// its natural slot: global index g resides in the unique segment j with
// base B_j <= g < B_{j+1}, at local slot g - B_j. No metadata lookup is
// needed to locate a page.
//
// Segment order is part of the configuration; changing it silently
// corrupts data. Headers written by [Store.Write] make each segment file
// self-describing, but the engine does not detect reordering.
package store

import (
	"errors"
	"fmt"

	"github.com/muhamadazmy/qbd/internal/paged"
)

var (
	// ErrOutOfRange reports a global page index beyond the last segment.
	ErrOutOfRange = errors.New("store: page out of range")

	// ErrMismatched reports segments that disagree on page size.
	ErrMismatched = errors.New("store: mismatched segments")
)

// Store is the ordered segment list backing the logical volume.
type Store struct {
	segments []*paged.File
	bases    []uint32 // bases[j] = sum of capacities of segments < j
	total    uint32
	pageSize uint32
}

// New builds a Store over the given segments, in order. All segments
// must share one page size and at least one segment is required.
func New(segments []*paged.File) (*Store, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrMismatched)
	}

	pageSize := segments[0].PageSize()
	bases := make([]uint32, len(segments))

	var total uint32

	for j, seg := range segments {
		if seg.PageSize() != pageSize {
			return nil, fmt.Errorf("%w: segment %d has page size %d, segment 0 has %d",
				ErrMismatched, j, seg.PageSize(), pageSize)
		}

		bases[j] = total
		total += seg.Slots()
	}

	return &Store{
		segments: segments,
		bases:    bases,
		total:    total,
		pageSize: pageSize,
	}, nil
}

// Pages returns the total volume capacity in pages.
func (s *Store) Pages() uint32 {
	return s.total
}

// PageSize returns the page size shared by all segments.
func (s *Store) PageSize() uint32 {
	return s.pageSize
}

// Segments returns the number of segments.
func (s *Store) Segments() int {
	return len(s.segments)
}

// Locate resolves a global page index to its segment and local slot.
func (s *Store) Locate(g uint32) (int, uint32, error) {
	if g >= s.total {
		return 0, 0, fmt.Errorf("%w: page %d of %d", ErrOutOfRange, g, s.total)
	}

	// Binary search the segment bases for the last base <= g.
	lo, hi := 0, len(s.bases)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.bases[mid] <= g {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	return lo, g - s.bases[lo], nil
}

// Read reads page g into buf.
func (s *Store) Read(g uint32, buf []byte) error {
	j, slot, err := s.Locate(g)
	if err != nil {
		return err
	}

	return s.segments[j].ReadPage(slot, buf)
}

// Write writes buf to page g, then records an occupied header carrying
// g. The header update is idempotent; it exists so that a store segment
// on its own is self-describing.
func (s *Store) Write(g uint32, buf []byte) error {
	j, slot, err := s.Locate(g)
	if err != nil {
		return err
	}

	err = s.segments[j].WritePage(slot, buf)
	if err != nil {
		return err
	}

	return s.segments[j].WriteHeader(slot, paged.Header{Flags: paged.FlagOccupied, Global: g})
}

// Flush persists all segments.
func (s *Store) Flush() error {
	for _, seg := range s.segments {
		err := seg.Flush()
		if err != nil {
			return err
		}
	}

	return nil
}

// Close closes all segments. The first error is returned; all segments
// are closed regardless.
func (s *Store) Close() error {
	var firstErr error

	for _, seg := range s.segments {
		err := seg.Close()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
