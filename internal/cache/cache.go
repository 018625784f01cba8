// Package cache implements the paging cache: a paged file holding an
// arbitrary subset of volume pages in arbitrary local slots, combined
// with the in-memory LRU index and free list from package policy, in
// front of the authoritative store.
//
// All state transitions happen under one engine-wide mutex held for the
// duration of a page-level operation. Per-operation work is bounded to a
// handful of page I/Os, and under contention throughput is bounded by
// disk anyway.
package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/muhamadazmy/qbd/internal/metrics"
	"github.com/muhamadazmy/qbd/internal/paged"
	"github.com/muhamadazmy/qbd/internal/policy"
	"github.com/muhamadazmy/qbd/internal/store"
)

var (
	// ErrClosed reports use of a closed cache.
	ErrClosed = errors.New("cache: closed")

	// ErrMismatched reports a cache file whose page size differs from
	// the store's.
	ErrMismatched = errors.New("cache: mismatched page size")
)

// Cache is the paging cache engine.
type Cache struct {
	mu sync.Mutex

	file  *paged.File
	pol   *policy.Policy
	store *store.Store

	pageSize uint32

	// Scratch page for dirty evictions and write-back, reused under mu.
	scratch []byte

	log logrus.FieldLogger
	met *metrics.Set

	closed bool
}

// Open assembles a cache over an opened cache file and store, then
// rebuilds the in-memory index by scanning the cache file's headers in
// increasing slot order. Occupied slots enter the LRU (dirty bits
// preserved); unoccupied slots enter the free list.
func Open(file *paged.File, st *store.Store, log logrus.FieldLogger, met *metrics.Set) (*Cache, error) {
	if file.PageSize() != st.PageSize() {
		return nil, fmt.Errorf("%w: cache %d, store %d", ErrMismatched, file.PageSize(), st.PageSize())
	}

	c := &Cache{
		file:     file,
		pol:      policy.New(file.Slots()),
		store:    st,
		pageSize: file.PageSize(),
		scratch:  make([]byte, file.PageSize()),
		log:      log,
		met:      met,
	}

	err := c.rebuild()
	if err != nil {
		return nil, err
	}

	return c, nil
}

// rebuild restores the LRU and free list from persisted headers. The
// slot-order scan yields a deterministic but arbitrary initial recency.
func (c *Cache) rebuild() error {
	slots := c.file.Slots()

	var occupied, dirty int

	var free []uint32

	for i := uint32(0); i < slots; i++ {
		h, err := c.file.ReadHeader(i)
		if err != nil {
			return fmt.Errorf("rebuild: %w", err)
		}

		if !h.Occupied() {
			free = append(free, i)

			continue
		}

		// A header claiming a page outside the volume, or a duplicate of
		// a page already indexed, is left over from a misconfigured run.
		// Clear it and reuse the slot rather than serving stale data.
		stale := h.Global >= c.store.Pages()
		if !stale {
			err = c.pol.Insert(h.Global, i)
			stale = err != nil
		}

		if stale {
			c.log.WithFields(logrus.Fields{"slot": i, "page": h.Global}).
				Warn("discarding stale cache slot")

			err = c.file.WriteHeader(i, paged.Header{})
			if err != nil {
				return fmt.Errorf("rebuild: %w", err)
			}

			free = append(free, i)

			continue
		}

		occupied++

		if h.Dirty() {
			dirty++
		}
	}

	// The free list is a stack; release in descending order so the
	// lowest free slot is handed out first.
	for j := len(free) - 1; j >= 0; j-- {
		c.pol.Release(free[j])
	}

	c.log.WithFields(logrus.Fields{
		"slots":    slots,
		"occupied": occupied,
		"dirty":    dirty,
	}).Info("cache index rebuilt")

	return nil
}

// Pages returns the volume capacity in pages.
func (c *Cache) Pages() uint32 {
	return c.store.Pages()
}

// PageSize returns the page size in bytes.
func (c *Cache) PageSize() uint32 {
	return c.pageSize
}

// Fetch reads page g into buf, promoting it into the cache on a miss.
// buf must be exactly one page.
func (c *Cache) Fetch(g uint32, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if slot, ok := c.pol.Lookup(g); ok {
		c.met.Hit()

		return c.file.ReadPage(slot, buf)
	}

	// Check the range before admitting so a bad index cannot evict a
	// resident page for nothing.
	if g >= c.store.Pages() {
		return fmt.Errorf("%w: page %d of %d", store.ErrOutOfRange, g, c.store.Pages())
	}

	c.met.Miss()

	slot, err := c.admit(g)
	if err != nil {
		return err
	}

	err = c.fill(g, slot, buf)
	if err != nil {
		// The slot's header is still clear, so it is genuinely free.
		c.pol.Release(slot)

		return err
	}

	return c.pol.Insert(g, slot)
}

// fill populates a freshly admitted slot from the store. The page lands
// before the header: a crash in between leaves the slot free on disk and
// the written data shadowed.
func (c *Cache) fill(g, slot uint32, buf []byte) error {
	err := c.store.Read(g, buf)
	if err != nil {
		return err
	}

	err = c.file.WritePage(slot, buf)
	if err != nil {
		return err
	}

	return c.file.WriteHeader(slot, paged.Header{Flags: paged.FlagOccupied, Global: g})
}

// Store absorbs a full-page write into the cache and marks the slot
// dirty. The store file is not touched; write-back happens on eviction
// or through the background writer. buf must be exactly one page.
func (c *Cache) Store(g uint32, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if g >= c.store.Pages() {
		return fmt.Errorf("%w: page %d of %d", store.ErrOutOfRange, g, c.store.Pages())
	}

	dirtyHeader := paged.Header{Flags: paged.FlagOccupied | paged.FlagDirty, Global: g}

	if slot, ok := c.pol.Lookup(g); ok {
		err := c.file.WritePage(slot, buf)
		if err != nil {
			return err
		}

		return c.file.WriteHeader(slot, dirtyHeader)
	}

	slot, err := c.admit(g)
	if err != nil {
		return err
	}

	err = c.file.WritePage(slot, buf)
	if err != nil {
		c.pol.Release(slot)

		return err
	}

	err = c.file.WriteHeader(slot, dirtyHeader)
	if err != nil {
		c.pol.Release(slot)

		return err
	}

	return c.pol.Insert(g, slot)
}

// admit obtains a slot for a page that missed: a free slot when one
// exists, otherwise the LRU victim's slot after evicting it. Dirty
// victims are written back to the store before their header is cleared,
// so a crash at any point leaves the disk self-consistent:
//
//  1. victim page -> store
//  2. victim header DIRTY cleared (closes the stale-read window)
//  3. victim header OCCUPIED cleared (no phantom mapping survives)
//
// The returned slot's on-disk header is clear and the slot is in
// neither the LRU nor the free list; the caller must either insert it
// or release it.
func (c *Cache) admit(g uint32) (uint32, error) {
	if slot, ok := c.pol.TakeFree(); ok {
		return slot, nil
	}

	victimGlobal, victimSlot, ok := c.pol.PopLRU()
	if !ok {
		// Unreachable with slots >= 1: a miss means the page is absent,
		// so either a slot is free or the LRU is non-empty.
		return 0, fmt.Errorf("cache: no slot available for page %d", g)
	}

	err := c.evict(victimGlobal, victimSlot)
	if err != nil {
		// The victim is still intact on disk; put it back so the
		// mapping stays consistent with the headers.
		insertErr := c.pol.Insert(victimGlobal, victimSlot)
		if insertErr != nil {
			c.log.WithError(insertErr).WithField("page", victimGlobal).
				Error("restoring victim after failed eviction")
		}

		return 0, err
	}

	c.met.Eviction()

	return victimSlot, nil
}

// evict writes a dirty victim back and clears the slot's header.
func (c *Cache) evict(g, slot uint32) error {
	h, err := c.file.ReadHeader(slot)
	if err != nil {
		return err
	}

	if h.Dirty() {
		err = c.writeBackSlot(g, slot)
		if err != nil {
			return err
		}
	}

	return c.file.WriteHeader(slot, paged.Header{})
}

// writeBackSlot copies one dirty slot to the store and clears its dirty
// bit. Writing the same page to the store twice is safe, so redundant
// write-backs after a crash are harmless.
func (c *Cache) writeBackSlot(g, slot uint32) error {
	err := c.file.ReadPage(slot, c.scratch)
	if err != nil {
		return err
	}

	err = c.store.Write(g, c.scratch)
	if err != nil {
		return fmt.Errorf("write back page %d: %w", g, err)
	}

	err = c.file.WriteHeader(slot, paged.Header{Flags: paged.FlagOccupied, Global: g})
	if err != nil {
		return err
	}

	c.met.WriteBack()

	return nil
}

// WriteBack runs one background write-back pass over a snapshot of the
// LRU, least recent first, clearing dirty bits without evicting or
// touching recency. The lock is dropped between pages so foreground
// requests never wait behind a scan; stop is consulted before each page
// and ends the pass early when it returns true.
//
// Returns the number of pages written back.
func (c *Cache) WriteBack(stop func() bool) (int, error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return 0, ErrClosed
	}

	snapshot := c.pol.IterLRU()
	c.mu.Unlock()

	var written int

	for _, entry := range snapshot {
		if stop != nil && stop() {
			break
		}

		c.mu.Lock()

		if c.closed {
			c.mu.Unlock()

			return written, ErrClosed
		}

		wrote, err := c.writeBackEntry(entry)
		c.mu.Unlock()

		if err != nil {
			return written, err
		}

		if wrote {
			written++
		}
	}

	return written, nil
}

// writeBackEntry re-validates a snapshot entry under the lock and writes
// it back if it is still present and dirty. Entries that moved or were
// evicted since the snapshot are skipped.
func (c *Cache) writeBackEntry(entry policy.Entry) (bool, error) {
	slot, ok := c.pol.Peek(entry.Global)
	if !ok || slot != entry.Slot {
		return false, nil
	}

	h, err := c.file.ReadHeader(slot)
	if err != nil {
		return false, err
	}

	if !h.Occupied() || !h.Dirty() || h.Global != entry.Global {
		return false, nil
	}

	err = c.writeBackSlot(entry.Global, slot)
	if err != nil {
		return false, err
	}

	return true, nil
}

// Flush drains every dirty slot to the store synchronously, then asks
// the OS to persist the cache file and all store segments. A flush
// observes all writes acknowledged before it began.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	for _, entry := range c.pol.IterLRU() {
		_, err := c.writeBackEntry(entry)
		if err != nil {
			return err
		}
	}

	err := c.file.Flush()
	if err != nil {
		return err
	}

	err = c.store.Flush()
	if err != nil {
		return err
	}

	c.met.Flush()

	return nil
}

// Close closes the cache file and all store segments. It does not
// flush; callers that need durability flush first.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	err := c.file.Close()

	storeErr := c.store.Close()
	if err == nil {
		err = storeErr
	}

	return err
}
