// Package device presents the byte-addressable volume consumed by the
// NBD transport. It translates arbitrary (offset, length) I/O into
// page-aligned operations against the cache, and runs the background
// write-back scanner.
package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/muhamadazmy/qbd/internal/cache"
	"github.com/muhamadazmy/qbd/internal/metrics"
)

// Background writer tuning.
const (
	// IdleThreshold is how long the device must be quiet before the
	// background writer becomes eligible to run.
	IdleThreshold = 500 * time.Millisecond

	// Slice bounds one background write-back pass. At the end of the
	// slice, or on arrival of any foreground request, the writer yields.
	Slice = 50 * time.Millisecond
)

var (
	// ErrOutOfRange reports I/O beyond the volume size.
	ErrOutOfRange = errors.New("device: out of range")

	// ErrClosed reports use of a closed device.
	ErrClosed = errors.New("device: closed")
)

// Device is a byte volume over a Cache.
type Device struct {
	cache    *cache.Cache
	pageSize uint64
	size     uint64

	// lastIO is the unix-nano timestamp of the most recent foreground
	// request; the background writer keys off it.
	lastIO atomic.Int64

	log logrus.FieldLogger
	met *metrics.Set

	pages sync.Pool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

// New builds a Device over an opened cache and starts the background
// writer. Call [Device.Close] to stop it and release the volume files.
func New(c *cache.Cache, log logrus.FieldLogger, met *metrics.Set) *Device {
	pageSize := uint64(c.PageSize())

	d := &Device{
		cache:    c,
		pageSize: pageSize,
		size:     uint64(c.Pages()) * pageSize,
		log:      log,
		met:      met,
		done:     make(chan struct{}),
		pages: sync.Pool{
			New: func() any {
				return make([]byte, pageSize)
			},
		},
	}

	d.lastIO.Store(time.Now().UnixNano())

	d.wg.Add(1)

	go d.backgroundWriter()

	return d
}

// Size returns the volume size in bytes.
func (d *Device) Size() uint64 {
	return d.size
}

// PageSize returns the page size in bytes.
func (d *Device) PageSize() uint32 {
	return uint32(d.pageSize)
}

// ReadAt fills p from the volume starting at off. Reads are decomposed
// into whole-page fetches; partial pages are copied out of the fetched
// page. A zero-length read returns immediately.
func (d *Device) ReadAt(p []byte, off uint64) error {
	if err := d.checkRange(off, len(p)); err != nil {
		return err
	}

	d.touch()
	d.met.Read(len(p))

	if len(p) == 0 {
		return nil
	}

	buf := d.pages.Get().([]byte)
	defer d.pages.Put(buf) //nolint:staticcheck // fixed-size buffer

	for len(p) > 0 {
		g := uint32(off / d.pageSize)
		pageOff := off % d.pageSize

		n := d.pageSize - pageOff
		if n > uint64(len(p)) {
			n = uint64(len(p))
		}

		err := d.cache.Fetch(g, buf)
		if err != nil {
			d.met.Error()

			return fmt.Errorf("read page %d: %w", g, err)
		}

		copy(p[:n], buf[pageOff:pageOff+n])

		p = p[n:]
		off += n
	}

	return nil
}

// WriteAt stores p into the volume starting at off. Whole-page spans go
// straight to the cache; partial pages are read-modify-write against the
// fetched page.
func (d *Device) WriteAt(p []byte, off uint64) error {
	if err := d.checkRange(off, len(p)); err != nil {
		return err
	}

	d.touch()
	d.met.Write(len(p))

	if len(p) == 0 {
		return nil
	}

	buf := d.pages.Get().([]byte)
	defer d.pages.Put(buf) //nolint:staticcheck // fixed-size buffer

	for len(p) > 0 {
		g := uint32(off / d.pageSize)
		pageOff := off % d.pageSize

		n := d.pageSize - pageOff
		if n > uint64(len(p)) {
			n = uint64(len(p))
		}

		var err error

		if n == d.pageSize {
			err = d.cache.Store(g, p[:n])
		} else {
			err = d.cache.Fetch(g, buf)
			if err == nil {
				copy(buf[pageOff:pageOff+n], p[:n])
				err = d.cache.Store(g, buf)
			}
		}

		if err != nil {
			d.met.Error()

			return fmt.Errorf("write page %d: %w", g, err)
		}

		p = p[n:]
		off += n
	}

	return nil
}

// Flush drains all dirty pages to the store and persists every file.
// It blocks until all prior acknowledged writes are durable.
func (d *Device) Flush() error {
	if d.closed.Load() {
		return ErrClosed
	}

	d.touch()

	err := d.cache.Flush()
	if err != nil {
		d.met.Error()

		return err
	}

	return nil
}

// Trim is a best-effort no-op: the pages stay allocated and their
// contents are preserved.
func (d *Device) Trim(off uint64, length uint32) error {
	if err := d.checkRange(off, int(length)); err != nil {
		return err
	}

	d.touch()

	return nil
}

// Close stops the background writer, flushes, and releases the volume
// files. Close is idempotent.
func (d *Device) Close() error {
	var err error

	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()

		err = d.cache.Flush()

		closeErr := d.cache.Close()
		if err == nil {
			err = closeErr
		}
	})

	return err
}

func (d *Device) checkRange(off uint64, length int) error {
	if d.closed.Load() {
		return ErrClosed
	}

	if off > d.size || uint64(length) > d.size-off {
		return fmt.Errorf("%w: offset %d length %d, volume is %d bytes",
			ErrOutOfRange, off, length, d.size)
	}

	return nil
}

// touch records foreground activity for the idle trigger.
func (d *Device) touch() {
	d.lastIO.Store(time.Now().UnixNano())
}

// backgroundWriter periodically scans for dirty pages once the device
// has been idle for IdleThreshold, cleaning them in LRU order so later
// evictions are cheap. Under continuous foreground load it does no
// work; a pass ends at the slice deadline or as soon as a foreground
// request arrives.
func (d *Device) backgroundWriter() {
	defer d.wg.Done()

	ticker := time.NewTicker(IdleThreshold / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}

		idleSince := d.lastIO.Load()
		if time.Since(time.Unix(0, idleSince)) < IdleThreshold {
			continue
		}

		deadline := time.Now().Add(Slice)

		stop := func() bool {
			select {
			case <-d.done:
				return true
			default:
			}

			return time.Now().After(deadline) || d.lastIO.Load() != idleSince
		}

		written, err := d.cache.WriteBack(stop)
		if err != nil && !errors.Is(err, cache.ErrClosed) {
			d.met.Error()
			d.log.WithError(err).Error("background write-back failed")
		}

		if written > 0 {
			d.log.WithField("pages", written).Debug("background write-back")
		}
	}
}
