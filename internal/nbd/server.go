package nbd

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/muhamadazmy/qbd/internal/device"
	"github.com/muhamadazmy/qbd/internal/store"
)

// Backend is the device contract the transport consumes. Offsets and
// lengths arriving from the kernel are sector-aligned; the backend
// handles sub-page alignment itself.
type Backend interface {
	ReadAt(p []byte, off uint64) error
	WriteAt(p []byte, off uint64) error
	Flush() error
	Trim(off uint64, length uint32) error
	Size() uint64
}

// Compile-time check that the device satisfies the contract.
var _ Backend = (*device.Device)(nil)

// DefaultWorkers is the size of the request worker pool.
const DefaultWorkers = 4

// job is one request handed to the worker pool. For writes the payload
// is read off the socket by the dispatcher before the job is queued, so
// the stream stays framed.
type job struct {
	req     request
	payload []byte
}

// serveRequests consumes the NBD request stream from conn and dispatches
// to the backend with a pool of workers. Replies are serialized with a
// mutex. serveRequests returns when the client disconnects, the stream
// dies, or a disconnect request arrives.
func serveRequests(conn io.ReadWriter, backend Backend, workers int, log logrus.FieldLogger) error {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	jobs := make(chan job, workers)

	var (
		replyMu sync.Mutex
		wg      sync.WaitGroup
	)

	reply := func(handle uint64, errno uint32, payload []byte) {
		replyMu.Lock()
		defer replyMu.Unlock()

		err := writeReply(conn, handle, errno, payload)
		if err != nil {
			log.WithError(err).Debug("writing reply")
		}
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := range jobs {
				handle(j, backend, reply, log)
			}
		}()
	}

	err := dispatch(conn, jobs, reply, log)

	close(jobs)
	wg.Wait()

	return err
}

// dispatch reads requests off the socket and queues them. A nil return
// means the client asked to disconnect or the stream ended.
func dispatch(conn io.Reader, jobs chan<- job, reply func(uint64, uint32, []byte), log logrus.FieldLogger) error {
	for {
		req, err := readRequest(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}

			return fmt.Errorf("reading request: %w", err)
		}

		switch req.cmd {
		case cmdDisc:
			log.Debug("disconnect requested")

			return nil
		case cmdWrite:
			payload := make([]byte, req.length)

			_, err = io.ReadFull(conn, payload)
			if err != nil {
				return fmt.Errorf("reading write payload: %w", err)
			}

			jobs <- job{req: req, payload: payload}
		case cmdRead, cmdFlush, cmdTrim:
			jobs <- job{req: req}
		default:
			log.WithField("command", req.cmd).Warn("unsupported command")
			reply(req.handle, errInval, nil)
		}
	}
}

// handle executes one request against the backend and replies.
func handle(j job, backend Backend, reply func(uint64, uint32, []byte), log logrus.FieldLogger) {
	req := j.req

	switch req.cmd {
	case cmdRead:
		buf := make([]byte, req.length)

		err := backend.ReadAt(buf, req.offset)
		if err != nil {
			log.WithError(err).WithField("offset", req.offset).Warn("read failed")
			reply(req.handle, errnoFor(err), nil)

			return
		}

		reply(req.handle, 0, buf)
	case cmdWrite:
		err := backend.WriteAt(j.payload, req.offset)
		if err != nil {
			log.WithError(err).WithField("offset", req.offset).Warn("write failed")
			reply(req.handle, errnoFor(err), nil)

			return
		}

		reply(req.handle, 0, nil)
	case cmdFlush:
		err := backend.Flush()
		if err != nil {
			log.WithError(err).Warn("flush failed")
			reply(req.handle, errnoFor(err), nil)

			return
		}

		reply(req.handle, 0, nil)
	case cmdTrim:
		err := backend.Trim(req.offset, req.length)
		if err != nil {
			reply(req.handle, errnoFor(err), nil)

			return
		}

		reply(req.handle, 0, nil)
	}
}

// errnoFor maps engine errors onto NBD error codes. Out-of-range
// requests are the client's fault; everything else is an I/O error for
// that request only.
func errnoFor(err error) uint32 {
	if errors.Is(err, device.ErrOutOfRange) || errors.Is(err, store.ErrOutOfRange) {
		return errInval
	}

	return errIO
}
