//go:build linux

package nbd

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// NBD ioctl request numbers from <linux/nbd.h>.
const (
	ioctlSetSock       = 0xab00
	ioctlSetBlockSize  = 0xab01
	ioctlDoIt          = 0xab03
	ioctlClearSock     = 0xab04
	ioctlClearQueue    = 0xab05
	ioctlSetSizeBlocks = 0xab07
	ioctlDisconnect    = 0xab08
	ioctlSetFlags      = 0xab0a
)

// blockSize is the block size advertised to the kernel. 512 divides
// every valid page size, so the volume size is always a whole number of
// blocks.
const blockSize = 512

// Server owns an attached NBD device: the kernel side of the socketpair
// is installed in /dev/nbdX, the user side feeds the request loop.
type Server struct {
	dev     *os.File
	conn    *os.File
	backend Backend
	workers int
	log     logrus.FieldLogger

	disconnectOnce sync.Once
}

// Attach connects the backend to the NBD device node at path. The
// device is sized, flagged for flush and trim support, and handed the
// kernel end of a socketpair. Serve must be called to start handling
// requests.
func Attach(path string, backend Backend, workers int, log logrus.FieldLogger) (*Server, error) {
	size := backend.Size()
	if size%blockSize != 0 {
		return nil, fmt.Errorf("nbd: volume size %d is not a multiple of %d", size, blockSize)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("nbd: socketpair: %w", err)
	}

	kernelSide := os.NewFile(uintptr(fds[0]), "nbd-kernel")
	userSide := os.NewFile(uintptr(fds[1]), "nbd-user")

	dev, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		_ = kernelSide.Close()
		_ = userSide.Close()

		return nil, fmt.Errorf("nbd: open %s: %w", path, err)
	}

	err = configure(int(dev.Fd()), int(kernelSide.Fd()), size)
	if err != nil {
		_ = dev.Close()
		_ = kernelSide.Close()
		_ = userSide.Close()

		return nil, fmt.Errorf("nbd: configure %s: %w", path, err)
	}

	// The kernel holds its own reference to the socket after SET_SOCK;
	// DO_IT runs against it in this goroutine, alongside Serve.
	go func() {
		// DO_IT blocks in the kernel for the lifetime of the attachment
		// and returns after disconnect.
		doErr := unix.IoctlSetInt(int(dev.Fd()), ioctlDoIt, 0)
		if doErr != nil {
			log.WithError(doErr).Debug("NBD_DO_IT returned")
		}

		_ = unix.IoctlSetInt(int(dev.Fd()), ioctlClearQueue, 0)
		_ = unix.IoctlSetInt(int(dev.Fd()), ioctlClearSock, 0)
		_ = kernelSide.Close()
	}()

	log.WithFields(logrus.Fields{"device": path, "size": size}).Info("attached")

	return &Server{
		dev:     dev,
		conn:    userSide,
		backend: backend,
		workers: workers,
		log:     log,
	}, nil
}

// configure runs the attachment ioctl sequence on the device node.
func configure(devFd, sockFd int, size uint64) error {
	err := unix.IoctlSetInt(devFd, ioctlSetBlockSize, blockSize)
	if err != nil {
		return fmt.Errorf("set block size: %w", err)
	}

	err = unix.IoctlSetInt(devFd, ioctlSetSizeBlocks, int(size/blockSize))
	if err != nil {
		return fmt.Errorf("set size: %w", err)
	}

	err = unix.IoctlSetInt(devFd, ioctlClearSock, 0)
	if err != nil {
		return fmt.Errorf("clear sock: %w", err)
	}

	err = unix.IoctlSetInt(devFd, ioctlSetFlags, flagHasFlags|flagSendFlush|flagSendTrim)
	if err != nil {
		return fmt.Errorf("set flags: %w", err)
	}

	err = unix.IoctlSetInt(devFd, ioctlSetSock, sockFd)
	if err != nil {
		return fmt.Errorf("set sock: %w", err)
	}

	return nil
}

// Serve handles requests until the kernel disconnects or the stream
// fails. It blocks; run it from the daemon's main goroutine.
func (s *Server) Serve() error {
	err := serveRequests(s.conn, s.backend, s.workers, s.log)

	return err
}

// Disconnect asks the kernel to tear down the attachment, which unblocks
// Serve and the DO_IT goroutine. Safe to call more than once and from a
// signal handler's goroutine.
func (s *Server) Disconnect() {
	s.disconnectOnce.Do(func() {
		err := unix.IoctlSetInt(int(s.dev.Fd()), ioctlDisconnect, 0)
		if err != nil {
			s.log.WithError(err).Warn("disconnect ioctl failed")
		}
	})
}

// Close releases the device node and the user side of the socket. Call
// after Serve has returned.
func (s *Server) Close() error {
	s.Disconnect()

	connErr := s.conn.Close()

	err := s.dev.Close()
	if err == nil {
		err = connErr
	}

	return err
}
