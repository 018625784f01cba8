package fs

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by [Locker.TryLock] when the lock is held by
// another process.
var ErrWouldBlock = errors.New("lock would block")

// Locker provides file-based locking using flock(2).
//
// The engine uses it to guarantee that a volume (cache file plus store
// segments) is served by at most one process: the daemon takes an
// exclusive lock on a dedicated lock file next to the cache file before
// opening anything.
//
// flock locks an inode, not a pathname. Callers must lock a dedicated,
// stable lock file path and avoid replacing or unlinking that file while
// locks may be held.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker that uses the given filesystem for file
// operations.
func NewLocker(fs FS) *Locker {
	return &Locker{
		fs:    fs,
		flock: unix.Flock,
	}
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// TryLock attempts to acquire an exclusive lock on the file at path
// without blocking.
//
// The lock file is created if it does not exist. Returns [ErrWouldBlock]
// immediately if the lock is held by another process.
func (l *Locker) TryLock(path string) (*Lock, error) {
	file, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lockfile: %w", err)
	}

	err = flockRetryEINTR(l.flock, int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &Lock{file: file, flock: l.flock}, nil
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent; subsequent calls return nil. The lock file itself
// is not deleted, so other processes always flock the same inode.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return nil
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// Signals like SIGCHLD or SIGALRM can interrupt a blocking syscall before
// it completes; the call didn't fail, it just needs to be retried. Retries
// are capped to avoid spinning under pathological signal storms.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for i := 0; i < maxEINTRRetries; i++ {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
