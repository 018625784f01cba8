// Package fs provides the filesystem abstraction used by the qbd engine.
//
// The engine performs positioned reads and writes against pre-allocated
// cache and store files. All file access goes through the [FS] and [File]
// interfaces so that tests can substitute implementations that inject
// failures without touching a real disk.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using the [os] package
//   - [Flaky]: testing implementation that fails selected operations
//   - [Locker]: flock(2)-based single-process guard for volume files
package fs

import (
	"io"
	"os"
)

// File is an OS-backed open file descriptor.
//
// The interface is satisfied by [os.File]. Implementations must behave
// like [os.File], including that [File.Fd] returns a file descriptor
// usable with syscalls until the file is closed.
//
// ReadAt and WriteAt are the primary access paths for the engine: page
// and header I/O is always positioned and never moves an implicit file
// offset. Implementations must be safe for concurrent use provided the
// callers target disjoint byte ranges.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to stable storage. See [os.File.Sync].
	Sync() error

	// Truncate changes the size of the file. See [os.File.Truncate].
	Truncate(size int64) error
}

// FS defines the filesystem operations the engine needs.
//
// All methods mirror their [os] package equivalents. Paths use OS
// semantics, not the slash-separated paths of io/fs.
//
// Implementations must be safe for concurrent use.
type FS interface {
	// OpenFile opens a file with the given flags and permissions.
	// See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// Remove deletes a file. See [os.Remove].
	Remove(path string) error
}

// Compile-time interface check.
var _ File = (*os.File)(nil)
