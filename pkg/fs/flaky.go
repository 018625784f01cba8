package fs

import (
	"os"
	"sync"
)

// Flaky wraps another [FS] and fails selected operations on demand.
//
// Tests use it to exercise the engine's I/O error paths: a read or write
// against a file whose path matches the configured target fails with the
// configured error once armed. All other operations pass through.
//
// Flaky is safe for concurrent use.
type Flaky struct {
	inner FS

	mu        sync.Mutex
	target    string
	failRead  error
	failWrite error
}

// NewFlaky returns a Flaky wrapping inner with no failures armed.
func NewFlaky(inner FS) *Flaky {
	return &Flaky{inner: inner}
}

// FailReads arms read failures for files opened at path.
// Pass nil to disarm.
func (f *Flaky) FailReads(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.target = path
	f.failRead = err
}

// FailWrites arms write failures for files opened at path.
// Pass nil to disarm.
func (f *Flaky) FailWrites(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.target = path
	f.failWrite = err
}

func (f *Flaky) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	inner, err := f.inner.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &flakyFile{File: inner, fs: f, path: path}, nil
}

func (f *Flaky) ReadFile(path string) ([]byte, error) {
	return f.inner.ReadFile(path)
}

func (f *Flaky) Stat(path string) (os.FileInfo, error) {
	return f.inner.Stat(path)
}

func (f *Flaky) Exists(path string) (bool, error) {
	return f.inner.Exists(path)
}

func (f *Flaky) Remove(path string) error {
	return f.inner.Remove(path)
}

type flakyFile struct {
	File
	fs   *Flaky
	path string
}

func (ff *flakyFile) ReadAt(p []byte, off int64) (int, error) {
	ff.fs.mu.Lock()
	err := ff.fs.failRead
	armed := ff.fs.target == ff.path && err != nil
	ff.fs.mu.Unlock()

	if armed {
		return 0, err
	}

	return ff.File.ReadAt(p, off)
}

func (ff *flakyFile) WriteAt(p []byte, off int64) (int, error) {
	ff.fs.mu.Lock()
	err := ff.fs.failWrite
	armed := ff.fs.target == ff.path && err != nil
	ff.fs.mu.Unlock()

	if armed {
		return 0, err
	}

	return ff.File.WriteAt(p, off)
}

// Compile-time interface checks.
var (
	_ FS   = (*Flaky)(nil)
	_ File = (*flakyFile)(nil)
)
