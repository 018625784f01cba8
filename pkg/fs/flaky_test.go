package fs_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muhamadazmy/qbd/pkg/fs"
)

func Test_Flaky_Fails_Armed_Operations_And_Passes_Through_Otherwise(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	flaky := fs.NewFlaky(fs.NewReal())

	f, err := flaky.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)

	defer func() { _ = f.Close() }()

	_, err = f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	injected := errors.New("injected")
	flaky.FailWrites(path, injected)

	_, err = f.WriteAt([]byte("boom"), 0)
	require.ErrorIs(t, err, injected)

	// Reads still work, and other paths are untouched.
	buf := make([]byte, 5)

	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	other, err := flaky.OpenFile(filepath.Join(dir, "other"), os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)

	defer func() { _ = other.Close() }()

	_, err = other.WriteAt([]byte("fine"), 0)
	require.NoError(t, err)

	// Disarm and recover.
	flaky.FailWrites(path, nil)

	_, err = f.WriteAt([]byte("again"), 0)
	require.NoError(t, err)

	flaky.FailReads(path, injected)

	_, err = f.ReadAt(buf, 0)
	require.ErrorIs(t, err, injected)
}
