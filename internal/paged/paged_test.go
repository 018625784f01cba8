package paged_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muhamadazmy/qbd/internal/paged"
	"github.com/muhamadazmy/qbd/pkg/fs"
)

const testPageSize = 4096

func createTestFile(t *testing.T, slots uint32) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pages.qbd")
	err := paged.Create(fs.NewReal(), path, testPageSize, slots*testPageSize)
	require.NoError(t, err)

	return path
}

func Test_Open_Returns_Handle_For_Freshly_Created_File(t *testing.T) {
	t.Parallel()

	path := createTestFile(t, 4)

	f, err := paged.Open(fs.NewReal(), path)
	require.NoError(t, err)

	defer func() { _ = f.Close() }()

	assert.Equal(t, uint32(testPageSize), f.PageSize())
	assert.Equal(t, uint32(4), f.Slots())

	// All slots start free.
	for i := uint32(0); i < 4; i++ {
		h, err := f.ReadHeader(i)
		require.NoError(t, err)
		assert.False(t, h.Occupied())
		assert.False(t, h.Dirty())
	}
}

func Test_Open_Fails_With_InvalidFormat_When_Magic_Is_Zeroed(t *testing.T) {
	t.Parallel()

	path := createTestFile(t, 2)

	// Zero the magic in place.
	raw, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)

	_, err = raw.WriteAt(make([]byte, 4), 0)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = paged.Open(fs.NewReal(), path)
	require.ErrorIs(t, err, paged.ErrInvalidFormat)
}

func Test_Open_Fails_When_File_Is_Shorter_Than_Its_Geometry(t *testing.T) {
	t.Parallel()

	path := createTestFile(t, 4)

	err := os.Truncate(path, 100)
	require.NoError(t, err)

	_, err = paged.Open(fs.NewReal(), path)
	require.ErrorIs(t, err, paged.ErrInvalidFormat)
}

func Test_Open_Tolerates_Trailing_Alignment_Padding(t *testing.T) {
	t.Parallel()

	path := createTestFile(t, 2)

	info, err := os.Stat(path)
	require.NoError(t, err)

	// Pad the file past its geometry; slot count must still come from
	// the meta, not the file length.
	err = os.Truncate(path, info.Size()+8192)
	require.NoError(t, err)

	f, err := paged.Open(fs.NewReal(), path)
	require.NoError(t, err)

	defer func() { _ = f.Close() }()

	assert.Equal(t, uint32(2), f.Slots())

	// The last real slot is still addressable and the padding is not.
	buf := make([]byte, testPageSize)
	require.NoError(t, f.ReadPage(1, buf))
	require.ErrorIs(t, f.ReadPage(2, buf), paged.ErrInvalidSlot)
}

func Test_WritePage_Then_ReadPage_Returns_Same_Bytes(t *testing.T) {
	t.Parallel()

	path := createTestFile(t, 4)

	f, err := paged.Open(fs.NewReal(), path)
	require.NoError(t, err)

	defer func() { _ = f.Close() }()

	in := bytes.Repeat([]byte{0xAB}, testPageSize)
	in[0] = 0x01
	in[testPageSize-1] = 0xFF

	require.NoError(t, f.WritePage(2, in))

	out := make([]byte, testPageSize)
	require.NoError(t, f.ReadPage(2, out))
	assert.Equal(t, in, out)

	// Neighboring slots stay zero.
	require.NoError(t, f.ReadPage(1, out))
	assert.Equal(t, make([]byte, testPageSize), out)
}

func Test_WriteHeader_Then_ReadHeader_Roundtrips(t *testing.T) {
	t.Parallel()

	path := createTestFile(t, 4)

	f, err := paged.Open(fs.NewReal(), path)
	require.NoError(t, err)

	defer func() { _ = f.Close() }()

	in := paged.Header{Flags: paged.FlagOccupied | paged.FlagDirty, Global: 1234}
	require.NoError(t, f.WriteHeader(3, in))

	out, err := f.ReadHeader(3)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func Test_Slot_Operations_Fail_With_InvalidSlot_Beyond_Capacity(t *testing.T) {
	t.Parallel()

	path := createTestFile(t, 2)

	f, err := paged.Open(fs.NewReal(), path)
	require.NoError(t, err)

	defer func() { _ = f.Close() }()

	buf := make([]byte, testPageSize)

	require.ErrorIs(t, f.ReadPage(2, buf), paged.ErrInvalidSlot)
	require.ErrorIs(t, f.WritePage(2, buf), paged.ErrInvalidSlot)

	_, err = f.ReadHeader(2)
	require.ErrorIs(t, err, paged.ErrInvalidSlot)

	require.ErrorIs(t, f.WriteHeader(2, paged.Header{}), paged.ErrInvalidSlot)
}

func Test_Page_Operations_Reject_Wrong_Buffer_Size(t *testing.T) {
	t.Parallel()

	path := createTestFile(t, 2)

	f, err := paged.Open(fs.NewReal(), path)
	require.NoError(t, err)

	defer func() { _ = f.Close() }()

	short := make([]byte, testPageSize-1)
	require.Error(t, f.ReadPage(0, short))
	require.Error(t, f.WritePage(0, short))
}

func Test_Operations_Fail_After_Close(t *testing.T) {
	t.Parallel()

	path := createTestFile(t, 2)

	f, err := paged.Open(fs.NewReal(), path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Close is idempotent.
	require.NoError(t, f.Close())

	buf := make([]byte, testPageSize)
	require.ErrorIs(t, f.ReadPage(0, buf), paged.ErrClosed)
	require.ErrorIs(t, f.Flush(), paged.ErrClosed)
}

func Test_Create_Writes_Meta_Section_In_BigEndian(t *testing.T) {
	t.Parallel()

	path := createTestFile(t, 2)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), paged.MetaSize)

	assert.Equal(t, uint32(paged.Magic), binary.BigEndian.Uint32(raw[0:]))
	assert.Equal(t, uint32(paged.Version), binary.BigEndian.Uint32(raw[4:]))
	assert.Equal(t, uint32(testPageSize), binary.BigEndian.Uint32(raw[8:]))
	assert.Equal(t, uint32(2*testPageSize), binary.BigEndian.Uint32(raw[12:]))
}

func Test_Create_Rejects_Invalid_Geometry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	err := paged.Create(fs.NewReal(), filepath.Join(dir, "bad1"), 1000, 4000)
	require.ErrorIs(t, err, paged.ErrInvalidFormat)

	err = paged.Create(fs.NewReal(), filepath.Join(dir, "bad2"), 4096, 4097)
	require.ErrorIs(t, err, paged.ErrInvalidFormat)
}
