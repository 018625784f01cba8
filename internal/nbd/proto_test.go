package nbd

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeRequest(cmd uint32, handle, offset uint64, length uint32) []byte {
	buf := make([]byte, requestSize)

	binary.BigEndian.PutUint32(buf[0:], requestMagic)
	binary.BigEndian.PutUint32(buf[4:], cmd)
	binary.BigEndian.PutUint64(buf[8:], handle)
	binary.BigEndian.PutUint64(buf[16:], offset)
	binary.BigEndian.PutUint32(buf[24:], length)

	return buf
}

func Test_ReadRequest_Decodes_Wire_Format(t *testing.T) {
	t.Parallel()

	raw := encodeRequest(cmdRead, 0xDEADBEEF12345678, 4096, 512)

	req, err := readRequest(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, uint32(cmdRead), req.cmd)
	assert.Equal(t, uint64(0xDEADBEEF12345678), req.handle)
	assert.Equal(t, uint64(4096), req.offset)
	assert.Equal(t, uint32(512), req.length)
}

func Test_ReadRequest_Masks_Command_Flags(t *testing.T) {
	t.Parallel()

	// FUA-style flag in the upper half of the type word.
	raw := encodeRequest(cmdWrite|1<<16, 1, 0, 512)

	req, err := readRequest(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, uint32(cmdWrite), req.cmd)
}

func Test_ReadRequest_Fails_On_Bad_Magic(t *testing.T) {
	t.Parallel()

	raw := encodeRequest(cmdRead, 1, 0, 512)
	binary.BigEndian.PutUint32(raw[0:], 0x12345678)

	_, err := readRequest(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrBadMagic)
}

func Test_ReadRequest_Propagates_Short_Reads(t *testing.T) {
	t.Parallel()

	raw := encodeRequest(cmdRead, 1, 0, 512)

	_, err := readRequest(bytes.NewReader(raw[:10]))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = readRequest(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

func Test_WriteReply_Encodes_Header_And_Payload(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	payload := []byte{1, 2, 3, 4}
	require.NoError(t, writeReply(&out, 42, 0, payload))

	raw := out.Bytes()
	require.Len(t, raw, replySize+len(payload))

	assert.Equal(t, uint32(replyMagic), binary.BigEndian.Uint32(raw[0:]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(raw[4:]))
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(raw[8:]))
	assert.Equal(t, payload, raw[replySize:])
}

func Test_WriteReply_Omits_Payload_On_Error(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	require.NoError(t, writeReply(&out, 42, errIO, []byte{1, 2, 3}))
	require.Len(t, out.Bytes(), replySize)
	assert.Equal(t, uint32(errIO), binary.BigEndian.Uint32(out.Bytes()[4:]))
}
