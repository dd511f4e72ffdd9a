package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_RoundTrip(t *testing.T) {
	for _, cmd := range []Cmd{
		CmdHello, CmdGoodbye, CmdPing, CmdGetConfig, CmdRegisterBuffer,
		CmdUnregisterBuffer, CmdMatMul, CmdSync, CmdFenceCreate, CmdFenceDestroy, CmdFenceWait,
	} {
		hdr := NewHeader(cmd, 0xDEADBEEF, 112)
		raw := EncodeHeader(&hdr)
		require.Len(t, raw, HeaderSize)

		decoded, err := DecodeHeader(raw)
		require.NoError(t, err)
		assert.Equal(t, hdr, decoded, "header for %s must round-trip bit-exactly", cmd)
	}
}

func TestHeader_WireLayout(t *testing.T) {
	hdr := NewHeader(CmdMatMul, 0x01020304, 0x0A0B0C0D)
	raw := EncodeHeader(&hdr)

	// Little-endian field layout: magic, version, cmd, flags, seq, payload size.
	assert.Equal(t, []byte{0x4E, 0x50, 0x4D, 0x45}, raw[0:4], "magic bytes spell NPME")
	assert.Equal(t, byte(VersionMajor), raw[4])
	assert.Equal(t, byte(VersionMinor), raw[5])
	assert.Equal(t, byte(CmdMatMul), raw[6])
	assert.Equal(t, byte(0), raw[7])
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, raw[8:12])
	assert.Equal(t, []byte{0x0D, 0x0C, 0x0B, 0x0A}, raw[12:16])
}

func TestHeader_Validate(t *testing.T) {
	hdr := NewHeader(CmdPing, 1, 16)
	require.NoError(t, hdr.Validate())

	bad := hdr
	bad.Magic = 0x12345678
	assert.Error(t, bad.Validate())

	mismatch := hdr
	mismatch.VersionMajor = VersionMajor + 1
	assert.Error(t, mismatch.Validate())

	// Minor differences are accepted.
	minor := hdr
	minor.VersionMinor = VersionMinor + 3
	assert.NoError(t, minor.Validate())
}

func TestPayloadSizes(t *testing.T) {
	// The wire sizes are part of the protocol contract; a struct change that moves them
	// breaks interoperability.
	assert.Equal(t, uint32(76), PayloadSize(&HelloReq{}))
	assert.Equal(t, uint32(28), PayloadSize(&HelloRsp{}))
	assert.Equal(t, uint32(4), PayloadSize(&GoodbyeRsp{}))
	assert.Equal(t, uint32(16), PayloadSize(&PingReq{}))
	assert.Equal(t, uint32(28), PayloadSize(&PingRsp{}))
	assert.Equal(t, uint32(24), PayloadSize(&RegisterBufferReq{}))
	assert.Equal(t, uint32(12), PayloadSize(&RegisterBufferRsp{}))
	assert.Equal(t, uint32(8), PayloadSize(&UnregisterBufferReq{}))
	assert.Equal(t, uint32(4), PayloadSize(&UnregisterBufferRsp{}))
	assert.Equal(t, uint32(112), PayloadSize(&MatMulReq{}))
	assert.Equal(t, uint32(20), PayloadSize(&MatMulRsp{}))
	assert.Equal(t, uint32(4), PayloadSize(&SyncRsp{}))
	assert.Equal(t, uint32(12), PayloadSize(&FenceCreateRsp{}))
	assert.Equal(t, uint32(8), PayloadSize(&FenceDestroyReq{}))
	assert.Equal(t, uint32(16), PayloadSize(&FenceWaitReq{}))
	assert.Equal(t, uint32(0), PayloadSize(nil))
}

func TestMessage_RoundTrip(t *testing.T) {
	req := MatMulReq{
		AHandle: 1, AOffset: 64, BHandle: 2, BOffset: 128, CHandle: 3, COffset: 0,
		M: 64, N: 128, K: 32, Lda: 32, Ldb: 32, Ldc: 128,
		TypeA: 0, TypeB: 0, TypeC: 0,
	}
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, CmdMatMul, 42, &req))
	assert.Equal(t, HeaderSize+112, buf.Len(), "a full message is header plus payload, nothing more")

	hdr, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(CmdMatMul), hdr.Cmd)
	assert.Equal(t, uint32(42), hdr.SeqID)

	var decoded MatMulReq
	require.NoError(t, ReadPayload(&buf, &hdr, &decoded))
	assert.Equal(t, req, decoded)
	assert.Zero(t, buf.Len(), "the read must consume exactly header plus payload bytes")
}

func TestReadPayload_SizeMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, CmdFenceWait, 7, &FenceWaitReq{FenceID: 1}))

	hdr, err := ReadHeader(&buf)
	require.NoError(t, err)

	var wrong FenceDestroyReq // 8 bytes, but the header declares 16
	assert.Error(t, ReadPayload(&buf, &hdr, &wrong))
}

func TestShmName(t *testing.T) {
	var field [MaxShmName]byte
	PutShmName(&field, "/npm-shm-12345")
	assert.Equal(t, "/npm-shm-12345", ShmName(&field))

	// Overlong names truncate but stay NUL-terminated.
	long := string(bytes.Repeat([]byte{'x'}, 100))
	PutShmName(&field, long)
	assert.Len(t, ShmName(&field), MaxShmName-1)
}
