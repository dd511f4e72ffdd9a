package emu_test

import (
	"encoding/binary"
	"math/rand"
	"net"
	"path/filepath"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frank-ceva/npmemu/device"
	"github.com/frank-ceva/npmemu/emu"
	"github.com/frank-ceva/npmemu/protocol"
	"github.com/frank-ceva/npmemu/shm"
)

func startServer(t *testing.T, mutate func(*emu.Config)) *emu.Server {
	t.Helper()
	config := emu.DefaultConfig()
	config.SocketPath = filepath.Join(t.TempDir(), "npm.sock")
	if mutate != nil {
		mutate(&config)
	}
	server, err := emu.NewServer(config)
	require.NoError(t, err)
	go func() { _ = server.Run() }()
	t.Cleanup(server.Close)
	return server
}

// rawClient speaks the wire protocol directly, with its own arena.
type rawClient struct {
	t     *testing.T
	conn  net.Conn
	seq   uint32
	arena *shm.Arena
}

func dialRaw(t *testing.T, socketPath string, shmSize uint64) *rawClient {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ { // the server goroutine may still be binding
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)

	arena, err := shm.Create(shmSize)
	require.NoError(t, err)
	c := &rawClient{t: t, conn: conn, arena: arena}
	t.Cleanup(c.close)
	return c
}

func (c *rawClient) close() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.arena != nil {
		c.arena.Destroy()
		c.arena = nil
	}
}

func (c *rawClient) roundTrip(cmd protocol.Cmd, req, rsp any) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteMessage(c.conn, cmd, c.seq, req))
	c.seq++
	hdr, err := protocol.ReadHeader(c.conn)
	require.NoError(c.t, err)
	require.NoError(c.t, protocol.ReadPayload(c.conn, &hdr, rsp))
}

func (c *rawClient) hello() protocol.HelloRsp {
	c.t.Helper()
	var req protocol.HelloReq
	req.VersionMajor = protocol.VersionMajor
	req.VersionMinor = protocol.VersionMinor
	protocol.PutShmName(&req.ShmName, c.arena.Name())
	req.ShmSize = c.arena.Size()
	var rsp protocol.HelloRsp
	c.roundTrip(protocol.CmdHello, &req, &rsp)
	return rsp
}

// register copies data into the arena and registers the slot, returning (handle, offset).
func (c *rawClient) register(data []byte) (uint64, uint64) {
	c.t.Helper()
	offset, err := c.arena.Alloc(uint64(len(data)), shm.DefaultAlignment)
	require.NoError(c.t, err)
	slot, err := c.arena.Bytes(offset, uint64(len(data)))
	require.NoError(c.t, err)
	copy(slot, data)

	req := protocol.RegisterBufferReq{ShmOffset: offset, Size: uint64(len(data))}
	var rsp protocol.RegisterBufferRsp
	c.roundTrip(protocol.CmdRegisterBuffer, &req, &rsp)
	require.Equal(c.t, uint8(protocol.StatusOK), rsp.Status)
	return rsp.Handle, offset
}

func (c *rawClient) arenaFloats(offset uint64, n int) []float32 {
	c.t.Helper()
	raw, err := c.arena.Bytes(offset, uint64(n*4))
	require.NoError(c.t, err)
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(raw))), n)
}

func f32Raw(flat []float32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*4)
}

func TestServer_HelloReportsDeviceInfo(t *testing.T) {
	server := startServer(t, func(c *emu.Config) {
		c.SKU = device.SKU16K
		c.L2Size = 4 * 1024 * 1024
	})
	c := dialRaw(t, server.SocketPath(), 1<<20)

	rsp := c.hello()
	assert.Equal(t, uint8(protocol.StatusOK), rsp.Status)
	assert.Equal(t, uint32(device.SKU16K), rsp.SKU)
	assert.Equal(t, uint32(2), rsp.NumEngines)
	assert.Equal(t, uint64(1<<20), rsp.L1Size)
	assert.Equal(t, uint64(4<<20), rsp.L2Size, "configured L2 overrides the SKU default within limits")

	// GET_CONFIG returns the same info mid-session.
	var again protocol.HelloRsp
	c.roundTrip(protocol.CmdGetConfig, nil, &again)
	assert.Equal(t, rsp.SKU, again.SKU)
	assert.Equal(t, rsp.L2Size, again.L2Size)
}

func TestServer_VersionMismatchRefused(t *testing.T) {
	server := startServer(t, nil)
	c := dialRaw(t, server.SocketPath(), 1<<20)

	// Handcraft a HELLO whose header claims protocol major 2.
	var req protocol.HelloReq
	req.VersionMajor = 2
	protocol.PutShmName(&req.ShmName, c.arena.Name())
	req.ShmSize = c.arena.Size()

	hdr := protocol.NewHeader(protocol.CmdHello, 0, protocol.PayloadSize(&req))
	hdr.VersionMajor = 2
	_, err := c.conn.Write(protocol.EncodeHeader(&hdr))
	require.NoError(t, err)
	require.NoError(t, binary.Write(c.conn, binary.LittleEndian, &req))

	rspHdr, err := protocol.ReadRawHeader(c.conn)
	require.NoError(t, err)
	var rsp protocol.HelloRsp
	require.NoError(t, protocol.ReadPayload(c.conn, &rspHdr, &rsp))
	assert.Equal(t, uint8(protocol.StatusVersionMismatch), rsp.Status)

	// The server closes the session after the refusal.
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = protocol.ReadRawHeader(c.conn)
	assert.Error(t, err, "session must be closed after a version mismatch")
}

func TestServer_SessionIsolation(t *testing.T) {
	server := startServer(t, nil)

	c1 := dialRaw(t, server.SocketPath(), 1<<20)
	require.Equal(t, uint8(protocol.StatusOK), c1.hello().Status)
	var handles []uint64
	for i := 0; i < 3; i++ {
		h, _ := c1.register(make([]byte, 64))
		handles = append(handles, h)
	}
	assert.Equal(t, []uint64{1, 2, 3}, handles)
	c1.close() // abrupt disconnect

	// The second session starts fresh: handles restart at 1, old handles are gone.
	c2 := dialRaw(t, server.SocketPath(), 1<<20)
	require.Equal(t, uint8(protocol.StatusOK), c2.hello().Status)
	h, _ := c2.register(make([]byte, 64))
	assert.Equal(t, uint64(1), h)

	req := protocol.MatMulReq{
		AHandle: h, BHandle: 3, CHandle: h,
		M: 1, N: 1, K: 1, Lda: 1, Ldb: 1, Ldc: 1,
	}
	var rsp protocol.MatMulRsp
	c2.roundTrip(protocol.CmdMatMul, &req, &rsp)
	assert.Equal(t, uint8(protocol.StatusInvalidHandle), rsp.Status,
		"a stale handle from the previous session must not resolve")
}

func TestServer_MatMulNaive(t *testing.T) {
	server := startServer(t, nil)
	c := dialRaw(t, server.SocketPath(), 1<<20)
	require.Equal(t, uint8(protocol.StatusOK), c.hello().Status)

	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{1, 0, 0, 0, 1, 0, 0, 0, 1, 1, 1, 1}
	aHandle, _ := c.register(f32Raw(a))
	bHandle, _ := c.register(f32Raw(b))
	cHandle, cOffset := c.register(make([]byte, 8*4))

	req := protocol.MatMulReq{
		AHandle: aHandle, BHandle: bHandle, CHandle: cHandle,
		M: 2, N: 4, K: 3, Lda: 3, Ldb: 3, Ldc: 4,
	}
	var rsp protocol.MatMulRsp
	c.roundTrip(protocol.CmdMatMul, &req, &rsp)
	require.Equal(t, uint8(protocol.StatusOK), rsp.Status)
	assert.Zero(t, rsp.Cycles, "the untimed path reports zero cycles")
	assert.Zero(t, rsp.DMABytes)

	got := c.arenaFloats(cOffset, 8)
	want := []float32{1, 2, 3, 6, 4, 5, 6, 15}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-5, "C[%d]", i)
	}
}

func TestServer_MatMulErrorsKeepSessionAlive(t *testing.T) {
	server := startServer(t, nil)
	c := dialRaw(t, server.SocketPath(), 1<<20)
	require.Equal(t, uint8(protocol.StatusOK), c.hello().Status)

	aHandle, _ := c.register(make([]byte, 16))

	req := protocol.MatMulReq{
		AHandle: aHandle, BHandle: 404, CHandle: aHandle,
		M: 2, N: 2, K: 2, Lda: 2, Ldb: 2, Ldc: 2,
	}
	var rsp protocol.MatMulRsp
	c.roundTrip(protocol.CmdMatMul, &req, &rsp)
	assert.Equal(t, uint8(protocol.StatusInvalidHandle), rsp.Status)

	// Bad dimensions are a distinct error.
	req.BHandle = aHandle
	req.Lda = 1 // < K
	c.roundTrip(protocol.CmdMatMul, &req, &rsp)
	assert.Equal(t, uint8(protocol.StatusInvalidParams), rsp.Status)

	// The session still serves commands.
	var syncRsp protocol.SyncRsp
	c.roundTrip(protocol.CmdSync, nil, &syncRsp)
	assert.Equal(t, uint8(protocol.StatusOK), syncRsp.Status)
}

func TestServer_TilingMatchesNaive(t *testing.T) {
	if testing.Short() {
		t.Skip("large matmul comparison")
	}
	const M, N, K = 256, 512, 256
	rng := rand.New(rand.NewSource(1))
	a := make([]float32, M*K)
	b := make([]float32, N*K)
	for i := range a {
		a[i] = rng.Float32() - 0.5
	}
	for i := range b {
		b[i] = rng.Float32() - 0.5
	}

	run := func(tiling bool) []float32 {
		server := startServer(t, func(c *emu.Config) {
			c.Tiling = tiling
			c.Timing = tiling
		})
		c := dialRaw(t, server.SocketPath(), 16<<20)
		require.Equal(t, uint8(protocol.StatusOK), c.hello().Status)

		aHandle, _ := c.register(f32Raw(a))
		bHandle, _ := c.register(f32Raw(b))
		cHandle, cOffset := c.register(make([]byte, M*N*4))

		req := protocol.MatMulReq{
			AHandle: aHandle, BHandle: bHandle, CHandle: cHandle,
			M: M, N: N, K: K, Lda: K, Ldb: K, Ldc: N,
		}
		var rsp protocol.MatMulRsp
		c.roundTrip(protocol.CmdMatMul, &req, &rsp)
		require.Equal(t, uint8(protocol.StatusOK), rsp.Status)

		if tiling {
			// At least one cold read of each input plus one writeback of the output.
			minBytes := uint64(2*M*K*4 + M*N*4)
			assert.GreaterOrEqual(t, rsp.DMABytes, minBytes)
			assert.NotZero(t, rsp.Cycles, "timing was enabled")
		} else {
			assert.Zero(t, rsp.DMABytes)
		}

		out := make([]float32, M*N)
		copy(out, c.arenaFloats(cOffset, M*N))
		return out
	}

	naive := run(false)
	tiled := run(true)
	var maxErr float64
	for i := range naive {
		diff := float64(naive[i] - tiled[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > maxErr {
			maxErr = diff
		}
	}
	assert.Less(t, maxErr, 1e-3, "tiling must not change the math beyond FP32 ordering")
}

func TestServer_TiledEdgeTiles(t *testing.T) {
	// Dimensions that are not tile-aligned: edge tiles shrink via min(tile, remaining).
	server := startServer(t, func(c *emu.Config) { c.Tiling = true })
	c := dialRaw(t, server.SocketPath(), 4<<20)
	require.Equal(t, uint8(protocol.StatusOK), c.hello().Status)

	const M, N, K = 33, 65, 37
	a := make([]float32, M*K)
	b := make([]float32, N*K)
	for i := range a {
		a[i] = float32(i%7) - 3
	}
	for i := range b {
		b[i] = float32(i%5) - 2
	}
	want := make([]float32, M*N)
	for m := 0; m < M; m++ {
		for n := 0; n < N; n++ {
			var sum float32
			for k := 0; k < K; k++ {
				sum += a[m*K+k] * b[n*K+k]
			}
			want[m*N+n] = sum
		}
	}

	aHandle, _ := c.register(f32Raw(a))
	bHandle, _ := c.register(f32Raw(b))
	cHandle, cOffset := c.register(make([]byte, M*N*4))

	req := protocol.MatMulReq{
		AHandle: aHandle, BHandle: bHandle, CHandle: cHandle,
		M: M, N: N, K: K, Lda: K, Ldb: K, Ldc: N,
	}
	var rsp protocol.MatMulRsp
	c.roundTrip(protocol.CmdMatMul, &req, &rsp)
	require.Equal(t, uint8(protocol.StatusOK), rsp.Status)

	got := c.arenaFloats(cOffset, M*N)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-3, "C[%d]", i)
	}
}

func TestServer_PingEchoes(t *testing.T) {
	server := startServer(t, nil)
	c := dialRaw(t, server.SocketPath(), 1<<20)
	require.Equal(t, uint8(protocol.StatusOK), c.hello().Status)

	req := protocol.PingReq{EchoData: 0xCAFEBABE, Timestamp: 12345}
	var rsp protocol.PingRsp
	c.roundTrip(protocol.CmdPing, &req, &rsp)
	assert.Equal(t, uint8(protocol.StatusOK), rsp.Status)
	assert.Equal(t, uint64(0xCAFEBABE), rsp.EchoData)
	assert.Equal(t, uint64(12345), rsp.ClientTimestamp)
	assert.NotZero(t, rsp.ServerTimestamp)
}

func TestServer_FenceIDsMonotonic(t *testing.T) {
	server := startServer(t, nil)
	c := dialRaw(t, server.SocketPath(), 1<<20)
	require.Equal(t, uint8(protocol.StatusOK), c.hello().Status)

	var prev uint64
	for i := 0; i < 3; i++ {
		var rsp protocol.FenceCreateRsp
		c.roundTrip(protocol.CmdFenceCreate, nil, &rsp)
		require.Equal(t, uint8(protocol.StatusOK), rsp.Status)
		assert.Greater(t, rsp.FenceID, prev)
		prev = rsp.FenceID

		waitReq := protocol.FenceWaitReq{FenceID: rsp.FenceID, TimeoutNs: 0}
		var waitRsp protocol.FenceWaitRsp
		c.roundTrip(protocol.CmdFenceWait, &waitReq, &waitRsp)
		assert.Equal(t, uint8(protocol.StatusOK), waitRsp.Status, "synchronous fences signal immediately")

		destroyReq := protocol.FenceDestroyReq{FenceID: rsp.FenceID}
		var destroyRsp protocol.FenceDestroyRsp
		c.roundTrip(protocol.CmdFenceDestroy, &destroyReq, &destroyRsp)
		assert.Equal(t, uint8(protocol.StatusOK), destroyRsp.Status)
	}
}

func TestServer_GoodbyeThenReconnect(t *testing.T) {
	server := startServer(t, nil)

	c1 := dialRaw(t, server.SocketPath(), 1<<20)
	require.Equal(t, uint8(protocol.StatusOK), c1.hello().Status)
	var rsp protocol.GoodbyeRsp
	c1.roundTrip(protocol.CmdGoodbye, nil, &rsp)
	assert.Equal(t, uint8(protocol.StatusOK), rsp.Status)
	c1.close()

	// The server loops back to accept.
	c2 := dialRaw(t, server.SocketPath(), 1<<20)
	assert.Equal(t, uint8(protocol.StatusOK), c2.hello().Status)
}
