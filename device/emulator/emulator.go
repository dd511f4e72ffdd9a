// Package emulator implements the NPM device over IPC to the emulator process.
//
// Control messages travel over a Unix stream socket; tensor data lives in a POSIX
// shared-memory arena the client creates and the emulator attaches to during the HELLO
// handshake. Registering a buffer copies the host bytes into the arena; after a matmul the
// output arena slot is copied back into the host buffer, because the caller's pipeline reads
// results from the original memory.
package emulator

import (
	"net"
	"os"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/frank-ceva/npmemu/device"
	"github.com/frank-ceva/npmemu/protocol"
	"github.com/frank-ceva/npmemu/shm"
)

// DefaultShmSize is the arena capacity: 1.5 GiB, sized for dequantized model weights.
const DefaultShmSize = 1536 * 1024 * 1024

// ioTimeout bounds every socket send and receive so an unresponsive emulator cannot hang the
// host process.
const ioTimeout = 5 * time.Second

// Registers the emulator constructor for NPM_DEVICE=emulator.
func init() {
	device.Register("emulator", func() (device.Device, error) {
		return New(Options{}), nil
	})
}

// Options configure a client. Zero values select the environment/socket defaults.
type Options struct {
	// SocketPath overrides NPM_EMULATOR_SOCKET and the built-in default.
	SocketPath string
	// ShmSize overrides the arena capacity, mainly for tests.
	ShmSize uint64
}

// bufferEntry shadows one registered host buffer in the arena.
type bufferEntry struct {
	handle    device.Handle
	shmOffset uint64
	size      uint64
	host      []byte
}

// Device implements device.Device over the emulator IPC session.
type Device struct {
	opts Options

	conn  net.Conn
	seqID uint32
	arena *shm.Arena

	// Registered buffers keyed by host pointer identity.
	buffers map[unsafe.Pointer]*bufferEntry

	// Device info cached from the HELLO response.
	sku        device.SKU
	numEngines int
	l1Size     uint64
	l2Size     uint64

	initialized bool
}

// Compile-time check that emulator.Device implements device.Device.
var _ device.Device = (*Device)(nil)

// New constructs an unconnected client; Init dials the emulator.
func New(opts Options) *Device {
	return &Device{
		opts:    opts,
		buffers: make(map[unsafe.Pointer]*bufferEntry),
		sku:     device.SKUEmulator,
	}
}

func (d *Device) socketPath() string {
	if d.opts.SocketPath != "" {
		return d.opts.SocketPath
	}
	if path, found := os.LookupEnv(protocol.EnvSocketPath); found {
		return path
	}
	return protocol.DefaultSocketPath
}

func (d *Device) shmSize() uint64 {
	if d.opts.ShmSize != 0 {
		return d.opts.ShmSize
	}
	return DefaultShmSize
}

// Init implements device.Device: connect, create the arena, and perform the HELLO handshake.
// Any failure rolls back cleanly and surfaces an error; repeated calls after success are
// no-ops.
func (d *Device) Init(deviceID int) error {
	if d.initialized {
		return nil
	}
	path := d.socketPath()
	conn, err := net.DialTimeout("unix", path, ioTimeout)
	if err != nil {
		return errors.Wrapf(device.ErrTransport,
			"connecting to emulator at %s (is npm-emulator running?): %v", path, err)
	}
	arena, err := shm.Create(d.shmSize())
	if err != nil {
		_ = conn.Close()
		return errors.WithMessage(err, "creating shared memory arena")
	}

	d.conn = conn
	d.arena = arena

	var req protocol.HelloReq
	req.VersionMajor = protocol.VersionMajor
	req.VersionMinor = protocol.VersionMinor
	protocol.PutShmName(&req.ShmName, arena.Name())
	req.ShmSize = arena.Size()

	var rsp protocol.HelloRsp
	if err := d.roundTrip(protocol.CmdHello, &req, &rsp); err != nil {
		d.rollbackInit()
		return errors.WithMessage(err, "HELLO handshake")
	}
	if status := protocol.Status(rsp.Status); status != protocol.StatusOK {
		d.rollbackInit()
		if status == protocol.StatusVersionMismatch {
			return errors.Wrapf(device.ErrProtocol,
				"emulator protocol version mismatch: server %d.%d, client %d.%d",
				rsp.VersionMajor, rsp.VersionMinor, protocol.VersionMajor, protocol.VersionMinor)
		}
		return errors.Wrapf(statusError(status), "HELLO rejected")
	}

	d.sku = device.SKU(rsp.SKU)
	d.numEngines = int(rsp.NumEngines)
	d.l1Size = rsp.L1Size
	d.l2Size = rsp.L2Size
	d.initialized = true
	return nil
}

func (d *Device) rollbackInit() {
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	if d.arena != nil {
		d.arena.Destroy()
		d.arena = nil
	}
}

// Shutdown implements device.Device: a best-effort GOODBYE, then the socket closes and the
// arena is destroyed (the client owns it, so the named object is unlinked). Idempotent.
func (d *Device) Shutdown() error {
	if d.conn != nil {
		var rsp protocol.GoodbyeRsp
		if err := d.roundTrip(protocol.CmdGoodbye, nil, &rsp); err != nil {
			klog.V(1).Infof("GOODBYE failed (emulator gone?): %v", err)
		}
		_ = d.conn.Close()
		d.conn = nil
	}
	if d.arena != nil {
		d.arena.Destroy()
		d.arena = nil
	}
	clear(d.buffers)
	d.initialized = false
	return nil
}

// SKU implements device.Device.
func (d *Device) SKU() device.SKU { return d.sku }

// NumEngines implements device.Device.
func (d *Device) NumEngines() int { return d.numEngines }

// L1Size implements device.Device.
func (d *Device) L1Size() uint64 { return d.l1Size }

// L2Size implements device.Device.
func (d *Device) L2Size() uint64 { return d.l2Size }

// RegisterBuffer implements device.Device: allocate an arena slot, copy the host bytes in,
// and register the slot with the emulator.
func (d *Device) RegisterBuffer(data []byte) (device.Handle, error) {
	if len(data) == 0 {
		return device.InvalidHandle, errors.Wrap(device.ErrInvalidParams, "registering empty buffer")
	}
	if !d.initialized {
		return device.InvalidHandle, errors.Wrap(device.ErrInvalidParams, "emulator device not initialized")
	}

	size := uint64(len(data))
	shmOffset, err := d.arena.Alloc(size, shm.DefaultAlignment)
	if err != nil {
		return device.InvalidHandle, errors.Wrapf(device.ErrOutOfMemory, "allocating arena slot: %v", err)
	}
	slot, err := d.arena.Bytes(shmOffset, size)
	if err != nil {
		return device.InvalidHandle, err
	}
	copy(slot, data)

	req := protocol.RegisterBufferReq{ShmOffset: shmOffset, Size: size, Flags: protocol.AllocDefault}
	var rsp protocol.RegisterBufferRsp
	if err := d.roundTrip(protocol.CmdRegisterBuffer, &req, &rsp); err != nil {
		return device.InvalidHandle, err
	}
	if status := protocol.Status(rsp.Status); status != protocol.StatusOK {
		return device.InvalidHandle, errors.Wrapf(statusError(status), "REGISTER_BUFFER rejected")
	}

	handle := device.Handle(rsp.Handle)
	d.buffers[unsafe.Pointer(unsafe.SliceData(data))] = &bufferEntry{
		handle:    handle,
		shmOffset: shmOffset,
		size:      size,
		host:      data,
	}
	return handle, nil
}

// UnregisterBuffer implements device.Device. Arena slots are not individually freed: the bump
// allocator only resets wholesale when the session ends.
func (d *Device) UnregisterBuffer(handle device.Handle) {
	for ptr, entry := range d.buffers {
		if entry.handle == handle {
			delete(d.buffers, ptr)
			break
		}
	}
	if d.conn == nil {
		return
	}
	req := protocol.UnregisterBufferReq{Handle: uint64(handle)}
	var rsp protocol.UnregisterBufferRsp
	if err := d.roundTrip(protocol.CmdUnregisterBuffer, &req, &rsp); err != nil {
		klog.V(1).Infof("UNREGISTER_BUFFER %d failed: %v", handle, err)
	}
}

// UpdateBuffer implements device.Device: memcpy fresh bytes into the existing arena slot. No
// message is sent; the emulator reads the updated bytes directly on the next dispatch.
func (d *Device) UpdateBuffer(handle device.Handle, data []byte) error {
	entry := d.findByHandle(handle)
	if entry == nil {
		return errors.Wrapf(device.ErrInvalidHandle, "updating handle %d", handle)
	}
	if uint64(len(data)) > entry.size {
		return errors.Wrapf(device.ErrInvalidParams,
			"update of %d bytes exceeds registered size %d", len(data), entry.size)
	}
	slot, err := d.arena.Bytes(entry.shmOffset, entry.size)
	if err != nil {
		return err
	}
	copy(slot, data)
	entry.host = data
	return nil
}

// MatMul implements device.Device. On success the output buffer's arena slot is copied back
// into the host memory registered for the C handle.
func (d *Device) MatMul(params *device.MatMulParams) error {
	req := protocol.MatMulReq{
		AHandle: uint64(params.AHandle),
		AOffset: params.AOffset,
		BHandle: uint64(params.BHandle),
		BOffset: params.BOffset,
		CHandle: uint64(params.CHandle),
		COffset: params.COffset,
		M:       params.M,
		N:       params.N,
		K:       params.K,
		Lda:     params.Lda,
		Ldb:     params.Ldb,
		Ldc:     params.Ldc,
		TypeA:   params.TypeA,
		TypeB:   params.TypeB,
		TypeC:   params.TypeC,
	}
	var rsp protocol.MatMulRsp
	if err := d.roundTrip(protocol.CmdMatMul, &req, &rsp); err != nil {
		return err
	}
	if status := protocol.Status(rsp.Status); status != protocol.StatusOK {
		return errors.Wrapf(statusError(status), "MATMUL M=%d N=%d K=%d rejected",
			params.M, params.N, params.K)
	}

	if entry := d.findByHandle(params.CHandle); entry != nil {
		slot, err := d.arena.Bytes(entry.shmOffset, entry.size)
		if err != nil {
			return err
		}
		copy(entry.host, slot)
	}
	return nil
}

// Sync implements device.Device.
func (d *Device) Sync() error {
	var rsp protocol.SyncRsp
	if err := d.roundTrip(protocol.CmdSync, nil, &rsp); err != nil {
		return err
	}
	if status := protocol.Status(rsp.Status); status != protocol.StatusOK {
		return errors.Wrapf(statusError(status), "SYNC rejected")
	}
	return nil
}

// FenceCreate implements device.Device.
func (d *Device) FenceCreate() (device.Fence, error) {
	var rsp protocol.FenceCreateRsp
	if err := d.roundTrip(protocol.CmdFenceCreate, nil, &rsp); err != nil {
		return 0, err
	}
	if status := protocol.Status(rsp.Status); status != protocol.StatusOK {
		return 0, errors.Wrapf(statusError(status), "FENCE_CREATE rejected")
	}
	return device.Fence(rsp.FenceID), nil
}

// FenceDestroy implements device.Device.
func (d *Device) FenceDestroy(fence device.Fence) {
	req := protocol.FenceDestroyReq{FenceID: uint64(fence)}
	var rsp protocol.FenceDestroyRsp
	if err := d.roundTrip(protocol.CmdFenceDestroy, &req, &rsp); err != nil {
		klog.V(1).Infof("FENCE_DESTROY %d failed: %v", fence, err)
	}
}

// FenceWait implements device.Device.
func (d *Device) FenceWait(fence device.Fence, timeoutNs uint64) error {
	req := protocol.FenceWaitReq{FenceID: uint64(fence), TimeoutNs: timeoutNs}
	var rsp protocol.FenceWaitRsp
	if err := d.roundTrip(protocol.CmdFenceWait, &req, &rsp); err != nil {
		return err
	}
	switch status := protocol.Status(rsp.Status); status {
	case protocol.StatusOK:
		return nil
	case protocol.StatusTimeout:
		return errors.Wrapf(device.ErrTimeout, "waiting on fence %d", fence)
	default:
		return errors.Wrapf(statusError(status), "FENCE_WAIT rejected")
	}
}

// Ping probes the emulator, returning the round-trip time.
func (d *Device) Ping() (time.Duration, error) {
	start := time.Now()
	req := protocol.PingReq{EchoData: 0x5A5A5A5A5A5A5A5A, Timestamp: uint64(start.UnixNano())}
	var rsp protocol.PingRsp
	if err := d.roundTrip(protocol.CmdPing, &req, &rsp); err != nil {
		return 0, err
	}
	if protocol.Status(rsp.Status) != protocol.StatusOK || rsp.EchoData != req.EchoData {
		return 0, errors.Wrap(device.ErrProtocol, "PING echo mismatch")
	}
	return time.Since(start), nil
}

func (d *Device) findByHandle(handle device.Handle) *bufferEntry {
	for _, entry := range d.buffers {
		if entry.handle == handle {
			return entry
		}
	}
	return nil
}

// roundTrip sends one request and receives its response, each under the I/O timeout. Any
// transport failure leaves the session unusable; the caller must build a fresh backend.
func (d *Device) roundTrip(cmd protocol.Cmd, reqPayload, rspPayload any) error {
	if d.conn == nil {
		return errors.Wrap(device.ErrTransport, "emulator session is closed")
	}
	seqID := d.seqID
	d.seqID++

	_ = d.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if err := protocol.WriteMessage(d.conn, cmd, seqID, reqPayload); err != nil {
		return errors.Wrapf(device.ErrTransport, "sending %s: %v", cmd, err)
	}

	_ = d.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	hdr, err := protocol.ReadRawHeader(d.conn)
	if err != nil {
		return errors.Wrapf(device.ErrTransport, "receiving %s response: %v", cmd, err)
	}
	if err := hdr.Validate(); err != nil {
		return errors.Wrapf(device.ErrProtocol, "%s response: %v", cmd, err)
	}
	if err := protocol.ReadPayload(d.conn, &hdr, rspPayload); err != nil {
		return errors.Wrapf(device.ErrTransport, "receiving %s payload: %v", cmd, err)
	}
	return nil
}

// statusError maps a wire status to the shared error kinds.
func statusError(status protocol.Status) error {
	switch status {
	case protocol.StatusInvalidHandle:
		return device.ErrInvalidHandle
	case protocol.StatusOutOfMemory:
		return device.ErrOutOfMemory
	case protocol.StatusInvalidParams:
		return device.ErrInvalidParams
	case protocol.StatusTimeout:
		return device.ErrTimeout
	case protocol.StatusVersionMismatch:
		return device.ErrProtocol
	default:
		return errors.Errorf("emulator error status %d", status)
	}
}
