// Package mock implements the in-process reference NPM device.
//
// It holds registered buffers in a handle table and runs the canonical triple-loop GEMM
// directly on the registered memory, with FP32 accumulation. No data is copied: the handle
// resolves back to the caller's slice. It exists for correctness testing and for the host
// integration's CPU-delegation mode.
package mock

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/frank-ceva/npmemu/device"
)

// Registers the mock constructor for NPM_DEVICE=mock.
func init() {
	device.Register("mock", func() (device.Device, error) { return New(), nil })
}

// Device implements device.Device in-process.
type Device struct {
	initialized bool
	shutdown    bool

	buffers    map[device.Handle][]byte
	nextHandle device.Handle
	nextFence  device.Fence
}

// Compile-time check that mock.Device implements device.Device.
var _ device.Device = (*Device)(nil)

// New constructs an uninitialized mock device.
func New() *Device {
	return &Device{
		buffers:    make(map[device.Handle][]byte),
		nextHandle: 1,
		nextFence:  1,
	}
}

// Init implements device.Device. It is one-shot: repeated calls are no-ops.
func (d *Device) Init(deviceID int) error {
	if d.shutdown {
		return errors.Wrap(device.ErrInvalidParams, "mock device already shut down")
	}
	d.initialized = true
	return nil
}

// Shutdown implements device.Device. Idempotent; all handles become invalid.
func (d *Device) Shutdown() error {
	d.shutdown = true
	d.initialized = false
	clear(d.buffers)
	return nil
}

// SKU implements device.Device.
func (d *Device) SKU() device.SKU { return device.SKUMock }

// NumEngines implements device.Device.
func (d *Device) NumEngines() int { return device.SKUMock.Config().NumEngines }

// L1Size implements device.Device.
func (d *Device) L1Size() uint64 { return device.SKUMock.Config().L1Size }

// L2Size implements device.Device.
func (d *Device) L2Size() uint64 { return device.SKUMock.Config().L2SizeDefault }

// RegisterBuffer implements device.Device. The slice is retained, not copied.
func (d *Device) RegisterBuffer(data []byte) (device.Handle, error) {
	if len(data) == 0 {
		return device.InvalidHandle, errors.Wrap(device.ErrInvalidParams, "registering empty buffer")
	}
	if !d.initialized {
		return device.InvalidHandle, errors.Wrap(device.ErrInvalidParams, "mock device not initialized")
	}
	handle := d.nextHandle
	d.nextHandle++
	d.buffers[handle] = data
	return handle, nil
}

// UnregisterBuffer implements device.Device.
func (d *Device) UnregisterBuffer(handle device.Handle) {
	delete(d.buffers, handle)
}

// UpdateBuffer implements device.Device. The mock shares the client's memory, so beyond size
// validation there is nothing to sync unless the caller passes a different slice.
func (d *Device) UpdateBuffer(handle device.Handle, data []byte) error {
	registered, found := d.buffers[handle]
	if !found {
		return errors.Wrapf(device.ErrInvalidHandle, "updating handle %d", handle)
	}
	if len(data) > len(registered) {
		return errors.Wrapf(device.ErrInvalidParams,
			"update of %d bytes exceeds registered size %d", len(data), len(registered))
	}
	if unsafe.SliceData(data) != unsafe.SliceData(registered) {
		copy(registered, data)
	}
	return nil
}

// MatMul implements device.Device: C = A · B^T with FP32 accumulation, executed on the
// registered memory.
func (d *Device) MatMul(params *device.MatMulParams) error {
	a, err := d.resolveF32(params.AHandle, params.AOffset)
	if err != nil {
		return errors.WithMessage(err, "matmul operand A")
	}
	b, err := d.resolveF32(params.BHandle, params.BOffset)
	if err != nil {
		return errors.WithMessage(err, "matmul operand B")
	}
	c, err := d.resolveF32(params.CHandle, params.COffset)
	if err != nil {
		return errors.WithMessage(err, "matmul output C")
	}
	if params.M <= 0 || params.N <= 0 || params.K <= 0 ||
		params.Lda < params.K || params.Ldb < params.K || params.Ldc < params.N {
		return errors.Wrapf(device.ErrInvalidParams,
			"matmul dimensions M=%d N=%d K=%d lda=%d ldb=%d ldc=%d",
			params.M, params.N, params.K, params.Lda, params.Ldb, params.Ldc)
	}
	if (params.M-1)*params.Lda+params.K > int64(len(a)) ||
		(params.N-1)*params.Ldb+params.K > int64(len(b)) ||
		(params.M-1)*params.Ldc+params.N > int64(len(c)) {
		return errors.Wrap(device.ErrInvalidParams, "matmul accesses outside a registered buffer")
	}

	for m := int64(0); m < params.M; m++ {
		for n := int64(0); n < params.N; n++ {
			var sum float32
			for k := int64(0); k < params.K; k++ {
				sum += a[m*params.Lda+k] * b[n*params.Ldb+k]
			}
			c[m*params.Ldc+n] = sum
		}
	}
	return nil
}

// Sync implements device.Device. Execution is synchronous, so this is free.
func (d *Device) Sync() error { return nil }

// FenceCreate implements device.Device.
func (d *Device) FenceCreate() (device.Fence, error) {
	fence := d.nextFence
	d.nextFence++
	return fence, nil
}

// FenceDestroy implements device.Device.
func (d *Device) FenceDestroy(fence device.Fence) {}

// FenceWait implements device.Device. Fences are always already signaled.
func (d *Device) FenceWait(fence device.Fence, timeoutNs uint64) error { return nil }

func (d *Device) resolveF32(handle device.Handle, offset uint64) ([]float32, error) {
	data, found := d.buffers[handle]
	if !found {
		return nil, errors.Wrapf(device.ErrInvalidHandle, "handle %d", handle)
	}
	if offset >= uint64(len(data)) {
		return nil, errors.Wrapf(device.ErrInvalidHandle,
			"offset %d outside buffer of %d bytes", offset, len(data))
	}
	view := data[offset:]
	n := len(view) / 4
	if n == 0 {
		return nil, errors.Wrapf(device.ErrInvalidParams, "buffer tail too small for float32 data")
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(view))), n), nil
}
