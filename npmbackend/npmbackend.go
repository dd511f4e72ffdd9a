// Package npmbackend adapts the NPM device abstraction to the host tensor-graph backend
// contract: it decides which graph nodes the accelerator can execute, registers tensor memory
// lazily with handle caching, stages dequantized weights into a reusable FP32 buffer, and
// issues per-batch matmul dispatches.
package npmbackend

import (
	"os"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/frank-ceva/npmemu/device"
	"github.com/frank-ceva/npmemu/tensors"

	// Register the selectable backends for device.New.
	_ "github.com/frank-ceva/npmemu/device/emulator"
	_ "github.com/frank-ceva/npmemu/device/hardware"
	_ "github.com/frank-ceva/npmemu/device/mock"
)

// EnvDebug enables verbose handle-management logging.
const EnvDebug = "NPM_DEBUG"

// EnvLogCPUFallback enables logging of nodes routed back to the CPU.
const EnvLogCPUFallback = "NPM_LOG_CPU_FALLBACK"

// DefaultMinBatch is the minimum ne0/ne1/ne10 a matmul needs before offloading pays off.
// Emulation keeps it at 1 so every shape exercises the device.
const DefaultMinBatch = 1

// cachedBuffer records one registered tensor buffer: its handle and the size it was
// registered with. Re-registering a grown buffer must issue a fresh handle.
type cachedBuffer struct {
	handle device.Handle
	size   uint64
}

// Backend executes supported graph nodes on an NPM device.
type Backend struct {
	dev device.Device

	// Buffer registration cache keyed by tensor data pointer; registration is lazy on first
	// use and survives across graph invocations.
	handles map[unsafe.Pointer]cachedBuffer

	// Dequantization staging, reused across calls. The device registration is destroyed and
	// re-created only when the staging buffer must grow.
	dequantBuffer []float32
	dequantHandle device.Handle
	dequantSize   uint64

	// MinBatch gates offloading by operand extents.
	MinBatch int64

	debug       bool
	logFallback bool
}

// New builds a Backend on the device selected by NPM_DEVICE.
func New() (*Backend, error) {
	dev, err := device.New()
	if err != nil {
		return nil, err
	}
	return NewWithDevice(dev), nil
}

// NewWithDevice builds a Backend on an already initialized device. The backend takes
// ownership: Free shuts the device down.
func NewWithDevice(dev device.Device) *Backend {
	return &Backend{
		dev:         dev,
		handles:     make(map[unsafe.Pointer]cachedBuffer),
		MinBatch:    DefaultMinBatch,
		debug:       envBool(EnvDebug),
		logFallback: envBool(EnvLogCPUFallback),
	}
}

func envBool(name string) bool {
	v := os.Getenv(name)
	return v == "1" || v == "true"
}

// Name identifies the backend to the host scheduler.
func (b *Backend) Name() string { return "NPM" }

// Device returns the underlying device.
func (b *Backend) Device() device.Device { return b.dev }

// Free unregisters every cached handle, releases the dequant staging registration, and shuts
// the device down. The backend is unusable afterwards.
func (b *Backend) Free() {
	for _, cached := range b.handles {
		b.dev.UnregisterBuffer(cached.handle)
	}
	clear(b.handles)
	if b.dequantHandle != device.InvalidHandle {
		b.dev.UnregisterBuffer(b.dequantHandle)
		b.dequantHandle = device.InvalidHandle
		b.dequantSize = 0
	}
	_ = b.dev.Shutdown()
}

// SupportsOp reports whether this backend can execute the node. Negative answers route the
// node to the host CPU.
func (b *Backend) SupportsOp(t *tensors.Tensor) bool {
	switch t.Op {
	case tensors.OpNone, tensors.OpReshape, tensors.OpView, tensors.OpPermute, tensors.OpTranspose:
		return true

	case tensors.OpMulMat:
		src0, src1 := t.Src[0], t.Src[1] // weights, activations
		if src0 == nil || src1 == nil {
			return false
		}

		contiguousOK := src0.IsContiguous() && src1.IsContiguous()

		// Weights: FP32, or a quantized type with an available dequantize routine.
		// Activations and output: FP32.
		src0TypeOK := src0.DType == tensors.F32
		if !src0TypeOK && src0.DType.IsQuantized() {
			src0TypeOK = src0.DType.Traits().ToFloat32 != nil
		}
		typeOK := src0TypeOK && src1.DType == tensors.F32 && t.DType == tensors.F32

		alignmentOK := quantBlockAligned(src0.DType, src0.Ne[0])
		sizeOK := t.Ne[0] >= b.MinBatch && t.Ne[1] >= b.MinBatch && src1.Ne[0] >= b.MinBatch

		supported := contiguousOK && typeOK && sizeOK && alignmentOK
		if !supported && b.logFallback {
			klog.Infof("[NPM->CPU] MUL_MAT fallback: contiguous=%v, types=(%s,%s), dims=(%d,%d,%d), alignment=%v",
				contiguousOK, src0.DType, src1.DType, t.Ne[0], t.Ne[1], src1.Ne[0], alignmentOK)
		}
		return supported

	default:
		if b.logFallback {
			klog.Infof("[NPM->CPU] Unsupported op: %s", t.Op)
		}
		return false
	}
}

// quantBlockAligned checks the inner dimension against the weight type's quantization block:
// 32 for the standard block quants, 256 for K-quants and I-quants, unconstrained for plain
// float formats.
func quantBlockAligned(dtype tensors.DType, k int64) bool {
	if !dtype.IsQuantized() {
		return true
	}
	switch dtype {
	case tensors.Q2_K, tensors.Q3_K, tensors.Q4_K, tensors.Q5_K, tensors.Q6_K:
		return k%256 == 0
	case tensors.Q4_0, tensors.Q4_1, tensors.Q5_0, tensors.Q5_1, tensors.Q8_0, tensors.Q8_1:
		return k%32 == 0
	case tensors.IQ2XXS, tensors.IQ2XS, tensors.IQ2S, tensors.IQ3XXS, tensors.IQ3S,
		tensors.IQ1S, tensors.IQ1M, tensors.IQ4NL, tensors.IQ4XS:
		return k%256 == 0
	}
	return true
}

// Compute executes the graph's nodes on the device, then syncs once. Pass-through nodes are
// no-ops. Backend-reported failures are logged and the first one is returned after the whole
// graph has been walked.
func (b *Backend) Compute(g *tensors.Graph) error {
	var firstErr error
	for _, node := range g.Nodes {
		switch node.Op {
		case tensors.OpMulMat:
			if err := b.mulMat(node); err != nil {
				klog.Errorf("NPM matmul %q failed: %+v", node.Name, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		case tensors.OpNone, tensors.OpReshape, tensors.OpView, tensors.OpPermute, tensors.OpTranspose:
			// Pass-through.
		default:
			exceptions.Panicf("npmbackend: unsupported op %s reached Compute; the scheduler must "+
				"consult SupportsOp first", node.Op)
		}
	}
	if err := b.dev.Sync(); err != nil {
		klog.Errorf("NPM sync failed: %+v", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// mulMat dispatches dst = src1 · src0^T.
//
// Shapes follow the host convention: src0 (weights) is (ne00, ne01) = (K, N), src1
// (activations) is (ne10, ne11) = (K, M), dst is (ne0, ne1) = (N, M), with outer batch
// dimensions broadcast from src0 to src1 by the ratios r2, r3.
func (b *Backend) mulMat(dst *tensors.Tensor) error {
	src0, src1 := dst.Src[0], dst.Src[1]

	if dst.Ne[0] != src0.Ne[1] || dst.Ne[1] != src1.Ne[1] || src0.Ne[0] != src1.Ne[0] {
		exceptions.Panicf("npmbackend: inconsistent matmul shapes: weights (%d,%d), activations (%d,%d), output (%d,%d)",
			src0.Ne[0], src0.Ne[1], src1.Ne[0], src1.Ne[1], dst.Ne[0], dst.Ne[1])
	}
	if src1.DType != tensors.F32 || dst.DType != tensors.F32 {
		exceptions.Panicf("npmbackend: activations and output must be F32, got %s and %s",
			src1.DType, dst.DType)
	}
	if src1.Nb[0] != 4 || dst.Nb[0] != 4 {
		exceptions.Panicf("npmbackend: activations and output must be contiguous in the leading dimension")
	}

	// Weights: FP32 directly, or dequantized into the reusable staging buffer.
	src0Data := src0.Data
	dequantized := false
	if src0.DType != tensors.F32 {
		traits := src0.DType.Traits()
		if traits.ToFloat32 == nil {
			return errors.Wrapf(device.ErrInvalidParams,
				"no dequantization routine for weight type %s", src0.DType)
		}
		n := src0.NElements()
		if int64(len(b.dequantBuffer)) < n {
			b.dequantBuffer = make([]float32, n)
		}
		traits.ToFloat32(src0.Data, b.dequantBuffer, n)
		src0Data = f32Bytes(b.dequantBuffer[:n])
		dequantized = true
		if b.debug {
			klog.Infof("[NPM] dequantized weights: type=%s n_elem=%d ne=(%d,%d,%d,%d)",
				src0.DType, n, src0.Ne[0], src0.Ne[1], src0.Ne[2], src0.Ne[3])
		}
	} else if src0.Nb[0] != 4 {
		exceptions.Panicf("npmbackend: F32 weights must be contiguous in the leading dimension")
	}

	// Activations always update the device copy: their content changes between steps.
	handleA, err := b.bufferHandle(src1.Data, true)
	if err != nil {
		return errors.WithMessage(err, "registering activations")
	}
	var handleB device.Handle
	if dequantized {
		handleB, err = b.dequantBufferHandle(src0Data)
	} else {
		handleB, err = b.bufferHandle(src0Data, false)
	}
	if err != nil {
		return errors.WithMessage(err, "registering weights")
	}
	handleC, err := b.bufferHandle(dst.Data, false)
	if err != nil {
		return errors.WithMessage(err, "registering output")
	}

	// Broadcast replication ratios of weights across activation batches.
	if src0.Ne[2] <= 0 || src0.Ne[3] <= 0 {
		exceptions.Panicf("npmbackend: weight batch dimensions must be positive, got (%d,%d)",
			src0.Ne[2], src0.Ne[3])
	}
	r2 := src1.Ne[2] / src0.Ne[2]
	r3 := src1.Ne[3] / src0.Ne[3]
	if r2 < 1 || r3 < 1 {
		exceptions.Panicf("npmbackend: activation batches (%d,%d) do not broadcast over weight batches (%d,%d)",
			src1.Ne[2], src1.Ne[3], src0.Ne[2], src0.Ne[3])
	}

	params := device.MatMulParams{
		AHandle: handleA,
		BHandle: handleB,
		CHandle: handleC,
		M:       src1.Ne[1],
		N:       src0.Ne[1],
		K:       src1.Ne[0],
		Lda:     src1.Ne[0],
		Ldb:     src0.Ne[0],
		Ldc:     dst.Ne[0],
		TypeA:   uint32(tensors.F32),
		TypeB:   uint32(tensors.F32),
		TypeC:   uint32(tensors.F32),
	}

	for i13 := int64(0); i13 < src1.Ne[3]; i13++ {
		for i12 := int64(0); i12 < src1.Ne[2]; i12++ {
			i03 := i13 / r3
			i02 := i12 / r2

			params.AOffset = uint64(i12)*src1.Nb[2] + uint64(i13)*src1.Nb[3]
			if dequantized {
				// The staging buffer is contiguous FP32 of shape (ne00, ne01, ne02, ne03).
				fp32Nb2 := uint64(src0.Ne[0]*src0.Ne[1]) * 4
				fp32Nb3 := fp32Nb2 * uint64(src0.Ne[2])
				params.BOffset = uint64(i02)*fp32Nb2 + uint64(i03)*fp32Nb3
			} else {
				params.BOffset = uint64(i02)*src0.Nb[2] + uint64(i03)*src0.Nb[3]
			}
			params.COffset = uint64(i12)*dst.Nb[2] + uint64(i13)*dst.Nb[3]

			if err := b.dev.MatMul(&params); err != nil {
				return errors.WithMessagef(err, "matmul batch (%d,%d)", i12, i13)
			}
		}
	}
	return nil
}

// bufferHandle returns the cached device handle for the buffer, registering it on first use.
// With update set, a cached buffer's device copy is refreshed from the host bytes. A buffer
// that grew past its registered size gets its old handle destroyed and a new one issued:
// dispatching with the stale, smaller registration is forbidden.
func (b *Backend) bufferHandle(data []byte, update bool) (device.Handle, error) {
	key := unsafe.Pointer(unsafe.SliceData(data))
	size := uint64(len(data))

	if cached, found := b.handles[key]; found {
		if size > cached.size {
			b.dev.UnregisterBuffer(cached.handle)
			delete(b.handles, key)
		} else {
			if update {
				if err := b.dev.UpdateBuffer(cached.handle, data); err != nil {
					return device.InvalidHandle, err
				}
			}
			return cached.handle, nil
		}
	}

	handle, err := b.dev.RegisterBuffer(data)
	if err != nil {
		return device.InvalidHandle, err
	}
	if b.debug {
		klog.Infof("[NPM] registered buffer ptr=%p size=%d handle=%d", key, size, handle)
	}
	b.handles[key] = cachedBuffer{handle: handle, size: size}
	return handle, nil
}

// dequantBufferHandle manages the dedicated staging registration: reuse while capacity lasts,
// re-register only on growth so the emulator's bump allocator is not exhausted.
func (b *Backend) dequantBufferHandle(data []byte) (device.Handle, error) {
	size := uint64(len(data))
	if b.dequantHandle != device.InvalidHandle && b.dequantSize >= size {
		if err := b.dev.UpdateBuffer(b.dequantHandle, data); err == nil {
			if b.debug {
				klog.Infof("[NPM] reused dequant handle=%d (size=%d, capacity=%d)",
					b.dequantHandle, size, b.dequantSize)
			}
			return b.dequantHandle, nil
		}
		// Update failed; fall through to re-register.
	}

	if b.dequantHandle != device.InvalidHandle {
		b.dev.UnregisterBuffer(b.dequantHandle)
		b.dequantHandle = device.InvalidHandle
		b.dequantSize = 0
	}
	handle, err := b.dev.RegisterBuffer(data)
	if err != nil {
		return device.InvalidHandle, err
	}
	b.dequantHandle = handle
	b.dequantSize = size
	if b.debug {
		klog.Infof("[NPM] new dequant handle=%d (size=%d)", handle, size)
	}
	return handle, nil
}

func f32Bytes(flat []float32) []byte {
	if len(flat) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*4)
}
