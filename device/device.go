// Package device defines the abstraction layer over NPM accelerator implementations.
//
// A Device wraps register-and-dispatch semantics: the host allocates tensor memory, registers it
// to obtain an opaque handle, and dispatches compute kernels that reference handles plus byte
// offsets. Three implementations exist: an in-process mock (package device/mock), an
// out-of-process emulator reached over a Unix socket with shared-memory data transport
// (package device/emulator), and a placeholder for real silicon (package device/hardware).
//
// Backends register themselves with Register during package initialization; New selects one
// based on the NPM_DEVICE environment variable.
package device

import (
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Handle is an opaque nonzero identifier for a registered buffer.
// The zero value is invalid. A Handle is only meaningful to the Device that issued it.
type Handle uint64

// InvalidHandle is the reserved "no buffer" value.
const InvalidHandle Handle = 0

// Fence is an opaque synchronization primitive identifier allocated by a Device.
type Fence uint64

// MatMulParams describes a single C = A · B^T dispatch.
//
// A is (M, K) with row stride Lda, B is (N, K) with row stride Ldb, and C is (M, N) with row
// stride Ldc, all strides in elements. Offsets are in bytes from the start of each registered
// buffer. Only F32 operands are required of every backend.
type MatMulParams struct {
	AHandle Handle
	AOffset uint64
	BHandle Handle
	BOffset uint64
	CHandle Handle
	COffset uint64

	M, N, K       int64
	Lda, Ldb, Ldc int64

	TypeA, TypeB, TypeC uint32
}

// Device is the capability set every NPM backend implements.
//
// All operations are synchronous: a call returns only after its effect is observable. Handles
// issued by one Device must never be passed to another.
type Device interface {
	// Init performs one-shot initialization. Calling Init again after a successful
	// initialization is a no-op.
	Init(deviceID int) error

	// Shutdown releases all backend resources. After Shutdown every previously issued handle
	// is invalid. Shutdown is idempotent.
	Shutdown() error

	// SKU returns the device SKU.
	SKU() SKU
	// NumEngines returns the number of compute engines.
	NumEngines() int
	// L1Size returns the L1 scratchpad size per engine, in bytes.
	L1Size() uint64
	// L2Size returns the shared L2 size, in bytes.
	L2Size() uint64

	// RegisterBuffer registers host memory with the device and returns a nonzero handle.
	// It fails with ErrInvalidParams on an empty buffer.
	RegisterBuffer(data []byte) (Handle, error)
	// UnregisterBuffer releases a handle. Unknown handles are a silent no-op.
	UnregisterBuffer(handle Handle)
	// UpdateBuffer replaces the device-visible content of handle with data. It fails with
	// ErrInvalidHandle on an unknown handle and ErrInvalidParams when data is larger than the
	// size given at registration. Backends that share host memory may treat it as a no-op.
	UpdateBuffer(handle Handle, data []byte) error

	// MatMul executes C = A · B^T synchronously. All referenced handles must be live.
	MatMul(params *MatMulParams) error

	// Sync returns once all prior operations are observable.
	Sync() error
	// FenceCreate allocates a fence.
	FenceCreate() (Fence, error)
	// FenceDestroy releases a fence. Unknown fences are a no-op.
	FenceDestroy(fence Fence)
	// FenceWait blocks until the fence signals or timeoutNs elapses (0 = infinite).
	// Synchronous backends return immediately.
	FenceWait(fence Fence, timeoutNs uint64) error
}

// Constructor builds a Device. Configuration (socket paths and the like) is taken from the
// environment by the backend itself.
type Constructor func() (Device, error)

var registeredConstructors = make(map[string]Constructor)

// Register a backend constructor under the given name. Call from an init function.
func Register(name string, constructor Constructor) {
	registeredConstructors[name] = constructor
}

// EnvDevice is the environment variable selecting the backend: one of the registered names
// ("mock", "emulator", "hardware").
const EnvDevice = "NPM_DEVICE"

// DefaultDevice is used when NPM_DEVICE is unset.
const DefaultDevice = "mock"

// New creates and initializes the Device selected by NPM_DEVICE, defaulting to "mock".
// An unknown name is a setup error.
func New() (Device, error) {
	name, found := os.LookupEnv(EnvDevice)
	if !found {
		name = DefaultDevice
	}
	return NewByName(name)
}

// NewByName creates and initializes the named backend.
func NewByName(name string) (Device, error) {
	constructor, found := registeredConstructors[strings.ToLower(name)]
	if !found {
		return nil, errors.Errorf("unknown NPM device type %q (registered: %s)",
			name, strings.Join(registeredNames(), ", "))
	}
	dev, err := constructor()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating NPM device %q", name)
	}
	if err := dev.Init(0); err != nil {
		_ = dev.Shutdown()
		return nil, errors.WithMessagef(err, "initializing NPM device %q", name)
	}
	return dev, nil
}

func registeredNames() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
