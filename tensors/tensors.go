// Package tensors defines the host tensor-graph contract the NPM integration consumes: tensor
// nodes with ggml-compatible element counts and byte strides, the data-type table with
// quantization block sizes, and the dequantize-to-FP32 type traits.
//
// The tensor library proper (graph construction, scheduling, the quantization formats beyond
// the reference ones implemented here) is an external collaborator; this package is the
// boundary surface the backend shim is written against.
package tensors

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Op is the operation a graph node computes.
type Op int

const (
	OpNone Op = iota
	OpReshape
	OpView
	OpPermute
	OpTranspose
	OpMulMat
	OpAdd
	OpMul
	OpSoftMax
)

// String returns the op name.
func (op Op) String() string {
	switch op {
	case OpNone:
		return "NONE"
	case OpReshape:
		return "RESHAPE"
	case OpView:
		return "VIEW"
	case OpPermute:
		return "PERMUTE"
	case OpTranspose:
		return "TRANSPOSE"
	case OpMulMat:
		return "MUL_MAT"
	case OpAdd:
		return "ADD"
	case OpMul:
		return "MUL"
	case OpSoftMax:
		return "SOFT_MAX"
	}
	return "UNKNOWN"
}

// MaxDims is the fixed tensor rank: [ne0, ne1, ne2, ne3] with ne0 the innermost (contiguous)
// dimension.
const MaxDims = 4

// Tensor is one node of the host compute graph. Ne counts elements per dimension; Nb holds
// byte strides per dimension (Nb[0] is the element/block stride, so quantized rows stay
// densely packed). Src holds the operands for compute ops: Src[0] is the weight operand and
// Src[1] the activation operand of a MulMat.
type Tensor struct {
	Name  string
	Op    Op
	DType DType

	Ne [MaxDims]int64
	Nb [MaxDims]uint64

	Data []byte
	Src  [2]*Tensor
}

// New creates a contiguous tensor of the given type and dimensions (1 to 4 of them, innermost
// first), with freshly allocated storage.
func New(dtype DType, ne ...int64) *Tensor {
	if len(ne) == 0 || len(ne) > MaxDims {
		panic(errors.Errorf("tensors.New: want 1..%d dimensions, got %d", MaxDims, len(ne)))
	}
	t := &Tensor{DType: dtype}
	for i := range t.Ne {
		t.Ne[i] = 1
	}
	copy(t.Ne[:], ne)

	traits := dtype.Traits()
	t.Nb[0] = traits.TypeSize
	t.Nb[1] = uint64(t.Ne[0]/traits.BlockSize) * traits.TypeSize
	for i := 2; i < MaxDims; i++ {
		t.Nb[i] = t.Nb[i-1] * uint64(t.Ne[i-1])
	}
	t.Data = make([]byte, t.NBytes())
	return t
}

// NElements returns the total element count.
func (t *Tensor) NElements() int64 {
	return t.Ne[0] * t.Ne[1] * t.Ne[2] * t.Ne[3]
}

// RowSize returns the byte size of one innermost row.
func (t *Tensor) RowSize() uint64 {
	traits := t.DType.Traits()
	return uint64(t.Ne[0]/traits.BlockSize) * traits.TypeSize
}

// NBytes returns the total storage size of a contiguous tensor of this shape.
func (t *Tensor) NBytes() uint64 {
	return t.RowSize() * uint64(t.Ne[1]*t.Ne[2]*t.Ne[3])
}

// IsContiguous reports whether the strides describe densely packed row-major storage.
func (t *Tensor) IsContiguous() bool {
	traits := t.DType.Traits()
	if t.Nb[0] != traits.TypeSize {
		return false
	}
	if t.Nb[1] != uint64(t.Ne[0]/traits.BlockSize)*traits.TypeSize {
		return false
	}
	for i := 2; i < MaxDims; i++ {
		if t.Nb[i] != t.Nb[i-1]*uint64(t.Ne[i-1]) {
			return false
		}
	}
	return true
}

// Float32s returns the tensor data as a float32 slice. Panics on a non-F32 tensor.
func (t *Tensor) Float32s() []float32 {
	if t.DType != F32 {
		panic(errors.Errorf("Float32s on %s tensor %q", t.DType, t.Name))
	}
	if len(t.Data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(t.Data))), len(t.Data)/4)
}

// Graph is an ordered list of nodes; pass-through nodes (reshape/view/permute/transpose) and
// compute nodes appear in execution order.
type Graph struct {
	Nodes []*Tensor
}
