package tensors

// DType enumerates tensor element types with ggml-compatible numeric values, so they pass
// through the wire protocol's type fields unchanged.
type DType uint32

const (
	F32    DType = 0
	F16    DType = 1
	Q4_0   DType = 2
	Q4_1   DType = 3
	Q5_0   DType = 6
	Q5_1   DType = 7
	Q8_0   DType = 8
	Q8_1   DType = 9
	Q2_K   DType = 10
	Q3_K   DType = 11
	Q4_K   DType = 12
	Q5_K   DType = 13
	Q6_K   DType = 14
	Q8_K   DType = 15
	IQ2XXS DType = 16
	IQ2XS  DType = 17
	IQ3XXS DType = 18
	IQ1S   DType = 19
	IQ4NL  DType = 20
	IQ3S   DType = 21
	IQ2S   DType = 22
	IQ4XS  DType = 23
	I8     DType = 24
	I16    DType = 25
	I32    DType = 26
	I64    DType = 27
	F64    DType = 28
	IQ1M   DType = 29
	BF16   DType = 30
)

// String returns the ggml-style type name.
func (d DType) String() string {
	if t, found := dtypeTable[d]; found {
		return t.name
	}
	return "unknown"
}

// IsQuantized reports whether the type is a quantized format (anything that is not a plain
// float or integer type).
func (d DType) IsQuantized() bool {
	switch d {
	case F32, F16, BF16, F64, I8, I16, I32, I64:
		return false
	}
	_, found := dtypeTable[d]
	return found
}

// Traits describes a type's storage layout and its dequantization routine. ToFloat32 is nil
// for formats whose decoder lives outside this module; the backend predicate routes those to
// the CPU.
type Traits struct {
	// BlockSize is the number of elements per storage block (1 for plain types).
	BlockSize int64
	// TypeSize is the byte size of one block.
	TypeSize uint64
	// ToFloat32 expands nElements elements from src into dst, or nil when unavailable.
	ToFloat32 func(src []byte, dst []float32, nElements int64)
}

type dtypeEntry struct {
	name   string
	traits Traits
}

var dtypeTable = map[DType]dtypeEntry{
	F32:  {"f32", Traits{1, 4, dequantizeF32}},
	F16:  {"f16", Traits{1, 2, dequantizeF16}},
	BF16: {"bf16", Traits{1, 2, dequantizeBF16}},
	F64:  {"f64", Traits{1, 8, nil}},
	I8:   {"i8", Traits{1, 1, nil}},
	I16:  {"i16", Traits{1, 2, nil}},
	I32:  {"i32", Traits{1, 4, nil}},
	I64:  {"i64", Traits{1, 8, nil}},

	// Standard block quants: 32 elements per block.
	Q4_0: {"q4_0", Traits{32, 18, dequantizeQ4_0}},
	Q4_1: {"q4_1", Traits{32, 20, dequantizeQ4_1}},
	Q5_0: {"q5_0", Traits{32, 22, nil}},
	Q5_1: {"q5_1", Traits{32, 24, nil}},
	Q8_0: {"q8_0", Traits{32, 34, dequantizeQ8_0}},
	Q8_1: {"q8_1", Traits{32, 36, nil}},

	// K-quants: 256-element super-blocks.
	Q2_K: {"q2_K", Traits{256, 84, nil}},
	Q3_K: {"q3_K", Traits{256, 110, nil}},
	Q4_K: {"q4_K", Traits{256, 144, nil}},
	Q5_K: {"q5_K", Traits{256, 176, nil}},
	Q6_K: {"q6_K", Traits{256, 210, nil}},
	Q8_K: {"q8_K", Traits{256, 292, nil}},

	// I-quants.
	IQ2XXS: {"iq2_xxs", Traits{256, 66, nil}},
	IQ2XS:  {"iq2_xs", Traits{256, 74, nil}},
	IQ2S:   {"iq2_s", Traits{256, 82, nil}},
	IQ3XXS: {"iq3_xxs", Traits{256, 98, nil}},
	IQ3S:   {"iq3_s", Traits{256, 110, nil}},
	IQ1S:   {"iq1_s", Traits{256, 50, nil}},
	IQ1M:   {"iq1_m", Traits{256, 56, nil}},
	IQ4NL:  {"iq4_nl", Traits{32, 18, nil}},
	IQ4XS:  {"iq4_xs", Traits{256, 136, nil}},
}

// Traits returns the type's layout and dequantization routine. Unknown types return plain
// 4-byte traits so size arithmetic stays defined.
func (d DType) Traits() Traits {
	if t, found := dtypeTable[d]; found {
		return t.traits
	}
	return Traits{BlockSize: 1, TypeSize: 4}
}
