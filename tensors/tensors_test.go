package tensors

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestNew_ContiguousStrides(t *testing.T) {
	tensor := New(F32, 8, 4, 2, 3)
	assert.Equal(t, [4]int64{8, 4, 2, 3}, tensor.Ne)
	assert.Equal(t, [4]uint64{4, 32, 128, 256}, tensor.Nb)
	assert.Equal(t, int64(8*4*2*3), tensor.NElements())
	assert.Equal(t, uint64(8*4*2*3*4), tensor.NBytes())
	assert.True(t, tensor.IsContiguous())
	assert.Len(t, tensor.Data, int(tensor.NBytes()))

	// Trailing dimensions default to 1.
	vec := New(F32, 5)
	assert.Equal(t, [4]int64{5, 1, 1, 1}, vec.Ne)
	assert.True(t, vec.IsContiguous())
}

func TestNew_QuantizedStrides(t *testing.T) {
	// Q8_0 rows pack 32 elements into 34 bytes.
	tensor := New(Q8_0, 64, 3)
	assert.Equal(t, uint64(2*34), tensor.Nb[1])
	assert.Equal(t, uint64(3*2*34), tensor.NBytes())
	assert.True(t, tensor.IsContiguous())
}

func TestTensor_NonContiguous(t *testing.T) {
	tensor := New(F32, 8, 4)
	tensor.Nb[1] = 64 // padded rows
	assert.False(t, tensor.IsContiguous())
}

func TestDType_Properties(t *testing.T) {
	assert.False(t, F32.IsQuantized())
	assert.False(t, F16.IsQuantized())
	assert.False(t, BF16.IsQuantized())
	assert.False(t, I32.IsQuantized())
	assert.True(t, Q4_0.IsQuantized())
	assert.True(t, Q8_0.IsQuantized())
	assert.True(t, Q4_K.IsQuantized())
	assert.True(t, IQ2XXS.IsQuantized())

	assert.Equal(t, int64(32), Q8_0.Traits().BlockSize)
	assert.Equal(t, int64(256), Q6_K.Traits().BlockSize)
	assert.Equal(t, "q8_0", Q8_0.String())
	assert.Equal(t, "f32", F32.String())

	// Formats this module cannot decode expose a nil routine.
	assert.Nil(t, Q5_0.Traits().ToFloat32)
	assert.Nil(t, Q4_K.Traits().ToFloat32)
	assert.NotNil(t, F16.Traits().ToFloat32)
	assert.NotNil(t, Q8_0.Traits().ToFloat32)
}

func TestDequantize_F16(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, 3.25, -127.5}
	src := make([]byte, len(values)*2)
	for i, v := range values {
		bits := float16.Fromfloat32(v).Bits()
		src[i*2] = byte(bits)
		src[i*2+1] = byte(bits >> 8)
	}
	dst := make([]float32, len(values))
	F16.Traits().ToFloat32(src, dst, int64(len(values)))
	for i := range values {
		assert.InDelta(t, values[i], dst[i], 1e-3)
	}
}

func TestDequantize_BF16(t *testing.T) {
	values := []float32{0, 1, -2, 0.5}
	src := make([]byte, len(values)*2)
	for i, v := range values {
		bits := math.Float32bits(v) >> 16
		src[i*2] = byte(bits)
		src[i*2+1] = byte(bits >> 8)
	}
	dst := make([]float32, len(values))
	BF16.Traits().ToFloat32(src, dst, int64(len(values)))
	assert.Equal(t, values, dst)
}

func TestDequantize_Q8_0RoundTrip(t *testing.T) {
	const n = 128 // 4 blocks
	rng := rand.New(rand.NewSource(7))
	original := make([]float32, n)
	for i := range original {
		original[i] = rng.Float32()*2 - 1
	}

	quantized := make([]byte, n/32*34)
	QuantizeQ8_0(original, quantized)

	dequantized := make([]float32, n)
	Q8_0.Traits().ToFloat32(quantized, dequantized, n)

	// Q8_0 carries ~7 bits of mantissa per element scaled to the block amax.
	for i := range original {
		assert.InDelta(t, original[i], dequantized[i], 0.02, "element %d", i)
	}
}

func TestDequantize_Q4_0(t *testing.T) {
	// One hand-built block: scale 2.0, nibbles counting upward.
	src := make([]byte, 18)
	bits := float16.Fromfloat32(2.0).Bits()
	src[0] = byte(bits)
	src[1] = byte(bits >> 8)
	for j := 0; j < 16; j++ {
		lo := byte(j % 16)       // element j: (lo - 8) * 2
		hi := byte((j + 3) % 16) // element j+16: (hi - 8) * 2
		src[2+j] = lo | hi<<4
	}

	dst := make([]float32, 32)
	Q4_0.Traits().ToFloat32(src, dst, 32)
	for j := 0; j < 16; j++ {
		assert.Equal(t, float32(j%16-8)*2, dst[j], "low nibble %d", j)
		assert.Equal(t, float32((j+3)%16-8)*2, dst[16+j], "high nibble %d", j)
	}
}

func TestDequantize_Q4_1(t *testing.T) {
	// Scale 0.5, minimum 10: values are nib*0.5 + 10.
	src := make([]byte, 20)
	d := float16.Fromfloat32(0.5).Bits()
	m := float16.Fromfloat32(10).Bits()
	src[0], src[1] = byte(d), byte(d>>8)
	src[2], src[3] = byte(m), byte(m>>8)
	for j := 0; j < 16; j++ {
		src[4+j] = byte(j) | byte(15-j)<<4
	}

	dst := make([]float32, 32)
	Q4_1.Traits().ToFloat32(src, dst, 32)
	for j := 0; j < 16; j++ {
		assert.InDelta(t, float64(j)*0.5+10, float64(dst[j]), 1e-3)
		assert.InDelta(t, float64(15-j)*0.5+10, float64(dst[16+j]), 1e-3)
	}
}

func TestFloat32s(t *testing.T) {
	tensor := New(F32, 4)
	flat := tensor.Float32s()
	require.Len(t, flat, 4)
	flat[2] = 42
	assert.Equal(t, float32(42), tensor.Float32s()[2])

	quant := New(Q8_0, 32)
	assert.Panics(t, func() { quant.Float32s() })
}
