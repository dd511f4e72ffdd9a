package tensors

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/x448/float16"
)

// Reference dequantization routines for the formats this module decodes itself. Each expands
// src blocks into dst float32 values; callers size dst to nElements.

func dequantizeF32(src []byte, dst []float32, nElements int64) {
	view := unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(src))), nElements)
	copy(dst, view)
}

func dequantizeF16(src []byte, dst []float32, nElements int64) {
	for i := int64(0); i < nElements; i++ {
		bits := binary.LittleEndian.Uint16(src[i*2:])
		dst[i] = float16.Frombits(bits).Float32()
	}
}

func dequantizeBF16(src []byte, dst []float32, nElements int64) {
	for i := int64(0); i < nElements; i++ {
		bits := binary.LittleEndian.Uint16(src[i*2:])
		dst[i] = math.Float32frombits(uint32(bits) << 16)
	}
}

// Q8_0 block: f16 scale followed by 32 signed bytes.
func dequantizeQ8_0(src []byte, dst []float32, nElements int64) {
	const blockSize, typeSize = 32, 34
	nBlocks := nElements / blockSize
	for b := int64(0); b < nBlocks; b++ {
		block := src[b*typeSize:]
		d := float16.Frombits(binary.LittleEndian.Uint16(block)).Float32()
		qs := block[2 : 2+blockSize]
		for j := int64(0); j < blockSize; j++ {
			dst[b*blockSize+j] = float32(int8(qs[j])) * d
		}
	}
}

// Q4_0 block: f16 scale followed by 16 bytes of 4-bit values, offset by 8.
// Low nibbles hold elements 0..15, high nibbles elements 16..31.
func dequantizeQ4_0(src []byte, dst []float32, nElements int64) {
	const blockSize, typeSize = 32, 18
	nBlocks := nElements / blockSize
	for b := int64(0); b < nBlocks; b++ {
		block := src[b*typeSize:]
		d := float16.Frombits(binary.LittleEndian.Uint16(block)).Float32()
		qs := block[2 : 2+blockSize/2]
		for j := int64(0); j < blockSize/2; j++ {
			dst[b*blockSize+j] = float32(int(qs[j]&0x0F)-8) * d
			dst[b*blockSize+j+blockSize/2] = float32(int(qs[j]>>4)-8) * d
		}
	}
}

// Q4_1 block: f16 scale, f16 minimum, then 16 bytes of 4-bit values.
func dequantizeQ4_1(src []byte, dst []float32, nElements int64) {
	const blockSize, typeSize = 32, 20
	nBlocks := nElements / blockSize
	for b := int64(0); b < nBlocks; b++ {
		block := src[b*typeSize:]
		d := float16.Frombits(binary.LittleEndian.Uint16(block)).Float32()
		m := float16.Frombits(binary.LittleEndian.Uint16(block[2:])).Float32()
		qs := block[4 : 4+blockSize/2]
		for j := int64(0); j < blockSize/2; j++ {
			dst[b*blockSize+j] = float32(qs[j]&0x0F)*d + m
			dst[b*blockSize+j+blockSize/2] = float32(qs[j]>>4)*d + m
		}
	}
}

// QuantizeQ8_0 encodes float32 values into Q8_0 blocks. It exists so tests and tools can
// produce quantized weights without the external library; len(src) must be a multiple of 32.
func QuantizeQ8_0(src []float32, dst []byte) {
	const blockSize, typeSize = 32, 34
	nBlocks := int64(len(src)) / blockSize
	for b := int64(0); b < nBlocks; b++ {
		var amax float32
		for j := int64(0); j < blockSize; j++ {
			if v := float32(math.Abs(float64(src[b*blockSize+j]))); v > amax {
				amax = v
			}
		}
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		block := dst[b*typeSize:]
		binary.LittleEndian.PutUint16(block, float16.Fromfloat32(d).Bits())
		for j := int64(0); j < blockSize; j++ {
			v := src[b*blockSize+j] * id
			block[2+j] = byte(int8(math.RoundToEven(float64(v))))
		}
	}
}
