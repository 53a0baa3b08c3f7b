package utils

import (
	"encoding/binary"
	"math"
)

// Pixel buffers are little-endian. These helpers move typed samples in and
// out of them.

func Float32sToBytes(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func BytesToFloat32s(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func Uint16sToBytes(v []uint16) []byte {
	out := make([]byte, 2*len(v))
	for i, u := range v {
		binary.LittleEndian.PutUint16(out[2*i:], u)
	}
	return out
}

func BytesToUint16s(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return out
}
