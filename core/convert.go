package core

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	apperrors "github.com/Skryldev/image-loader/errors"
)

// Multi-byte channels are stored little-endian in caller buffers.

// ConvertPixels converts width*height pixels from src in format in to dst in
// format out. Every pixel passes through an RGBA 32-bit float scratch value:
// integer channels map to [0, 1] by v / (2^N - 1), floats map back by rounding
// to nearest and clamping. Channels absent from the source are filled with 0,
// alpha with 1.
func ConvertPixels(src []byte, in PixelFormat, dst []byte, out PixelFormat, width, height int) error {
	const op = "convert"
	if !in.Valid() || !out.Valid() {
		return apperrors.Newf(apperrors.KindConversionFailedBadFormat, op, "%w: %s to %s",
			apperrors.ErrConversionFailedBadFormat, in, out)
	}
	if width < 0 || height < 0 {
		return apperrors.Newf(apperrors.KindDomainError, op, "%w: %dx%d", apperrors.ErrDomain, width, height)
	}
	inD, outD := formatTable[in], formatTable[out]
	n := width * height
	inSize := inD.channels * inD.bytesPerChannel
	outSize := outD.channels * outD.bytesPerChannel
	if len(src) < n*inSize {
		return apperrors.Newf(apperrors.KindBufferTooSmall, op, "%w: source holds %d bytes, need %d",
			apperrors.ErrBufferTooSmall, len(src), n*inSize)
	}
	if len(dst) < n*outSize {
		return apperrors.Newf(apperrors.KindBufferTooSmall, op, "%w: destination holds %d bytes, need %d",
			apperrors.ErrBufferTooSmall, len(dst), n*outSize)
	}
	if in == out {
		copy(dst[:n*outSize], src[:n*inSize])
		return nil
	}

	var px [4]float32
	for i := 0; i < n; i++ {
		px = [4]float32{0, 0, 0, 1}
		s := src[i*inSize : (i+1)*inSize]
		for c := 0; c < inD.channels; c++ {
			px[c] = readChannel(inD.depth, s[c*inD.bytesPerChannel:])
		}
		d := dst[i*outSize : (i+1)*outSize]
		for c := 0; c < outD.channels; c++ {
			writeChannel(outD.depth, d[c*outD.bytesPerChannel:], px[c])
		}
	}
	return nil
}

func readChannel(d BitDepth, b []byte) float32 {
	switch d {
	case Depth8U:
		return float32(b[0]) / math.MaxUint8
	case Depth16U:
		return float32(binary.LittleEndian.Uint16(b)) / math.MaxUint16
	case Depth16F:
		return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
	case Depth32F:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}
	return 0
}

func writeChannel(d BitDepth, b []byte, v float32) {
	switch d {
	case Depth8U:
		b[0] = uint8(quantize(v, math.MaxUint8))
	case Depth16U:
		binary.LittleEndian.PutUint16(b, uint16(quantize(v, math.MaxUint16)))
	case Depth16F:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(v).Bits())
	case Depth32F:
		binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	}
}

// quantize maps a normalised float to [0, limit], rounding to nearest.
func quantize(v float32, limit float64) uint32 {
	f := float64(v)
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	f = math.Round(f * limit)
	if f >= limit {
		return uint32(limit)
	}
	return uint32(f)
}
