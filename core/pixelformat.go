package core

import (
	"fmt"
	"math"
	"math/bits"

	apperrors "github.com/Skryldev/image-loader/errors"
)

// PixelFormat identifies an in-memory pixel layout: channel count, bits per
// channel and numeric kind. Values are stable and match the codes used by
// foreign bindings.
type PixelFormat int32

const (
	InvalidFormat PixelFormat = -1

	R8U PixelFormat = iota - 1
	RG8U
	RGB8U
	RGBA8U

	R16U
	RG16U
	RGB16U
	RGBA16U

	R16F
	RG16F
	RGB16F
	RGBA16F

	R32F
	RG32F
	RGB32F
	RGBA32F
)

// BitDepth is the per-channel storage of a pixel format. 16-bit integer and
// 16-bit float are distinct depths.
type BitDepth int32

const (
	InvalidDepth BitDepth = -1
	Depth8U      BitDepth = 0
	Depth16U     BitDepth = 1
	Depth16F     BitDepth = 2
	Depth32F     BitDepth = 3
)

// NumericKind tells whether channel values are integers or floats.
type NumericKind int32

const (
	NumericUnknown NumericKind = -1
	NumericFloat   NumericKind = 0
	NumericInteger NumericKind = 1
)

type formatDetail struct {
	name            string
	channels        int
	bytesPerChannel int
	depth           BitDepth
	numeric         NumericKind
}

// formatTable is indexed by PixelFormat; formats are laid out as four
// channel layouts per depth, in depth order.
var formatTable = [...]formatDetail{
	R8U:    {"R8U", 1, 1, Depth8U, NumericInteger},
	RG8U:   {"RG8U", 2, 1, Depth8U, NumericInteger},
	RGB8U:  {"RGB8U", 3, 1, Depth8U, NumericInteger},
	RGBA8U: {"RGBA8U", 4, 1, Depth8U, NumericInteger},

	R16U:    {"R16U", 1, 2, Depth16U, NumericInteger},
	RG16U:   {"RG16U", 2, 2, Depth16U, NumericInteger},
	RGB16U:  {"RGB16U", 3, 2, Depth16U, NumericInteger},
	RGBA16U: {"RGBA16U", 4, 2, Depth16U, NumericInteger},

	R16F:    {"R16F", 1, 2, Depth16F, NumericFloat},
	RG16F:   {"RG16F", 2, 2, Depth16F, NumericFloat},
	RGB16F:  {"RGB16F", 3, 2, Depth16F, NumericFloat},
	RGBA16F: {"RGBA16F", 4, 2, Depth16F, NumericFloat},

	R32F:    {"R32F", 1, 4, Depth32F, NumericFloat},
	RG32F:   {"RG32F", 2, 4, Depth32F, NumericFloat},
	RGB32F:  {"RGB32F", 3, 4, Depth32F, NumericFloat},
	RGBA32F: {"RGBA32F", 4, 4, Depth32F, NumericFloat},
}

const channelLayouts = 4

// AllPixelFormats lists every valid pixel format in code order.
func AllPixelFormats() []PixelFormat {
	out := make([]PixelFormat, 0, len(formatTable))
	for f := R8U; f <= RGBA32F; f++ {
		out = append(out, f)
	}
	return out
}

// Valid reports whether f is a member of the closed enumeration.
func (f PixelFormat) Valid() bool { return f >= R8U && int(f) < len(formatTable) }

func (f PixelFormat) String() string {
	if f.Valid() {
		return formatTable[f].name
	}
	if f == InvalidFormat {
		return "INVALID"
	}
	return fmt.Sprintf("PixelFormat(%d)", int32(f))
}

func (d BitDepth) Valid() bool { return d >= Depth8U && d <= Depth32F }

func (d BitDepth) String() string {
	switch d {
	case Depth8U:
		return "8U"
	case Depth16U:
		return "16U"
	case Depth16F:
		return "16F"
	case Depth32F:
		return "32F"
	}
	return fmt.Sprintf("BitDepth(%d)", int32(d))
}

// IsFloat reports whether channels at depth d are floating point.
func (d BitDepth) IsFloat() bool { return d == Depth16F || d == Depth32F }

func (k NumericKind) String() string {
	switch k {
	case NumericFloat:
		return "float"
	case NumericInteger:
		return "integer"
	}
	return "unknown"
}

func detail(op string, f PixelFormat) (formatDetail, error) {
	if !f.Valid() {
		return formatDetail{}, apperrors.Newf(apperrors.KindDomainError, op, "%w: pixel format %s", apperrors.ErrDomain, f)
	}
	return formatTable[f], nil
}

// FormatDetails returns channel count, bytes per channel and numeric kind.
func FormatDetails(f PixelFormat) (channels, bytesPerChannel int, kind NumericKind, err error) {
	d, err := detail("pixelformat.details", f)
	if err != nil {
		return 0, 0, NumericUnknown, err
	}
	return d.channels, d.bytesPerChannel, d.numeric, nil
}

// SizeInBytes returns the size of one pixel of format f.
func SizeInBytes(f PixelFormat) (int, error) {
	d, err := detail("pixelformat.size", f)
	if err != nil {
		return 0, err
	}
	return d.channels * d.bytesPerChannel, nil
}

// NumChannels returns the channel count of f.
func NumChannels(f PixelFormat) (int, error) {
	d, err := detail("pixelformat.channels", f)
	return d.channels, err
}

// BytesPerChannel returns the storage size of one channel of f.
func BytesPerChannel(f PixelFormat) (int, error) {
	d, err := detail("pixelformat.bytes_per_channel", f)
	return d.bytesPerChannel, err
}

// NumericKindOf returns whether f stores integers or floats.
func NumericKindOf(f PixelFormat) (NumericKind, error) {
	d, err := detail("pixelformat.numeric_kind", f)
	if err != nil {
		return NumericUnknown, err
	}
	return d.numeric, nil
}

// GetBitDepth returns the per-channel depth of f.
func GetBitDepth(f PixelFormat) (BitDepth, error) {
	d, err := detail("pixelformat.bit_depth", f)
	if err != nil {
		return InvalidDepth, err
	}
	return d.depth, nil
}

// ChangeBitDepth returns the format with f's channel layout at depth d.
func ChangeBitDepth(f PixelFormat, d BitDepth) (PixelFormat, error) {
	fd, err := detail("pixelformat.change_bit_depth", f)
	if err != nil {
		return InvalidFormat, err
	}
	return FormatFor(fd.channels, d)
}

// FormatFor builds the format with the given channel count and depth.
func FormatFor(channels int, d BitDepth) (PixelFormat, error) {
	if channels < 1 || channels > channelLayouts {
		return InvalidFormat, apperrors.Newf(apperrors.KindDomainError, "pixelformat.for", "%w: %d channels", apperrors.ErrDomain, channels)
	}
	if !d.Valid() {
		return InvalidFormat, apperrors.Newf(apperrors.KindDomainError, "pixelformat.for", "%w: bit depth %s", apperrors.ErrDomain, d)
	}
	return PixelFormat(int(d)*channelLayouts + channels - 1), nil
}

// ImageSize returns the byte length of a width x height image of format f.
// Sizes that do not fit in an int are a DomainError.
func ImageSize(f PixelFormat, width, height int) (int, error) {
	const op = "pixelformat.image_size"
	px, err := SizeInBytes(f)
	if err != nil {
		return 0, err
	}
	if width < 0 || height < 0 {
		return 0, apperrors.Newf(apperrors.KindDomainError, op, "%w: %dx%d", apperrors.ErrDomain, width, height)
	}
	hi, n := bits.Mul64(uint64(width), uint64(height))
	if hi == 0 {
		hi, n = bits.Mul64(n, uint64(px))
	}
	if hi != 0 || n > math.MaxInt {
		return 0, apperrors.Newf(apperrors.KindDomainError, op, "%w: %dx%d %s overflows",
			apperrors.ErrDomain, width, height, f)
	}
	return int(n), nil
}
