package core

import (
	"fmt"
	"reflect"
)

// EncodingOptions is a per-format set of encoder parameters. The concrete
// type's FileFormat tag must match the file format being written.
type EncodingOptions interface {
	FileFormat() FileFormat
	Validate() error
}

// presentOptions returns o, or nil when o is nil or a typed nil pointer.
func presentOptions(o EncodingOptions) EncodingOptions {
	if o == nil {
		return nil
	}
	if v := reflect.ValueOf(o); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil
	}
	return o
}

// PNGFilter is a bitmask of the row filters an encoder may choose from.
type PNGFilter uint8

const (
	PNGNoFilters   PNGFilter = 0x00
	PNGFilterNone  PNGFilter = 0x08
	PNGFilterSub   PNGFilter = 0x10
	PNGFilterUp    PNGFilter = 0x20
	PNGFilterAvg   PNGFilter = 0x40
	PNGFilterPaeth PNGFilter = 0x80
	PNGAllFilters            = PNGFilterNone | PNGFilterSub | PNGFilterUp | PNGFilterAvg | PNGFilterPaeth
)

// PNGOptions configures PNG output. CompressionLevel is a zlib level in
// [0, 9], or -1 for the zlib default. An empty filter mask restricts every
// row to the None filter.
type PNGOptions struct {
	CompressionLevel int
	Filters          PNGFilter
}

// DefaultPNGOptions returns zlib's default level with every filter allowed.
func DefaultPNGOptions() *PNGOptions {
	return &PNGOptions{CompressionLevel: -1, Filters: PNGAllFilters}
}

func (*PNGOptions) FileFormat() FileFormat { return PNG }

func (o *PNGOptions) Validate() error {
	if o.CompressionLevel < -1 || o.CompressionLevel > 9 {
		return fmt.Errorf("png: compression level %d outside [-1, 9]", o.CompressionLevel)
	}
	if o.Filters&^PNGAllFilters != 0 {
		return fmt.Errorf("png: filter mask %#02x has unknown bits", uint8(o.Filters))
	}
	return nil
}

// JPEGOptions configures JPEG output.
type JPEGOptions struct {
	Quality int // 1-100
}

func (*JPEGOptions) FileFormat() FileFormat { return JPEG }

func (o *JPEGOptions) Validate() error {
	if o.Quality < 1 || o.Quality > 100 {
		return fmt.Errorf("jpeg: quality %d outside [1, 100]", o.Quality)
	}
	return nil
}

// EXRCompression selects the EXR chunk compressor. Values match the
// compression attribute stored in the file.
type EXRCompression uint8

const (
	EXRNoCompression   EXRCompression = 0
	EXRRLECompression  EXRCompression = 1
	EXRZIPSCompression EXRCompression = 2
	EXRZIPCompression  EXRCompression = 3
)

func (c EXRCompression) String() string {
	switch c {
	case EXRNoCompression:
		return "none"
	case EXRRLECompression:
		return "rle"
	case EXRZIPSCompression:
		return "zips"
	case EXRZIPCompression:
		return "zip"
	}
	return fmt.Sprintf("EXRCompression(%d)", uint8(c))
}

// EXROptions configures EXR output. Level applies to the ZIP compressors and
// is a zlib level in [-1, 9].
type EXROptions struct {
	Compression EXRCompression
	Level       int
}

func (*EXROptions) FileFormat() FileFormat { return EXR }

func (o *EXROptions) Validate() error {
	if o.Compression > EXRZIPCompression {
		return fmt.Errorf("exr: unsupported compression %s", o.Compression)
	}
	if o.Level < -1 || o.Level > 9 {
		return fmt.Errorf("exr: zip level %d outside [-1, 9]", o.Level)
	}
	return nil
}

// TIFFCompression selects the TIFF strip compressor.
type TIFFCompression uint8

const (
	TIFFUncompressed TIFFCompression = iota
	TIFFDeflate
)

// TIFFOptions configures TIFF output. Predictor enables horizontal
// differencing and only applies to Deflate.
type TIFFOptions struct {
	Compression TIFFCompression
	Predictor   bool
}

func (*TIFFOptions) FileFormat() FileFormat { return TIFF }

func (o *TIFFOptions) Validate() error {
	if o.Compression > TIFFDeflate {
		return fmt.Errorf("tiff: unsupported compression %d", o.Compression)
	}
	return nil
}

// TGAOptions configures TGA output.
type TGAOptions struct {
	RLE bool
}

func (*TGAOptions) FileFormat() FileFormat { return TGA }
func (*TGAOptions) Validate() error        { return nil }

// WebPOptions configures WebP output for backends able to write it.
type WebPOptions struct {
	Quality  int // 1-100, ignored when Lossless
	Lossless bool
}

func (*WebPOptions) FileFormat() FileFormat { return WebP }

func (o *WebPOptions) Validate() error {
	if !o.Lossless && (o.Quality < 1 || o.Quality > 100) {
		return fmt.Errorf("webp: quality %d outside [1, 100]", o.Quality)
	}
	return nil
}
