package codec

import (
	"github.com/Skryldev/image-loader/core"
)

// Settings are the codec-level defaults applied when a write request
// carries no options of its own.
type Settings struct {
	ChunkSize   int
	JPEGQuality int
	EXR         core.EXROptions
	TIFF        core.TIFFOptions
	TGARLE      bool
}

// DefaultSettings matches config.Default.
func DefaultSettings() Settings {
	return Settings{
		ChunkSize:   32 * 1024,
		JPEGQuality: 90,
		EXR:         core.EXROptions{Compression: core.EXRZIPCompression, Level: -1},
		TIFF:        core.TIFFOptions{Compression: core.TIFFDeflate, Predictor: true},
	}
}

// New returns the codec for f, or nil when this package has none.
func New(f core.FileFormat, s Settings) core.Codec {
	switch f {
	case core.EXR:
		return NewEXR(s.ChunkSize, s.EXR)
	case core.PNG:
		return NewPNG(s.ChunkSize)
	case core.JPEG:
		return NewJPEG(s.ChunkSize, s.JPEGQuality)
	case core.TGA:
		return NewTGA(s.ChunkSize, s.TGARLE)
	case core.TIFF:
		return NewTIFF(s.ChunkSize, s.TIFF)
	case core.HDR:
		return NewHDR(s.ChunkSize)
	case core.BMP:
		return NewBMP(s.ChunkSize)
	case core.WebP:
		return NewWebP()
	}
	return nil
}

// Register adds the codecs for formats to reg, or every codec in this
// package when formats is empty.
func Register(reg core.Registry, s Settings, formats ...core.FileFormat) {
	if len(formats) == 0 {
		formats = core.AllFileFormats()
	}
	for _, f := range formats {
		if c := New(f, s); c != nil {
			reg.Register(c)
		}
	}
}

// NewRegistry returns a registry holding every codec in this package.
func NewRegistry(s Settings) *core.DefaultRegistry {
	reg := core.NewRegistry()
	Register(reg, s)
	return reg
}
