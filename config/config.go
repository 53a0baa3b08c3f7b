package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/Skryldev/image-loader/core"
)

const appName = "image-loader"

// Config is the top-level configuration struct. Default returns safe values
// for every field; files loaded with Load override only the keys they set.
type Config struct {
	// Concurrency for DecodeBatch; 0 resolves to runtime.NumCPU().
	WorkerCount int `koanf:"worker_count"`

	// Streaming / memory limits.
	ChunkSize int   `koanf:"chunk_size"` // largest single write to a caller stream
	MaxPixels int64 `koanf:"max_pixels"` // 0 = no limit beyond the codecs' own

	// Codecs registered by the loader; empty means all of them.
	EnabledFormats []string `koanf:"enabled_formats"`

	PNG  PNGConfig  `koanf:"png"`
	JPEG JPEGConfig `koanf:"jpeg"`
	EXR  EXRConfig  `koanf:"exr"`
	TIFF TIFFConfig `koanf:"tiff"`
	TGA  TGAConfig  `koanf:"tga"`
	WebP WebPConfig `koanf:"webp"`

	LogLevel string `koanf:"log_level"` // "debug", "info", "warn", "error"
}

// PNGConfig sets the default PNG encoder options.
type PNGConfig struct {
	CompressionLevel int      `koanf:"compression_level"` // -1 (zlib default) to 9
	Filters          []string `koanf:"filters"`           // none, sub, up, avg, paeth, or all
}

// JPEGConfig sets the default JPEG quality.
type JPEGConfig struct {
	Quality int `koanf:"quality"`
}

// EXRConfig sets the default EXR compressor.
type EXRConfig struct {
	Compression string `koanf:"compression"` // none, rle, zips, zip
	ZipLevel    int    `koanf:"zip_level"`
}

// TIFFConfig sets the default TIFF compressor.
type TIFFConfig struct {
	Compression string `koanf:"compression"` // none, deflate
	Predictor   bool   `koanf:"predictor"`
}

// TGAConfig sets the default TGA layout.
type TGAConfig struct {
	RLE bool `koanf:"rle"`
}

// WebPConfig configures WebP output. UseVips swaps the decode-only pure Go
// codec for the libvips one.
type WebPConfig struct {
	Quality  int  `koanf:"quality"`
	Lossless bool `koanf:"lossless"`
	UseVips  bool `koanf:"use_vips"`
}

// DefaultMaxPixels admits a 16384 x 16384 image.
const DefaultMaxPixels = 1 << 28

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		WorkerCount: 0, // resolved at runtime to NumCPU
		ChunkSize:   32 * 1024,
		MaxPixels:   DefaultMaxPixels,
		PNG: PNGConfig{
			CompressionLevel: -1,
			Filters:          []string{"all"},
		},
		JPEG: JPEGConfig{Quality: 90},
		EXR:  EXRConfig{Compression: "zip", ZipLevel: -1},
		TIFF: TIFFConfig{Compression: "deflate", Predictor: true},
		WebP: WebPConfig{Quality: 85},

		LogLevel: "info",
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.WorkerCount < 0 {
		return errors.New("config: WorkerCount must not be negative")
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: ChunkSize must be positive")
	}
	if c.MaxPixels < 0 {
		return errors.New("config: MaxPixels must not be negative")
	}
	if _, err := c.Formats(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	for _, f := range core.AllFileFormats() {
		opts, err := c.EncodeDefaults(f)
		if err != nil {
			return err
		}
		if opts == nil {
			continue
		}
		if err := opts.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// Formats resolves EnabledFormats; an empty list means every format.
func (c Config) Formats() ([]core.FileFormat, error) {
	if len(c.EnabledFormats) == 0 {
		return core.AllFileFormats(), nil
	}
	out := make([]core.FileFormat, 0, len(c.EnabledFormats))
	for _, s := range c.EnabledFormats {
		f, err := core.ParseFileFormat(s)
		if err != nil {
			return nil, fmt.Errorf("config: enabled_formats: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log_level: %w", err)
	}
	return l, nil
}

var pngFilterNames = map[string]core.PNGFilter{
	"none":  core.PNGFilterNone,
	"sub":   core.PNGFilterSub,
	"up":    core.PNGFilterUp,
	"avg":   core.PNGFilterAvg,
	"paeth": core.PNGFilterPaeth,
	"all":   core.PNGAllFilters,
}

var exrCompressionNames = map[string]core.EXRCompression{
	"none": core.EXRNoCompression,
	"rle":  core.EXRRLECompression,
	"zips": core.EXRZIPSCompression,
	"zip":  core.EXRZIPCompression,
}

var tiffCompressionNames = map[string]core.TIFFCompression{
	"none":    core.TIFFUncompressed,
	"deflate": core.TIFFDeflate,
}

// EncodeDefaults returns the configured encoder options for f, or nil for
// formats without options.
func (c Config) EncodeDefaults(f core.FileFormat) (core.EncodingOptions, error) {
	switch f {
	case core.PNG:
		var mask core.PNGFilter
		for _, name := range c.PNG.Filters {
			bit, ok := pngFilterNames[strings.ToLower(name)]
			if !ok {
				return nil, fmt.Errorf("config: png.filters: unknown filter %q", name)
			}
			mask |= bit
		}
		return &core.PNGOptions{CompressionLevel: c.PNG.CompressionLevel, Filters: mask}, nil
	case core.JPEG:
		return &core.JPEGOptions{Quality: c.JPEG.Quality}, nil
	case core.EXR:
		comp, ok := exrCompressionNames[strings.ToLower(c.EXR.Compression)]
		if !ok {
			return nil, fmt.Errorf("config: exr.compression: unknown method %q", c.EXR.Compression)
		}
		return &core.EXROptions{Compression: comp, Level: c.EXR.ZipLevel}, nil
	case core.TIFF:
		comp, ok := tiffCompressionNames[strings.ToLower(c.TIFF.Compression)]
		if !ok {
			return nil, fmt.Errorf("config: tiff.compression: unknown method %q", c.TIFF.Compression)
		}
		return &core.TIFFOptions{Compression: comp, Predictor: c.TIFF.Predictor}, nil
	case core.TGA:
		return &core.TGAOptions{RLE: c.TGA.RLE}, nil
	case core.WebP:
		return &core.WebPOptions{Quality: c.WebP.Quality, Lossless: c.WebP.Lossless}, nil
	}
	return nil, nil
}

// DefaultPaths lists the config files Load reads when called without
// arguments, lowest priority first: the XDG config file, then
// ./image-loader.toml.
func DefaultPaths() []string {
	return []string{
		filepath.Join(xdg.ConfigHome, appName, "config.toml"),
		appName + ".toml",
	}
}

// Load layers the TOML files at paths (DefaultPaths when none are given)
// over Default and validates the result. Missing files are skipped.
func Load(paths ...string) (Config, error) {
	if len(paths) == 0 {
		paths = DefaultPaths()
	}
	k := koanf.New(".")
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
