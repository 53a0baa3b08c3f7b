// Package imageloader reads and writes raster images through pluggable
// codec backends behind a single session API.
package imageloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/Skryldev/image-loader/adapters/codec"
	"github.com/Skryldev/image-loader/config"
	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/hooks"
)

// Re-export file formats for convenience.
const (
	EXR  = core.EXR
	PNG  = core.PNG
	JPEG = core.JPEG
	TGA  = core.TGA
	TIFF = core.TIFF
	HDR  = core.HDR
	BMP  = core.BMP
	WebP = core.WebP

	UnknownFileFormat = core.UnknownFileFormat
)

// Re-export pixel formats.
const (
	InvalidFormat = core.InvalidFormat

	R8U    = core.R8U
	RG8U   = core.RG8U
	RGB8U  = core.RGB8U
	RGBA8U = core.RGBA8U

	R16U    = core.R16U
	RG16U   = core.RG16U
	RGB16U  = core.RGB16U
	RGBA16U = core.RGBA16U

	R16F    = core.R16F
	RG16F   = core.RG16F
	RGB16F  = core.RGB16F
	RGBA16F = core.RGBA16F

	R32F    = core.R32F
	RG32F   = core.RG32F
	RGB32F  = core.RGB32F
	RGBA32F = core.RGBA32F
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// Image is a fully decoded image.
type Image struct {
	FileFormat core.FileFormat
	Width      int
	Height     int
	Format     core.PixelFormat
	Pixels     []byte
	Profile    core.ColourProfile
}

// Loader is the primary entry point. It owns a codec registry and the
// process-wide state of any codec that needs it.
type Loader struct {
	cfg config.Config
	reg *core.DefaultRegistry

	mu     sync.RWMutex
	logger core.Logger
	hooks  []core.Hook

	initialised []core.Initializer
	closeOnce   sync.Once
}

// New validates cfg, registers the enabled codecs followed by extra, and
// initialises those that hold process-wide state. An extra codec replaces the
// built-in one for its format. Call Close when done.
func New(cfg config.Config, extra ...core.Codec) (*Loader, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	formats, _ := cfg.Formats()
	level, _ := cfg.Level()

	reg := core.NewRegistry()
	codec.Register(reg, settingsFrom(cfg), formats...)
	for _, c := range extra {
		reg.Register(c)
	}

	l := &Loader{
		cfg: cfg,
		reg: reg,
		logger: hooks.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr,
			&slog.HandlerOptions{Level: level}))),
	}
	for _, c := range reg.Codecs() {
		in, ok := c.(core.Initializer)
		if !ok {
			continue
		}
		if err := in.Initialise(); err != nil {
			l.Close()
			return nil, fmt.Errorf("imageloader: initialise %s: %w", c.FileFormat(), err)
		}
		l.initialised = append(l.initialised, in)
	}
	l.logger.Debug("loader.ready", "formats", len(reg.Formats()), "chunk_size", cfg.ChunkSize)
	return l, nil
}

func settingsFrom(cfg config.Config) codec.Settings {
	s := codec.DefaultSettings()
	s.ChunkSize = cfg.ChunkSize
	s.JPEGQuality = cfg.JPEG.Quality
	s.TGARLE = cfg.TGA.RLE
	if o, err := cfg.EncodeDefaults(core.EXR); err == nil {
		s.EXR = *o.(*core.EXROptions)
	}
	if o, err := cfg.EncodeDefaults(core.TIFF); err == nil {
		s.TIFF = *o.(*core.TIFFOptions)
	}
	return s
}

// Close releases process-wide codec state. It is idempotent; sessions must
// be closed first.
func (l *Loader) Close() {
	l.closeOnce.Do(func() {
		for i := len(l.initialised) - 1; i >= 0; i-- {
			l.initialised[i].CleanUp()
		}
		l.initialised = nil
	})
}

// Registry exposes the codec registry, e.g. to register a custom codec.
func (l *Loader) Registry() core.Registry { return l.reg }

// Config returns the configuration the loader was built with.
func (l *Loader) Config() config.Config { return l.cfg }

// SetLogger replaces the logger handed to new sessions.
func (l *Loader) SetLogger(lg core.Logger) {
	l.mu.Lock()
	l.logger = lg
	l.mu.Unlock()
}

// AddHook registers an observer for session calls on sessions opened after
// this call.
func (l *Loader) AddHook(h core.Hook) {
	l.mu.Lock()
	l.hooks = append(l.hooks, h)
	l.mu.Unlock()
}

// sessionOptions fills what the caller left unset from the loader.
func (l *Loader) sessionOptions(opts core.SessionOptions) core.SessionOptions {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if opts.Logger == nil {
		opts.Logger = l.logger
	}
	if len(l.hooks) > 0 {
		hs := make([]core.Hook, 0, len(l.hooks)+len(opts.Hooks))
		hs = append(hs, l.hooks...)
		opts.Hooks = append(hs, opts.Hooks...)
	}
	if opts.MaxPixels == 0 {
		opts.MaxPixels = l.cfg.MaxPixels
	}
	return opts
}

// ── Sessions ──────────────────────────────────────────────────────────────────

// Open starts a decode session on r. Unless opts.KeepStreamOpen is set, a
// stream implementing io.Closer is closed with the session.
func (l *Loader) Open(r io.ReadSeeker, opts core.SessionOptions) (*core.Session, error) {
	return core.OpenSession(l.reg, r, l.sessionOptions(opts))
}

// OpenFile opens path and starts a decode session that owns the file.
func (l *Loader) OpenFile(path string) (*core.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindLoadFailedExternal, "open_file", err)
	}
	return l.Open(f, core.SessionOptions{})
}

// NewWriter starts an encode session for ff on w. The configured encoder
// options apply unless opts.DefaultOptions is set.
func (l *Loader) NewWriter(ff core.FileFormat, w io.Writer, opts core.SessionOptions) (*core.Session, error) {
	if opts.DefaultOptions == nil {
		if d, err := l.cfg.EncodeDefaults(ff); err == nil && d != nil {
			opts.DefaultOptions = d
		}
	}
	return core.NewEncodeSession(l.reg, ff, w, l.sessionOptions(opts))
}

// Load decodes a whole image from r in one call. force selects the output
// pixel format; InvalidFormat keeps the decoded one. r is not closed.
func (l *Loader) Load(r io.ReadSeeker, force core.PixelFormat) (*Image, error) {
	s, err := l.Open(r, core.SessionOptions{KeepStreamOpen: true})
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return readAll(s, force)
}

func readAll(s *core.Session, force core.PixelFormat) (*Image, error) {
	info, err := s.Info()
	if err != nil {
		return nil, err
	}
	prof, err := s.ColourProfile()
	if err != nil {
		return nil, err
	}
	ff, err := s.FileFormat()
	if err != nil {
		return nil, err
	}
	format := force
	if format == core.InvalidFormat {
		format = info.Format
	}
	size, err := core.ImageSize(format, info.Width, info.Height)
	if err != nil {
		return nil, err
	}
	pix := make([]byte, size)
	if err := s.Decode(pix, format); err != nil {
		return nil, err
	}
	return &Image{
		FileFormat: ff,
		Width:      info.Width,
		Height:     info.Height,
		Format:     format,
		Pixels:     pix,
		Profile:    prof,
	}, nil
}

// Save encodes img to w as ff. opts may be nil to use the configured
// defaults. w is not closed.
func (l *Loader) Save(w io.Writer, ff core.FileFormat, img *Image, opts core.EncodingOptions) error {
	if img == nil {
		return apperrors.Newf(apperrors.KindInvalidEncodeArgs, "save", "%w: nil image", apperrors.ErrInvalidEncodeArgs)
	}
	s, err := l.NewWriter(ff, w, core.SessionOptions{KeepStreamOpen: true})
	if err != nil {
		return err
	}
	defer s.Close()
	req := core.NewWriteRequest(img.Pixels, img.Width, img.Height, img.Format)
	req.ProfileName = img.Profile.Name
	req.Profile = img.Profile.Data
	req.Options = opts
	return s.Write(req)
}

// DecodeBatch decodes streams concurrently on at most WorkerCount workers.
// Results and errors are index-aligned with streams. Streams not yet started
// when ctx is cancelled fail with ctx.Err(). Streams are not closed.
func (l *Loader) DecodeBatch(ctx context.Context, streams []io.ReadSeeker, force core.PixelFormat) ([]*Image, []error) {
	images := make([]*Image, len(streams))
	errs := make([]error, len(streams))

	workers := l.cfg.WorkerCount
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(streams) {
		workers = len(streams)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if err := ctx.Err(); err != nil {
					errs[idx] = err
					continue
				}
				images[idx], errs[idx] = l.Load(streams[idx], force)
			}
		}()
	}
	for i := range streams {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return images, errs
}

// ── Pure queries ──────────────────────────────────────────────────────────────

// DetectFileFormat inspects r without decoding and restores its position.
func (l *Loader) DetectFileFormat(r io.ReadSeeker) (core.FileFormat, error) {
	b := core.NewReadBridge(r)
	defer b.Detach()
	f := l.reg.Detect(b)
	if err := b.Err(); err != nil {
		return core.UnknownFileFormat, apperrors.Wrap(apperrors.KindLoadFailedExternal, "detect", err)
	}
	return f, nil
}

// IsFormatSupported reports whether a write of p to ff is accepted. Use
// GetWhatFormatWillBeWrittenForData to learn what the file will hold.
func (l *Loader) IsFormatSupported(ff core.FileFormat, p core.PixelFormat) bool {
	return l.reg.IsFormatSupported(ff, p)
}

// GetWhatFormatWillBeWrittenForData predicts the pixel format a write of in
// data to ff produces, given the preferred output format (InvalidFormat for
// none). InvalidFormat means ff cannot store the data.
func (l *Loader) GetWhatFormatWillBeWrittenForData(ff core.FileFormat, in, out core.PixelFormat) core.PixelFormat {
	return l.reg.WhatFormatWillBeWritten(ff, in, out)
}

// ChangeBitDepth returns f with its channel count kept and depth replaced.
func ChangeBitDepth(f core.PixelFormat, d core.BitDepth) (core.PixelFormat, error) {
	return core.ChangeBitDepth(f, d)
}

// GetBitDepth returns the per-channel depth of f.
func GetBitDepth(f core.PixelFormat) (core.BitDepth, error) {
	return core.GetBitDepth(f)
}
