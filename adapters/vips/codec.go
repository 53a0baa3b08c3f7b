// Package vips provides a libvips-backed WebP codec. It decodes and encodes
// WebP through govips and reuses the pure Go PNG codec as the pixel
// interchange format, so it can replace the decode-only WebP codec in a
// registry.
package vips

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/image-loader/adapters/codec"
	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/utils"
)

// BackendConfig configures libvips and the WebP encoder defaults.
type BackendConfig struct {
	DefaultQuality int
	Lossless       bool
	MaxCacheSize   int
	MaxWorkers     int
	ReportLeaks    bool
	ChunkSize      int
}

// Codec is a core.Codec and core.Initializer for WebP. Initialise must run
// before the first Open or Write; CleanUp shuts libvips down.
type Codec struct {
	cfg BackendConfig
	png *codec.PNG

	startOnce sync.Once
	stopOnce  sync.Once
}

// New returns a Codec. libvips is not started until Initialise.
func New(cfg BackendConfig) *Codec {
	if cfg.DefaultQuality <= 0 {
		cfg.DefaultQuality = 85
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	return &Codec{cfg: cfg, png: codec.NewPNG(0)}
}

func (c *Codec) Initialise() error {
	c.startOnce.Do(func() {
		govips.Startup(&govips.Config{
			ConcurrencyLevel: c.cfg.MaxWorkers,
			MaxCacheSize:     c.cfg.MaxCacheSize,
			ReportLeaks:      c.cfg.ReportLeaks,
		})
	})
	return nil
}

func (c *Codec) CleanUp() {
	c.stopOnce.Do(govips.Shutdown)
}

func (c *Codec) FileFormat() core.FileFormat { return core.WebP }

func (c *Codec) CanLoad(b *core.Bridge) bool {
	head := make([]byte, 12)
	n := b.Peek(head)
	return utils.DetectFormat(head[:n]) == utils.FormatWebP
}

// Open transcodes the whole WebP stream to PNG once; decodes read the PNG.
func (c *Codec) Open(b *core.Bridge) (core.Handle, apperrors.Status) {
	buf, err := utils.DrainReader(b.Reader(), c.cfg.ChunkSize)
	if err != nil {
		return nil, apperrors.StatusLoadFailedExternal
	}
	raw := utils.CloneBytes(buf.Bytes())
	utils.ReleaseBuffer(buf)

	ref, err := govips.NewImageFromBuffer(raw)
	if err != nil {
		return nil, apperrors.StatusLoadFailedExternal
	}
	defer ref.Close()
	ep := govips.NewPngExportParams()
	ep.Compression = 0
	png, _, err := ref.ExportPng(ep)
	if err != nil {
		return nil, apperrors.StatusLoadFailedInternal
	}

	mb := core.NewReadBridge(bytes.NewReader(png))
	defer mb.Detach()
	h, st := c.png.Open(mb)
	if st != apperrors.StatusOK {
		return nil, st
	}
	return &pngBacked{Handle: h, png: png}, apperrors.StatusOK
}

// pngBacked serves decodes from the transcoded PNG rather than the caller
// stream.
type pngBacked struct {
	core.Handle
	png []byte
}

func (h *pngBacked) Decode(_ *core.Bridge, dest []byte, force core.PixelFormat) apperrors.Status {
	mb := core.NewReadBridge(bytes.NewReader(h.png))
	defer mb.Detach()
	return h.Handle.Decode(mb, dest, force)
}

func (h *pngBacked) Close() {
	h.Handle.Close()
	h.png = nil
}

func (c *Codec) NewEncoder() (core.Handle, apperrors.Status) {
	return &encoder{c: c}, apperrors.StatusOK
}

type encoder struct {
	c       *Codec
	lastErr string
}

func (e *encoder) fail(st apperrors.Status, err error) apperrors.Status {
	e.lastErr = err.Error()
	return st
}

func (e *encoder) Info() (core.ImageInfo, apperrors.Status) {
	return core.ImageInfo{}, e.fail(apperrors.StatusLoadFailedInternal, fmt.Errorf("webp: encoder has no image"))
}

func (e *encoder) ColourProfile() (core.ColourProfile, apperrors.Status) {
	return core.ColourProfile{}, e.fail(apperrors.StatusLoadFailedInternal, fmt.Errorf("webp: encoder has no image"))
}

func (e *encoder) Decode(*core.Bridge, []byte, core.PixelFormat) apperrors.Status {
	return e.fail(apperrors.StatusLoadFailedInternal, fmt.Errorf("webp: encoder cannot decode"))
}

func (e *encoder) LastErrorDetails() string { return e.lastErr }
func (e *encoder) Close()                   {}

// Write converts to 8-bit RGB(A), encodes that as PNG and lets libvips
// re-encode the PNG as WebP.
func (e *encoder) Write(b *core.Bridge, req *core.WriteRequest) apperrors.Status {
	target := e.c.WhatFormatWillBeWritten(req.InputFormat, req.OutputFormat)
	if target == core.InvalidFormat {
		return e.fail(apperrors.StatusInvalidEncodeArgs, fmt.Errorf("webp: cannot store %s", req.InputFormat))
	}
	quality, lossless := e.c.cfg.DefaultQuality, e.c.cfg.Lossless
	if o, ok := req.Options.(*core.WebPOptions); ok && o != nil {
		quality, lossless = o.Quality, o.Lossless
	}

	size, err := core.ImageSize(target, req.Width, req.Height)
	if err != nil {
		return e.fail(apperrors.StatusWriteFailedInternal, err)
	}
	pix := make([]byte, size)
	if err := core.ConvertPixels(req.Data, req.InputFormat, pix, target, req.Width, req.Height); err != nil {
		return e.fail(apperrors.StatusConversionFailedBadFormat, err)
	}

	pngEnc, st := e.c.png.NewEncoder()
	if st != apperrors.StatusOK {
		return e.fail(st, fmt.Errorf("webp: png encoder unavailable"))
	}
	defer pngEnc.Close()
	mem := utils.NewMemoryStream(nil)
	mb := core.NewWriteBridge(mem)
	inner := core.NewWriteRequest(pix, req.Width, req.Height, target)
	inner.Profile = req.Profile
	st = pngEnc.Write(mb, inner)
	mb.Detach()
	if st != apperrors.StatusOK {
		return e.fail(st, fmt.Errorf("webp: %s", pngEnc.LastErrorDetails()))
	}

	ref, err := govips.NewImageFromBuffer(mem.Bytes())
	if err != nil {
		return e.fail(apperrors.StatusWriteFailedInternal, err)
	}
	defer ref.Close()
	ep := govips.NewWebpExportParams()
	ep.Quality = quality
	ep.Lossless = lossless
	ep.StripMetadata = len(req.Profile) == 0
	out, _, err := ref.ExportWebp(ep)
	if err != nil {
		return e.fail(apperrors.StatusWriteFailedExternal, err)
	}
	cw := &utils.ChunkedWriter{W: b.Writer(), ChunkSize: e.c.cfg.ChunkSize}
	if _, err := cw.Write(out); err != nil {
		return e.fail(apperrors.StatusWriteFailedExternal, err)
	}
	return apperrors.StatusOK
}

// WhatFormatWillBeWritten stores 8-bit RGB, or RGBA when the input has
// alpha.
func (c *Codec) WhatFormatWillBeWritten(in, _ core.PixelFormat) core.PixelFormat {
	n, err := core.NumChannels(in)
	if err != nil {
		return core.InvalidFormat
	}
	if n == 2 || n == 4 {
		return core.RGBA8U
	}
	return core.RGB8U
}

var (
	_ core.Codec       = (*Codec)(nil)
	_ core.Initializer = (*Codec)(nil)
	_ core.Handle      = (*encoder)(nil)
	_ core.Handle      = (*pngBacked)(nil)
)
