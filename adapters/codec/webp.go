package codec

import (
	"image/color"

	"golang.org/x/image/webp"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/utils"
)

// WebP decodes lossy and lossless WebP through golang.org/x/image/webp. The
// pure Go backend has no WebP encoder; register the libvips codec to write
// WebP.
type WebP struct{}

func NewWebP() *WebP { return &WebP{} }

func (p *WebP) FileFormat() core.FileFormat { return core.WebP }

func (p *WebP) CanLoad(b *core.Bridge) bool {
	head := make([]byte, 12)
	n := b.Peek(head)
	return utils.DetectFormat(head[:n]) == utils.FormatWebP
}

func (p *WebP) Open(b *core.Bridge) (core.Handle, apperrors.Status) {
	start := b.Tell()
	cfg, err := webp.DecodeConfig(b.Reader())
	if err != nil {
		return openResult(nil, withStatus(apperrors.StatusLoadFailedExternal, err))
	}
	f := core.RGB8U
	switch cfg.ColorModel {
	case color.NRGBAModel, color.NYCbCrAModel:
		f = core.RGBA8U
	}
	h, err := newDecodeHandle(start, cfg.Width, cfg.Height, f, func(b *core.Bridge) ([]byte, error) {
		img, err := webp.Decode(b.Reader())
		if err != nil {
			return nil, withStatus(apperrors.StatusLoadFailedExternal, err)
		}
		return extract(img, f)
	})
	return openResult(h, err)
}

func (p *WebP) NewEncoder() (core.Handle, apperrors.Status) {
	return newEncodeHandle(p, func(*core.Bridge, []byte, core.PixelFormat, *core.WriteRequest) error {
		return statusf(apperrors.StatusUnsupportedFiletype, "webp: no encoder in the pure Go backend")
	}), apperrors.StatusOK
}

// WhatFormatWillBeWritten is always InvalidFormat: nothing can be written.
func (p *WebP) WhatFormatWillBeWritten(core.PixelFormat, core.PixelFormat) core.PixelFormat {
	return core.InvalidFormat
}

var _ core.Codec = (*WebP)(nil)
