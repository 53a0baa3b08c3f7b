package codec

import (
	"errors"
	"image/color"

	"golang.org/x/image/bmp"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/utils"
)

// BMP reads 8, 24 and 32 bit Windows bitmaps through golang.org/x/image/bmp
// and writes 24-bit RGB.
type BMP struct {
	chunkSize int
}

func NewBMP(chunkSize int) *BMP { return &BMP{chunkSize: chunkSize} }

func (m *BMP) FileFormat() core.FileFormat { return core.BMP }

func (m *BMP) CanLoad(b *core.Bridge) bool {
	head := make([]byte, 18)
	n := b.Peek(head)
	return utils.DetectFormat(head[:n]) == utils.FormatBMP
}

func bmpError(err error) error {
	if errors.Is(err, bmp.ErrUnsupported) {
		return withStatus(apperrors.StatusUnsupportedVariant, err)
	}
	return withStatus(apperrors.StatusLoadFailedExternal, err)
}

func (m *BMP) Open(b *core.Bridge) (core.Handle, apperrors.Status) {
	start := b.Tell()
	cfg, err := bmp.DecodeConfig(b.Reader())
	if err != nil {
		return openResult(nil, bmpError(err))
	}
	f := core.RGB8U
	if cfg.ColorModel == color.NRGBAModel {
		f = core.RGBA8U
	}
	h, err := newDecodeHandle(start, cfg.Width, cfg.Height, f, func(b *core.Bridge) ([]byte, error) {
		img, err := bmp.Decode(b.Reader())
		if err != nil {
			return nil, bmpError(err)
		}
		return extract(img, f)
	})
	return openResult(h, err)
}

func (m *BMP) NewEncoder() (core.Handle, apperrors.Status) {
	return newEncodeHandle(m, m.write), apperrors.StatusOK
}

// write relies on bmp.Encode choosing 24 bits for an opaque image.
func (m *BMP) write(b *core.Bridge, pix []byte, f core.PixelFormat, req *core.WriteRequest) error {
	img, err := toImage(pix, f, req.Width, req.Height)
	if err != nil {
		return withStatus(apperrors.StatusWriteFailedInternal, err)
	}
	buf := utils.AcquireBuffer()
	defer utils.ReleaseBuffer(buf)
	if err := bmp.Encode(buf, img); err != nil {
		return withStatus(apperrors.StatusWriteFailedExternal, err)
	}
	cw := &utils.ChunkedWriter{W: b.Writer(), ChunkSize: m.chunkSize}
	if _, err := cw.Write(buf.Bytes()); err != nil {
		return withStatus(apperrors.StatusWriteFailedExternal, err)
	}
	return nil
}

// WhatFormatWillBeWritten is RGB8U for every valid input.
func (m *BMP) WhatFormatWillBeWritten(in, _ core.PixelFormat) core.PixelFormat {
	if !in.Valid() {
		return core.InvalidFormat
	}
	return core.RGB8U
}

var _ core.Codec = (*BMP)(nil)
