package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/utils"
)

const (
	tgaHeaderLen = 18

	tgaColorMapped    = 1
	tgaTrueColor      = 2
	tgaGrey           = 3
	tgaColorMappedRLE = 9
	tgaTrueColorRLE   = 10
	tgaGreyRLE        = 11

	tgaTopToBottom = 0x20
	tgaRightToLeft = 0x10

	tgaMaxDim = 0xFFFF
)

var tgaFooter = []byte("TRUEVISION-XFILE.\x00")

// TGA reads and writes uncompressed and RLE true-colour and greyscale
// Truevision images. 16-bit greyscale carries an alpha byte and maps to
// RG8U. Colour-mapped and 15/16-bit true-colour images are recognised but
// rejected as unsupported variants.
type TGA struct {
	chunkSize  int
	defaultRLE bool
}

func NewTGA(chunkSize int, rle bool) *TGA { return &TGA{chunkSize: chunkSize, defaultRLE: rle} }

func (t *TGA) FileFormat() core.FileFormat { return core.TGA }

type tgaHeader struct {
	idLength     int
	colorMapType byte
	imageType    byte
	cmapLength   int
	cmapEntry    int
	width        int
	height       int
	depth        int
	descriptor   byte
}

func parseTGAHeader(b []byte) tgaHeader {
	return tgaHeader{
		idLength:     int(b[0]),
		colorMapType: b[1],
		imageType:    b[2],
		cmapLength:   int(binary.LittleEndian.Uint16(b[5:7])),
		cmapEntry:    int(b[7]),
		width:        int(binary.LittleEndian.Uint16(b[12:14])),
		height:       int(binary.LittleEndian.Uint16(b[14:16])),
		depth:        int(b[16]),
		descriptor:   b[17],
	}
}

// plausible is the signature check TGA lacks: every header field must hold
// a value some TGA writer could have produced.
func (h tgaHeader) plausible() bool {
	if h.width == 0 || h.height == 0 || h.descriptor&0xC0 != 0 {
		return false
	}
	switch h.imageType {
	case tgaColorMapped, tgaColorMappedRLE:
		if h.colorMapType != 1 {
			return false
		}
		switch h.cmapEntry {
		case 15, 16, 24, 32:
		default:
			return false
		}
	case tgaTrueColor, tgaGrey, tgaTrueColorRLE, tgaGreyRLE:
		if h.colorMapType > 1 {
			return false
		}
	default:
		return false
	}
	switch h.depth {
	case 8, 15, 16, 24, 32:
		return true
	}
	return false
}

func (h tgaHeader) rle() bool { return h.imageType >= tgaColorMappedRLE }

func (h tgaHeader) pixelFormat() (core.PixelFormat, error) {
	switch h.imageType {
	case tgaColorMapped, tgaColorMappedRLE:
		return core.InvalidFormat, statusf(apperrors.StatusUnsupportedVariant, "tga: colour-mapped images")
	case tgaGrey, tgaGreyRLE:
		switch h.depth {
		case 8:
			return core.R8U, nil
		case 16:
			return core.RG8U, nil
		}
	case tgaTrueColor, tgaTrueColorRLE:
		switch h.depth {
		case 24:
			return core.RGB8U, nil
		case 32:
			return core.RGBA8U, nil
		}
	}
	return core.InvalidFormat, statusf(apperrors.StatusUnsupportedVariant, "tga: type %d at %d bits", h.imageType, h.depth)
}

func (t *TGA) CanLoad(b *core.Bridge) bool {
	var head [tgaHeaderLen]byte
	if b.Peek(head[:]) < tgaHeaderLen {
		return false
	}
	return parseTGAHeader(head[:]).plausible()
}

func (t *TGA) Open(b *core.Bridge) (core.Handle, apperrors.Status) {
	start := b.Tell()
	var head [tgaHeaderLen]byte
	if _, err := io.ReadFull(b.Reader(), head[:]); err != nil {
		return openResult(nil, withStatus(apperrors.StatusLoadFailedExternal, fmt.Errorf("tga: header: %w", err)))
	}
	hdr := parseTGAHeader(head[:])
	if !hdr.plausible() {
		return openResult(nil, statusf(apperrors.StatusUnsupportedFiletype, "tga: implausible header"))
	}
	f, err := hdr.pixelFormat()
	if err != nil {
		return openResult(nil, err)
	}
	h, err := newDecodeHandle(start, hdr.width, hdr.height, f, func(b *core.Bridge) ([]byte, error) {
		return readTGA(b.Reader(), hdr)
	})
	return openResult(h, err)
}

func readTGA(r io.Reader, hdr tgaHeader) ([]byte, error) {
	skip := int64(tgaHeaderLen + hdr.idLength)
	if hdr.colorMapType == 1 {
		skip += int64(hdr.cmapLength * ((hdr.cmapEntry + 7) / 8))
	}
	br := bufio.NewReader(r)
	if _, err := br.Discard(int(skip)); err != nil {
		return nil, withStatus(apperrors.StatusLoadFailedExternal, fmt.Errorf("tga: header: %w", err))
	}
	px := hdr.depth / 8
	w, h := hdr.width, hdr.height
	pix := make([]byte, w*h*px)
	var err error
	if hdr.rle() {
		err = unpackTGA(br, pix, px)
	} else {
		_, err = io.ReadFull(br, pix)
	}
	if err != nil {
		return nil, withStatus(apperrors.StatusLoadFailedExternal, fmt.Errorf("tga: pixel data: %w", err))
	}

	// BGR(A) to RGB(A), then normalise to top-left origin.
	if px >= 3 {
		for i := 0; i < len(pix); i += px {
			pix[i], pix[i+2] = pix[i+2], pix[i]
		}
	}
	stride := w * px
	if hdr.descriptor&tgaTopToBottom == 0 {
		tmp := make([]byte, stride)
		for y := 0; y < h/2; y++ {
			top, bot := pix[y*stride:(y+1)*stride], pix[(h-1-y)*stride:(h-y)*stride]
			copy(tmp, top)
			copy(top, bot)
			copy(bot, tmp)
		}
	}
	if hdr.descriptor&tgaRightToLeft != 0 {
		tmp := make([]byte, px)
		for y := 0; y < h; y++ {
			row := pix[y*stride : (y+1)*stride]
			for x := 0; x < w/2; x++ {
				a, b := row[x*px:(x+1)*px], row[(w-1-x)*px:(w-x)*px]
				copy(tmp, a)
				copy(a, b)
				copy(b, tmp)
			}
		}
	}
	return pix, nil
}

// unpackTGA expands run-length packets into pix.
func unpackTGA(r *bufio.Reader, pix []byte, px int) error {
	for off := 0; off < len(pix); {
		head, err := r.ReadByte()
		if err != nil {
			return err
		}
		n := int(head&0x7F) + 1
		if off+n*px > len(pix) {
			return fmt.Errorf("packet of %d pixels overruns the image", n)
		}
		if head&0x80 != 0 {
			if _, err := io.ReadFull(r, pix[off:off+px]); err != nil {
				return err
			}
			for i := 1; i < n; i++ {
				copy(pix[off+i*px:], pix[off:off+px])
			}
		} else if _, err := io.ReadFull(r, pix[off:off+n*px]); err != nil {
			return err
		}
		off += n * px
	}
	return nil
}

func (t *TGA) NewEncoder() (core.Handle, apperrors.Status) {
	return newEncodeHandle(t, t.write), apperrors.StatusOK
}

func (t *TGA) write(b *core.Bridge, pix []byte, f core.PixelFormat, req *core.WriteRequest) error {
	if req.Width > tgaMaxDim || req.Height > tgaMaxDim {
		return statusf(apperrors.StatusInvalidEncodeArgs, "tga: %dx%d exceeds %d", req.Width, req.Height, tgaMaxDim)
	}
	rle := t.defaultRLE
	if o, ok := req.Options.(*core.TGAOptions); ok && o != nil {
		rle = o.RLE
	}
	px := channelsOf(f)

	var head [tgaHeaderLen]byte
	head[2] = tgaTrueColor
	if px <= 2 {
		head[2] = tgaGrey
	}
	if rle {
		head[2] += 8
	}
	binary.LittleEndian.PutUint16(head[12:14], uint16(req.Width))
	binary.LittleEndian.PutUint16(head[14:16], uint16(req.Height))
	head[16] = byte(8 * px)
	head[17] = tgaTopToBottom
	if px == 2 || px == 4 {
		head[17] |= 8
	}

	buf := utils.AcquireBuffer()
	defer utils.ReleaseBuffer(buf)
	buf.Write(head[:])

	stride := req.Width * px
	row := make([]byte, stride)
	for y := 0; y < req.Height; y++ {
		copy(row, pix[y*stride:(y+1)*stride])
		if px >= 3 {
			for i := 0; i < stride; i += px {
				row[i], row[i+2] = row[i+2], row[i]
			}
		}
		if rle {
			packTGARow(buf, row, px)
		} else {
			buf.Write(row)
		}
	}
	// TGA 2.0 footer with no extension or developer areas.
	buf.Write(make([]byte, 8))
	buf.Write(tgaFooter)

	cw := &utils.ChunkedWriter{W: b.Writer(), ChunkSize: t.chunkSize}
	if _, err := cw.Write(buf.Bytes()); err != nil {
		return withStatus(apperrors.StatusWriteFailedExternal, err)
	}
	return nil
}

// packTGARow run-length encodes one scanline. Packets never span rows.
func packTGARow(out *bytes.Buffer, row []byte, px int) {
	n := len(row) / px
	same := func(i, j int) bool {
		for c := 0; c < px; c++ {
			if row[i*px+c] != row[j*px+c] {
				return false
			}
		}
		return true
	}
	for i := 0; i < n; {
		run := 1
		for i+run < n && run < 128 && same(i, i+run) {
			run++
		}
		if run > 1 {
			out.WriteByte(byte(0x80 | (run - 1)))
			out.Write(row[i*px : (i+1)*px])
			i += run
			continue
		}
		lit := 1
		for i+lit < n && lit < 128 && !(i+lit+1 < n && same(i+lit, i+lit+1)) {
			lit++
		}
		out.WriteByte(byte(lit - 1))
		out.Write(row[i*px : (i+lit)*px])
		i += lit
	}
}

// WhatFormatWillBeWritten stores every channel layout at 8 bits. Two-channel
// data is written as grey plus alpha.
func (t *TGA) WhatFormatWillBeWritten(in, _ core.PixelFormat) core.PixelFormat {
	switch channelsOf(in) {
	case 1:
		return core.R8U
	case 2:
		return core.RG8U
	case 3:
		return core.RGB8U
	case 4:
		return core.RGBA8U
	}
	return core.InvalidFormat
}

var _ core.Codec = (*TGA)(nil)
