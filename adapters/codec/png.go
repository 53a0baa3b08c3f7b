package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image/png"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/text/encoding/charmap"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/utils"
)

const (
	pngColorGray      = 0
	pngColorRGB       = 2
	pngColorPalette   = 3
	pngColorGrayAlpha = 4
	pngColorRGBA      = 6

	// maxPNGChunk bounds ancillary chunks read during the header scan.
	maxPNGChunk = 64 << 20
	// maxProfileBytes bounds an inflated ICC profile.
	maxProfileBytes = 64 << 20
	// maxProfileName is the longest keyword a PNG text-like chunk allows.
	maxProfileName = 79
)

var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// PNG reads every PNG colour type and writes 8 and 16 bit grey, RGB and
// RGBA images with an optional iCCP profile.
type PNG struct {
	chunkSize int
}

func NewPNG(chunkSize int) *PNG { return &PNG{chunkSize: chunkSize} }

func (p *PNG) FileFormat() core.FileFormat { return core.PNG }

func (p *PNG) CanLoad(b *core.Bridge) bool {
	head := make([]byte, len(pngSignature))
	n := b.Peek(head)
	return utils.DetectFormat(head[:n]) == utils.FormatPNG
}

// pngHeader is what the chunk scan learns before IDAT.
type pngHeader struct {
	width, height int
	bitDepth      int
	colorType     int
	hasTRNS       bool
	profileName   string
	profile       []byte
}

func (p *PNG) Open(b *core.Bridge) (core.Handle, apperrors.Status) {
	start := b.Tell()
	hdr, err := readPNGHeader(b.Reader())
	if err != nil {
		return openResult(nil, err)
	}
	f := hdr.pixelFormat()
	h, err := newDecodeHandle(start, hdr.width, hdr.height, f, func(b *core.Bridge) ([]byte, error) {
		img, err := png.Decode(b.Reader())
		if err != nil {
			return nil, withStatus(apperrors.StatusLoadFailedExternal, err)
		}
		return extract(img, f)
	})
	if err != nil {
		return openResult(nil, err)
	}
	h.setProfile(hdr.profileName, hdr.profile)
	return openResult(h, nil)
}

// pixelFormat maps the PNG colour type onto the format the decoder yields.
// Grey+alpha and anything carrying tRNS transparency decode as RGBA.
func (h *pngHeader) pixelFormat() core.PixelFormat {
	bits := h.bitDepth
	if h.colorType == pngColorPalette {
		bits = 8
	}
	switch {
	case h.colorType == pngColorGray && !h.hasTRNS:
		return integerFormat(1, bits)
	case (h.colorType == pngColorRGB || h.colorType == pngColorPalette) && !h.hasTRNS:
		return integerFormat(3, bits)
	default:
		return integerFormat(4, bits)
	}
}

func readPNGHeader(r io.ReadSeeker) (*pngHeader, error) {
	var sig [8]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return nil, withStatus(apperrors.StatusLoadFailedExternal, fmt.Errorf("png: read signature: %w", err))
	}
	if !bytes.Equal(sig[:], pngSignature) {
		return nil, statusf(apperrors.StatusUnsupportedFiletype, "png: invalid signature")
	}

	hdr := &pngHeader{}
	seenIHDR := false
	for {
		var head [8]byte
		if _, err := io.ReadFull(r, head[:]); err != nil {
			return nil, withStatus(apperrors.StatusLoadFailedExternal, fmt.Errorf("png: truncated chunk header: %w", err))
		}
		length := int64(binary.BigEndian.Uint32(head[0:4]))
		kind := string(head[4:8])

		switch kind {
		case "IHDR", "tRNS", "iCCP":
			if length > maxPNGChunk {
				return nil, statusf(apperrors.StatusLoadFailedExternal, "png: %s chunk of %d bytes", kind, length)
			}
			data := make([]byte, length+4) // data + CRC
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, withStatus(apperrors.StatusLoadFailedExternal, fmt.Errorf("png: truncated %s chunk: %w", kind, err))
			}
			data = data[:length]
			switch kind {
			case "IHDR":
				if length < 13 {
					return nil, statusf(apperrors.StatusLoadFailedExternal, "png: short IHDR")
				}
				hdr.width = int(binary.BigEndian.Uint32(data[0:4]))
				hdr.height = int(binary.BigEndian.Uint32(data[4:8]))
				hdr.bitDepth = int(data[8])
				hdr.colorType = int(data[9])
				seenIHDR = true
			case "tRNS":
				hdr.hasTRNS = true
			case "iCCP":
				name, profile, err := parseICCP(data)
				if err != nil {
					return nil, withStatus(apperrors.StatusLoadFailedExternal, err)
				}
				hdr.profileName, hdr.profile = name, profile
			}
		case "IDAT", "IEND":
			if !seenIHDR {
				return nil, statusf(apperrors.StatusLoadFailedExternal, "png: %s before IHDR", kind)
			}
			return hdr, nil
		default:
			if _, err := r.Seek(length+4, io.SeekCurrent); err != nil {
				return nil, withStatus(apperrors.StatusLoadFailedExternal, err)
			}
		}
	}
}

// parseICCP splits an iCCP chunk into its Latin-1 profile name and the
// inflated profile bytes.
func parseICCP(data []byte) (string, []byte, error) {
	sep := bytes.IndexByte(data, 0)
	if sep < 1 || sep > maxProfileName || sep+2 > len(data) {
		return "", nil, errors.New("png: malformed iCCP chunk")
	}
	if data[sep+1] != 0 {
		return "", nil, fmt.Errorf("png: iCCP compression method %d", data[sep+1])
	}
	name, err := charmap.ISO8859_1.NewDecoder().Bytes(data[:sep])
	if err != nil {
		return "", nil, fmt.Errorf("png: iCCP name: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(data[sep+2:]))
	if err != nil {
		return "", nil, fmt.Errorf("png: iCCP data: %w", err)
	}
	defer zr.Close()
	profile, err := io.ReadAll(&utils.LimitedReader{R: zr, Max: maxProfileBytes})
	if err != nil {
		return "", nil, fmt.Errorf("png: iCCP data: %w", err)
	}
	return string(name), profile, nil
}

func (p *PNG) NewEncoder() (core.Handle, apperrors.Status) {
	return newEncodeHandle(p, p.write), apperrors.StatusOK
}

func (p *PNG) write(b *core.Bridge, pix []byte, f core.PixelFormat, req *core.WriteRequest) error {
	opts := core.DefaultPNGOptions()
	if o, ok := req.Options.(*core.PNGOptions); ok && o != nil {
		opts = o
	}
	buf := utils.AcquireBuffer()
	defer utils.ReleaseBuffer(buf)

	enc := pngEncoder{
		w:       buf,
		level:   opts.CompressionLevel,
		filters: opts.Filters,
	}
	if err := enc.encode(pix, f, req.Width, req.Height, req.ProfileName, req.Profile); err != nil {
		return err
	}
	cw := &utils.ChunkedWriter{W: b.Writer(), ChunkSize: p.chunkSize}
	if _, err := cw.Write(buf.Bytes()); err != nil {
		return withStatus(apperrors.StatusWriteFailedExternal, err)
	}
	return nil
}

// WhatFormatWillBeWritten keeps the channel layout (RG widens to RGBA) and
// stores floats as 16-bit integers.
func (p *PNG) WhatFormatWillBeWritten(in, out core.PixelFormat) core.PixelFormat {
	ch := channelsOf(in)
	if ch == 2 {
		ch = 4
	}
	return integerTarget(ch, in, out)
}

var _ core.Codec = (*PNG)(nil)
