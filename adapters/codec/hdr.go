package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/utils"
)

const (
	maxHDRHeaderLine = 4096
	maxHDRHeaderSize = 64 << 10
	hdrFormatRGBE    = "32-bit_rle_rgbe"
)

// HDR reads Radiance RGBE images (flat or adaptive RLE scanlines) and writes
// flat RGBE. Pixels are always RGB32F.
type HDR struct {
	chunkSize int
}

func NewHDR(chunkSize int) *HDR { return &HDR{chunkSize: chunkSize} }

func (h *HDR) FileFormat() core.FileFormat { return core.HDR }

func (h *HDR) CanLoad(b *core.Bridge) bool {
	head := make([]byte, 10)
	n := b.Peek(head)
	return utils.DetectFormat(head[:n]) == utils.FormatHDR
}

type hdrHeader struct {
	width, height int
	flipY         bool
	flipX         bool
	dataOffset    int64
}

func (h *HDR) Open(b *core.Bridge) (core.Handle, apperrors.Status) {
	start := b.Tell()
	hdr, err := readHDRHeader(bufio.NewReader(b.Reader()))
	if err != nil {
		return openResult(nil, err)
	}
	hd, err := newDecodeHandle(start, hdr.width, hdr.height, core.RGB32F, func(b *core.Bridge) ([]byte, error) {
		r := b.Reader()
		if _, err := r.Seek(start+hdr.dataOffset, io.SeekStart); err != nil {
			return nil, withStatus(apperrors.StatusLoadFailedExternal, err)
		}
		return readRGBE(bufio.NewReader(r), hdr)
	})
	return openResult(hd, err)
}

// readHDRHeader parses the text header and resolution line.
func readHDRHeader(r *bufio.Reader) (*hdrHeader, error) {
	fail := func(format string, args ...any) error {
		return statusf(apperrors.StatusLoadFailedExternal, "hdr: "+format, args...)
	}
	var consumed int64
	line := func() (string, error) {
		s, err := r.ReadString('\n')
		consumed += int64(len(s))
		if err != nil {
			return "", err
		}
		if len(s) > maxHDRHeaderLine || consumed > maxHDRHeaderSize {
			return "", fmt.Errorf("header too long")
		}
		return strings.TrimRight(s, "\r\n"), nil
	}
	magic, err := line()
	if err != nil || !strings.HasPrefix(magic, "#?") {
		return nil, fail("missing magic line")
	}
	for {
		s, err := line()
		if err != nil {
			return nil, fail("header: %v", err)
		}
		if s == "" {
			break
		}
		if v, ok := strings.CutPrefix(s, "FORMAT="); ok && strings.TrimSpace(v) != hdrFormatRGBE {
			return nil, statusf(apperrors.StatusUnsupportedVariant, "hdr: format %s", v)
		}
	}
	res, err := line()
	if err != nil {
		return nil, fail("resolution: %v", err)
	}
	var ya, xa string
	hdr := &hdrHeader{}
	if _, err := fmt.Sscanf(res, "%s %d %s %d", &ya, &hdr.height, &xa, &hdr.width); err != nil {
		return nil, fail("resolution %q: %v", res, err)
	}
	switch {
	case ya == "-Y" && xa == "+X":
	case ya == "+Y" && xa == "+X":
		hdr.flipY = true
	case ya == "-Y" && xa == "-X":
		hdr.flipX = true
	case ya == "+Y" && xa == "-X":
		hdr.flipX, hdr.flipY = true, true
	default:
		return nil, statusf(apperrors.StatusUnsupportedVariant, "hdr: orientation %q", res)
	}
	hdr.dataOffset = consumed
	return hdr, nil
}

func readRGBE(r *bufio.Reader, hdr *hdrHeader) ([]byte, error) {
	w, h := hdr.width, hdr.height
	out := make([]byte, w*h*12)
	scan := make([]byte, w*4)
	for y := 0; y < h; y++ {
		if err := readScanline(r, scan); err != nil {
			return nil, withStatus(apperrors.StatusLoadFailedExternal, fmt.Errorf("hdr: scanline %d: %w", y, err))
		}
		dy := y
		if hdr.flipY {
			dy = h - 1 - y
		}
		for x := 0; x < w; x++ {
			dx := x
			if hdr.flipX {
				dx = w - 1 - x
			}
			rgb := rgbeToFloat(scan[4*x : 4*x+4])
			o := out[(dy*w+dx)*12:]
			for c := 0; c < 3; c++ {
				binary.LittleEndian.PutUint32(o[4*c:], math.Float32bits(rgb[c]))
			}
		}
	}
	return out, nil
}

// readScanline fills scan with one row of RGBE quads, handling both flat
// and adaptive run-length encoded rows.
func readScanline(r *bufio.Reader, scan []byte) error {
	w := len(scan) / 4
	head, err := r.Peek(4)
	if err != nil {
		return err
	}
	if w < 8 || w > 0x7fff || head[0] != 2 || head[1] != 2 || head[2]&0x80 != 0 {
		_, err := io.ReadFull(r, scan)
		return err
	}
	if int(head[2])<<8|int(head[3]) != w {
		return fmt.Errorf("scanline width %d, want %d", int(head[2])<<8|int(head[3]), w)
	}
	if _, err := r.Discard(4); err != nil {
		return err
	}
	for c := 0; c < 4; c++ {
		for x := 0; x < w; {
			n, err := r.ReadByte()
			if err != nil {
				return err
			}
			if n > 128 {
				run := int(n) - 128
				v, err := r.ReadByte()
				if err != nil {
					return err
				}
				if x+run > w {
					return fmt.Errorf("run overruns scanline")
				}
				for i := 0; i < run; i++ {
					scan[4*(x+i)+c] = v
				}
				x += run
				continue
			}
			if n == 0 || x+int(n) > w {
				return fmt.Errorf("bad literal count %d", n)
			}
			for i := 0; i < int(n); i++ {
				v, err := r.ReadByte()
				if err != nil {
					return err
				}
				scan[4*(x+i)+c] = v
			}
			x += int(n)
		}
	}
	return nil
}

func rgbeToFloat(p []byte) [3]float32 {
	if p[3] == 0 {
		return [3]float32{}
	}
	f := float32(math.Ldexp(1, int(p[3])-(128+8)))
	return [3]float32{float32(p[0]) * f, float32(p[1]) * f, float32(p[2]) * f}
}

func floatToRGBE(r, g, b float32) [4]byte {
	v := max(r, g, b)
	if !(v > 1e-32) {
		return [4]byte{}
	}
	m, e := math.Frexp(float64(v))
	scale := float32(m * 256 / float64(v))
	clamp := func(c float32) byte {
		if !(c > 0) {
			return 0
		}
		return byte(min(c*scale, 255))
	}
	return [4]byte{clamp(r), clamp(g), clamp(b), byte(e + 128)}
}

func (h *HDR) NewEncoder() (core.Handle, apperrors.Status) {
	return newEncodeHandle(h, h.write), apperrors.StatusOK
}

func (h *HDR) write(b *core.Bridge, pix []byte, _ core.PixelFormat, req *core.WriteRequest) error {
	buf := utils.AcquireBuffer()
	defer utils.ReleaseBuffer(buf)
	fmt.Fprintf(buf, "#?RADIANCE\nFORMAT=%s\n\n-Y %d +X %d\n", hdrFormatRGBE, req.Height, req.Width)
	n := req.Width * req.Height
	for i := 0; i < n; i++ {
		p := pix[12*i:]
		q := floatToRGBE(
			math.Float32frombits(binary.LittleEndian.Uint32(p[0:])),
			math.Float32frombits(binary.LittleEndian.Uint32(p[4:])),
			math.Float32frombits(binary.LittleEndian.Uint32(p[8:])),
		)
		buf.Write(q[:])
	}
	cw := &utils.ChunkedWriter{W: b.Writer(), ChunkSize: h.chunkSize}
	if _, err := cw.Write(buf.Bytes()); err != nil {
		return withStatus(apperrors.StatusWriteFailedExternal, err)
	}
	return nil
}

// WhatFormatWillBeWritten is RGB32F for every valid input.
func (h *HDR) WhatFormatWillBeWritten(in, _ core.PixelFormat) core.PixelFormat {
	if !in.Valid() {
		return core.InvalidFormat
	}
	return core.RGB32F
}

var _ core.Codec = (*HDR)(nil)
