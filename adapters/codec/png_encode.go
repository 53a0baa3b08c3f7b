package codec

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/text/encoding/charmap"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
)

const (
	pngFilterNone  = 0
	pngFilterSub   = 1
	pngFilterUp    = 2
	pngFilterAvg   = 3
	pngFilterPaeth = 4

	// maxIDAT is the largest IDAT payload emitted per chunk.
	maxIDAT = 1 << 20

	defaultProfileName = "ICC Profile"
)

// pngEncoder writes PNG streams from little-endian pixel buffers. Unlike
// image/png it never narrows an opaque RGBA image to RGB, so the colour type
// always follows the pixel format, and it honours a filter mask.
type pngEncoder struct {
	w       io.Writer
	level   int
	filters core.PNGFilter
	err     error
}

func (e *pngEncoder) encode(pix []byte, f core.PixelFormat, width, height int, profileName string, profile []byte) error {
	ch, bpc, _, err := core.FormatDetails(f)
	if err != nil {
		return withStatus(apperrors.StatusWriteFailedInternal, err)
	}
	var colorType byte
	switch ch {
	case 1:
		colorType = pngColorGray
	case 3:
		colorType = pngColorRGB
	case 4:
		colorType = pngColorRGBA
	default:
		return statusf(apperrors.StatusWriteFailedInternal, "png: cannot encode %s", f)
	}

	var iccp []byte
	if len(profile) > 0 {
		if iccp, err = buildICCP(profileName, profile); err != nil {
			return err
		}
	}

	e.raw(pngSignature)
	var ihdr [13]byte
	binary.BigEndian.PutUint32(ihdr[0:4], uint32(width))
	binary.BigEndian.PutUint32(ihdr[4:8], uint32(height))
	ihdr[8] = byte(8 * bpc)
	ihdr[9] = colorType
	e.chunk("IHDR", ihdr[:])
	if iccp != nil {
		e.chunk("iCCP", iccp)
	}

	idat, err := e.compress(pix, width, height, ch*bpc, bpc)
	if err != nil {
		return err
	}
	for len(idat) > 0 {
		n := min(len(idat), maxIDAT)
		e.chunk("IDAT", idat[:n])
		idat = idat[n:]
	}
	e.chunk("IEND", nil)
	return withStatus(apperrors.StatusWriteFailedExternal, e.err)
}

func (e *pngEncoder) raw(p []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(p)
	}
}

func (e *pngEncoder) chunk(kind string, data []byte) {
	if e.err != nil {
		return
	}
	var head [8]byte
	binary.BigEndian.PutUint32(head[0:4], uint32(len(data)))
	copy(head[4:8], kind)
	crc := crc32.NewIEEE()
	crc.Write(head[4:8])
	crc.Write(data)
	var tail [4]byte
	binary.BigEndian.PutUint32(tail[:], crc.Sum32())
	e.raw(head[:])
	e.raw(data)
	e.raw(tail[:])
}

// compress filters every row and deflates the result.
func (e *pngEncoder) compress(pix []byte, width, height, px, bpc int) ([]byte, error) {
	level := e.level
	if level < 0 {
		level = zlib.DefaultCompression
	}
	var out bytes.Buffer
	zw, err := zlib.NewWriterLevel(&out, level)
	if err != nil {
		return nil, withStatus(apperrors.StatusWriteFailedInternal, err)
	}
	stride := width * px
	prev := make([]byte, stride)
	cur := make([]byte, stride)
	candidates := filterCandidates(e.filters)
	scratch := make([][]byte, 5)
	for i := range scratch {
		scratch[i] = make([]byte, stride+1)
	}

	for y := 0; y < height; y++ {
		row := pix[y*stride : (y+1)*stride]
		if bpc == 2 {
			// PNG samples are big-endian.
			for i := 0; i < stride; i += 2 {
				cur[i], cur[i+1] = row[i+1], row[i]
			}
		} else {
			copy(cur, row)
		}
		best := pickFilter(candidates, cur, prev, px, scratch)
		if _, err := zw.Write(best); err != nil {
			return nil, withStatus(apperrors.StatusWriteFailedExternal, err)
		}
		prev, cur = cur, prev
	}
	if err := zw.Close(); err != nil {
		return nil, withStatus(apperrors.StatusWriteFailedExternal, err)
	}
	return out.Bytes(), nil
}

func filterCandidates(mask core.PNGFilter) []int {
	var out []int
	for i, bit := range []core.PNGFilter{core.PNGFilterNone, core.PNGFilterSub, core.PNGFilterUp, core.PNGFilterAvg, core.PNGFilterPaeth} {
		if mask&bit != 0 {
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		out = []int{pngFilterNone}
	}
	return out
}

// pickFilter applies each candidate filter and keeps the one with the
// smallest sum of absolute signed residuals.
func pickFilter(candidates []int, cur, prev []byte, bpp int, scratch [][]byte) []byte {
	var best []byte
	bestScore := -1
	for _, ft := range candidates {
		out := scratch[ft]
		out[0] = byte(ft)
		applyFilter(ft, out[1:], cur, prev, bpp)
		if len(candidates) == 1 {
			return out
		}
		score := 0
		for _, v := range out[1:] {
			if s := int(int8(v)); s < 0 {
				score -= s
			} else {
				score += s
			}
		}
		if bestScore < 0 || score < bestScore {
			best, bestScore = out, score
		}
	}
	return best
}

func applyFilter(ft int, out, cur, prev []byte, bpp int) {
	switch ft {
	case pngFilterNone:
		copy(out, cur)
	case pngFilterSub:
		for i := range cur {
			var left byte
			if i >= bpp {
				left = cur[i-bpp]
			}
			out[i] = cur[i] - left
		}
	case pngFilterUp:
		for i := range cur {
			out[i] = cur[i] - prev[i]
		}
	case pngFilterAvg:
		for i := range cur {
			var left int
			if i >= bpp {
				left = int(cur[i-bpp])
			}
			out[i] = cur[i] - byte((left+int(prev[i]))/2)
		}
	case pngFilterPaeth:
		for i := range cur {
			var a, c int
			if i >= bpp {
				a, c = int(cur[i-bpp]), int(prev[i-bpp])
			}
			out[i] = cur[i] - byte(paeth(a, int(prev[i]), c))
		}
	}
}

func paeth(a, b, c int) int {
	p := a + b - c
	pa, pb, pc := abs(p-a), abs(p-b), abs(p-c)
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// buildICCP encodes the iCCP chunk body. The name must be 1-79 Latin-1
// characters.
func buildICCP(name string, profile []byte) ([]byte, error) {
	if name == "" {
		name = defaultProfileName
	}
	latin, err := charmap.ISO8859_1.NewEncoder().String(name)
	if err != nil {
		return nil, statusf(apperrors.StatusInvalidEncodeArgs, "png: profile name %q is not Latin-1", name)
	}
	if len(latin) > maxProfileName {
		return nil, statusf(apperrors.StatusInvalidEncodeArgs, "png: profile name is %d bytes, limit %d", len(latin), maxProfileName)
	}
	var buf bytes.Buffer
	buf.WriteString(latin)
	buf.WriteByte(0)
	buf.WriteByte(0) // deflate
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(profile); err != nil {
		return nil, withStatus(apperrors.StatusWriteFailedInternal, err)
	}
	if err := zw.Close(); err != nil {
		return nil, withStatus(apperrors.StatusWriteFailedInternal, err)
	}
	return buf.Bytes(), nil
}
