package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
)

const (
	tiffCompressionNone        = 1
	tiffCompressionLZW         = 5
	tiffCompressionDeflate     = 8
	tiffCompressionDeflateOld  = 32946
	tiffPredictorNone          = 1
	tiffPredictorFloatingPoint = 3
)

// floatFormat maps chunky 16 or 32-bit float strips to R, RG, RGB or RGBA.
// Samples past the fourth are dropped.
func (d *tiffIFD) floatFormat() (core.PixelFormat, error) {
	unsupported := func(format string, args ...any) (core.PixelFormat, error) {
		return core.InvalidFormat, statusf(apperrors.StatusUnsupportedVariant, "tiff: float "+format, args...)
	}
	switch {
	case d.tiled:
		return unsupported("tiles")
	case d.planar != 1:
		return unsupported("planar configuration %d", d.planar)
	case d.bits != 16 && d.bits != 32:
		return unsupported("%d-bit samples", d.bits)
	case d.samples < 1:
		return unsupported("%d samples per pixel", d.samples)
	case d.predictor != tiffPredictorNone && d.predictor != tiffPredictorFloatingPoint:
		return unsupported("predictor %d", d.predictor)
	}
	switch d.compression {
	case tiffCompressionNone, tiffCompressionLZW, tiffCompressionDeflate, tiffCompressionDeflateOld:
	default:
		return unsupported("compression %d", d.compression)
	}
	depth := core.Depth32F
	if d.bits == 16 {
		depth = core.Depth16F
	}
	f, err := core.FormatFor(min(d.samples, 4), depth)
	if err != nil {
		return core.InvalidFormat, withStatus(apperrors.StatusUnsupportedVariant, err)
	}
	return f, nil
}

// readTIFFFloat decodes the strips of a float image into little-endian
// samples of format f.
func readTIFFFloat(r io.ReadSeeker, start int64, ifd *tiffIFD, f core.PixelFormat) ([]byte, error) {
	fail := func(format string, args ...any) error {
		return statusf(apperrors.StatusLoadFailedExternal, "tiff: "+format, args...)
	}
	bps := ifd.bits / 8
	ch := channelsOf(f)
	rowBytes := ifd.width * ifd.samples * bps
	rps := ifd.rowsPerStrip
	if rps <= 0 || rps > ifd.height {
		rps = ifd.height
	}
	strips := (ifd.height + rps - 1) / rps
	if len(ifd.stripOffsets) < strips || len(ifd.stripCounts) < strips {
		return nil, fail("%d strips listed, %d needed", min(len(ifd.stripOffsets), len(ifd.stripCounts)), strips)
	}

	out := make([]byte, ifd.width*ifd.height*ch*bps)
	raw := make([]byte, rps*rowBytes)
	for s := 0; s < strips; s++ {
		rows := min(rps, ifd.height-s*rps)
		strip := raw[:rows*rowBytes]
		size := ifd.stripCounts[s]
		if size <= 0 || size > len(strip)+len(strip)/2+1024 {
			return nil, fail("strip %d has %d bytes", s, size)
		}
		data := make([]byte, size)
		if _, err := r.Seek(start+int64(ifd.stripOffsets[s]), io.SeekStart); err != nil {
			return nil, fail("strip %d: %v", s, err)
		}
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fail("strip %d: %v", s, err)
		}
		if err := tiffInflate(strip, data, ifd.compression); err != nil {
			return nil, fail("strip %d: %v", s, err)
		}

		for y := 0; y < rows; y++ {
			row := strip[y*rowBytes : (y+1)*rowBytes]
			order := ifd.order
			if ifd.predictor == tiffPredictorFloatingPoint {
				undoFloatPredictor(row, ifd.samples, bps)
				order = binary.BigEndian
			}
			dst := out[(s*rps+y)*ifd.width*ch*bps:]
			for x := 0; x < ifd.width; x++ {
				for c := 0; c < ch; c++ {
					src := row[(x*ifd.samples+c)*bps:]
					d := dst[(x*ch+c)*bps:]
					if bps == 4 {
						binary.LittleEndian.PutUint32(d, order.Uint32(src))
					} else {
						binary.LittleEndian.PutUint16(d, order.Uint16(src))
					}
				}
			}
		}
	}
	return out, nil
}

// tiffInflate fills dst from one strip's stored bytes.
func tiffInflate(dst, data []byte, compression int) error {
	var rc io.ReadCloser
	switch compression {
	case tiffCompressionNone:
		if len(data) < len(dst) {
			return fmt.Errorf("%d bytes stored, want %d", len(data), len(dst))
		}
		copy(dst, data)
		return nil
	case tiffCompressionLZW:
		rc = lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
	case tiffCompressionDeflate, tiffCompressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return err
		}
		rc = zr
	default:
		return fmt.Errorf("compression %d", compression)
	}
	defer rc.Close()
	_, err := io.ReadFull(rc, dst)
	return err
}

// undoFloatPredictor reverses the floating point predictor on one row. The
// row holds byte planes, most significant first, differenced across pixels;
// on return it holds big-endian samples.
func undoFloatPredictor(row []byte, stride, bps int) {
	for i := stride; i < len(row); i++ {
		row[i] += row[i-stride]
	}
	planes := append([]byte(nil), row...)
	n := len(row) / bps
	for i := 0; i < n; i++ {
		for k := 0; k < bps; k++ {
			row[i*bps+k] = planes[k*n+i]
		}
	}
}
