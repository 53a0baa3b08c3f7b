package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/image/tiff"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/utils"
)

const (
	tiffTagWidth           = 256
	tiffTagHeight          = 257
	tiffTagBitsPerSample   = 258
	tiffTagCompression     = 259
	tiffTagPhotometric     = 262
	tiffTagStripOffsets    = 273
	tiffTagSamplesPerPixel = 277
	tiffTagRowsPerStrip    = 278
	tiffTagStripByteCounts = 279
	tiffTagPlanarConfig    = 284
	tiffTagPredictor       = 317
	tiffTagTileWidth       = 322
	tiffTagSampleFormat    = 339
	tiffTagICCProfile      = 34675

	tiffShort = 3
	tiffLong  = 4

	tiffPhotometricPalette = 3
	tiffPhotometricCMYK    = 5

	tiffSampleIEEEFloat = 3

	maxIFDEntries = 4096
	maxTIFFStrips = 1 << 20
)

// TIFF reads baseline TIFF through golang.org/x/image/tiff, and 16 or 32-bit
// floating point strips itself. It writes grey or RGBA strips, uncompressed
// or deflated.
type TIFF struct {
	chunkSize int
	defaults  core.TIFFOptions
}

func NewTIFF(chunkSize int, defaults core.TIFFOptions) *TIFF {
	return &TIFF{chunkSize: chunkSize, defaults: defaults}
}

func (t *TIFF) FileFormat() core.FileFormat { return core.TIFF }

func (t *TIFF) CanLoad(b *core.Bridge) bool {
	var head [4]byte
	n := b.Peek(head[:])
	return utils.DetectFormat(head[:n]) == utils.FormatTIFF
}

// tiffIFD holds the first directory's fields that decide the pixel format,
// plus the strip layout the float reader needs.
type tiffIFD struct {
	order         binary.ByteOrder
	width, height int
	samples       int
	bits          int
	photometric   int
	sampleFormat  int
	compression   int
	predictor     int
	planar        int
	rowsPerStrip  int
	tiled         bool
	stripOffsets  []int
	stripCounts   []int
	profile       []byte
}

func (d *tiffIFD) pixelFormat() (core.PixelFormat, error) {
	if d.sampleFormat == tiffSampleIEEEFloat {
		return d.floatFormat()
	}
	switch {
	case d.photometric == tiffPhotometricPalette, d.photometric == tiffPhotometricCMYK:
		return core.RGB8U, nil
	case d.samples == 1:
		return integerFormat(1, d.bits), nil
	case d.samples == 3:
		return integerFormat(3, d.bits), nil
	case d.samples >= 4:
		return integerFormat(4, d.bits), nil
	}
	return core.InvalidFormat, statusf(apperrors.StatusUnsupportedVariant, "tiff: %d samples per pixel", d.samples)
}

func (t *TIFF) Open(b *core.Bridge) (core.Handle, apperrors.Status) {
	start := b.Tell()
	r := b.Reader()
	ifd, err := readTIFFIFD(r, start)
	if err != nil {
		return openResult(nil, err)
	}
	f, err := ifd.pixelFormat()
	if err != nil {
		return openResult(nil, err)
	}
	if ifd.sampleFormat == tiffSampleIEEEFloat {
		h, err := newDecodeHandle(start, ifd.width, ifd.height, f, func(b *core.Bridge) ([]byte, error) {
			return readTIFFFloat(b.Reader(), start, ifd, f)
		})
		if err != nil {
			return openResult(nil, err)
		}
		h.setProfile("", ifd.profile)
		return openResult(h, nil)
	}
	// DecodeConfig rejects compression and layout combinations the decoder
	// cannot handle, so they fail at open rather than at decode.
	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return openResult(nil, withStatus(apperrors.StatusLoadFailedExternal, err))
	}
	if _, err := tiff.DecodeConfig(r); err != nil {
		return openResult(nil, tiffError(err))
	}
	h, err := newDecodeHandle(start, ifd.width, ifd.height, f, func(b *core.Bridge) ([]byte, error) {
		img, err := tiff.Decode(b.Reader())
		if err != nil {
			return nil, tiffError(err)
		}
		return extract(img, f)
	})
	if err != nil {
		return openResult(nil, err)
	}
	h.setProfile("", ifd.profile)
	return openResult(h, nil)
}

func tiffError(err error) error {
	var unsupported tiff.UnsupportedError
	if errors.As(err, &unsupported) {
		return withStatus(apperrors.StatusUnsupportedVariant, err)
	}
	return withStatus(apperrors.StatusLoadFailedExternal, err)
}

// readTIFFIFD walks the first image file directory. Offsets in the file are
// relative to start.
func readTIFFIFD(r io.ReadSeeker, start int64) (*tiffIFD, error) {
	fail := func(format string, args ...any) error {
		return statusf(apperrors.StatusLoadFailedExternal, "tiff: "+format, args...)
	}
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fail("header: %v", err)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if head[0] == 'M' {
		order = binary.BigEndian
	}
	at := func(off int64, p []byte) error {
		if _, err := r.Seek(start+off, io.SeekStart); err != nil {
			return err
		}
		_, err := io.ReadFull(r, p)
		return err
	}

	var cnt [2]byte
	ifdOff := int64(order.Uint32(head[4:8]))
	if err := at(ifdOff, cnt[:]); err != nil {
		return nil, fail("directory: %v", err)
	}
	n := int(order.Uint16(cnt[:]))
	if n == 0 || n > maxIFDEntries {
		return nil, fail("directory with %d entries", n)
	}
	entries := make([]byte, 12*n)
	if _, err := io.ReadFull(r, entries); err != nil {
		return nil, fail("directory entries: %v", err)
	}

	ifd := &tiffIFD{order: order, samples: 1, bits: 1, compression: 1, predictor: 1, planar: 1}
	for i := 0; i < n; i++ {
		e := entries[12*i : 12*(i+1)]
		tag := order.Uint16(e[0:2])
		typ := order.Uint16(e[2:4])
		count := int64(order.Uint32(e[4:8]))
		val := e[8:12]

		// first reads the leading SHORT or LONG, following the offset when
		// the values do not fit inline.
		first := func() (int, error) {
			size := int64(2)
			if typ == tiffLong {
				size = 4
			}
			p := val
			if size*count > 4 {
				p = make([]byte, size)
				if err := at(int64(order.Uint32(val)), p); err != nil {
					return 0, err
				}
			}
			if typ == tiffLong {
				return int(order.Uint32(p)), nil
			}
			return int(order.Uint16(p)), nil
		}

		var err error
		switch tag {
		case tiffTagWidth:
			ifd.width, err = first()
		case tiffTagHeight:
			ifd.height, err = first()
		case tiffTagBitsPerSample:
			ifd.bits, err = first()
		case tiffTagPhotometric:
			ifd.photometric, err = first()
		case tiffTagSamplesPerPixel:
			ifd.samples, err = first()
		case tiffTagSampleFormat:
			ifd.sampleFormat, err = first()
		case tiffTagCompression:
			ifd.compression, err = first()
		case tiffTagPredictor:
			ifd.predictor, err = first()
		case tiffTagPlanarConfig:
			ifd.planar, err = first()
		case tiffTagRowsPerStrip:
			ifd.rowsPerStrip, err = first()
		case tiffTagTileWidth:
			ifd.tiled = true
		case tiffTagStripOffsets:
			ifd.stripOffsets, err = all()
		case tiffTagStripByteCounts:
			ifd.stripCounts, err = all()
		case tiffTagICCProfile:
			if count > maxProfileBytes {
				return nil, fail("ICC profile of %d bytes", count)
			}
			ifd.profile = make([]byte, count)
			if count <= 4 {
				copy(ifd.profile, val)
			} else {
				err = at(int64(order.Uint32(val)), ifd.profile)
			}
		}
		if err != nil {
			return nil, fail("tag %d: %v", tag, err)
		}
	}
	if ifd.width <= 0 || ifd.height <= 0 {
		return nil, fail("missing image dimensions")
	}
	return ifd, nil
}

func (t *TIFF) NewEncoder() (core.Handle, apperrors.Status) {
	return newEncodeHandle(t, t.write), apperrors.StatusOK
}

func (t *TIFF) write(b *core.Bridge, pix []byte, f core.PixelFormat, req *core.WriteRequest) error {
	opts := t.defaults
	if o, ok := req.Options.(*core.TIFFOptions); ok && o != nil {
		opts = *o
	}
	img, err := toImage(pix, f, req.Width, req.Height)
	if err != nil {
		return withStatus(apperrors.StatusWriteFailedInternal, err)
	}
	enc := &tiff.Options{Compression: tiff.Uncompressed}
	if opts.Compression == core.TIFFDeflate {
		enc.Compression = tiff.Deflate
		enc.Predictor = opts.Predictor
	}
	buf := utils.AcquireBuffer()
	defer utils.ReleaseBuffer(buf)
	if err := tiff.Encode(buf, img, enc); err != nil {
		return withStatus(apperrors.StatusWriteFailedExternal, fmt.Errorf("tiff: %w", err))
	}
	cw := &utils.ChunkedWriter{W: b.Writer(), ChunkSize: t.chunkSize}
	if _, err := cw.Write(buf.Bytes()); err != nil {
		return withStatus(apperrors.StatusWriteFailedExternal, err)
	}
	return nil
}

// WhatFormatWillBeWritten stores grey as one channel and everything else as
// RGBA, at 8 or 16 bits.
func (t *TIFF) WhatFormatWillBeWritten(in, out core.PixelFormat) core.PixelFormat {
	ch := channelsOf(in)
	switch ch {
	case 0:
		return core.InvalidFormat
	case 2, 3:
		ch = 4
	}
	return integerTarget(ch, in, out)
}

var _ core.Codec = (*TIFF)(nil)
