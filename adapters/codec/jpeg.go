package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image/jpeg"
	"io"
	"sort"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/utils"
)

const (
	jpegSOI  = 0xD8
	jpegEOI  = 0xD9
	jpegSOS  = 0xDA
	jpegAPP2 = 0xE2

	// iccChunkMax is the profile payload that fits one APP2 segment.
	iccChunkMax = 65519
)

var iccMarker = []byte("ICC_PROFILE\x00")

// JPEG decodes baseline and progressive JPEG and writes 8-bit grey or RGB.
// ICC profiles travel in APP2 segments.
type JPEG struct {
	chunkSize      int
	defaultQuality int
}

func NewJPEG(chunkSize, defaultQuality int) *JPEG {
	if defaultQuality <= 0 {
		defaultQuality = jpeg.DefaultQuality
	}
	return &JPEG{chunkSize: chunkSize, defaultQuality: defaultQuality}
}

func (j *JPEG) FileFormat() core.FileFormat { return core.JPEG }

func (j *JPEG) CanLoad(b *core.Bridge) bool {
	head := make([]byte, 3)
	n := b.Peek(head)
	return utils.DetectFormat(head[:n]) == utils.FormatJPEG
}

type jpegHeader struct {
	width, height int
	components    int
	profile       []byte
}

func (j *JPEG) Open(b *core.Bridge) (core.Handle, apperrors.Status) {
	start := b.Tell()
	hdr, err := readJPEGHeader(b.Reader())
	if err != nil {
		return openResult(nil, err)
	}
	f := core.RGB8U
	if hdr.components == 1 {
		f = core.R8U
	}
	h, err := newDecodeHandle(start, hdr.width, hdr.height, f, func(b *core.Bridge) ([]byte, error) {
		img, err := jpeg.Decode(b.Reader())
		if err != nil {
			var unsupported jpeg.UnsupportedError
			if errors.As(err, &unsupported) {
				return nil, withStatus(apperrors.StatusUnsupportedVariant, err)
			}
			return nil, withStatus(apperrors.StatusLoadFailedExternal, err)
		}
		return extract(img, f)
	})
	if err != nil {
		return openResult(nil, err)
	}
	h.setProfile("", hdr.profile)
	return openResult(h, nil)
}

func isSOF(m byte) bool {
	return m >= 0xC0 && m <= 0xCF && m != 0xC4 && m != 0xC8 && m != 0xCC
}

// readJPEGHeader walks marker segments up to the first scan.
func readJPEGHeader(r io.Reader) (*jpegHeader, error) {
	fail := func(format string, args ...any) error {
		return statusf(apperrors.StatusLoadFailedExternal, "jpeg: "+format, args...)
	}
	var soi [2]byte
	if _, err := io.ReadFull(r, soi[:]); err != nil || soi[0] != 0xFF || soi[1] != jpegSOI {
		return nil, fail("missing SOI")
	}
	hdr := &jpegHeader{}
	icc := map[int][]byte{}
	iccCount := 0
	var one [1]byte
	for {
		// Skip fill bytes to the marker code.
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return nil, fail("truncated before marker: %v", err)
		}
		if one[0] != 0xFF {
			return nil, fail("expected marker, found %#02x", one[0])
		}
		for one[0] == 0xFF {
			if _, err := io.ReadFull(r, one[:]); err != nil {
				return nil, fail("truncated marker: %v", err)
			}
		}
		marker := one[0]
		if marker == jpegSOS || marker == jpegEOI {
			break
		}
		if marker >= 0xD0 && marker <= 0xD7 || marker == 0x01 {
			continue
		}
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fail("truncated segment length: %v", err)
		}
		n := int(binary.BigEndian.Uint16(lenBuf[:])) - 2
		if n < 0 {
			return nil, fail("segment length %d", n+2)
		}
		seg := make([]byte, n)
		if _, err := io.ReadFull(r, seg); err != nil {
			return nil, fail("truncated segment %#02x: %v", marker, err)
		}
		switch {
		case isSOF(marker):
			if n < 6 {
				return nil, fail("short SOF")
			}
			hdr.height = int(binary.BigEndian.Uint16(seg[1:3]))
			hdr.width = int(binary.BigEndian.Uint16(seg[3:5]))
			hdr.components = int(seg[5])
		case marker == jpegAPP2 && bytes.HasPrefix(seg, iccMarker) && n >= len(iccMarker)+2:
			seq := int(seg[len(iccMarker)])
			iccCount = int(seg[len(iccMarker)+1])
			icc[seq] = seg[len(iccMarker)+2:]
		}
	}
	if hdr.components == 0 {
		return nil, fail("no frame header before scan")
	}
	if hdr.components != 1 && hdr.components != 3 && hdr.components != 4 {
		return nil, statusf(apperrors.StatusUnsupportedVariant, "jpeg: %d components", hdr.components)
	}
	if len(icc) > 0 && len(icc) == iccCount {
		seqs := make([]int, 0, len(icc))
		for s := range icc {
			seqs = append(seqs, s)
		}
		sort.Ints(seqs)
		for _, s := range seqs {
			hdr.profile = append(hdr.profile, icc[s]...)
		}
	}
	return hdr, nil
}

func (j *JPEG) NewEncoder() (core.Handle, apperrors.Status) {
	return newEncodeHandle(j, j.write), apperrors.StatusOK
}

func (j *JPEG) write(b *core.Bridge, pix []byte, f core.PixelFormat, req *core.WriteRequest) error {
	quality := j.defaultQuality
	if o, ok := req.Options.(*core.JPEGOptions); ok && o != nil {
		quality = o.Quality
	}
	img, err := toImage(pix, f, req.Width, req.Height)
	if err != nil {
		return withStatus(apperrors.StatusWriteFailedInternal, err)
	}
	buf := utils.AcquireBuffer()
	defer utils.ReleaseBuffer(buf)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return withStatus(apperrors.StatusWriteFailedExternal, err)
	}
	out := buf.Bytes()
	cw := &utils.ChunkedWriter{W: b.Writer(), ChunkSize: j.chunkSize}
	if len(req.Profile) > 0 {
		segs, err := iccSegments(req.Profile)
		if err != nil {
			return err
		}
		if _, err := cw.Write(out[:2]); err != nil {
			return withStatus(apperrors.StatusWriteFailedExternal, err)
		}
		if _, err := cw.Write(segs); err != nil {
			return withStatus(apperrors.StatusWriteFailedExternal, err)
		}
		out = out[2:]
	}
	if _, err := cw.Write(out); err != nil {
		return withStatus(apperrors.StatusWriteFailedExternal, err)
	}
	return nil
}

// iccSegments splits a profile into numbered APP2 segments.
func iccSegments(profile []byte) ([]byte, error) {
	count := (len(profile) + iccChunkMax - 1) / iccChunkMax
	if count > 255 {
		return nil, statusf(apperrors.StatusInvalidEncodeArgs, "jpeg: profile of %d bytes needs %d segments", len(profile), count)
	}
	var out bytes.Buffer
	for i := 0; i < count; i++ {
		part := profile[i*iccChunkMax : min((i+1)*iccChunkMax, len(profile))]
		out.Write([]byte{0xFF, jpegAPP2})
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(2+len(iccMarker)+2+len(part)))
		out.Write(l[:])
		out.Write(iccMarker)
		out.WriteByte(byte(i + 1))
		out.WriteByte(byte(count))
		out.Write(part)
	}
	return out.Bytes(), nil
}

// WhatFormatWillBeWritten drops alpha and stores 8-bit grey or RGB.
func (j *JPEG) WhatFormatWillBeWritten(in, _ core.PixelFormat) core.PixelFormat {
	switch channelsOf(in) {
	case 0:
		return core.InvalidFormat
	case 1:
		return core.R8U
	}
	return core.RGB8U
}

var _ core.Codec = (*JPEG)(nil)
