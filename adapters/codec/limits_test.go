package codec_test

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
)

// pngHeaderOnly is a signature, an IHDR claiming w x h RGBA16 and an empty
// IDAT.
func pngHeaderOnly(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	chunk := func(kind string, data []byte) {
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(data)))
		body := append([]byte(kind), data...)
		buf.Write(body)
		_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(body))
	}
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8], ihdr[9] = 16, 6
	chunk("IHDR", ihdr)
	chunk("IDAT", nil)
	return buf.Bytes()
}

func TestImplausibleDimensionsRejectedAtOpen(t *testing.T) {
	cases := map[string][]byte{
		"hdr": []byte("#?RADIANCE\nFORMAT=32-bit_rle_rgbe\n\n-Y 100000000 +X 100000000\n"),
		"exr": exrFile(1<<31, 1, []exrTestChannel{{"R", 1}}, func(int) []byte { return halves(0) }),
		"png": pngHeaderOnly(1<<31-1, 1<<31-1),
		"tga": tgaFile(2, 24, 0, 65535, 65535, nil),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			s, err := core.OpenSession(newRegistry(t), bytesReader(raw), core.SessionOptions{})
			assert.Nil(t, s)
			assert.ErrorIs(t, err, apperrors.ErrLoadFailedExternal)
		})
	}
}

func TestLargestPlausibleHeaderOpens(t *testing.T) {
	// 16384 x 16384 fits the limits; only the header is read at open.
	s, err := core.OpenSession(newRegistry(t), bytesReader(pngHeaderOnly(16384, 16384)), core.SessionOptions{})
	if assert.NoError(t, err) {
		defer s.Close()
		info, err := s.Info()
		assert.NoError(t, err)
		assert.Equal(t, core.RGBA16U, info.Format)
		assert.Equal(t, 16384, info.Width)
	}
}
