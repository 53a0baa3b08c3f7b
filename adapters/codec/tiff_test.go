package codec_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
)

type tiffTestEntry struct {
	tag, typ uint16
	value    uint32
}

// floatTIFF builds a single-strip file of 32-bit float samples. extra
// entries replace or add to the defaults.
func floatTIFF(order binary.ByteOrder, w, h, samples, compression, predictor int, strip []byte, extra ...tiffTestEntry) []byte {
	photometric := uint32(1)
	if samples >= 3 {
		photometric = 2
	}
	byTag := map[uint16]tiffTestEntry{}
	for _, e := range []tiffTestEntry{
		{256, 4, uint32(w)},
		{257, 4, uint32(h)},
		{258, 3, 32},
		{259, 3, uint32(compression)},
		{262, 3, photometric},
		{273, 4, 8},
		{277, 3, uint32(samples)},
		{278, 4, uint32(h)},
		{279, 4, uint32(len(strip))},
		{317, 3, uint32(predictor)},
		{339, 3, 3},
	} {
		byTag[e.tag] = e
	}
	for _, e := range extra {
		byTag[e.tag] = e
	}
	entries := make([]tiffTestEntry, 0, len(byTag))
	for _, e := range byTag {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	var buf bytes.Buffer
	if order == binary.ByteOrder(binary.BigEndian) {
		buf.WriteString("MM\x00\x2a")
	} else {
		buf.WriteString("II\x2a\x00")
	}
	ifdOff := 8 + len(strip) + len(strip)%2
	_ = binary.Write(&buf, order, uint32(ifdOff))
	buf.Write(strip)
	if len(strip)%2 == 1 {
		buf.WriteByte(0)
	}
	_ = binary.Write(&buf, order, uint16(len(entries)))
	for _, e := range entries {
		_ = binary.Write(&buf, order, e.tag)
		_ = binary.Write(&buf, order, e.typ)
		_ = binary.Write(&buf, order, uint32(1))
		var val [4]byte
		if e.typ == 3 {
			order.PutUint16(val[:], uint16(e.value))
		} else {
			order.PutUint32(val[:], e.value)
		}
		buf.Write(val[:])
	}
	_ = binary.Write(&buf, order, uint32(0))
	return buf.Bytes()
}

func float32Bytes(order binary.ByteOrder, vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		order.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// floatPredict applies the floating point predictor to rows of w pixels.
func floatPredict(vals []float32, w, samples int) []byte {
	n := w * samples
	out := make([]byte, 0, 4*len(vals))
	for y := 0; y < len(vals)/n; y++ {
		be := float32Bytes(binary.BigEndian, vals[y*n:(y+1)*n]...)
		row := make([]byte, len(be))
		for i := 0; i < n; i++ {
			for k := 0; k < 4; k++ {
				row[k*n+i] = be[4*i+k]
			}
		}
		for i := len(row) - 1; i >= samples; i-- {
			row[i] -= row[i-samples]
		}
		out = append(out, row...)
	}
	return out
}

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestTIFFFloatStrips(t *testing.T) {
	rgb := []float32{0, 0.25, 1.5, -2, 100, 0.125, 3, 4, 5, 1e-3, 7, 65504}
	grey := []float32{0.5, -1, 2, 1e6}
	rgba := []float32{1, 2, 3, 0.5, 4, 5, 6, 1, 7, 8, 9, 0, 0.1, 0.2, 0.3, 0.4}

	cases := map[string]struct {
		raw  []byte
		want core.PixelFormat
		vals []float32
	}{
		"little-endian rgb": {
			raw:  floatTIFF(binary.LittleEndian, 2, 2, 3, 1, 1, float32Bytes(binary.LittleEndian, rgb...)),
			want: core.RGB32F, vals: rgb,
		},
		"big-endian grey": {
			raw:  floatTIFF(binary.BigEndian, 2, 2, 1, 1, 1, float32Bytes(binary.BigEndian, grey...)),
			want: core.R32F, vals: grey,
		},
		"deflate with predictor": {
			raw:  floatTIFF(binary.LittleEndian, 2, 2, 4, 8, 3, deflate(t, floatPredict(rgba, 2, 4))),
			want: core.RGBA32F, vals: rgba,
		},
		"big-endian predictor": {
			raw:  floatTIFF(binary.BigEndian, 2, 2, 1, 32946, 3, deflate(t, floatPredict(grey, 2, 1))),
			want: core.R32F, vals: grey,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			d := decode(t, newRegistry(t), tc.raw, core.InvalidFormat)
			assert.Equal(t, core.TIFF, d.ff)
			require.Equal(t, tc.want, d.info.Format)
			assert.Equal(t, float32Bytes(binary.LittleEndian, tc.vals...), d.pix)
		})
	}
}

func TestTIFFFloatTwoChannels(t *testing.T) {
	vals := []float32{1, 0.5, 2, 0.25}
	raw := floatTIFF(binary.LittleEndian, 2, 1, 2, 1, 1, float32Bytes(binary.LittleEndian, vals...))
	d := decode(t, newRegistry(t), raw, core.InvalidFormat)
	require.Equal(t, core.RG32F, d.info.Format)
	assert.Equal(t, float32Bytes(binary.LittleEndian, vals...), d.pix)
}

func TestTIFFFloatLayoutsUnsupported(t *testing.T) {
	strip := make([]byte, 16)
	cases := map[string][]byte{
		"planar":    floatTIFF(binary.LittleEndian, 2, 2, 1, 1, 1, strip, tiffTestEntry{284, 3, 2}),
		"tiled":     floatTIFF(binary.LittleEndian, 2, 2, 1, 1, 1, strip, tiffTestEntry{322, 4, 16}),
		"jpeg":      floatTIFF(binary.LittleEndian, 2, 2, 1, 7, 1, strip),
		"predictor": floatTIFF(binary.LittleEndian, 2, 2, 1, 1, 2, strip),
		"64-bit":    floatTIFF(binary.LittleEndian, 2, 2, 1, 1, 1, strip, tiffTestEntry{258, 3, 64}),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := core.OpenSession(newRegistry(t), bytesReader(raw), core.SessionOptions{})
			assert.ErrorIs(t, err, apperrors.ErrUnsupportedVariant)
		})
	}
}

func TestTIFFFloatShortStrip(t *testing.T) {
	// The strip holds three of the four samples; the failure surfaces at decode.
	raw := floatTIFF(binary.LittleEndian, 2, 2, 1, 1, 1, make([]byte, 12))
	s, err := core.OpenSession(newRegistry(t), bytesReader(raw), core.SessionOptions{})
	require.NoError(t, err)
	defer s.Close()
	buf := make([]byte, 16)
	err = s.Decode(buf, core.R32F)
	assert.ErrorIs(t, err, apperrors.ErrLoadFailedExternal)
}
