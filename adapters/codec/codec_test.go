package codec_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/Skryldev/image-loader/adapters/codec"
	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/utils"
)

// ── Fixtures ──────────────────────────────────────────────────────────────────

func newRegistry(t testing.TB) *core.DefaultRegistry {
	t.Helper()
	s := codec.DefaultSettings()
	s.ChunkSize = 777 // odd size exercises split writes
	return codec.NewRegistry(s)
}

// pattern fills a w x h image of format f with distinct, exactly
// representable samples.
func pattern(t testing.TB, f core.PixelFormat, w, h int) []byte {
	t.Helper()
	ch, bpc, _, err := core.FormatDetails(f)
	require.NoError(t, err)
	d, _ := core.GetBitDepth(f)
	out := make([]byte, w*h*ch*bpc)
	for i := 0; i < w*h*ch; i++ {
		v := float32(i%97) / 96
		s := out[i*bpc:]
		switch d {
		case core.Depth8U:
			s[0] = byte(i*7 + 3)
		case core.Depth16U:
			binary.LittleEndian.PutUint16(s, uint16(i*257+13))
		case core.Depth16F:
			binary.LittleEndian.PutUint16(s, float16.Fromfloat32(v).Bits())
		case core.Depth32F:
			binary.LittleEndian.PutUint32(s, math.Float32bits(v*3-1))
		}
	}
	return out
}

// encodeArgs holds the optional request fields. prefer is only applied when
// hasPrefer is set, since the zero PixelFormat is R8U.
type encodeArgs struct {
	prefer      core.PixelFormat
	hasPrefer   bool
	opts        core.EncodingOptions
	profileName string
	profile     []byte
}

func encode(t testing.TB, reg core.Backend, ff core.FileFormat, pix []byte, w, h int, f core.PixelFormat, a encodeArgs) []byte {
	t.Helper()
	var buf bytes.Buffer
	s, err := core.NewEncodeSession(reg, ff, &buf, core.SessionOptions{})
	require.NoError(t, err)
	defer s.Close()
	req := core.NewWriteRequest(pix, w, h, f)
	if a.hasPrefer {
		req.OutputFormat = a.prefer
	}
	req.Options = a.opts
	req.ProfileName = a.profileName
	req.Profile = a.profile
	require.NoError(t, s.Write(req))
	return buf.Bytes()
}

type decoded struct {
	ff      core.FileFormat
	info    core.ImageInfo
	profile core.ColourProfile
	pix     []byte
}

func decode(t testing.TB, reg core.Backend, raw []byte, force core.PixelFormat) decoded {
	t.Helper()
	s, err := core.OpenSession(reg, bytes.NewReader(raw), core.SessionOptions{})
	require.NoError(t, err)
	defer s.Close()
	var d decoded
	d.ff, _ = s.FileFormat()
	d.info, _ = s.Info()
	d.profile, _ = s.ColourProfile()
	target := force
	if target == core.InvalidFormat {
		target = d.info.Format
	}
	size, err := core.ImageSize(target, d.info.Width, d.info.Height)
	require.NoError(t, err)
	d.pix = make([]byte, size)
	require.NoError(t, s.Decode(d.pix, target))
	return d
}

// ── Round trips ───────────────────────────────────────────────────────────────

// smooth fills a w x h image of format f with a gentle gradient in [0, 1]
// that lossy encoders reproduce closely.
func smooth(t testing.TB, f core.PixelFormat, w, h int) []byte {
	t.Helper()
	ch, err := core.NumChannels(f)
	require.NoError(t, err)
	fp, err := core.ChangeBitDepth(f, core.Depth32F)
	require.NoError(t, err)
	vals := make([]float32, 0, w*h*ch)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < ch; c++ {
				vals = append(vals, float32(x+y+2*c)/float32(w+h+2*ch))
			}
		}
	}
	size, err := core.ImageSize(f, w, h)
	require.NoError(t, err)
	out := make([]byte, size)
	require.NoError(t, core.ConvertPixels(utils.Float32sToBytes(vals), fp, out, f, w, h))
	return out
}

// through converts pix from format a to b and back, which is what a write
// predicted as b followed by a decode forced to a must reproduce.
func through(t testing.TB, pix []byte, a, b core.PixelFormat, w, h int) []byte {
	t.Helper()
	size, err := core.ImageSize(b, w, h)
	require.NoError(t, err)
	mid := make([]byte, size)
	require.NoError(t, core.ConvertPixels(pix, a, mid, b, w, h))
	back := make([]byte, len(pix))
	require.NoError(t, core.ConvertPixels(mid, b, back, a, w, h))
	return back
}

func asFloats(t testing.TB, pix []byte, f core.PixelFormat, w, h int) []float32 {
	t.Helper()
	fp, err := core.ChangeBitDepth(f, core.Depth32F)
	require.NoError(t, err)
	size, err := core.ImageSize(fp, w, h)
	require.NoError(t, err)
	out := make([]byte, size)
	require.NoError(t, core.ConvertPixels(pix, f, out, fp, w, h))
	return utils.BytesToFloat32s(out)
}

// lossy lists the formats whose encoders do not store samples exactly.
var lossy = map[core.FileFormat]float64{
	core.JPEG: 0.06,
	core.HDR:  0.02,
}

func TestRoundTripEverySupportedFormat(t *testing.T) {
	reg := newRegistry(t)
	const w, h = 19, 7
	for _, ff := range reg.Formats() {
		for _, p := range core.AllPixelFormats() {
			if !reg.IsFormatSupported(ff, p) {
				continue
			}
			t.Run(ff.String()+"/"+p.String(), func(t *testing.T) {
				want := reg.WhatFormatWillBeWritten(ff, p, core.InvalidFormat)
				tol, isLossy := lossy[ff]
				src := pattern(t, p, w, h)
				if isLossy {
					src = smooth(t, p, w, h)
				}
				raw := encode(t, reg, ff, src, w, h, p, encodeArgs{})

				d := decode(t, reg, raw, p)
				assert.Equal(t, ff, d.ff)
				assert.Equal(t, w, d.info.Width)
				assert.Equal(t, h, d.info.Height)
				assert.Equal(t, want, d.info.Format, "decoded format differs from the prediction")

				expected := through(t, src, p, want, w, h)
				if !isLossy {
					assert.True(t, bytes.Equal(expected, d.pix), "pixels differ after round trip")
					return
				}
				assert.InDeltaSlice(t, asFloats(t, expected, p, w, h), asFloats(t, d.pix, p, w, h), tol)
			})
		}
	}
}

func TestIsFormatSupportedMatchesPrediction(t *testing.T) {
	reg := newRegistry(t)
	for _, ff := range core.AllFileFormats() {
		for _, p := range core.AllPixelFormats() {
			predicted := reg.WhatFormatWillBeWritten(ff, p, core.InvalidFormat)
			assert.Equal(t, predicted != core.InvalidFormat, reg.IsFormatSupported(ff, p), "%s/%s", ff, p)
			// Only WebP lacks a pure Go encoder.
			assert.Equal(t, ff != core.WebP, reg.IsFormatSupported(ff, p), "%s/%s", ff, p)
		}
	}
}

func TestUnsupportedWriteFails(t *testing.T) {
	reg := newRegistry(t)
	for _, p := range core.AllPixelFormats() {
		require.False(t, reg.IsFormatSupported(core.WebP, p))
		req := core.NewWriteRequest(pattern(t, p, 2, 2), 2, 2, p)
		out, err := writeErr(t, reg, core.WebP, req)
		assert.ErrorIs(t, err, apperrors.ErrInvalidEncodeArgs, "%s", p)
		assert.Empty(t, out)
	}
}

// ── Write predictions ─────────────────────────────────────────────────────────

func TestWhatFormatWillBeWritten(t *testing.T) {
	reg := newRegistry(t)
	cases := []struct {
		ff       core.FileFormat
		in, out  core.PixelFormat
		expected core.PixelFormat
	}{
		{core.EXR, core.RGB8U, core.InvalidFormat, core.RGB16F},
		{core.EXR, core.RGBA16U, core.InvalidFormat, core.RGBA32F},
		{core.EXR, core.RG32F, core.InvalidFormat, core.RG32F},
		{core.EXR, core.RGB32F, core.RGB16F, core.RGB16F},
		{core.EXR, core.RGB8U, core.RGB32F, core.RGB32F},
		{core.PNG, core.RGB32F, core.InvalidFormat, core.RGB16U},
		{core.PNG, core.RG8U, core.InvalidFormat, core.RGBA8U},
		{core.PNG, core.RGBA16F, core.RGBA8U, core.RGBA8U},
		{core.PNG, core.R8U, core.R16U, core.R16U},
		{core.JPEG, core.R16U, core.InvalidFormat, core.R8U},
		{core.JPEG, core.RGBA32F, core.InvalidFormat, core.RGB8U},
		{core.TGA, core.RG16U, core.InvalidFormat, core.RG8U},
		{core.TGA, core.RGB32F, core.InvalidFormat, core.RGB8U},
		{core.TIFF, core.RGB8U, core.InvalidFormat, core.RGBA8U},
		{core.TIFF, core.R32F, core.InvalidFormat, core.R16U},
		{core.TIFF, core.RG8U, core.RGB16U, core.RGBA16U},
		{core.HDR, core.R8U, core.InvalidFormat, core.RGB32F},
		{core.BMP, core.RGBA16U, core.InvalidFormat, core.RGB8U},
		{core.WebP, core.RGB8U, core.InvalidFormat, core.InvalidFormat},
	}
	for _, tc := range cases {
		got := reg.WhatFormatWillBeWritten(tc.ff, tc.in, tc.out)
		assert.Equal(t, tc.expected, got, "%s: %s (prefer %s)", tc.ff, tc.in, tc.out)
	}
}

func TestFloatTo16UWrite(t *testing.T) {
	reg := newRegistry(t)
	src := make([]byte, 4*3*4)
	vals := []float32{-0.5, 0, 0.25, 0.5, 1, 7, 0.1, 0.2, 0.3, 0.4, 0.6, 0.9}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(src[i*4:], math.Float32bits(v))
	}
	want := reg.WhatFormatWillBeWritten(core.PNG, core.RGB32F, core.InvalidFormat)
	require.Equal(t, core.RGB16U, want)

	raw := encode(t, reg, core.PNG, src, 4, 1, core.RGB32F, encodeArgs{})
	d := decode(t, reg, raw, core.InvalidFormat)
	require.Equal(t, core.RGB16U, d.info.Format)
	for i, v := range vals {
		got := binary.LittleEndian.Uint16(d.pix[i*2:])
		exp := math.Round(math.Max(0, math.Min(1, float64(v))) * 65535)
		assert.Equal(t, uint16(exp), got, "sample %d (%v)", i, v)
	}
}

// ── Detection and errors ──────────────────────────────────────────────────────

func TestEmptyInput(t *testing.T) {
	_, err := core.OpenSession(newRegistry(t), bytes.NewReader(nil), core.SessionOptions{})
	assert.ErrorIs(t, err, apperrors.ErrEmptyInput)
}

func TestUnknownInput(t *testing.T) {
	_, err := core.OpenSession(newRegistry(t), bytes.NewReader([]byte("definitely not an image")), core.SessionOptions{})
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedFiletype)
}

func TestTruncatedFilesFailCleanly(t *testing.T) {
	reg := newRegistry(t)
	for _, ff := range []core.FileFormat{core.EXR, core.PNG, core.TGA, core.TIFF, core.HDR, core.BMP} {
		t.Run(ff.String(), func(t *testing.T) {
			p := reg.WhatFormatWillBeWritten(ff, core.RGB8U, core.InvalidFormat)
			raw := encode(t, reg, ff, pattern(t, core.RGB8U, 32, 32), 32, 32, core.RGB8U, encodeArgs{})
			cut := raw[:len(raw)*2/3]

			s, err := core.OpenSession(reg, bytes.NewReader(cut), core.SessionOptions{})
			if err != nil {
				// Some containers fail at open already.
				assert.NotEmpty(t, apperrors.KindOf(err))
				return
			}
			defer s.Close()
			size, _ := core.ImageSize(p, 32, 32)
			err = s.Decode(make([]byte, size), p)
			require.Error(t, err)
			assert.NotEmpty(t, apperrors.KindOf(err))
		})
	}
}

func TestEncoderHandleHasNoImage(t *testing.T) {
	c := codec.NewPNG(0)
	h, st := c.NewEncoder()
	require.Equal(t, apperrors.StatusOK, st)
	defer h.Close()
	_, st = h.Info()
	assert.Equal(t, apperrors.StatusLoadFailedInternal, st)
	assert.NotEmpty(t, h.LastErrorDetails())
}

// ── Benchmarks ────────────────────────────────────────────────────────────────

func benchmarkEncode(b *testing.B, ff core.FileFormat, f core.PixelFormat) {
	reg := newRegistry(b)
	const w, h = 512, 512
	src := pattern(b, f, w, h)
	b.ReportAllocs()
	b.SetBytes(int64(len(src)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		encode(b, reg, ff, src, w, h, f, encodeArgs{})
	}
}

func BenchmarkEncodePNG_RGBA8U(b *testing.B)  { benchmarkEncode(b, core.PNG, core.RGBA8U) }
func BenchmarkEncodeEXR_RGBA16F(b *testing.B) { benchmarkEncode(b, core.EXR, core.RGBA16F) }
func BenchmarkEncodeTGA_RGB8U(b *testing.B)   { benchmarkEncode(b, core.TGA, core.RGB8U) }

func BenchmarkDecodeEXR_RGB32F(b *testing.B) {
	reg := newRegistry(b)
	const w, h = 512, 512
	raw := encode(b, reg, core.EXR, pattern(b, core.RGB32F, w, h), w, h, core.RGB32F, encodeArgs{})
	b.ReportAllocs()
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		decode(b, reg, raw, core.InvalidFormat)
	}
}
