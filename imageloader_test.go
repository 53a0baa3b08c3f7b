package imageloader_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	imageloader "github.com/Skryldev/image-loader"
	"github.com/Skryldev/image-loader/adapters/codec"
	"github.com/Skryldev/image-loader/config"
	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/hooks"
	"github.com/Skryldev/image-loader/utils"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

func newLoader(t testing.TB, mutate ...func(*config.Config)) *imageloader.Loader {
	t.Helper()
	cfg := imageloader.DefaultConfig()
	cfg.WorkerCount = 2
	cfg.LogLevel = "error"
	for _, m := range mutate {
		m(&cfg)
	}
	l, err := imageloader.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func gradient(w, h int) *imageloader.Image {
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := (y*w + x) * 4
			pix[o] = byte(x * 255 / max(w-1, 1))
			pix[o+1] = byte(y * 255 / max(h-1, 1))
			pix[o+2] = 128
			pix[o+3] = 255
		}
	}
	return &imageloader.Image{Width: w, Height: h, Format: imageloader.RGBA8U, Pixels: pix}
}

func saved(t testing.TB, l *imageloader.Loader, ff core.FileFormat, img *imageloader.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := l.Save(&buf, ff, img, nil); err != nil {
		t.Fatalf("Save %s: %v", ff, err)
	}
	return buf.Bytes()
}

type closeTracker struct {
	*bytes.Reader
	closed int
}

func (c *closeTracker) Close() error { c.closed++; return nil }

// ── Load / Save ───────────────────────────────────────────────────────────────

func TestLoadSave_PNGRoundTrip(t *testing.T) {
	l := newLoader(t)
	src := gradient(40, 30)
	src.Profile = core.ColourProfile{Name: "test", Data: []byte("not really icc")}

	img, err := l.Load(bytes.NewReader(saved(t, l, imageloader.PNG, src)), imageloader.InvalidFormat)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.FileFormat != imageloader.PNG || img.Width != 40 || img.Height != 30 || img.Format != imageloader.RGBA8U {
		t.Errorf("unexpected image: %v %dx%d %s", img.FileFormat, img.Width, img.Height, img.Format)
	}
	if !bytes.Equal(img.Pixels, src.Pixels) {
		t.Error("pixels changed")
	}
	if img.Profile.Name != "test" || string(img.Profile.Data) != "not really icc" {
		t.Errorf("profile: %+v", img.Profile)
	}
}

func TestLoad_ForcedFormat(t *testing.T) {
	l := newLoader(t)
	raw := saved(t, l, imageloader.PNG, gradient(4, 4))
	img, err := l.Load(bytes.NewReader(raw), imageloader.RGB32F)
	if err != nil {
		t.Fatal(err)
	}
	if img.Format != imageloader.RGB32F || len(img.Pixels) != 4*4*12 {
		t.Fatalf("format %s, %d bytes", img.Format, len(img.Pixels))
	}
	if f := utils.BytesToFloat32s(img.Pixels); f[2] != float32(128)/255 {
		t.Errorf("blue: %v", f[2])
	}
}

func TestLoad_EmptyInput(t *testing.T) {
	l := newLoader(t)
	_, err := l.Load(bytes.NewReader(nil), imageloader.InvalidFormat)
	if !errors.Is(err, apperrors.ErrEmptyInput) {
		t.Errorf("got %v", err)
	}
}

func TestLoad_DoesNotCloseStream(t *testing.T) {
	l := newLoader(t)
	r := &closeTracker{Reader: bytes.NewReader(saved(t, l, imageloader.TGA, gradient(3, 3)))}
	if _, err := l.Load(r, imageloader.InvalidFormat); err != nil {
		t.Fatal(err)
	}
	if r.closed != 0 {
		t.Error("Load closed the caller's stream")
	}
}

func TestSave_NilImage(t *testing.T) {
	l := newLoader(t)
	if err := l.Save(io.Discard, imageloader.PNG, nil, nil); !errors.Is(err, apperrors.ErrInvalidEncodeArgs) {
		t.Errorf("got %v", err)
	}
}

func TestSave_UsesConfiguredDefaults(t *testing.T) {
	l := newLoader(t, func(c *config.Config) { c.TGA.RLE = true })
	raw := saved(t, l, imageloader.TGA, gradient(8, 2))
	if raw[2] != 10 {
		t.Errorf("image type %d, want run-length true colour", raw[2])
	}
	// Explicit options win.
	var buf bytes.Buffer
	if err := l.Save(&buf, imageloader.TGA, gradient(8, 2), &core.TGAOptions{}); err != nil {
		t.Fatal(err)
	}
	if buf.Bytes()[2] != 2 {
		t.Errorf("image type %d, want uncompressed true colour", buf.Bytes()[2])
	}
}

func TestSave_UnpredictableWrite(t *testing.T) {
	l := newLoader(t)
	var buf bytes.Buffer
	err := l.Save(&buf, imageloader.WebP, gradient(2, 2), nil)
	if !errors.Is(err, apperrors.ErrInvalidEncodeArgs) {
		t.Errorf("got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("%d bytes written", buf.Len())
	}
}

func TestSave_TypedNilOptions(t *testing.T) {
	l := newLoader(t)
	src := gradient(4, 4)
	var buf bytes.Buffer
	if err := l.Save(&buf, imageloader.PNG, src, (*core.PNGOptions)(nil)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	img, err := l.Load(bytes.NewReader(buf.Bytes()), imageloader.InvalidFormat)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(img.Pixels, src.Pixels) {
		t.Error("pixels changed")
	}
}

func TestSave_AgreesWithIsFormatSupported(t *testing.T) {
	l := newLoader(t)
	for _, ff := range []core.FileFormat{imageloader.EXR, imageloader.PNG, imageloader.TGA, imageloader.TIFF, imageloader.HDR, imageloader.BMP, imageloader.JPEG, imageloader.WebP} {
		for _, f := range []core.PixelFormat{imageloader.R8U, imageloader.RGBA8U, imageloader.RGB16U, imageloader.RG32F} {
			px, err := core.SizeInBytes(f)
			if err != nil {
				t.Fatal(err)
			}
			img := &imageloader.Image{Width: 2, Height: 2, Format: f, Pixels: make([]byte, 4*px)}
			err = l.Save(io.Discard, ff, img, nil)
			if l.IsFormatSupported(ff, f) {
				if err != nil {
					t.Errorf("%s %s: reported writable, Save failed: %v", ff, f, err)
				}
			} else if !errors.Is(err, apperrors.ErrInvalidEncodeArgs) {
				t.Errorf("%s %s: reported unwritable, Save gave %v", ff, f, err)
			}
		}
	}
}

// ── Sessions ──────────────────────────────────────────────────────────────────

func TestOpen_SessionLifecycle(t *testing.T) {
	l := newLoader(t)
	r := &closeTracker{Reader: bytes.NewReader(saved(t, l, imageloader.PNG, gradient(5, 5)))}
	s, err := l.Open(r, core.SessionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(core.NewWriteRequest(nil, 1, 1, imageloader.R8U)); !errors.Is(err, apperrors.ErrWrongMode) {
		t.Errorf("Write on a decode session: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if r.closed != 1 {
		t.Errorf("stream closed %d times", r.closed)
	}
	if _, err := s.Info(); !errors.Is(err, apperrors.ErrUseAfterClose) {
		t.Errorf("Info after Close: %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	l := newLoader(t)
	path := filepath.Join(t.TempDir(), "in.exr")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := l.NewWriter(imageloader.EXR, f, core.SessionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	img := gradient(6, 3)
	if err := w.Write(core.NewWriteRequest(img.Pixels, img.Width, img.Height, img.Format)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil { // closes f
		t.Fatal(err)
	}

	s, err := l.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	info, err := s.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.Format != imageloader.RGBA16F || info.Width != 6 {
		t.Errorf("info: %+v", info)
	}

	if _, err := l.OpenFile(filepath.Join(t.TempDir(), "missing.png")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v", err)
	} else if apperrors.KindOf(err) != apperrors.KindLoadFailedExternal {
		t.Errorf("kind: %s", apperrors.KindOf(err))
	}
}

func TestMaxPixels(t *testing.T) {
	l := newLoader(t, func(c *config.Config) { c.MaxPixels = 15 })
	raw := saved(t, l, imageloader.PNG, gradient(4, 4))
	if _, err := l.Load(bytes.NewReader(raw), imageloader.InvalidFormat); !errors.Is(err, apperrors.ErrLoadFailedExternal) {
		t.Errorf("got %v", err)
	}
}

func TestMaxPixels_DefaultLimit(t *testing.T) {
	// 20000 x 20000 passes the codec's own checks but not the default limit.
	head := make([]byte, 18)
	head[2], head[16] = 2, 24
	binary.LittleEndian.PutUint16(head[12:], 20000)
	binary.LittleEndian.PutUint16(head[14:], 20000)
	l := newLoader(t)
	if l.Config().MaxPixels != config.DefaultMaxPixels {
		t.Fatalf("MaxPixels %d", l.Config().MaxPixels)
	}
	if _, err := l.Load(bytes.NewReader(head), imageloader.InvalidFormat); !errors.Is(err, apperrors.ErrLoadFailedExternal) {
		t.Errorf("got %v", err)
	}
}

func TestLoad_ImplausibleHeader(t *testing.T) {
	l := newLoader(t, func(c *config.Config) { c.MaxPixels = 0 })
	raw := []byte("#?RADIANCE\nFORMAT=32-bit_rle_rgbe\n\n-Y 100000000 +X 100000000\n")
	if _, err := l.Load(bytes.NewReader(raw), imageloader.InvalidFormat); !errors.Is(err, apperrors.ErrLoadFailedExternal) {
		t.Errorf("got %v", err)
	}
}

// ── Batch ─────────────────────────────────────────────────────────────────────

func TestDecodeBatch(t *testing.T) {
	l := newLoader(t)
	streams := []io.ReadSeeker{
		bytes.NewReader(saved(t, l, imageloader.PNG, gradient(8, 8))),
		bytes.NewReader(nil),
		bytes.NewReader([]byte("garbage garbage garbage")),
		bytes.NewReader(saved(t, l, imageloader.EXR, gradient(8, 4))),
		bytes.NewReader(saved(t, l, imageloader.TIFF, gradient(2, 9))),
	}
	images, errs := l.DecodeBatch(context.Background(), streams, imageloader.RGBA32F)
	if len(images) != len(streams) || len(errs) != len(streams) {
		t.Fatalf("lengths %d/%d", len(images), len(errs))
	}
	for _, i := range []int{0, 3, 4} {
		if errs[i] != nil || images[i] == nil || images[i].Format != imageloader.RGBA32F {
			t.Errorf("stream %d: %v", i, errs[i])
		}
	}
	if !errors.Is(errs[1], apperrors.ErrEmptyInput) {
		t.Errorf("stream 1: %v", errs[1])
	}
	if !errors.Is(errs[2], apperrors.ErrUnsupportedFiletype) {
		t.Errorf("stream 2: %v", errs[2])
	}
	if images[3].Height != 4 || images[4].Height != 9 {
		t.Error("results are not index-aligned")
	}
}

func TestDecodeBatch_Cancelled(t *testing.T) {
	l := newLoader(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	raw := saved(t, l, imageloader.PNG, gradient(2, 2))
	_, errs := l.DecodeBatch(ctx, []io.ReadSeeker{bytes.NewReader(raw), bytes.NewReader(raw)}, imageloader.InvalidFormat)
	for i, err := range errs {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("stream %d: %v", i, err)
		}
	}
}

func TestDecodeBatch_Empty(t *testing.T) {
	images, errs := newLoader(t).DecodeBatch(context.Background(), nil, imageloader.InvalidFormat)
	if len(images) != 0 || len(errs) != 0 {
		t.Errorf("got %d images, %d errors", len(images), len(errs))
	}
}

// ── Queries ───────────────────────────────────────────────────────────────────

func TestDetectFileFormat_RestoresPosition(t *testing.T) {
	l := newLoader(t)
	r := bytes.NewReader(saved(t, l, imageloader.HDR, gradient(3, 2)))
	ff, err := l.DetectFileFormat(r)
	if err != nil || ff != imageloader.HDR {
		t.Fatalf("got %s, %v", ff, err)
	}
	if pos, _ := r.Seek(0, io.SeekCurrent); pos != 0 {
		t.Errorf("position %d after detection", pos)
	}
	ff, _ = l.DetectFileFormat(bytes.NewReader([]byte("plain text")))
	if ff != imageloader.UnknownFileFormat {
		t.Errorf("text detected as %s", ff)
	}
}

func TestEnabledFormats(t *testing.T) {
	l := newLoader(t, func(c *config.Config) { c.EnabledFormats = []string{"png", "tga"} })
	if n := len(l.Registry().Formats()); n != 2 {
		t.Errorf("%d formats registered", n)
	}
	if l.IsFormatSupported(imageloader.EXR, imageloader.RGB32F) {
		t.Error("disabled format reported as supported")
	}
	if got := l.GetWhatFormatWillBeWrittenForData(imageloader.EXR, imageloader.RGB8U, imageloader.InvalidFormat); got != imageloader.InvalidFormat {
		t.Errorf("prediction for a disabled format: %s", got)
	}

	full := newLoader(t)
	exr := saved(t, full, imageloader.EXR, gradient(2, 2))
	if _, err := l.Load(bytes.NewReader(exr), imageloader.InvalidFormat); !errors.Is(err, apperrors.ErrUnsupportedFiletype) {
		t.Errorf("got %v", err)
	}
}

func TestPredictionMatchesWrite(t *testing.T) {
	l := newLoader(t)
	img := gradient(3, 3)
	for _, ff := range []core.FileFormat{imageloader.EXR, imageloader.PNG, imageloader.TGA, imageloader.TIFF, imageloader.HDR, imageloader.BMP} {
		want := l.GetWhatFormatWillBeWrittenForData(ff, img.Format, imageloader.InvalidFormat)
		got, err := l.Load(bytes.NewReader(saved(t, l, ff, img)), imageloader.InvalidFormat)
		if err != nil {
			t.Fatalf("%s: %v", ff, err)
		}
		if got.Format != want {
			t.Errorf("%s: predicted %s, decoded %s", ff, want, got.Format)
		}
	}
}

func TestBitDepthHelpers(t *testing.T) {
	for _, f := range core.AllPixelFormats() {
		d, err := imageloader.GetBitDepth(f)
		if err != nil {
			t.Fatalf("%s: %v", f, err)
		}
		back, err := imageloader.ChangeBitDepth(f, d)
		if err != nil || back != f {
			t.Errorf("ChangeBitDepth(%s, %s) = %s, %v", f, d, back, err)
		}
	}
	if _, err := imageloader.GetBitDepth(imageloader.InvalidFormat); !errors.Is(err, apperrors.ErrDomain) {
		t.Errorf("invalid format: %v", err)
	}
}

// ── Extension points ──────────────────────────────────────────────────────────

type trackedPNG struct {
	*codec.PNG
	inits, cleanups int
}

func (p *trackedPNG) Initialise() error { p.inits++; return nil }
func (p *trackedPNG) CleanUp()          { p.cleanups++ }

func TestExtraCodecReplacesBuiltin(t *testing.T) {
	extra := &trackedPNG{PNG: codec.NewPNG(1024)}
	l, err := imageloader.New(imageloader.DefaultConfig(), extra)
	if err != nil {
		t.Fatal(err)
	}
	if c, _ := l.Registry().CodecFor(imageloader.PNG); c != core.Codec(extra) {
		t.Error("extra codec not registered")
	}
	if extra.inits != 1 {
		t.Errorf("Initialise called %d times", extra.inits)
	}
	l.Close()
	l.Close()
	if extra.cleanups != 1 {
		t.Errorf("CleanUp called %d times", extra.cleanups)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := imageloader.DefaultConfig()
	cfg.WorkerCount = -1
	if _, err := imageloader.New(cfg); err == nil {
		t.Error("expected validation error")
	}
}

func TestHooks(t *testing.T) {
	l := newLoader(t)
	m := hooks.NewInMemoryMetrics()
	l.AddHook(hooks.NewMetricsHook(m))
	raw := saved(t, l, imageloader.PNG, gradient(16, 16))
	if _, err := l.Load(bytes.NewReader(raw), imageloader.InvalidFormat); err != nil {
		t.Fatal(err)
	}
	l.Load(bytes.NewReader(nil), imageloader.InvalidFormat)

	snap := m.Snapshot()
	if snap.Calls["open"] != 3 || snap.Calls["decode"] != 1 || snap.Calls["write"] != 1 {
		t.Errorf("calls: %v", snap.Calls)
	}
	if snap.Errors[string(apperrors.KindEmptyInput)] != 1 {
		t.Errorf("errors: %v", snap.Errors)
	}
	if snap.BytesWritten != int64(len(raw)) {
		t.Errorf("written %d, want %d", snap.BytesWritten, len(raw))
	}
	if snap.BytesRead < int64(len(raw)) {
		t.Errorf("read %d of %d bytes", snap.BytesRead, len(raw))
	}
}

func TestConcurrentLoads(t *testing.T) {
	l := newLoader(t)
	raw := saved(t, l, imageloader.PNG, gradient(32, 32))
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Load(bytes.NewReader(raw), imageloader.RGBA16U)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

// ── Benchmarks ────────────────────────────────────────────────────────────────

func BenchmarkLoad_PNG(b *testing.B) {
	l := newLoader(b)
	raw := saved(b, l, imageloader.PNG, gradient(512, 512))
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.Load(bytes.NewReader(raw), imageloader.InvalidFormat); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeBatch_Parallel(b *testing.B) {
	l := newLoader(b, func(c *config.Config) { c.WorkerCount = 0 })
	raw := saved(b, l, imageloader.EXR, gradient(256, 256))
	streams := make([]io.ReadSeeker, 8)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := range streams {
			streams[j] = bytes.NewReader(raw)
		}
		_, errs := l.DecodeBatch(context.Background(), streams, imageloader.InvalidFormat)
		for _, err := range errs {
			if err != nil {
				b.Fatal(err)
			}
		}
	}
}
