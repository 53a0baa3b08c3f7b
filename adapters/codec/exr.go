package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/x448/float16"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
	"github.com/Skryldev/image-loader/utils"
)

const (
	exrVersion = 2

	exrFlagTiled     = 0x200
	exrFlagNonImage  = 0x800
	exrFlagMultipart = 0x1000

	exrUint  = 0
	exrHalf  = 1
	exrFloat = 2

	maxEXRName      = 255
	maxEXRAttribute = 16 << 20
	maxEXRChannels  = 1024
)

var exrMagic = []byte{0x76, 0x2f, 0x31, 0x01}

// exrChannelNames maps an interleaved channel index to its EXR name.
var exrChannelNames = [4]string{"R", "G", "B", "A"}

// EXR reads single-part scanline OpenEXR images compressed with NONE, RLE,
// ZIPS or ZIP, and writes them with 16 or 32 bit float channels.
type EXR struct {
	chunkSize int
	defaults  core.EXROptions
}

func NewEXR(chunkSize int, defaults core.EXROptions) *EXR {
	return &EXR{chunkSize: chunkSize, defaults: defaults}
}

func (e *EXR) FileFormat() core.FileFormat { return core.EXR }

func (e *EXR) CanLoad(b *core.Bridge) bool {
	var head [4]byte
	n := b.Peek(head[:])
	return utils.DetectFormat(head[:n]) == utils.FormatEXR
}

type exrChannel struct {
	name      string
	pixelType int32
	xSampling int32
	ySampling int32
}

func (c exrChannel) size() int {
	if c.pixelType == exrHalf {
		return 2
	}
	return 4
}

type exrHeader struct {
	channels     []exrChannel
	compression  core.EXRCompression
	minX, minY   int32
	maxX, maxY   int32
	headerLength int64

	// picks holds, per output channel, the index into channels.
	picks  []int
	format core.PixelFormat
}

func (h *exrHeader) width() int  { return int(h.maxX) - int(h.minX) + 1 }
func (h *exrHeader) height() int { return int(h.maxY) - int(h.minY) + 1 }

func (h *exrHeader) lineBytes() int {
	n := 0
	for _, c := range h.channels {
		n += c.size() * h.width()
	}
	return n
}

func (e *EXR) Open(b *core.Bridge) (core.Handle, apperrors.Status) {
	start := b.Tell()
	hdr, err := readEXRHeader(bufio.NewReader(b.Reader()))
	if err != nil {
		return openResult(nil, err)
	}
	h, err := newDecodeHandle(start, hdr.width(), hdr.height(), hdr.format, func(b *core.Bridge) ([]byte, error) {
		return readEXRPixels(b.Reader(), start, hdr)
	})
	return openResult(h, err)
}

// readEXRHeader parses the magic, version and attribute list, then chooses
// which channels to decode.
func readEXRHeader(r *bufio.Reader) (*exrHeader, error) {
	fail := func(format string, args ...any) error {
		return statusf(apperrors.StatusLoadFailedExternal, "exr: "+format, args...)
	}
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fail("header: %v", err)
	}
	if !bytes.Equal(head[:4], exrMagic) {
		return nil, statusf(apperrors.StatusUnsupportedFiletype, "exr: invalid magic")
	}
	version := binary.LittleEndian.Uint32(head[4:8])
	if version&0xff != exrVersion {
		return nil, statusf(apperrors.StatusUnsupportedVariant, "exr: version %d", version&0xff)
	}
	switch {
	case version&exrFlagMultipart != 0:
		return nil, statusf(apperrors.StatusUnsupportedVariant, "exr: multi-part files")
	case version&exrFlagNonImage != 0:
		return nil, statusf(apperrors.StatusUnsupportedVariant, "exr: deep data")
	case version&exrFlagTiled != 0:
		return nil, statusf(apperrors.StatusUnsupportedVariant, "exr: tiled images")
	}

	consumed := int64(len(head))
	readName := func() (string, error) {
		s, err := r.ReadString(0)
		consumed += int64(len(s))
		if err != nil {
			return "", err
		}
		if len(s) > maxEXRName+1 {
			return "", fmt.Errorf("name of %d bytes", len(s)-1)
		}
		return s[:len(s)-1], nil
	}

	hdr := &exrHeader{}
	var seenChannels, seenCompression, seenWindow bool
	for {
		name, err := readName()
		if err != nil {
			return nil, fail("attribute name: %v", err)
		}
		if name == "" {
			break
		}
		typ, err := readName()
		if err != nil {
			return nil, fail("attribute %s type: %v", name, err)
		}
		var sz [4]byte
		if _, err := io.ReadFull(r, sz[:]); err != nil {
			return nil, fail("attribute %s size: %v", name, err)
		}
		size := int32(binary.LittleEndian.Uint32(sz[:]))
		if size < 0 || size > maxEXRAttribute {
			return nil, fail("attribute %s of %d bytes", name, size)
		}
		val := make([]byte, size)
		if _, err := io.ReadFull(r, val); err != nil {
			return nil, fail("attribute %s: %v", name, err)
		}
		consumed += 4 + int64(size)

		switch {
		case name == "channels" && typ == "chlist":
			if hdr.channels, err = parseChannelList(val); err != nil {
				return nil, fail("channels: %v", err)
			}
			seenChannels = true
		case name == "compression" && typ == "compression" && size == 1:
			hdr.compression = core.EXRCompression(val[0])
			seenCompression = true
		case name == "dataWindow" && typ == "box2i" && size == 16:
			hdr.minX = int32(binary.LittleEndian.Uint32(val[0:]))
			hdr.minY = int32(binary.LittleEndian.Uint32(val[4:]))
			hdr.maxX = int32(binary.LittleEndian.Uint32(val[8:]))
			hdr.maxY = int32(binary.LittleEndian.Uint32(val[12:]))
			seenWindow = true
		case name == "tiles":
			return nil, statusf(apperrors.StatusUnsupportedVariant, "exr: tiled images")
		}
	}
	if !seenChannels || !seenCompression || !seenWindow {
		return nil, fail("missing required attribute")
	}
	if hdr.compression > core.EXRZIPCompression {
		return nil, statusf(apperrors.StatusUnsupportedVariant, "exr: compression method %d", hdr.compression)
	}
	if hdr.maxX < hdr.minX || hdr.maxY < hdr.minY {
		return nil, fail("empty data window")
	}
	hdr.headerLength = consumed
	if err := hdr.pickChannels(); err != nil {
		return nil, err
	}
	return hdr, nil
}

func parseChannelList(val []byte) ([]exrChannel, error) {
	var out []exrChannel
	for len(val) > 0 {
		end := bytes.IndexByte(val, 0)
		if end < 0 {
			return nil, fmt.Errorf("unterminated channel name")
		}
		if end == 0 {
			return out, nil
		}
		name := string(val[:end])
		val = val[end+1:]
		if len(val) < 16 {
			return nil, fmt.Errorf("truncated channel %s", name)
		}
		c := exrChannel{
			name:      name,
			pixelType: int32(binary.LittleEndian.Uint32(val[0:])),
			xSampling: int32(binary.LittleEndian.Uint32(val[8:])),
			ySampling: int32(binary.LittleEndian.Uint32(val[12:])),
		}
		if c.pixelType < exrUint || c.pixelType > exrFloat {
			return nil, fmt.Errorf("channel %s has pixel type %d", name, c.pixelType)
		}
		out = append(out, c)
		if len(out) > maxEXRChannels {
			return nil, fmt.Errorf("more than %d channels", maxEXRChannels)
		}
		val = val[16:]
	}
	return nil, fmt.Errorf("unterminated channel list")
}

// pickChannels decides the output layout. When every channel is one of
// R, G, B or A they are taken in RGBA order; otherwise the first four
// channels in file order. All-half files stay 16-bit float, anything else
// becomes 32-bit float.
func (h *exrHeader) pickChannels() error {
	if len(h.channels) == 0 {
		return statusf(apperrors.StatusLoadFailedExternal, "exr: no channels")
	}
	byName := make(map[string]int, len(h.channels))
	for i, c := range h.channels {
		if c.xSampling != 1 || c.ySampling != 1 {
			return statusf(apperrors.StatusUnsupportedVariant, "exr: channel %s is subsampled", c.name)
		}
		byName[c.name] = i
	}
	rgba := true
	for _, c := range h.channels {
		switch c.name {
		case "R", "G", "B", "A":
		default:
			rgba = false
		}
	}
	h.picks = h.picks[:0]
	if rgba {
		for _, n := range exrChannelNames {
			if i, ok := byName[n]; ok {
				h.picks = append(h.picks, i)
			}
		}
	} else {
		for i := 0; i < len(h.channels) && i < 4; i++ {
			h.picks = append(h.picks, i)
		}
	}

	depth := core.Depth16F
	for _, i := range h.picks {
		if h.channels[i].pixelType != exrHalf {
			depth = core.Depth32F
		}
	}
	f, err := core.FormatFor(len(h.picks), depth)
	if err != nil {
		return withStatus(apperrors.StatusLoadFailedInternal, err)
	}
	h.format = f
	return nil
}

// readEXRPixels reads the offset table and every chunk into an interleaved
// buffer in h.format.
func readEXRPixels(r io.ReadSeeker, start int64, h *exrHeader) ([]byte, error) {
	fail := func(format string, args ...any) error {
		return statusf(apperrors.StatusLoadFailedExternal, "exr: "+format, args...)
	}
	w, ht := h.width(), h.height()
	lpc := exrLinesPerChunk(h.compression)
	chunks := (ht + lpc - 1) / lpc

	if _, err := r.Seek(start+h.headerLength, io.SeekStart); err != nil {
		return nil, fail("offset table: %v", err)
	}
	table := make([]byte, 8*chunks)
	if _, err := io.ReadFull(r, table); err != nil {
		return nil, fail("offset table: %v", err)
	}

	ch := len(h.picks)
	bpc := 2
	if depthOf(h.format) == core.Depth32F {
		bpc = 4
	}
	out := make([]byte, w*ht*ch*bpc)
	lineBytes := h.lineBytes()

	// Where each channel starts within one decoded scanline.
	offsets := make([]int, len(h.channels))
	for i, o := 0, 0; i < len(h.channels); i++ {
		offsets[i] = o
		o += h.channels[i].size() * w
	}

	var prefix [8]byte
	for c := 0; c < chunks; c++ {
		off := int64(binary.LittleEndian.Uint64(table[8*c:]))
		if _, err := r.Seek(start+off, io.SeekStart); err != nil {
			return nil, fail("chunk %d: %v", c, err)
		}
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			return nil, fail("chunk %d: %v", c, err)
		}
		y := int(int32(binary.LittleEndian.Uint32(prefix[0:])))
		size := int(int32(binary.LittleEndian.Uint32(prefix[4:])))
		if y < int(h.minY) || y > int(h.maxY) {
			return nil, fail("chunk %d starts at line %d outside the data window", c, y)
		}
		lines := min(lpc, int(h.maxY)-y+1)
		if size < 0 || size > lines*lineBytes {
			return nil, fail("chunk %d has %d bytes", c, size)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fail("chunk %d: %v", c, err)
		}
		raw, err := exrUnpack(data, h.compression, lines*lineBytes)
		if err != nil {
			return nil, fail("chunk %d: %v", c, err)
		}
		for l := 0; l < lines; l++ {
			row := raw[l*lineBytes : (l+1)*lineBytes]
			dy := y - int(h.minY) + l
			for k, ci := range h.picks {
				h.copyChannel(out, row[offsets[ci]:], h.channels[ci], dy, k, w, ch, bpc)
			}
		}
	}
	return out, nil
}

// copyChannel scatters one channel's scanline into the interleaved output.
func (h *exrHeader) copyChannel(out, src []byte, c exrChannel, y, k, w, ch, bpc int) {
	for x := 0; x < w; x++ {
		o := out[((y*w+x)*ch+k)*bpc:]
		if bpc == 2 {
			copy(o[:2], src[2*x:2*x+2])
			continue
		}
		var v float32
		switch c.pixelType {
		case exrHalf:
			v = float16.Frombits(binary.LittleEndian.Uint16(src[2*x:])).Float32()
		case exrFloat:
			v = math.Float32frombits(binary.LittleEndian.Uint32(src[4*x:]))
		case exrUint:
			v = float32(binary.LittleEndian.Uint32(src[4*x:]))
		}
		binary.LittleEndian.PutUint32(o, math.Float32bits(v))
	}
}

func (e *EXR) NewEncoder() (core.Handle, apperrors.Status) {
	return newEncodeHandle(e, e.write), apperrors.StatusOK
}

func (e *EXR) write(b *core.Bridge, pix []byte, f core.PixelFormat, req *core.WriteRequest) error {
	opts := e.defaults
	if o, ok := req.Options.(*core.EXROptions); ok && o != nil {
		opts = *o
	}
	ch, bpc, _, err := core.FormatDetails(f)
	if err != nil {
		return withStatus(apperrors.StatusWriteFailedInternal, err)
	}
	w, ht := req.Width, req.Height
	if int64(w) > math.MaxInt32 || int64(ht) > math.MaxInt32 {
		return statusf(apperrors.StatusInvalidEncodeArgs, "exr: %dx%d", w, ht)
	}

	// Channels are stored sorted by name; order maps file position to the
	// interleaved index.
	order := make([]int, ch)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return exrChannelNames[order[i]] < exrChannelNames[order[j]] })

	pixelType := int32(exrFloat)
	if bpc == 2 {
		pixelType = exrHalf
	}

	buf := utils.AcquireBuffer()
	defer utils.ReleaseBuffer(buf)
	buf.Write(exrMagic)
	le := func(v any) { _ = binary.Write(buf, binary.LittleEndian, v) }
	le(uint32(exrVersion))

	attr := func(name, typ string, val []byte) {
		buf.WriteString(name)
		buf.WriteByte(0)
		buf.WriteString(typ)
		buf.WriteByte(0)
		le(int32(len(val)))
		buf.Write(val)
	}
	var chlist bytes.Buffer
	for _, i := range order {
		chlist.WriteString(exrChannelNames[i])
		chlist.WriteByte(0)
		_ = binary.Write(&chlist, binary.LittleEndian, [4]int32{pixelType, 0, 1, 1})
	}
	chlist.WriteByte(0)
	box := make([]byte, 16)
	binary.LittleEndian.PutUint32(box[8:], uint32(w-1))
	binary.LittleEndian.PutUint32(box[12:], uint32(ht-1))
	f32 := func(vs ...float32) []byte {
		out := make([]byte, 4*len(vs))
		for i, v := range vs {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
		return out
	}

	attr("channels", "chlist", chlist.Bytes())
	attr("compression", "compression", []byte{byte(opts.Compression)})
	attr("dataWindow", "box2i", box)
	attr("displayWindow", "box2i", box)
	attr("lineOrder", "lineOrder", []byte{0})
	attr("pixelAspectRatio", "float", f32(1))
	attr("screenWindowCenter", "v2f", f32(0, 0))
	attr("screenWindowWidth", "float", f32(1))
	buf.WriteByte(0)

	lpc := exrLinesPerChunk(opts.Compression)
	chunks := (ht + lpc - 1) / lpc
	lineBytes := w * ch * bpc
	packed := make([][]byte, chunks)
	raw := make([]byte, lpc*lineBytes)
	for c := 0; c < chunks; c++ {
		y0 := c * lpc
		lines := min(lpc, ht-y0)
		n := 0
		for l := 0; l < lines; l++ {
			for _, i := range order {
				for x := 0; x < w; x++ {
					src := pix[(((y0+l)*w+x)*ch+i)*bpc:]
					n += copy(raw[n:n+bpc], src[:bpc])
				}
			}
		}
		if packed[c], err = exrPack(raw[:n], opts.Compression, opts.Level); err != nil {
			return withStatus(apperrors.StatusWriteFailedInternal, fmt.Errorf("exr: chunk %d: %w", c, err))
		}
		// exrPack may hand back its input; raw is reused for the next chunk.
		if len(packed[c]) == n {
			packed[c] = append([]byte(nil), packed[c]...)
		}
	}

	off := int64(buf.Len()) + 8*int64(chunks)
	for c := range packed {
		le(uint64(off))
		off += 8 + int64(len(packed[c]))
	}
	for c, p := range packed {
		le(int32(c * lpc))
		le(int32(len(p)))
		buf.Write(p)
	}

	cw := &utils.ChunkedWriter{W: b.Writer(), ChunkSize: e.chunkSize}
	if _, err := cw.Write(buf.Bytes()); err != nil {
		return withStatus(apperrors.StatusWriteFailedExternal, err)
	}
	return nil
}

// WhatFormatWillBeWritten keeps the channel count. 8-bit input becomes half
// float, 16-bit input becomes 32-bit float, float input is kept unless a
// float output depth is preferred.
func (e *EXR) WhatFormatWillBeWritten(in, out core.PixelFormat) core.PixelFormat {
	ch := channelsOf(in)
	if ch == 0 {
		return core.InvalidFormat
	}
	var d core.BitDepth
	switch od := depthOf(out); {
	case out.Valid() && od.IsFloat():
		d = od
	default:
		switch depthOf(in) {
		case core.Depth8U:
			d = core.Depth16F
		case core.Depth16U:
			d = core.Depth32F
		default:
			d = depthOf(in)
		}
	}
	f, err := core.FormatFor(ch, d)
	if err != nil {
		return core.InvalidFormat
	}
	return f
}

var _ core.Codec = (*EXR)(nil)
