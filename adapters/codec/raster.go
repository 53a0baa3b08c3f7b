package codec

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"

	"github.com/Skryldev/image-loader/core"
)

// extract copies img into a little-endian buffer of integer format f
// (1, 3 or 4 channels at 8U or 16U).
func extract(img image.Image, f core.PixelFormat) ([]byte, error) {
	ch, bpc, kind, err := core.FormatDetails(f)
	if err != nil {
		return nil, err
	}
	if kind != core.NumericInteger || ch == 2 {
		return nil, fmt.Errorf("cannot extract %s from a raster image", f)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	px := ch * bpc
	out := make([]byte, w*h*px)

	switch m := img.(type) {
	case *image.Gray:
		if f == core.R8U {
			for y := 0; y < h; y++ {
				copy(out[y*w:(y+1)*w], m.Pix[y*m.Stride:])
			}
			return out, nil
		}
	case *image.Gray16:
		if f == core.R16U {
			for y := 0; y < h; y++ {
				row := m.Pix[y*m.Stride:]
				for x := 0; x < w; x++ {
					binary.LittleEndian.PutUint16(out[2*(y*w+x):], binary.BigEndian.Uint16(row[2*x:]))
				}
			}
			return out, nil
		}
	case *image.NRGBA:
		if f == core.RGBA8U {
			for y := 0; y < h; y++ {
				copy(out[y*w*4:(y+1)*w*4], m.Pix[y*m.Stride:])
			}
			return out, nil
		}
	}

	var vals [4]uint16
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.At(bounds.Min.X+x, bounds.Min.Y+y)
			if ch == 1 {
				vals[0] = color.Gray16Model.Convert(c).(color.Gray16).Y
			} else {
				n := color.NRGBA64Model.Convert(c).(color.NRGBA64)
				vals = [4]uint16{n.R, n.G, n.B, n.A}
			}
			o := out[(y*w+x)*px:]
			for i := 0; i < ch; i++ {
				if bpc == 1 {
					o[i] = uint8(vals[i] >> 8)
				} else {
					binary.LittleEndian.PutUint16(o[2*i:], vals[i])
				}
			}
		}
	}
	return out, nil
}

// toImage wraps integer pixels in the matching image type. RGB formats
// become opaque NRGBA images.
func toImage(pix []byte, f core.PixelFormat, w, h int) (image.Image, error) {
	rect := image.Rect(0, 0, w, h)
	n := w * h
	switch f {
	case core.R8U:
		m := image.NewGray(rect)
		copy(m.Pix, pix[:n])
		return m, nil
	case core.R16U:
		m := image.NewGray16(rect)
		for i := 0; i < n; i++ {
			binary.BigEndian.PutUint16(m.Pix[2*i:], binary.LittleEndian.Uint16(pix[2*i:]))
		}
		return m, nil
	case core.RGB8U, core.RGBA8U:
		m := image.NewNRGBA(rect)
		if f == core.RGBA8U {
			copy(m.Pix, pix[:4*n])
			return m, nil
		}
		for i := 0; i < n; i++ {
			copy(m.Pix[4*i:4*i+3], pix[3*i:3*i+3])
			m.Pix[4*i+3] = 0xff
		}
		return m, nil
	case core.RGB16U, core.RGBA16U:
		m := image.NewNRGBA64(rect)
		ch := 3
		if f == core.RGBA16U {
			ch = 4
		}
		for i := 0; i < n; i++ {
			dst := m.Pix[8*i:]
			src := pix[2*ch*i:]
			for c := 0; c < ch; c++ {
				binary.BigEndian.PutUint16(dst[2*c:], binary.LittleEndian.Uint16(src[2*c:]))
			}
			if ch == 3 {
				dst[6], dst[7] = 0xff, 0xff
			}
		}
		return m, nil
	}
	return nil, fmt.Errorf("no raster image type for %s", f)
}

// integerFormat picks the native format for a raster with the given
// channel count and bits per sample.
func integerFormat(channels, bits int) core.PixelFormat {
	d := core.Depth8U
	if bits > 8 {
		d = core.Depth16U
	}
	f, err := core.FormatFor(channels, d)
	if err != nil {
		return core.InvalidFormat
	}
	return f
}

// channelsOf returns the channel count of a valid format, or 0.
func channelsOf(f core.PixelFormat) int {
	n, err := core.NumChannels(f)
	if err != nil {
		return 0
	}
	return n
}

// depthOf returns the bit depth of a valid format, or InvalidDepth.
func depthOf(f core.PixelFormat) core.BitDepth {
	d, err := core.GetBitDepth(f)
	if err != nil {
		return core.InvalidDepth
	}
	return d
}

// integerTarget is the write prediction shared by containers that store
// 8 or 16 bit integers: the preferred output depth wins when it is an
// integer depth, floats become 16-bit.
func integerTarget(channels int, in, out core.PixelFormat) core.PixelFormat {
	d := depthOf(in)
	if out.Valid() {
		d = depthOf(out)
	}
	if d.IsFloat() {
		d = core.Depth16U
	}
	f, err := core.FormatFor(channels, d)
	if err != nil {
		return core.InvalidFormat
	}
	return f
}
