package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/Skryldev/image-loader/core"
)

const (
	exrMinRun = 3
	exrMaxRun = 127
)

// exrLinesPerChunk is the scanline count each compressor packs per chunk.
func exrLinesPerChunk(c core.EXRCompression) int {
	if c == core.EXRZIPCompression {
		return 16
	}
	return 1
}

// exrPack compresses one chunk of raw scanline data. It returns raw
// itself when compression does not make the chunk smaller, which readers
// detect by the packed size equalling the raw size.
func exrPack(raw []byte, c core.EXRCompression, level int) ([]byte, error) {
	if c == core.EXRNoCompression || len(raw) == 0 {
		return raw, nil
	}
	t := exrPredict(raw)
	var packed []byte
	switch c {
	case core.EXRRLECompression:
		packed = exrRLE(t)
	case core.EXRZIPSCompression, core.EXRZIPCompression:
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(t); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		packed = buf.Bytes()
	default:
		return nil, fmt.Errorf("compression %s", c)
	}
	if len(packed) >= len(raw) {
		return raw, nil
	}
	return packed, nil
}

// exrUnpack reverses exrPack into a buffer of exactly size bytes.
func exrUnpack(data []byte, c core.EXRCompression, size int) ([]byte, error) {
	if len(data) == size {
		return data, nil
	}
	if len(data) > size {
		return nil, fmt.Errorf("chunk of %d bytes exceeds the %d byte scanlines", len(data), size)
	}
	var t []byte
	switch c {
	case core.EXRNoCompression:
		return nil, fmt.Errorf("uncompressed chunk of %d bytes, want %d", len(data), size)
	case core.EXRRLECompression:
		var err error
		if t, err = exrUnRLE(data, size); err != nil {
			return nil, err
		}
	case core.EXRZIPSCompression, core.EXRZIPCompression:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		t = make([]byte, size)
		if _, err := io.ReadFull(zr, t); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("compression %s", c)
	}
	return exrUnpredict(t), nil
}

// exrPredict splits even and odd bytes into two halves and then replaces
// every byte with its difference from the previous one, biased by 128.
func exrPredict(raw []byte) []byte {
	n := len(raw)
	t := make([]byte, n)
	half := (n + 1) / 2
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			t[i/2] = raw[i]
		} else {
			t[half+i/2] = raw[i]
		}
	}
	for i := n - 1; i > 0; i-- {
		t[i] = t[i] - t[i-1] + 128
	}
	return t
}

func exrUnpredict(t []byte) []byte {
	n := len(t)
	for i := 1; i < n; i++ {
		t[i] = t[i-1] + t[i] - 128
	}
	out := make([]byte, n)
	half := (n + 1) / 2
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			out[i] = t[i/2]
		} else {
			out[i] = t[half+i/2]
		}
	}
	return out
}

// exrRLE emits runs of three or more equal bytes as (count-1, value) and
// everything else as (-count, literals...).
func exrRLE(in []byte) []byte {
	out := make([]byte, 0, len(in))
	n := len(in)
	for start := 0; start < n; {
		end := start + 1
		for end < n && in[end] == in[start] && end-start < exrMaxRun+1 {
			end++
		}
		if end-start >= exrMinRun {
			out = append(out, byte(end-start-1), in[start])
			start = end
			continue
		}
		end = start
		for end < n && end-start < exrMaxRun {
			if end+2 < n && in[end] == in[end+1] && in[end] == in[end+2] {
				break
			}
			end++
		}
		out = append(out, byte(int8(-(end - start))))
		out = append(out, in[start:end]...)
		start = end
	}
	return out
}

func exrUnRLE(in []byte, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for i := 0; i < len(in); {
		count := int(int8(in[i]))
		i++
		if count < 0 {
			n := -count
			if i+n > len(in) || len(out)+n > size {
				return nil, fmt.Errorf("rle literal overruns")
			}
			out = append(out, in[i:i+n]...)
			i += n
			continue
		}
		if i >= len(in) || len(out)+count+1 > size {
			return nil, fmt.Errorf("rle run overruns")
		}
		for k := 0; k <= count; k++ {
			out = append(out, in[i])
		}
		i++
	}
	if len(out) != size {
		return nil, fmt.Errorf("rle produced %d bytes, want %d", len(out), size)
	}
	return out, nil
}
