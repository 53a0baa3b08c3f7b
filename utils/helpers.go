package utils

import (
	"bytes"
	"net/http"
)

const (
	FormatEXR     = "exr"
	FormatPNG     = "png"
	FormatJPEG    = "jpeg"
	FormatTIFF    = "tiff"
	FormatHDR     = "hdr"
	FormatBMP     = "bmp"
	FormatWebP    = "webp"
	FormatUnknown = "unknown"
)

var (
	exrMagic   = []byte{0x76, 0x2f, 0x31, 0x01}
	pngMagic   = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	tiffLE     = []byte{'I', 'I', 0x2A, 0x00}
	tiffBE     = []byte{'M', 'M', 0x00, 0x2A}
	radiance   = []byte("#?RADIANCE")
	rgbeMagic  = []byte("#?RGBE")
	riffMagic  = []byte("RIFF")
	webpMarker = []byte("WEBP")
)

// DetectFormat sniffs the leading bytes of data and returns the image format.
// TGA has no signature and is never reported.
func DetectFormat(data []byte) string {
	if len(data) < 2 {
		return FormatUnknown
	}
	switch {
	case bytes.HasPrefix(data, exrMagic):
		return FormatEXR
	case bytes.HasPrefix(data, pngMagic):
		return FormatPNG
	// JPEG: FF D8 FF
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return FormatJPEG
	case bytes.HasPrefix(data, tiffLE), bytes.HasPrefix(data, tiffBE):
		return FormatTIFF
	case bytes.HasPrefix(data, radiance), bytes.HasPrefix(data, rgbeMagic):
		return FormatHDR
	// WebP: RIFF....WEBP
	case len(data) >= 12 && bytes.HasPrefix(data, riffMagic) && bytes.Equal(data[8:12], webpMarker):
		return FormatWebP
	// BMP: "BM" followed by a plausible info header size.
	case len(data) >= 18 && data[0] == 'B' && data[1] == 'M' && isBMPHeaderSize(data[14:18]):
		return FormatBMP
	}
	// Fallback to net/http sniffing.
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return FormatJPEG
	case "image/png":
		return FormatPNG
	case "image/webp":
		return FormatWebP
	case "image/bmp":
		return FormatBMP
	}
	return FormatUnknown
}

func isBMPHeaderSize(b []byte) bool {
	n := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	switch n {
	case 12, 40, 52, 56, 64, 108, 124:
		return true
	}
	return false
}

// CloneBytes returns a copy of b (safe for use after the source buffer is released).
func CloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
