package core

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FileFormat identifies an on-disk image container.
type FileFormat int32

const (
	// UnknownFileFormat is a detection result only; it is never a valid
	// open or write target.
	UnknownFileFormat FileFormat = -1

	EXR  FileFormat = 1
	PNG  FileFormat = 2
	JPEG FileFormat = 3
	TGA  FileFormat = 4
	TIFF FileFormat = 5
	HDR  FileFormat = 6
	BMP  FileFormat = 7
	WebP FileFormat = 8
)

var fileFormatNames = map[FileFormat]string{
	EXR:  "exr",
	PNG:  "png",
	JPEG: "jpeg",
	TGA:  "tga",
	TIFF: "tiff",
	HDR:  "hdr",
	BMP:  "bmp",
	WebP: "webp",
}

// AllFileFormats lists every known file format in detection order.
func AllFileFormats() []FileFormat {
	return []FileFormat{EXR, PNG, JPEG, TGA, TIFF, HDR, BMP, WebP}
}

func (f FileFormat) Valid() bool {
	_, ok := fileFormatNames[f]
	return ok
}

func (f FileFormat) String() string {
	if n, ok := fileFormatNames[f]; ok {
		return n
	}
	if f == UnknownFileFormat {
		return "unknown"
	}
	return fmt.Sprintf("FileFormat(%d)", int32(f))
}

// ParseFileFormat accepts a format name or common file extension.
func ParseFileFormat(s string) (FileFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "exr":
		return EXR, nil
	case "png":
		return PNG, nil
	case "jpeg", "jpg", "jpe":
		return JPEG, nil
	case "tga", "targa":
		return TGA, nil
	case "tiff", "tif":
		return TIFF, nil
	case "hdr", "rgbe", "pic":
		return HDR, nil
	case "bmp", "dib":
		return BMP, nil
	case "webp":
		return WebP, nil
	}
	return UnknownFileFormat, fmt.Errorf("unknown file format %q", s)
}

// FileFormatFromPath derives a format from a file name's extension.
func FileFormatFromPath(path string) (FileFormat, error) {
	return ParseFileFormat(filepath.Ext(path))
}
