// Package codec is the statically linked, pure Go codec backend. Each file
// format is a core.Codec; Register wires them into a core.Registry.
package codec

import (
	"errors"
	"fmt"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
)

// codecError carries the status a failure should be reported with.
type codecError struct {
	status apperrors.Status
	err    error
}

func (e *codecError) Error() string { return e.err.Error() }
func (e *codecError) Unwrap() error { return e.err }

func withStatus(st apperrors.Status, err error) error {
	if err == nil {
		return nil
	}
	return &codecError{status: st, err: err}
}

func statusf(st apperrors.Status, format string, args ...any) error {
	return &codecError{status: st, err: fmt.Errorf(format, args...)}
}

func statusOf(err error, fallback apperrors.Status) apperrors.Status {
	var ce *codecError
	if errors.As(err, &ce) {
		return ce.status
	}
	return fallback
}

// decodeFunc reads the image at the current bridge position and returns
// pixels in the handle's native format.
type decodeFunc func(b *core.Bridge) ([]byte, error)

// encodeFunc writes pix, already in format f, to the bridge.
type encodeFunc func(b *core.Bridge, pix []byte, f core.PixelFormat, req *core.WriteRequest) error

// handle is the per-image state shared by every codec in this package. A
// decode handle remembers where the image starts so repeated decodes are
// idempotent; it never keeps the bridge it was opened with.
type handle struct {
	info    core.ImageInfo
	profile core.ColourProfile
	start   int64
	lastErr string

	decode decodeFunc

	predict func(in, out core.PixelFormat) core.PixelFormat
	encode  encodeFunc
}

// Header dimensions beyond these are rejected at open, before any codec
// allocates for the image.
const (
	maxImageDimension = 1 << 20
	maxImagePixels    = 1 << 30
)

func newDecodeHandle(start int64, width, height int, f core.PixelFormat, decode decodeFunc) (*handle, error) {
	ch, bpc, kind, err := core.FormatDetails(f)
	if err != nil {
		return nil, withStatus(apperrors.StatusLoadFailedInternal, err)
	}
	if width <= 0 || height <= 0 {
		return nil, statusf(apperrors.StatusLoadFailedExternal, "invalid dimensions %dx%d", width, height)
	}
	if width > maxImageDimension || height > maxImageDimension || int64(width)*int64(height) > maxImagePixels {
		return nil, statusf(apperrors.StatusLoadFailedExternal, "implausible dimensions %dx%d", width, height)
	}
	if _, err := core.ImageSize(f, width, height); err != nil {
		return nil, withStatus(apperrors.StatusLoadFailedExternal, err)
	}
	return &handle{
		info: core.ImageInfo{
			Width:           width,
			Height:          height,
			NumChannels:     ch,
			BytesPerChannel: bpc,
			NumericKind:     kind,
			Format:          f,
		},
		profile: core.ColourProfile{Data: []byte{}},
		start:   start,
		decode:  decode,
	}, nil
}

func newEncodeHandle(c core.Codec, encode encodeFunc) *handle {
	return &handle{predict: c.WhatFormatWillBeWritten, encode: encode}
}

func (h *handle) setProfile(name string, data []byte) {
	if len(data) == 0 {
		return
	}
	h.profile = core.ColourProfile{Name: name, Data: data}
	h.info.ProfileLength = len(data)
}

func (h *handle) Info() (core.ImageInfo, apperrors.Status) {
	if h.decode == nil {
		return core.ImageInfo{}, h.fail(apperrors.StatusLoadFailedInternal, errors.New("encoder handle has no image"))
	}
	return h.info, apperrors.StatusOK
}

func (h *handle) ColourProfile() (core.ColourProfile, apperrors.Status) {
	if h.decode == nil {
		return core.ColourProfile{}, h.fail(apperrors.StatusLoadFailedInternal, errors.New("encoder handle has no image"))
	}
	return h.profile, apperrors.StatusOK
}

func (h *handle) Decode(b *core.Bridge, dest []byte, force core.PixelFormat) apperrors.Status {
	if h.decode == nil {
		return h.fail(apperrors.StatusLoadFailedInternal, errors.New("encoder handle cannot decode"))
	}
	b.Seek(h.start)
	native, err := h.decode(b)
	if err == nil && b.Err() != nil {
		err = withStatus(apperrors.StatusLoadFailedExternal, b.Err())
	}
	if err != nil {
		return h.fail(statusOf(err, apperrors.StatusLoadFailedExternal), err)
	}
	target := force
	if target == core.InvalidFormat {
		target = h.info.Format
	}
	if err := core.ConvertPixels(native, h.info.Format, dest, target, h.info.Width, h.info.Height); err != nil {
		st := apperrors.StatusConversionFailedBadFormat
		if apperrors.IsKind(err, apperrors.KindBufferTooSmall) {
			st = apperrors.StatusLoadFailedInternal
		}
		return h.fail(st, err)
	}
	return apperrors.StatusOK
}

func (h *handle) Write(b *core.Bridge, req *core.WriteRequest) apperrors.Status {
	if h.encode == nil {
		return h.fail(apperrors.StatusWriteFailedInternal, errors.New("decoder handle cannot write"))
	}
	target := h.predict(req.InputFormat, req.OutputFormat)
	if target == core.InvalidFormat {
		return h.fail(apperrors.StatusInvalidEncodeArgs, fmt.Errorf("cannot store %s", req.InputFormat))
	}
	pix := req.Data
	if target != req.InputFormat {
		size, err := core.ImageSize(target, req.Width, req.Height)
		if err != nil {
			return h.fail(apperrors.StatusWriteFailedInternal, err)
		}
		pix = make([]byte, size)
		if err := core.ConvertPixels(req.Data, req.InputFormat, pix, target, req.Width, req.Height); err != nil {
			return h.fail(apperrors.StatusConversionFailedBadFormat, err)
		}
	}
	err := h.encode(b, pix, target, req)
	if err == nil && b.Err() != nil {
		err = b.Err()
	}
	if err != nil {
		return h.fail(statusOf(err, apperrors.StatusWriteFailedExternal), err)
	}
	return apperrors.StatusOK
}

func (h *handle) LastErrorDetails() string { return h.lastErr }

func (h *handle) Close() {
	h.decode, h.encode = nil, nil
}

func (h *handle) fail(st apperrors.Status, err error) apperrors.Status {
	h.lastErr = err.Error()
	return st
}

// openResult converts a codec open error into the (Handle, Status) pair.
func openResult(h *handle, err error) (core.Handle, apperrors.Status) {
	if err != nil {
		return nil, statusOf(err, apperrors.StatusLoadFailedExternal)
	}
	return h, apperrors.StatusOK
}

var _ core.Handle = (*handle)(nil)
