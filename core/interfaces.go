package core

import apperrors "github.com/Skryldev/image-loader/errors"

// Backend is the codec capability the session layer drives. Every call
// reports an integer status; detail text is available from the handle.
type Backend interface {
	// Open reads the stream header and returns a handle for the image.
	Open(b *Bridge) (Handle, FileFormat, apperrors.Status)
	// NewEncoder returns a handle able to write format f.
	NewEncoder(f FileFormat) (Handle, apperrors.Status)
	// IsFormatSupported reports whether a write of p to a file of format f
	// is accepted. It holds exactly when WhatFormatWillBeWritten(f, p,
	// InvalidFormat) is not InvalidFormat.
	IsFormatSupported(f FileFormat, p PixelFormat) bool
	// WhatFormatWillBeWritten predicts the pixel format that lands in a file
	// of format f for input in with preferred output out. It returns
	// InvalidFormat when f cannot be written.
	WhatFormatWillBeWritten(f FileFormat, in, out PixelFormat) PixelFormat
}

// Handle is a backend's per-image state. It never retains a Bridge.
type Handle interface {
	Info() (ImageInfo, apperrors.Status)
	ColourProfile() (ColourProfile, apperrors.Status)
	// Decode writes the full image into dest in format force, or in the
	// decoded format when force is InvalidFormat.
	Decode(b *Bridge, dest []byte, force PixelFormat) apperrors.Status
	Write(b *Bridge, req *WriteRequest) apperrors.Status
	LastErrorDetails() string
	Close()
}

// Codec implements one file format. Codecs are registered with a Registry,
// which dispatches Backend calls to them.
type Codec interface {
	FileFormat() FileFormat
	// CanLoad inspects the header and restores the stream position.
	CanLoad(b *Bridge) bool
	Open(b *Bridge) (Handle, apperrors.Status)
	NewEncoder() (Handle, apperrors.Status)
	WhatFormatWillBeWritten(in, out PixelFormat) PixelFormat
}

// Initializer is implemented by codecs that hold process-wide state.
type Initializer interface {
	Initialise() error
	CleanUp()
}

// MetricsCollector receives observations from session hooks.
type MetricsCollector interface {
	RecordCall(op string, d interface{ Seconds() float64 })
	RecordBytes(read, written int64)
	RecordError(op string, kind string)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Registry is a Backend assembled from individually registered codecs.
type Registry interface {
	Backend
	Register(c Codec)
	CodecFor(f FileFormat) (Codec, bool)
	Formats() []FileFormat
}
