package core

import "time"

// Mode fixes which operations a session allows.
type Mode int

const (
	DecodeMode Mode = iota
	EncodeMode
)

func (m Mode) String() string {
	if m == EncodeMode {
		return "encode"
	}
	return "decode"
}

// State is the session lifecycle position.
type State int

const (
	StateCreated State = iota
	StateOpened
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpened:
		return "opened"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ImageInfo holds the attributes a backend reports when it opens an image.
// NumChannels, BytesPerChannel and NumericKind always agree with Format.
type ImageInfo struct {
	Width           int
	Height          int
	NumChannels     int
	BytesPerChannel int
	NumericKind     NumericKind
	Format          PixelFormat
	ProfileLength   int
}

// ColourProfile is an opaque named colour profile. An absent profile has an
// empty name and zero-length, non-nil data.
type ColourProfile struct {
	Name string
	Data []byte
}

// Present reports whether the image carried a profile.
func (p ColourProfile) Present() bool { return len(p.Data) > 0 }

// WriteRequest describes pixel data to encode. Build it with NewWriteRequest
// so that OutputFormat starts as InvalidFormat ("no preference").
type WriteRequest struct {
	Data        []byte
	Width       int
	Height      int
	InputFormat PixelFormat
	// OutputFormat expresses a preferred on-disk format; backends honour the
	// parts of it the container can store.
	OutputFormat PixelFormat
	ProfileName  string
	Profile      []byte
	Options      EncodingOptions
}

// NewWriteRequest returns a request with no output preference.
func NewWriteRequest(data []byte, width, height int, input PixelFormat) *WriteRequest {
	return &WriteRequest{
		Data:         data,
		Width:        width,
		Height:       height,
		InputFormat:  input,
		OutputFormat: InvalidFormat,
	}
}

// CallInfo describes a session call to hooks.
type CallInfo struct {
	Mode         Mode
	FileFormat   FileFormat
	Width        int
	Height       int
	Format       PixelFormat
	BytesRead    int64
	BytesWritten int64
}

// Hook is an optional observer invoked around session calls. Hooks run on the
// calling goroutine and must not call back into the session.
type Hook interface {
	BeforeCall(op string, info CallInfo)
	AfterCall(op string, info CallInfo, d time.Duration, err error)
}
