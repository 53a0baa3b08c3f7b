package core

import (
	"errors"
	"io"
)

// ErrBridgeDetached is returned by a bridge used after the backend call it
// was created for has returned.
var ErrBridgeDetached = errors.New("bridge: used outside its backend call")

// Bridge gives a codec backend read, write, tell and seek access to the
// caller's stream for the duration of exactly one backend call. The session
// creates a fresh bridge per call and detaches it on return, so a backend
// that retains one can no longer reach the stream.
//
// Stream faults are recorded rather than returned from Read; they surface
// through Err and end the readable stream.
type Bridge struct {
	r io.Reader
	w io.Writer
	s io.Seeker

	// pos tracks the offset when the stream cannot seek.
	pos      int64
	err      error
	detached bool

	bytesRead    int64
	bytesWritten int64
}

// NewReadBridge wraps a readable, seekable stream.
func NewReadBridge(rs io.ReadSeeker) *Bridge {
	return &Bridge{r: rs, s: rs}
}

// NewWriteBridge wraps a writable stream. When w also implements io.Seeker
// Tell and Seek reach the stream; otherwise Tell reports bytes written and
// Seek is only legal to the current offset.
func NewWriteBridge(w io.Writer) *Bridge {
	b := &Bridge{w: w}
	if s, ok := w.(io.Seeker); ok {
		b.s = s
	}
	return b
}

// Read copies up to len(p) bytes from the current position and returns the
// count. It returns 0 only at end of stream or after a stream fault.
func (b *Bridge) Read(p []byte) int {
	if b.detached || b.r == nil || b.err != nil || len(p) == 0 {
		return 0
	}
	n, err := io.ReadFull(b.r, p)
	b.pos += int64(n)
	b.bytesRead += int64(n)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		b.err = err
	}
	return n
}

// Write writes all of p. A short write is an error.
func (b *Bridge) Write(p []byte) error {
	if b.detached {
		return ErrBridgeDetached
	}
	if b.w == nil {
		return errors.New("bridge: stream is not writable")
	}
	if b.err != nil {
		return b.err
	}
	n, err := b.w.Write(p)
	b.pos += int64(n)
	b.bytesWritten += int64(n)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		b.err = err
	}
	return err
}

// Tell returns the current absolute offset, or -1 once detached or after a
// seek failure.
func (b *Bridge) Tell() int64 {
	if b.detached {
		return -1
	}
	if b.s == nil {
		return b.pos
	}
	off, err := b.s.Seek(0, io.SeekCurrent)
	if err != nil {
		b.err = err
		return -1
	}
	return off
}

// Seek moves to an absolute offset. Seeking past the end is legal; the
// following read returns 0.
func (b *Bridge) Seek(offset int64) {
	if b.detached {
		return
	}
	if b.s == nil {
		if offset != b.pos {
			b.err = errors.New("bridge: stream is not seekable")
		}
		return
	}
	if _, err := b.s.Seek(offset, io.SeekStart); err != nil {
		b.err = err
		return
	}
	b.pos = offset
}

// Size returns the stream length, restoring the current offset.
func (b *Bridge) Size() (int64, error) {
	if b.detached {
		return 0, ErrBridgeDetached
	}
	if b.s == nil {
		return b.pos, nil
	}
	cur, err := b.s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := b.s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := b.s.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}

// Peek reads up to len(p) bytes and seeks back to where it started.
func (b *Bridge) Peek(p []byte) int {
	start := b.Tell()
	if start < 0 {
		return 0
	}
	n := b.Read(p)
	b.Seek(start)
	return n
}

// Err returns the first stream fault seen by the bridge.
func (b *Bridge) Err() error { return b.err }

// BytesRead and BytesWritten report traffic through the bridge.
func (b *Bridge) BytesRead() int64    { return b.bytesRead }
func (b *Bridge) BytesWritten() int64 { return b.bytesWritten }

// Detach cuts the bridge off from the stream.
func (b *Bridge) Detach() {
	b.detached = true
	b.r, b.w, b.s = nil, nil, nil
}

// Reader exposes the bridge as an io.ReadSeeker for codecs built on the
// standard image decoders.
func (b *Bridge) Reader() io.ReadSeeker { return bridgeReader{b} }

// Writer exposes the bridge as an io.Writer.
func (b *Bridge) Writer() io.Writer { return bridgeWriter{b} }

type bridgeReader struct{ b *Bridge }

func (r bridgeReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := r.b.Read(p)
	if n == 0 {
		if r.b.detached {
			return 0, ErrBridgeDetached
		}
		if r.b.err != nil {
			return 0, r.b.err
		}
		return 0, io.EOF
	}
	return n, nil
}

func (r bridgeReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.b.Tell() + offset
	case io.SeekEnd:
		size, err := r.b.Size()
		if err != nil {
			return 0, err
		}
		abs = size + offset
	default:
		return 0, errors.New("bridge: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("bridge: negative position")
	}
	r.b.Seek(abs)
	if err := r.b.Err(); err != nil {
		return 0, err
	}
	return abs, nil
}

type bridgeWriter struct{ b *Bridge }

func (w bridgeWriter) Write(p []byte) (int, error) {
	if err := w.b.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
