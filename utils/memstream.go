package utils

import (
	"errors"
	"io"
)

// MemoryStream is an in-memory io.ReadWriteSeeker. A growable stream extends
// on writes past its end; a fixed stream rejects them with io.ErrShortWrite.
type MemoryStream struct {
	buf   []byte
	pos   int64
	fixed bool
}

// NewMemoryStream returns a growable stream whose initial contents are b.
func NewMemoryStream(b []byte) *MemoryStream {
	return &MemoryStream{buf: b}
}

// NewFixedMemoryStream returns a stream over exactly b. Writes land in b.
func NewFixedMemoryStream(b []byte) *MemoryStream {
	return &MemoryStream{buf: b, fixed: true}
}

func (m *MemoryStream) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *MemoryStream) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		if m.fixed {
			n := 0
			if m.pos < int64(len(m.buf)) {
				n = copy(m.buf[m.pos:], p)
			}
			m.pos += int64(n)
			return n, io.ErrShortWrite
		}
		if end > int64(cap(m.buf)) {
			grown := make([]byte, end, 2*end)
			copy(grown, m.buf)
			m.buf = grown
		} else {
			m.buf = m.buf[:end]
		}
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *MemoryStream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = m.pos + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("memstream: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("memstream: negative position")
	}
	m.pos = abs
	return abs, nil
}

// Bytes returns the stream contents. The slice aliases the stream.
func (m *MemoryStream) Bytes() []byte { return m.buf }

// Len returns the stream length.
func (m *MemoryStream) Len() int { return len(m.buf) }
