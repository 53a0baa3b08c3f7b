package utils

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrLimitExceeded is returned by LimitedReader once Max bytes have been read.
var ErrLimitExceeded = errors.New("read limit exceeded")

// bufPool reuses byte buffers to reduce GC pressure.
var bufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// AcquireBuffer returns a reset buffer from the pool.
func AcquireBuffer() *bytes.Buffer {
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// ReleaseBuffer returns b to the pool.  Callers must not use b after this call.
func ReleaseBuffer(b *bytes.Buffer) {
	// Cap large buffers to avoid pinning excessive memory.
	if b.Cap() > 8*1024*1024 {
		return
	}
	bufPool.Put(b)
}

// DrainReader reads all bytes from r into a pooled buffer and returns them.
// Pass the buffer back with ReleaseBuffer.
func DrainReader(r io.Reader, chunkSize int) (*bytes.Buffer, error) {
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	buf := AcquireBuffer()
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			ReleaseBuffer(buf)
			return nil, err
		}
	}
	return buf, nil
}

// LimitedReader wraps r and fails with ErrLimitExceeded when more than Max
// bytes are requested. Max <= 0 disables the limit.
type LimitedReader struct {
	R   io.Reader
	Max int64
	n   int64
}

func (l *LimitedReader) Read(p []byte) (int, error) {
	if l.Max > 0 {
		if l.n >= l.Max {
			return 0, ErrLimitExceeded
		}
		if remain := l.Max - l.n; int64(len(p)) > remain {
			p = p[:remain]
		}
	}
	n, err := l.R.Read(p)
	l.n += int64(n)
	return n, err
}

// ChunkedWriter splits writes into fixed-size chunks so a stream sees
// bounded write calls.
type ChunkedWriter struct {
	W         io.Writer
	ChunkSize int
}

func (c *ChunkedWriter) Write(p []byte) (int, error) {
	size := c.ChunkSize
	if size <= 0 {
		size = len(p)
	}
	total := 0
	for len(p) > 0 {
		end := size
		if end > len(p) {
			end = len(p)
		}
		n, err := c.W.Write(p[:end])
		total += n
		if err != nil {
			return total, err
		}
		p = p[end:]
	}
	return total, nil
}
