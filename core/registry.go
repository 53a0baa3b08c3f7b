package core

import (
	"sort"
	"sync"

	apperrors "github.com/Skryldev/image-loader/errors"
)

// ── Registry ──────────────────────────────────────────────────────────────────

// DefaultRegistry is a thread-safe implementation of Registry. Open tries
// codecs in ascending FileFormat order.
type DefaultRegistry struct {
	mu     sync.RWMutex
	codecs map[FileFormat]Codec
	order  []FileFormat
}

// NewRegistry returns an empty DefaultRegistry.
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{codecs: make(map[FileFormat]Codec)}
}

// Register adds c, replacing any codec already registered for its format.
func (r *DefaultRegistry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := c.FileFormat()
	if _, ok := r.codecs[f]; !ok {
		r.order = append(r.order, f)
		sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	}
	r.codecs[f] = c
}

func (r *DefaultRegistry) CodecFor(f FileFormat) (Codec, bool) {
	r.mu.RLock()
	c, ok := r.codecs[f]
	r.mu.RUnlock()
	return c, ok
}

// Formats returns the registered formats in detection order.
func (r *DefaultRegistry) Formats() []FileFormat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FileFormat, len(r.order))
	copy(out, r.order)
	return out
}

// Codecs returns the registered codecs in detection order.
func (r *DefaultRegistry) Codecs() []Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Codec, 0, len(r.order))
	for _, f := range r.order {
		out = append(out, r.codecs[f])
	}
	return out
}

// Detect returns the format of the first codec that recognises the stream,
// leaving the stream position unchanged.
func (r *DefaultRegistry) Detect(b *Bridge) FileFormat {
	for _, c := range r.Codecs() {
		if c.CanLoad(b) {
			return c.FileFormat()
		}
	}
	return UnknownFileFormat
}

func (r *DefaultRegistry) Open(b *Bridge) (Handle, FileFormat, apperrors.Status) {
	var first [1]byte
	if b.Peek(first[:]) == 0 {
		if b.Err() != nil {
			return nil, UnknownFileFormat, apperrors.StatusLoadFailedExternal
		}
		return nil, UnknownFileFormat, apperrors.StatusEmptyInput
	}
	f := r.Detect(b)
	if f == UnknownFileFormat {
		return nil, UnknownFileFormat, apperrors.StatusUnsupportedFiletype
	}
	c, _ := r.CodecFor(f)
	h, st := c.Open(b)
	if st != apperrors.StatusOK {
		if h != nil {
			h.Close()
		}
		return nil, f, st
	}
	return h, f, apperrors.StatusOK
}

func (r *DefaultRegistry) NewEncoder(f FileFormat) (Handle, apperrors.Status) {
	c, ok := r.CodecFor(f)
	if !ok {
		return nil, apperrors.StatusUnsupportedFiletype
	}
	return c.NewEncoder()
}

// IsFormatSupported derives from the codec's prediction, so it agrees with
// what Write accepts.
func (r *DefaultRegistry) IsFormatSupported(f FileFormat, p PixelFormat) bool {
	return r.WhatFormatWillBeWritten(f, p, InvalidFormat) != InvalidFormat
}

func (r *DefaultRegistry) WhatFormatWillBeWritten(f FileFormat, in, out PixelFormat) PixelFormat {
	c, ok := r.CodecFor(f)
	if !ok || !in.Valid() {
		return InvalidFormat
	}
	if out != InvalidFormat && !out.Valid() {
		return InvalidFormat
	}
	return c.WhatFormatWillBeWritten(in, out)
}

var _ Registry = (*DefaultRegistry)(nil)
