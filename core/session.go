package core

import (
	"io"
	"time"

	apperrors "github.com/Skryldev/image-loader/errors"
)

// SessionOptions controls a single session.
type SessionOptions struct {
	// KeepStreamOpen leaves the stream open at Close. By default a stream
	// implementing io.Closer is owned and closed by the session.
	KeepStreamOpen bool
	Logger         Logger
	Hooks          []Hook
	// MaxPixels rejects images with more than this many pixels at open.
	// Zero disables the limit.
	MaxPixels int64
	// DefaultOptions is used by Write when a request carries no options and
	// the tag matches the session's file format.
	DefaultOptions EncodingOptions
}

// Session is one image being decoded from, or encoded to, a caller stream.
//
// A session moves Created -> Opened -> Closed. Decode sessions read the
// stream at construction; encode sessions acquire an encoder handle. Every
// backend call runs through a fresh Bridge that is detached on return. A
// session is not safe for concurrent use.
type Session struct {
	mode    Mode
	state   State
	backend Backend
	handle  Handle
	opts    SessionOptions

	rs    io.ReadSeeker
	w     io.Writer
	owned io.Closer

	fileFormat FileFormat
	info       ImageInfo
	profile    ColourProfile
	written    bool
}

// OpenSession binds rs to a new decode session and reads its header. On
// failure the stream is released per opts and no session is returned.
func OpenSession(backend Backend, rs io.ReadSeeker, opts SessionOptions) (*Session, error) {
	s := &Session{
		mode:       DecodeMode,
		state:      StateCreated,
		backend:    backend,
		opts:       opts,
		rs:         rs,
		fileFormat: UnknownFileFormat,
	}
	if c, ok := rs.(io.Closer); ok && !opts.KeepStreamOpen {
		s.owned = c
	}
	if err := s.call("open", s.open); err != nil {
		s.release()
		return nil, err
	}
	s.state = StateOpened
	s.log().Debug("session.opened",
		"file_format", s.fileFormat,
		"width", s.info.Width,
		"height", s.info.Height,
		"pixel_format", s.info.Format,
		"profile_bytes", len(s.profile.Data),
	)
	return s, nil
}

// NewEncodeSession binds w to a new encode session for file format f.
func NewEncodeSession(backend Backend, f FileFormat, w io.Writer, opts SessionOptions) (*Session, error) {
	s := &Session{
		mode:       EncodeMode,
		state:      StateCreated,
		backend:    backend,
		opts:       opts,
		w:          w,
		fileFormat: f,
	}
	if c, ok := w.(io.Closer); ok && !opts.KeepStreamOpen {
		s.owned = c
	}
	err := s.call("open", func(*Bridge) error {
		if !f.Valid() {
			return apperrors.Newf(apperrors.KindInvalidEncodeArgs, "open", "%w: file format %s",
				apperrors.ErrInvalidEncodeArgs, f)
		}
		h, st := backend.NewEncoder(f)
		if st != apperrors.StatusOK {
			return apperrors.FromStatus("open", st, "")
		}
		s.handle = h
		return nil
	})
	if err != nil {
		s.release()
		return nil, err
	}
	s.state = StateOpened
	return s, nil
}

func (s *Session) open(b *Bridge) error {
	h, ff, st := s.backend.Open(b)
	if st != apperrors.StatusOK {
		return apperrors.FromStatus("open", st, "")
	}
	s.handle = h
	s.fileFormat = ff

	info, st := h.Info()
	if st != apperrors.StatusOK {
		return apperrors.FromStatus("open.info", st, h.LastErrorDetails())
	}
	if err := checkInfo(info); err != nil {
		return err
	}
	if s.opts.MaxPixels > 0 && int64(info.Width)*int64(info.Height) > s.opts.MaxPixels {
		return apperrors.Newf(apperrors.KindLoadFailedExternal, "open", "%w: %dx%d exceeds %d pixels",
			apperrors.ErrLoadFailedExternal, info.Width, info.Height, s.opts.MaxPixels)
	}

	prof, st := h.ColourProfile()
	if st != apperrors.StatusOK {
		return apperrors.FromStatus("open.profile", st, h.LastErrorDetails())
	}
	if prof.Data == nil {
		prof.Data = []byte{}
	}
	info.ProfileLength = len(prof.Data)
	s.info = info
	s.profile = prof
	return nil
}

// checkInfo rejects backend attributes that disagree with the reported
// pixel format.
func checkInfo(info ImageInfo) error {
	d, err := detail("open.info", info.Format)
	if err != nil {
		return apperrors.Newf(apperrors.KindLoadFailedInternal, "open.info", "%w: backend reported %s",
			apperrors.ErrLoadFailedInternal, info.Format)
	}
	if info.Width <= 0 || info.Height <= 0 ||
		info.NumChannels != d.channels ||
		info.BytesPerChannel != d.bytesPerChannel ||
		info.NumericKind != d.numeric {
		return apperrors.Newf(apperrors.KindLoadFailedInternal, "open.info",
			"%w: inconsistent attributes %dx%d ch=%d bpc=%d kind=%s for %s",
			apperrors.ErrLoadFailedInternal, info.Width, info.Height, info.NumChannels,
			info.BytesPerChannel, info.NumericKind, info.Format)
	}
	return nil
}

// Mode returns whether the session decodes or encodes.
func (s *Session) Mode() Mode { return s.mode }

// State returns the lifecycle position.
func (s *Session) State() State { return s.state }

// FileFormat returns the detected (decode) or target (encode) file format.
func (s *Session) FileFormat() (FileFormat, error) {
	if s.state == StateClosed {
		return UnknownFileFormat, useAfterClose("file_format")
	}
	return s.fileFormat, nil
}

// Info returns the attributes read at open.
func (s *Session) Info() (ImageInfo, error) {
	if err := s.ensure("info", DecodeMode); err != nil {
		return ImageInfo{}, err
	}
	return s.info, nil
}

// ColourProfile returns the embedded profile, empty when absent.
func (s *Session) ColourProfile() (ColourProfile, error) {
	if err := s.ensure("colour_profile", DecodeMode); err != nil {
		return ColourProfile{}, err
	}
	return s.profile, nil
}

// Decode writes the whole image into dest. The pixels arrive in force, or in
// the decoded format when force is InvalidFormat. dest must hold at least
// SizeInBytes(format) * width * height bytes; only that prefix is written.
func (s *Session) Decode(dest []byte, force PixelFormat) error {
	const op = "decode"
	if err := s.ensure(op, DecodeMode); err != nil {
		return err
	}
	target := force
	if target == InvalidFormat {
		target = s.info.Format
	}
	need, err := ImageSize(target, s.info.Width, s.info.Height)
	if err != nil {
		return err
	}
	if len(dest) < need {
		return apperrors.Newf(apperrors.KindBufferTooSmall, op, "%w: have %d bytes, need %d for %dx%d %s",
			apperrors.ErrBufferTooSmall, len(dest), need, s.info.Width, s.info.Height, target)
	}
	return s.call(op, func(b *Bridge) error {
		st := s.handle.Decode(b, dest[:need], target)
		return apperrors.FromStatus(op, st, s.handleDetails(st))
	})
}

// Write encodes one image to the session's stream. Once a request has
// reached the backend, further writes fail with WrongMode; a request
// rejected by the local checks may be corrected and retried.
func (s *Session) Write(req *WriteRequest) error {
	const op = "write"
	if err := s.ensure(op, EncodeMode); err != nil {
		return err
	}
	if s.written {
		return apperrors.Newf(apperrors.KindWrongMode, op, "%w: image already written", apperrors.ErrWrongMode)
	}
	r, err := s.prepareWrite(req)
	if err != nil {
		return err
	}
	s.written = true
	return s.call(op, func(b *Bridge) error {
		st := s.handle.Write(b, r)
		return apperrors.FromStatus(op, st, s.handleDetails(st))
	})
}

// prepareWrite runs every local check and returns the request the backend
// sees.
func (s *Session) prepareWrite(req *WriteRequest) (*WriteRequest, error) {
	const op = "write"
	invalid := func(format string, args ...any) error {
		return apperrors.Newf(apperrors.KindInvalidEncodeArgs, op, "%w: "+format,
			append([]any{apperrors.ErrInvalidEncodeArgs}, args...)...)
	}
	if req == nil {
		return nil, invalid("nil request")
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, invalid("dimensions %dx%d", req.Width, req.Height)
	}
	if !req.InputFormat.Valid() {
		return nil, invalid("input format %s", req.InputFormat)
	}
	if req.OutputFormat != InvalidFormat && !req.OutputFormat.Valid() {
		return nil, invalid("output format %s", req.OutputFormat)
	}
	opts := presentOptions(req.Options)
	if def := presentOptions(s.opts.DefaultOptions); opts == nil && def != nil && def.FileFormat() == s.fileFormat {
		opts = def
	}
	if opts != nil {
		if opts.FileFormat() != s.fileFormat {
			return nil, invalid("%s options for a %s file", opts.FileFormat(), s.fileFormat)
		}
		if err := opts.Validate(); err != nil {
			return nil, invalid("%v", err)
		}
	}
	need, err := ImageSize(req.InputFormat, req.Width, req.Height)
	if err != nil {
		return nil, err
	}
	if len(req.Data) < need {
		return nil, apperrors.Newf(apperrors.KindBufferTooSmall, op, "%w: have %d bytes, need %d for %dx%d %s",
			apperrors.ErrBufferTooSmall, len(req.Data), need, req.Width, req.Height, req.InputFormat)
	}
	if s.backend.WhatFormatWillBeWritten(s.fileFormat, req.InputFormat, req.OutputFormat) == InvalidFormat {
		return nil, invalid("%s cannot store %s", s.fileFormat, req.InputFormat)
	}
	r := *req
	r.Data = req.Data[:need]
	r.Options = opts
	return &r, nil
}

// Close releases the backend handle and, when owned, the stream. It is
// idempotent.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	start := time.Now()
	info := s.callInfo()
	s.notifyBefore("close", info)
	err := s.release()
	s.notifyAfter("close", info, time.Since(start), err)
	s.log().Debug("session.closed", "mode", s.mode, "file_format", s.fileFormat)
	return err
}

func (s *Session) release() error {
	s.state = StateClosed
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	var err error
	if s.owned != nil {
		kind := apperrors.KindLoadFailedExternal
		if s.mode == EncodeMode {
			kind = apperrors.KindWriteFailedExternal
		}
		err = apperrors.Wrap(kind, "close", s.owned.Close())
		s.owned = nil
	}
	s.rs, s.w = nil, nil
	return err
}

func (s *Session) ensure(op string, mode Mode) error {
	if s.state == StateClosed {
		return useAfterClose(op)
	}
	if s.mode != mode {
		return apperrors.Newf(apperrors.KindWrongMode, op, "%w: %s session", apperrors.ErrWrongMode, s.mode)
	}
	return nil
}

func useAfterClose(op string) error {
	return apperrors.New(apperrors.KindUseAfterClose, op, apperrors.ErrUseAfterClose)
}

func (s *Session) handleDetails(st apperrors.Status) string {
	if st == apperrors.StatusOK || s.handle == nil {
		return ""
	}
	return s.handle.LastErrorDetails()
}

// call runs fn with a bridge bound to the session stream for the duration of
// the call, notifying hooks around it.
func (s *Session) call(op string, fn func(b *Bridge) error) error {
	var b *Bridge
	if s.mode == DecodeMode {
		b = NewReadBridge(s.rs)
	} else {
		b = NewWriteBridge(s.w)
	}
	info := s.callInfo()
	s.notifyBefore(op, info)
	start := time.Now()

	err := fn(b)
	b.Detach()

	d := time.Since(start)
	info = s.callInfo()
	info.BytesRead = b.BytesRead()
	info.BytesWritten = b.BytesWritten()
	s.notifyAfter(op, info, d, err)
	if err != nil {
		s.log().Debug("session.call.failed", "op", op, "file_format", s.fileFormat, "error", err.Error())
	}
	return err
}

func (s *Session) callInfo() CallInfo {
	return CallInfo{
		Mode:       s.mode,
		FileFormat: s.fileFormat,
		Width:      s.info.Width,
		Height:     s.info.Height,
		Format:     s.info.Format,
	}
}

func (s *Session) notifyBefore(op string, info CallInfo) {
	for _, h := range s.opts.Hooks {
		h.BeforeCall(op, info)
	}
}

func (s *Session) notifyAfter(op string, info CallInfo, d time.Duration, err error) {
	for _, h := range s.opts.Hooks {
		h.AfterCall(op, info, d, err)
	}
}

func (s *Session) log() Logger {
	if s.opts.Logger == nil {
		return nopLogger{}
	}
	return s.opts.Logger
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
