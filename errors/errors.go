package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Backend-reported kinds map one to one onto a
// Status code; the remaining kinds are raised locally by the session layer.
type Kind string

const (
	KindUnsupportedFiletype       Kind = "unsupported_filetype"
	KindLoadFailedExternal        Kind = "load_failed_external"
	KindLoadFailedInternal        Kind = "load_failed_internal"
	KindConversionFailedBadFormat Kind = "conversion_failed_bad_format"
	KindWriteFailedExternal       Kind = "write_failed_external"
	KindWriteFailedInternal       Kind = "write_failed_internal"
	KindUnsupportedVariant        Kind = "unsupported_variant"
	KindEmptyInput                Kind = "empty_input"
	KindInvalidEncodeArgs         Kind = "invalid_encode_args"

	// Local-only kinds, never produced by a backend.
	KindBufferTooSmall Kind = "buffer_too_small"
	KindDomainError    Kind = "domain_error"
	KindUseAfterClose  Kind = "use_after_close"
	KindWrongMode      Kind = "wrong_mode"

	// KindUnknownBackend covers non-zero statuses outside the known table.
	KindUnknownBackend Kind = "unknown_backend_error"
)

// ImageError is the structured error type used throughout the module.
type ImageError struct {
	Kind Kind
	Op   string // operation name
	// Code is the backend status the error was translated from, or
	// StatusOK for locally raised errors.
	Code Status
	// Detail is the backend's last-error text; empty when no handle existed.
	Detail string
	Err    error
}

func (e *ImageError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("[%s] %s: %v (%s)", e.Kind, e.Op, e.Err, e.Detail)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ImageError) Unwrap() error { return e.Err }

// Is matches the sentinel registered for e.Kind, so errors.Is works even when
// Err carries a more specific cause.
func (e *ImageError) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New creates an ImageError of the given kind.
func New(kind Kind, op string, err error) *ImageError {
	if err == nil {
		err = sentinelFor(kind)
	}
	return &ImageError{Kind: kind, Op: op, Err: err}
}

// Newf creates an ImageError with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *ImageError {
	return New(kind, op, fmt.Errorf(format, args...))
}

// Wrap wraps an existing error with context.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(kind, op, err)
}

// FromStatus translates a backend status into an error. It returns nil for
// StatusOK. detail is attached verbatim; pass "" when no handle exists.
func FromStatus(op string, st Status, detail string) error {
	if st == StatusOK {
		return nil
	}
	kind, ok := statusKinds[st]
	if !ok {
		return &ImageError{
			Kind:   KindUnknownBackend,
			Op:     op,
			Code:   st,
			Detail: detail,
			Err:    fmt.Errorf("%w: status %d", ErrUnknownBackend, int32(st)),
		}
	}
	return &ImageError{Kind: kind, Op: op, Code: st, Detail: detail, Err: sentinelFor(kind)}
}

// IsKind reports whether err is an ImageError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the kind of err, or "" when err is not an ImageError.
func KindOf(err error) Kind {
	var ie *ImageError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}

// Sentinel errors, one per kind.
var (
	ErrUnsupportedFiletype       = errors.New("unsupported file type")
	ErrLoadFailedExternal        = errors.New("load failed in codec")
	ErrLoadFailedInternal        = errors.New("load failed internally")
	ErrConversionFailedBadFormat = errors.New("pixel format conversion not supported")
	ErrWriteFailedExternal       = errors.New("write failed in codec")
	ErrWriteFailedInternal       = errors.New("write failed internally")
	ErrUnsupportedVariant        = errors.New("unsupported format variant")
	ErrEmptyInput                = errors.New("empty input")
	ErrInvalidEncodeArgs         = errors.New("invalid encode arguments")
	ErrBufferTooSmall            = errors.New("buffer too small")
	ErrDomain                    = errors.New("value outside domain")
	ErrUseAfterClose             = errors.New("session is closed")
	ErrWrongMode                 = errors.New("operation not valid in this session mode")
	ErrUnknownBackend            = errors.New("unknown backend error")
)

var sentinels = map[Kind]error{
	KindUnsupportedFiletype:       ErrUnsupportedFiletype,
	KindLoadFailedExternal:        ErrLoadFailedExternal,
	KindLoadFailedInternal:        ErrLoadFailedInternal,
	KindConversionFailedBadFormat: ErrConversionFailedBadFormat,
	KindWriteFailedExternal:       ErrWriteFailedExternal,
	KindWriteFailedInternal:       ErrWriteFailedInternal,
	KindUnsupportedVariant:        ErrUnsupportedVariant,
	KindEmptyInput:                ErrEmptyInput,
	KindInvalidEncodeArgs:         ErrInvalidEncodeArgs,
	KindBufferTooSmall:            ErrBufferTooSmall,
	KindDomainError:               ErrDomain,
	KindUseAfterClose:             ErrUseAfterClose,
	KindWrongMode:                 ErrWrongMode,
	KindUnknownBackend:            ErrUnknownBackend,
}

func sentinelFor(k Kind) error {
	if s, ok := sentinels[k]; ok {
		return s
	}
	return ErrUnknownBackend
}
