package errors

import "fmt"

// Status is the integer code a codec backend reports for every call.
// The values are fixed and shared with foreign bindings.
type Status int32

const (
	StatusOK                        Status = 0
	StatusUnsupportedFiletype       Status = -1
	StatusLoadFailedExternal        Status = -2
	StatusLoadFailedInternal        Status = -3
	StatusConversionFailedBadFormat Status = -4
	StatusWriteFailedExternal       Status = -5
	StatusWriteFailedInternal       Status = -6
	StatusUnsupportedVariant        Status = -7
	StatusEmptyInput                Status = -8
	StatusInvalidEncodeArgs         Status = -9
)

var statusKinds = map[Status]Kind{
	StatusUnsupportedFiletype:       KindUnsupportedFiletype,
	StatusLoadFailedExternal:        KindLoadFailedExternal,
	StatusLoadFailedInternal:        KindLoadFailedInternal,
	StatusConversionFailedBadFormat: KindConversionFailedBadFormat,
	StatusWriteFailedExternal:       KindWriteFailedExternal,
	StatusWriteFailedInternal:       KindWriteFailedInternal,
	StatusUnsupportedVariant:        KindUnsupportedVariant,
	StatusEmptyInput:                KindEmptyInput,
	StatusInvalidEncodeArgs:         KindInvalidEncodeArgs,
}

// Kind returns the kind a status translates to. StatusOK has no kind.
func (s Status) Kind() Kind {
	if s == StatusOK {
		return ""
	}
	if k, ok := statusKinds[s]; ok {
		return k
	}
	return KindUnknownBackend
}

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return fmt.Sprintf("%s(%d)", s.Kind(), int32(s))
}

// StatusFor returns the status code for a backend-reported kind, and false for
// local-only kinds.
func StatusFor(k Kind) (Status, bool) {
	for s, kind := range statusKinds {
		if kind == k {
			return s, true
		}
	}
	return StatusOK, false
}
