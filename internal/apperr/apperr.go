package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and HTTP-mapping decisions.
// Only Transient errors are ever retried by the job layer.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindUnauthorized
	KindState
	KindTimeout
	KindTransient
	KindConflict
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindState:
		return "state"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func Validation(format string, args ...any) error {
	return New(KindValidation, format, args...)
}

func Unauthorized(format string, args ...any) error {
	return New(KindUnauthorized, format, args...)
}

func State(format string, args ...any) error {
	return New(KindState, format, args...)
}

func Timeout(format string, args ...any) error {
	return New(KindTimeout, format, args...)
}

func Transient(format string, args ...any) error {
	return New(KindTransient, format, args...)
}

func Conflict(format string, args ...any) error {
	return New(KindConflict, format, args...)
}

func NotFound(format string, args ...any) error {
	return New(KindNotFound, format, args...)
}

// KindOf returns the classification of err, KindUnknown if untagged.
// Unknown errors from infrastructure are treated as transient by callers
// that retry; business code should always tag.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the job layer may retry the operation.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindUnknown
}
