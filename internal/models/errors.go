package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindNotFound         ErrorKind = "not_found"
	KindDecode           ErrorKind = "decode"
	KindEncode           ErrorKind = "encode"
	KindTransientStorage ErrorKind = "transient_storage"
	KindTimeout          ErrorKind = "timeout"
	KindInternal         ErrorKind = "internal"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrArtifactMissing = errors.New("artifact missing")
)

// Error carries a machine readable kind alongside the wrapped cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind ErrorKind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf resolves the kind of err through wrapping. Bare sentinels and
// context expiry map to their natural kinds; anything else is internal.
func KindOf(err error) ErrorKind {
	var e *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrArtifactMissing):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInternal
	}
}

func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation, KindDecode:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTransientStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the client facing text for an error kind. Wrapped causes
// may contain paths, so they never leave the process.
func (k ErrorKind) PublicMessage() string {
	switch k {
	case KindValidation:
		return "invalid operation parameters"
	case KindNotFound:
		return "image not found"
	case KindDecode:
		return "unsupported or corrupt image"
	case KindEncode:
		return "failed to encode image"
	case KindTransientStorage:
		return "storage temporarily unavailable"
	case KindTimeout:
		return "processing timed out"
	default:
		return "processing failed"
	}
}
