// Package errs defines the error kinds shared by the registry, index, chunk
// store and transfer coordinator, and how they surface over HTTP.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can tell "not found" from "try again".
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindUnavailable
	KindTimeout
	KindInvalid
)

var kindNames = map[Kind]string{
	KindInternal:    "internal",
	KindNotFound:    "not_found",
	KindConflict:    "conflict",
	KindUnavailable: "unavailable",
	KindTimeout:     "timeout",
	KindInvalid:     "invalid",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinels for errors.Is matching. Every *Error matches the sentinel of its kind.
var (
	ErrNotFound    = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrConflict    = &Error{Kind: KindConflict, Msg: "conflict"}
	ErrUnavailable = &Error{Kind: KindUnavailable, Msg: "unavailable"}
	ErrTimeout     = &Error{Kind: KindTimeout, Msg: "timeout"}
	ErrInvalid     = &Error{Kind: KindInvalid, Msg: "invalid"}
)

// Error carries a Kind and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel (or any *Error) of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...any) error    { return New(KindNotFound, format, args...) }
func Conflict(format string, args ...any) error    { return New(KindConflict, format, args...) }
func Unavailable(format string, args ...any) error { return New(KindUnavailable, format, args...) }
func Timeout(format string, args ...any) error     { return New(KindTimeout, format, args...) }
func Invalid(format string, args ...any) error     { return New(KindInvalid, format, args...) }

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether an identical request may succeed later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindTimeout:
		return true
	}
	return false
}

// HTTPStatus maps an error to the status code the gateway responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalid:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
