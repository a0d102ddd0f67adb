// Package apperr classifies errors crossing component boundaries so that the
// REST layer can pick a status code and the client session can decide
// whether to retry, warn, or surface the failure.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindTransient    Kind = "transient"
	KindPersistence  Kind = "persistence"
	KindInternal     Kind = "internal"
)

var (
	ErrValidation   = &Error{Kind: KindValidation, Msg: "validation failed"}
	ErrUnauthorized = &Error{Kind: KindUnauthorized, Msg: "unauthorized"}
	ErrForbidden    = &Error{Kind: KindForbidden, Msg: "forbidden"}
	ErrNotFound     = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrTransient    = &Error{Kind: KindTransient, Msg: "temporarily unavailable"}
	ErrPersistence  = &Error{Kind: KindPersistence, Msg: "persistence failure"}
	ErrInternal     = &Error{Kind: KindInternal, Msg: "internal error"}
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrForbidden)
// holds for every forbidden error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func E(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in the chain, or
// KindInternal when none is classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus is the inverse used by the REST client.
func FromHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity, status == http.StatusRequestEntityTooLarge:
		return KindValidation
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests, status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return KindTransient
	case status >= 500:
		return KindPersistence
	default:
		return KindInternal
	}
}

// Retryable reports whether a failure of this kind may succeed on retry.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsAuth reports authorization failures, which callers surface without retry.
func IsAuth(err error) bool {
	k := KindOf(err)
	return k == KindUnauthorized || k == KindForbidden
}
