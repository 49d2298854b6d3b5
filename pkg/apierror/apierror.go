// Package apierror carries the internal error taxonomy and renders the
// wire-level error envelope. Kinds classify recovery semantics, not
// HTTP codes; the HTTP mapping lives in Status/Code.
package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindValidation Kind = iota
	KindAuth
	KindForbidden
	KindNotFound
	KindRateLimited
	KindTransientIO
	KindFatalIO
	KindCancelled
	KindLockUnavailable
)

type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	cause   error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: err}
}

func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}

// KindOf extracts the kind of err, defaulting to KindFatalIO for
// unclassified errors.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindFatalIO
}

// Code is the wire-level error code of the envelope.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "bad_request"
	case KindAuth:
		return "authentication_failed"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "error"
	}
}

// Status maps a kind to its HTTP status.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type envelope struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteJSON renders err as the error envelope. Unclassified errors are
// written as a generic internal error without leaking the cause.
func WriteJSON(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	msg := err.Error()
	var details map[string]string

	var apiErr *Error
	if errors.As(err, &apiErr) {
		details = apiErr.Details
	} else {
		msg = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.Status())
	_ = json.NewEncoder(w).Encode(envelope{
		Error:   kind.Code(),
		Message: msg,
		Details: details,
	})
}
