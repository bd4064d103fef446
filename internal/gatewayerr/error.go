// Package gatewayerr defines the single error type used across the gateway,
// carrying an HTTP-mappable kind alongside the wrapped cause.
package gatewayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error independent of its HTTP status, so callers can
// branch on it (e.g. to decide whether a ContainerManager error is
// transient and worth retrying) without parsing strings.
type Kind string

const (
	KindInvalidRequest   Kind = "invalid_request"
	KindInvalidConfig    Kind = "invalid_config"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindUnavailable      Kind = "unavailable"
	KindResourceExhausted Kind = "resource_exhausted"
	KindTimeout          Kind = "timeout"
	KindInternal         Kind = "internal"
)

// Error is the gateway's single error type. Every error surfaced across a
// package boundary should be one of these so the HTTP front can map it to a
// status code without a type switch per package.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts a *Error from err, following the chain of wrapped errors.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// HTTPStatus maps an error to the status code the HTTP front should return.
// An error that is not a *Error maps to 500.
func HTTPStatus(err error) int {
	ge, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ge.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindInvalidConfig:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusBadGateway
	case KindResourceExhausted:
		return http.StatusInsufficientStorage
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsTransient reports whether an error is worth retrying. ContainerManager
// treats KindUnavailable and KindTimeout as transient; everything else is
// surfaced to the caller immediately.
func IsTransient(err error) bool {
	ge, ok := As(err)
	if !ok {
		return false
	}
	return ge.Kind == KindUnavailable || ge.Kind == KindTimeout
}
