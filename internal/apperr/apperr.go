// Package apperr classifies control plane errors so the HTTP layer can map
// them to status codes without inspecting error strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a coarse error class.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindUpstreamHTTP    Kind = "upstream_http"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindUpstreamNetwork Kind = "upstream_network"
	KindProviderFailure Kind = "provider_failure"
	KindInternal        Kind = "internal"
)

// Error is a classified error. StatusCode is set for upstream_http errors.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Upstream creates an upstream_http error carrying the response status.
func Upstream(status int, msg string) *Error {
	return &Error{Kind: KindUpstreamHTTP, Message: msg, StatusCode: status}
}

// KindOf returns the kind of err, or KindInternal when it is unclassified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
