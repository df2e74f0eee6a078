// Package proxyerr defines the failure categories the proxy surfaces to
// clients and trace records, and the rules for mapping them to HTTP statuses.
package proxyerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a proxy failure. The string value is stable and appears
// verbatim in error response bodies and trace records.
type Kind string

const (
	KindInvalidRequest     Kind = "InvalidRequest"
	KindInvalidSchema      Kind = "InvalidSchema"
	KindBackendUnavailable Kind = "BackendUnavailable"
	KindBackendRejected    Kind = "BackendRejected"
	KindStreamTimeout      Kind = "StreamTimeout"
	KindStreamProtocol     Kind = "StreamProtocol"
	KindClientCancelled    Kind = "ClientCancelled"
)

// Error is a classified proxy failure. UpstreamStatus carries the backend's
// HTTP status for BackendRejected and is zero otherwise.
type Error struct {
	Kind           Kind
	Message        string
	UpstreamStatus int
	Cause          error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a classified failure.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Rejected builds a BackendRejected error preserving the upstream status.
func Rejected(status int, format string, args ...interface{}) *Error {
	return &Error{Kind: KindBackendRejected, Message: fmt.Sprintf(format, args...), UpstreamStatus: status}
}

// HTTPStatus maps the failure to the status returned to the client when the
// response line is still uncommitted. Mid-stream failures never reach this
// path; they are graceful-closed by the stream translator.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest, KindInvalidSchema:
		return http.StatusBadRequest
	case KindBackendUnavailable:
		return http.StatusBadGateway
	case KindBackendRejected:
		if e.UpstreamStatus >= 400 {
			return e.UpstreamStatus
		}
		return http.StatusBadGateway
	case KindStreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// KindOf extracts the Kind from err, unwrapping as needed. Unclassified
// errors report KindBackendUnavailable, the conservative pre-stream default.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindBackendUnavailable
}

// AsError converts err to *Error, classifying unrecognized errors as
// BackendUnavailable.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Wrap(KindBackendUnavailable, err, "backend call failed")
}
