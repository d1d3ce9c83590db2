// Package errors defines the service-wide error taxonomy. Components return
// *Error values; the HTTP layer maps kinds to status codes with Abort.
package errors

import "fmt"

// Kind is the machine-readable error kind surfaced in the "detail" field.
type Kind string

const (
	KindInvalidRequest       Kind = "InvalidRequest"
	KindUnauthorized         Kind = "Unauthorized"
	KindForbidden            Kind = "Forbidden"
	KindNotFound             Kind = "NotFound"
	KindConflict             Kind = "Conflict"
	KindPaymentRequired      Kind = "PaymentRequired"
	KindPayloadTooLarge      Kind = "PayloadTooLarge"
	KindUnsupportedMediaType Kind = "UnsupportedMediaType"
	KindUpstreamUnavailable  Kind = "UpstreamUnavailable"
	KindUpstreamTimeout      Kind = "UpstreamTimeout"
	KindInternal             Kind = "Internal"
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails attaches context data to the error and returns it.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// KindOf returns the kind of an error, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
