package canonical

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies every failure the gateway can produce. Each failure
// path maps to exactly one kind; nothing is reported unclassified.
type ErrorKind string

const (
	// ErrUnrecognizedProtocol: the detector could not classify the inbound
	// request. Client error.
	ErrUnrecognizedProtocol ErrorKind = "unrecognized_protocol"
	// ErrMalformedRequest: a client adapter failed to decode the request.
	// The error message includes the offending field path.
	ErrMalformedRequest ErrorKind = "malformed_request"
	// ErrUpstreamUnavailable: connect or network failure before a response.
	// The only retryable kind.
	ErrUpstreamUnavailable ErrorKind = "upstream_unavailable"
	// ErrUpstreamRejected: upstream returned a definitive error status.
	// Never retried.
	ErrUpstreamRejected ErrorKind = "upstream_rejected"
	// ErrUpstreamProtocolViolation: upstream bytes did not parse as the
	// expected wire shape. Never retried.
	ErrUpstreamProtocolViolation ErrorKind = "upstream_protocol_violation"
	// ErrOverloaded: the per-backend concurrency cap rejected the request.
	ErrOverloaded ErrorKind = "overloaded"
	// ErrCacheInconsistent: internal cache invariant violation. Logged and
	// treated as a miss, never served.
	ErrCacheInconsistent ErrorKind = "cache_inconsistent"
	// ErrInternal: unexpected gateway failure.
	ErrInternal ErrorKind = "internal"
)

// Retryable reports whether a failure of this kind may be retried per policy.
func (k ErrorKind) Retryable() bool {
	return k == ErrUpstreamUnavailable
}

// HTTPStatus maps the kind to the status used when the failure happens
// before any response bytes have been sent to the client.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrUnrecognizedProtocol, ErrMalformedRequest:
		return http.StatusBadRequest
	case ErrUpstreamUnavailable, ErrUpstreamRejected, ErrUpstreamProtocolViolation:
		return http.StatusBadGateway
	case ErrOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the gateway's classified error. It travels both as a Go error on
// pre-stream failure paths and inside a terminal Error chunk once streaming
// has begun.
type Error struct {
	Kind    ErrorKind
	Message string

	// FieldPath locates the offending field for malformed requests,
	// e.g. "messages[2].role".
	FieldPath string

	// UpstreamStatus is the HTTP status returned by the upstream for
	// ErrUpstreamRejected, zero otherwise.
	UpstreamStatus int
}

func (e *Error) Error() string {
	if e.FieldPath != "" {
		return fmt.Sprintf("%s: %s (at %s)", e.Kind, e.Message, e.FieldPath)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// E builds a classified error.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FieldErr builds a malformed-request error pointing at a field path.
func FieldErr(path, format string, args ...any) *Error {
	return &Error{
		Kind:      ErrMalformedRequest,
		Message:   fmt.Sprintf(format, args...),
		FieldPath: path,
	}
}

// Classify extracts the gateway error from err, wrapping unclassified errors
// as ErrInternal so every failure leaves with a kind attached.
func Classify(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Kind: ErrInternal, Message: err.Error()}
}
