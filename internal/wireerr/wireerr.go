// Package wireerr defines the wire-level error kinds (spec §7) and the
// WebSocket close codes (spec §6) they map to when no request correlation
// exists for an ACK.
package wireerr

import "errors"

// Kind is one of the wire-level error kinds a broker operation can fail with.
type Kind string

const (
	Unauthorized Kind = "UNAUTHORIZED" // missing/invalid grant
	Forbidden    Kind = "FORBIDDEN"    // scope/subscription/pause violations
	Invalid      Kind = "INVALID"      // malformed packet or payload
	RateLimited  Kind = "RATE_LIMITED" // topic capacity
	Internal     Kind = "INTERNAL"     // unexpected
)

// CloseCode is a WebSocket close code used by the wire codec.
type CloseCode uint16

const (
	CloseBadRequest          CloseCode = 4400
	CloseUnauthorized        CloseCode = 4401
	CloseForbidden           CloseCode = 4403
	CloseVersionMismatch     CloseCode = 4409
	CloseInternalServerError CloseCode = 4500
)

// Error is a wire-level error: a Kind plus a human-readable message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// New constructs a wire Error.
func New(kind Kind, message string) *Error { return &Error{Kind: kind, Message: message} }

// CloseCodeFor maps a wire error kind to the close code used when a socket
// must be closed rather than ACKed (no request correlation).
func CloseCodeFor(kind Kind) CloseCode {
	switch kind {
	case Unauthorized:
		return CloseUnauthorized
	case Forbidden:
		return CloseForbidden
	case Invalid:
		return CloseBadRequest
	case Internal:
		return CloseInternalServerError
	case RateLimited:
		// No dedicated close code is defined for rate limiting in spec §6;
		// it is always ACK-correlated (subscribe only), never a bare close.
		return CloseBadRequest
	default:
		return CloseInternalServerError
	}
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
