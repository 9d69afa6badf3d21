package models

import "errors"

var (
	// ErrCredentialInvalid rejects authentication; fatal to the connection.
	ErrCredentialInvalid = errors.New("credential invalid")
	// ErrUnauthenticated is returned for actions sent before authenticate.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when the role lacks permission.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidPayload is returned for a malformed location update.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrCacheUnavailable wraps ephemeral cache failures. Never surfaced.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrStoreUnavailable wraps durable store failures. Never surfaced.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrConnClosed is returned when sending to a connection that has closed.
	ErrConnClosed = errors.New("connection closed")
)

// ClientMessage maps client-caused errors to the message sent on the wire.
// ok is false for errors that must not reach the client.
func ClientMessage(err error) (msg string, ok bool) {
	switch {
	case errors.Is(err, ErrCredentialInvalid):
		return "Invalid token", true
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated", true
	case errors.Is(err, ErrForbidden):
		return "forbidden", true
	case errors.Is(err, ErrInvalidPayload):
		return "invalid payload", true
	default:
		return "", false
	}
}
