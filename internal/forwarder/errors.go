package forwarder

import "net/http"

// Kind classifies a forwarding failure the way spec §4.4 step 4 requires,
// so the dispatcher can map it to the right status code (spec §7).
type Kind int

const (
	KindNone Kind = iota
	KindConnectionFailed
	KindTimeout
	KindInvalidURL
	KindRequestFailed
)

// Error wraps a forwarding failure with its classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps a classified forwarding error to the HTTP status the
// client should see (spec §4.4: 502/504/500).
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindConnectionFailed:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
