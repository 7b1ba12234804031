package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/a2fbridge/internal/resilience"
	"github.com/MrWong99/a2fbridge/pkg/audio"
	"github.com/MrWong99/a2fbridge/pkg/provider/a2f"
)

// Kind classifies a request failure. The string value is what clients see in
// the "kind" field of the error body.
type Kind string

const (
	KindInvalidEncoding     Kind = "InvalidEncoding"
	KindUnsupportedFormat   Kind = "UnsupportedFormat"
	KindEmptyAudio          Kind = "EmptyAudio"
	KindUnauthorized        Kind = "Unauthorized"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindUpstreamAuth        Kind = "UpstreamAuthError"
	KindUpstreamStream      Kind = "UpstreamStreamError"
	KindOutOfOrderFrame     Kind = "OutOfOrderFrame"
	KindRequestTimeout      Kind = "RequestTimeout"
	KindCancelled           Kind = "Cancelled"
	KindInvalidRequest      Kind = "InvalidRequest"
	KindPayloadTooLarge     Kind = "PayloadTooLarge"
	KindRateLimited         Kind = "RateLimited"
)

// StatusClientClosedRequest is the non-standard status logged when the
// client went away before the response was written.
const StatusClientClosedRequest = 499

// HTTPStatus returns the response status for k.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidEncoding, KindEmptyAudio, KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamAuth, KindUpstreamStream, KindOutOfOrderFrame:
		return http.StatusBadGateway
	case KindRequestTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return StatusClientClosedRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified request failure.
type Error struct {
	Kind    Kind
	Message string

	// Status overrides Kind.HTTPStatus when non-zero.
	Status int

	// Err is the underlying cause. It is logged, never sent to clients.
	Err error
}

// Errorf returns an *Error of kind k with a formatted message.
func Errorf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the response status for e.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Kind.HTTPStatus()
}

// Info returns the client-facing form of e.
func (e *Error) Info() ErrorInfo {
	return ErrorInfo{Kind: e.Kind, Message: e.Message}
}

// classify maps any pipeline error onto an *Error. timedOut reports whether
// the controller's own deadline expired; a cancellation without it came from
// the caller.
func classify(err error, timedOut bool) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}

	switch {
	case timedOut:
		return &Error{Kind: KindRequestTimeout, Message: "request exceeded the processing deadline", Err: err}
	case errors.Is(err, audio.ErrUnsupportedFormat):
		return &Error{Kind: KindUnsupportedFormat, Message: err.Error(), Err: err}
	case errors.Is(err, audio.ErrInvalidEncoding):
		return &Error{Kind: KindInvalidEncoding, Message: err.Error(), Err: err}
	case errors.Is(err, audio.ErrEmpty):
		return &Error{Kind: KindEmptyAudio, Message: "audio payload is empty", Err: err}
	case errors.Is(err, ErrOutOfOrder):
		return &Error{Kind: KindOutOfOrderFrame, Message: "upstream delivered frames out of order", Err: err}
	case errors.Is(err, a2f.ErrUpstreamAuth):
		return &Error{Kind: KindUpstreamAuth, Message: "upstream rejected the credentials or function id", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, a2f.ErrSessionClosed):
		return &Error{Kind: KindCancelled, Message: "request cancelled by client", Err: err}
	case errors.Is(err, a2f.ErrUpstreamUnavailable), errors.Is(err, resilience.ErrCircuitOpen):
		return &Error{Kind: KindUpstreamUnavailable, Message: "upstream service unavailable", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindRequestTimeout, Message: "request exceeded the processing deadline", Err: err}
	default:
		return &Error{Kind: KindUpstreamStream, Message: "upstream stream failed", Err: err}
	}
}
