// Package a2f defines the Provider interface for audio-to-face animation
// backends.
//
// An a2f provider wraps a remote inference service (NVIDIA Audio2Face-3D on
// NVCF, or a test double) that accepts a stream of audio chunks and emits one
// animation frame per output video frame. The central abstraction is
// [Session]: once opened, it uploads audio through [Session.Send] and yields
// frames through the lazy [Session.Frames] sequence. Send and Frames are
// meant to run on separate goroutines at the same time; the service starts
// emitting frames before all audio has been uploaded.
//
// A session lives for exactly one request. There is no retry inside a session:
// audio that has been partially consumed by the service cannot be replayed
// into the same stream.
package a2f

import (
	"context"
	"errors"
	"iter"

	"github.com/MrWong99/a2fbridge/pkg/audio"
	"github.com/MrWong99/a2fbridge/pkg/blendshape"
)

var (
	// ErrUpstreamUnavailable is returned when the service cannot be reached
	// within the connect timeout, or refuses the stream before any message
	// was exchanged.
	ErrUpstreamUnavailable = errors.New("a2f: upstream unavailable")

	// ErrUpstreamAuth is returned when the service rejects the API credential
	// or the function identifier.
	ErrUpstreamAuth = errors.New("a2f: upstream rejected credentials")

	// ErrUpstreamStream is returned for any transport or protocol failure after
	// the stream has been established.
	ErrUpstreamStream = errors.New("a2f: upstream stream failed")

	// ErrSessionClosed is returned by Send when the session was closed
	// before the upload finished.
	ErrSessionClosed = errors.New("a2f: session closed")
)

// State is the lifecycle position of a [Session].
type State int32

const (
	// StateOpening is the state while the stream is being established.
	StateOpening State = iota

	// StateStreaming means the stream is live. Send and receive both run in
	// this state.
	StateStreaming

	// StateCompleted means the service closed the stream cleanly.
	StateCompleted

	// StateFailed means the stream ended with a transport or protocol error.
	StateFailed

	// StateCancelled means the caller closed the session or its context ended
	// before the stream completed.
	StateCancelled
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the end states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// StreamConfig carries the per-request parameters of a new session.
type StreamConfig struct {
	// FunctionID selects the remote model / persona. Empty means the
	// provider's configured default.
	FunctionID string

	// Format is the container of the audio that will be uploaded.
	Format audio.Format

	// OutputFPS is the frame rate the service should emit animation at.
	OutputFPS int

	// RequestID is forwarded to the service for log correlation. Optional.
	RequestID string
}

// Frame is one animation frame emitted by the service.
type Frame struct {
	// Index is the frame's position in the output sequence, starting at 0.
	Index int

	// Weights holds the 52 blendshape coefficients of the frame.
	Weights blendshape.Weights
}

// Session represents one open streaming exchange. It is an interface so that
// test code can provide mock implementations without a live service.
//
// Send and Frames may be called concurrently with each other, each at most
// once. Close may be called at any time from any goroutine.
type Session interface {
	// Send uploads every chunk in order, then the end-of-audio marker, then
	// half-closes the send direction. Send returns nil if the service ended
	// the stream early; the outcome is then reported by Frames.
	Send(chunks iter.Seq[audio.Chunk]) error

	// Frames returns the lazy receive sequence. The sequence ends when the
	// service closes the stream. A failure is yielded once as a non-nil error
	// and ends the sequence. Stopping the iteration early cancels the stream.
	Frames() iter.Seq2[Frame, error]

	// State reports the current lifecycle state.
	State() State

	// Close cancels the stream if it is still running and releases its
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any audio-to-face backend.
//
// Implementations must be safe for concurrent use; each request opens its
// own session.
type Provider interface {
	// Open establishes a new session. The session is bound to ctx: when ctx
	// ends, both directions of the stream stop.
	//
	// Returns an error wrapping [ErrUpstreamUnavailable] or [ErrUpstreamAuth]
	// if the session cannot be established.
	Open(ctx context.Context, cfg StreamConfig) (Session, error)
}
