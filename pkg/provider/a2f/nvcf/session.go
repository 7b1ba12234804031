package nvcf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/a2fbridge/pkg/audio"
	"github.com/MrWong99/a2fbridge/pkg/blendshape"
	"github.com/MrWong99/a2fbridge/pkg/provider/a2f"
)

// session is one live gRPC stream. It implements a2f.Session.
//
// gRPC allows one goroutine in SendMsg and another in RecvMsg at the same
// time, which is exactly the Send / Frames split.
type session struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	cfg    a2f.StreamConfig

	state    atomic.Int32
	received atomic.Bool // any header or frame arrived
	once     sync.Once
}

func newSession(stream grpc.ClientStream, cancel context.CancelFunc, cfg a2f.StreamConfig) *session {
	s := &session{stream: stream, cancel: cancel, cfg: cfg}
	s.state.Store(int32(a2f.StateStreaming))
	return s
}

// State returns the current lifecycle state.
func (s *session) State() a2f.State { return a2f.State(s.state.Load()) }

// finish moves the session out of STREAMING. Only the first terminal
// transition takes effect.
func (s *session) finish(to a2f.State) {
	s.state.CompareAndSwap(int32(a2f.StateStreaming), int32(to))
}

// Send uploads the header, every chunk, and the end-of-audio marker, then
// half-closes the stream.
func (s *session) Send(chunks iter.Seq[audio.Chunk]) error {
	header := &audioMessage{Header: &audioHeader{
		Format:    string(s.cfg.Format),
		OutputFPS: s.cfg.OutputFPS,
	}}
	if err := s.stream.SendMsg(header); err != nil {
		return s.sendErr(err)
	}
	for c := range chunks {
		msg := &audioMessage{Chunk: &audioChunk{Index: c.Index, Data: c.Data}}
		if err := s.stream.SendMsg(msg); err != nil {
			return s.sendErr(err)
		}
	}
	if err := s.stream.SendMsg(&audioMessage{EndOfAudio: true}); err != nil {
		return s.sendErr(err)
	}
	if err := s.stream.CloseSend(); err != nil {
		return s.sendErr(err)
	}
	return nil
}

// sendErr maps a SendMsg failure. io.EOF means the service already ended the
// stream; the real status is surfaced by RecvMsg on the receive path.
func (s *session) sendErr(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	if s.State() == a2f.StateCancelled {
		return a2f.ErrSessionClosed
	}
	return s.fail(err)
}

// Frames returns the receive sequence.
func (s *session) Frames() iter.Seq2[a2f.Frame, error] {
	return func(yield func(a2f.Frame, error) bool) {
		var layout blendshape.Layout
		for {
			var msg animationMessage
			if err := s.stream.RecvMsg(&msg); err != nil {
				if errors.Is(err, io.EOF) {
					s.finish(a2f.StateCompleted)
					return
				}
				yield(a2f.Frame{}, s.fail(err))
				return
			}

			switch {
			case msg.Status != nil:
				code := codes.Code(msg.Status.Code)
				if code == codes.OK {
					continue
				}
				yield(a2f.Frame{}, s.fail(status.Error(code, msg.Status.Message)))
				return

			case msg.Header != nil:
				s.received.Store(true)
				if fps := msg.Header.FPS; fps != 0 && fps != s.cfg.OutputFPS {
					yield(a2f.Frame{}, s.protocolErr(fmt.Errorf("stream header: fps %d, requested %d", fps, s.cfg.OutputFPS)))
					return
				}
				if len(msg.Header.BlendshapeNames) == 0 {
					continue
				}
				l, err := blendshape.NewLayout(msg.Header.BlendshapeNames)
				if err != nil {
					yield(a2f.Frame{}, s.protocolErr(fmt.Errorf("stream header: %w", err)))
					return
				}
				layout = l

			case msg.Frame != nil:
				s.received.Store(true)
				f, err := decodeFrame(msg.Frame, layout)
				if err != nil {
					yield(a2f.Frame{}, s.protocolErr(err))
					return
				}
				if !yield(f, nil) {
					_ = s.Close()
					return
				}
			}
		}
	}
}

// Close cancels the stream context. A session that already reached a
// terminal state keeps it.
func (s *session) Close() error {
	s.once.Do(func() {
		s.finish(a2f.StateCancelled)
		s.cancel()
	})
	return nil
}

// fail records a transport failure and returns the classified error.
func (s *session) fail(err error) error {
	if code := status.Code(err); code == codes.Canceled {
		s.finish(a2f.StateCancelled)
	} else {
		s.finish(a2f.StateFailed)
	}
	return classify(err, s.received.Load())
}

// protocolErr records a malformed upstream message and aborts the stream.
func (s *session) protocolErr(err error) error {
	s.finish(a2f.StateFailed)
	s.cancel()
	return fmt.Errorf("nvcf: %w: %w", a2f.ErrUpstreamStream, err)
}

// classify maps a gRPC error onto the a2f sentinel errors. established
// reports whether any message had been received on the stream.
func classify(err error, established bool) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("nvcf: %w: %w", a2f.ErrUpstreamStream, err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied, codes.NotFound:
		return fmt.Errorf("nvcf: %w: %s", a2f.ErrUpstreamAuth, st.Message())
	case codes.Unavailable:
		if !established {
			return fmt.Errorf("nvcf: %w: %s", a2f.ErrUpstreamUnavailable, st.Message())
		}
	case codes.Canceled:
		return fmt.Errorf("nvcf: %w: %w", a2f.ErrUpstreamStream, context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("nvcf: %w: %w", a2f.ErrUpstreamStream, context.DeadlineExceeded)
	}
	return fmt.Errorf("nvcf: %w: %s: %s", a2f.ErrUpstreamStream, st.Code(), st.Message())
}

// decodeFrame converts a wire frame into an a2f.Frame.
func decodeFrame(f *animationFrame, layout blendshape.Layout) (a2f.Frame, error) {
	if f.Index < 0 {
		return a2f.Frame{}, fmt.Errorf("frame has negative index %d", f.Index)
	}

	var (
		w   blendshape.Weights
		err error
	)
	switch {
	case f.Blendshapes != nil:
		w, err = blendshape.FromMap(f.Blendshapes)
	case f.Weights != nil:
		w, err = layout.Weights(f.Weights)
	default:
		err = errors.New("no coefficients")
	}
	if err != nil {
		return a2f.Frame{}, fmt.Errorf("frame %d: %w", f.Index, err)
	}
	return a2f.Frame{Index: f.Index, Weights: w}, nil
}
