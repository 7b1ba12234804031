// Package mock provides test doubles for the a2f package interfaces.
//
// Use Provider to verify that the caller opens sessions with the expected
// StreamConfig, or that it never opens one at all. Use Session to script the
// frames the consumer receives and to observe cancellation.
//
// Example:
//
//	sess := mock.NewSession(mock.Frames(120)...)
//	p := &mock.Provider{Session: sess}
//	s, _ := p.Open(ctx, cfg)
package mock

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/MrWong99/a2fbridge/pkg/audio"
	"github.com/MrWong99/a2fbridge/pkg/blendshape"
	"github.com/MrWong99/a2fbridge/pkg/provider/a2f"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the StreamConfig passed to Open.
	Cfg a2f.StreamConfig
}

// Provider is a mock implementation of a2f.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Open. If nil, Open returns a new Session that
	// completes without frames.
	Session *Session

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall
}

// Open records the call, binds Session to ctx and returns it.
func (p *Provider) Open(ctx context.Context, cfg a2f.StreamConfig) (a2f.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	sess.bind(ctx)
	return sess, nil
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (p *Provider) OpenCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// Ensure Provider implements a2f.Provider at compile time.
var _ a2f.Provider = (*Provider)(nil)

// Session is a mock implementation of a2f.Session. It yields its scripted
// frames in order, then either completes or fails with Err.
type Session struct {
	mu sync.Mutex

	// Script is the frame sequence Frames yields.
	Script []a2f.Frame

	// Err, if non-nil, is yielded after the scripted frames instead of a
	// clean end of stream.
	Err error

	// FrameDelay is slept before each frame. A delay makes the session
	// observe cancellation mid-stream.
	FrameDelay time.Duration

	// Hang makes Frames block after the script until the session is closed
	// or its context ends.
	Hang bool

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// --- Call records ---

	// Chunks holds copies of the chunks passed to Send, in order.
	Chunks []audio.Chunk

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	ctx    context.Context
	state  a2f.State
	closed chan struct{}
	once   sync.Once
}

// NewSession returns a Session scripted with frames.
func NewSession(frames ...a2f.Frame) *Session {
	return &Session{Script: frames, closed: make(chan struct{}), state: a2f.StateOpening}
}

func (s *Session) bind(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == nil {
		s.closed = make(chan struct{})
	}
	s.ctx = ctx
	s.state = a2f.StateStreaming
}

// Closed returns a channel that is closed when Close is called or the bound
// context ends while frames are being read.
func (s *Session) Closed() <-chan struct{} {
	return s.closedCh()
}

func (s *Session) closedCh() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == nil {
		s.closed = make(chan struct{})
	}
	return s.closed
}

// markClosed closes the Closed channel exactly once.
func (s *Session) markClosed() {
	ch := s.closedCh()
	s.once.Do(func() { close(ch) })
}

// Send records every chunk and returns SendErr.
func (s *Session) Send(chunks iter.Seq[audio.Chunk]) error {
	for c := range chunks {
		cp := make([]byte, len(c.Data))
		copy(cp, c.Data)
		s.mu.Lock()
		s.Chunks = append(s.Chunks, audio.Chunk{Index: c.Index, Data: cp})
		s.mu.Unlock()
		select {
		case <-s.Closed():
			return a2f.ErrSessionClosed
		default:
		}
	}
	return s.SendErr
}

// Frames yields the scripted frames.
func (s *Session) Frames() iter.Seq2[a2f.Frame, error] {
	return func(yield func(a2f.Frame, error) bool) {
		s.mu.Lock()
		ctx := s.ctx
		script := s.Script
		s.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		closed := s.Closed()

		for _, f := range script {
			if s.FrameDelay > 0 {
				select {
				case <-time.After(s.FrameDelay):
				case <-ctx.Done():
					s.cancelled(yield, ctx.Err())
					return
				case <-closed:
					s.cancelled(yield, a2f.ErrSessionClosed)
					return
				}
			}
			if !yield(f, nil) {
				_ = s.Close()
				return
			}
		}
		if s.Hang {
			select {
			case <-ctx.Done():
				s.cancelled(yield, ctx.Err())
			case <-closed:
				s.cancelled(yield, a2f.ErrSessionClosed)
			}
			return
		}
		if s.Err != nil {
			s.setState(a2f.StateFailed)
			yield(a2f.Frame{}, s.Err)
			return
		}
		s.setState(a2f.StateCompleted)
	}
}

func (s *Session) cancelled(yield func(a2f.Frame, error) bool, err error) {
	s.setState(a2f.StateCancelled)
	s.markClosed()
	yield(a2f.Frame{}, err)
}

func (s *Session) setState(to a2f.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = to
	}
}

// State returns the current lifecycle state.
func (s *Session) State() a2f.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close records the call and closes the Closed channel once.
func (s *Session) Close() error {
	s.setState(a2f.StateCancelled)
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.markClosed()
	return nil
}

// CloseCount returns the number of Close calls. Thread-safe.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// ChunkCount returns the number of chunks received by Send. Thread-safe.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Chunks)
}

// Ensure Session implements a2f.Session at compile time.
var _ a2f.Session = (*Session)(nil)

// Frames returns n frames with contiguous indices starting at 0. Each frame
// has jawOpen set to a value derived from its index.
func Frames(n int) []a2f.Frame {
	frames := make([]a2f.Frame, n)
	jaw, _ := blendshape.Lookup("jawOpen")
	for i := range frames {
		frames[i].Index = i
		frames[i].Weights[jaw] = float32(i%100) / 100
	}
	return frames
}
