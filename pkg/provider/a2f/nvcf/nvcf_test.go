package nvcf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/MrWong99/a2fbridge/pkg/audio"
	"github.com/MrWong99/a2fbridge/pkg/blendshape"
	"github.com/MrWong99/a2fbridge/pkg/provider/a2f"
)

// ---- in-process upstream ----

type handlerFunc func(stream grpc.ServerStream) error

// startUpstream serves handler on an in-memory listener and returns a
// Provider connected to it.
func startUpstream(t *testing.T, handler handlerFunc, opts ...Option) *Provider {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    streamName,
			Handler:       func(_ any, stream grpc.ServerStream) error { return handler(stream) },
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, struct{}{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	opts = append([]Option{
		WithInsecure(),
		WithFunctionID("fn-default"),
		WithConnectTimeout(2 * time.Second),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	}, opts...)
	p, err := New("passthrough:///bufnet", "test-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// recvAudio reads client messages until end-of-audio and returns the chunk
// count.
func recvAudio(stream grpc.ServerStream) (int, error) {
	chunks := 0
	for {
		var msg audioMessage
		if err := stream.RecvMsg(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return chunks, nil
			}
			return chunks, err
		}
		if msg.Chunk != nil {
			chunks++
		}
		if msg.EndOfAudio {
			return chunks, nil
		}
	}
}

func namedFrame(i int) *animationMessage {
	m := make(map[string]float32, blendshape.Count)
	for _, n := range blendshape.Names {
		m[n] = float32(i%10) / 10
	}
	return &animationMessage{Frame: &animationFrame{Index: i, Blendshapes: m}}
}

func sendFrames(stream grpc.ServerStream, from, to int) error {
	for i := from; i < to; i++ {
		if err := stream.SendMsg(namedFrame(i)); err != nil {
			return err
		}
	}
	return nil
}

func payload(n int) audio.Payload {
	return audio.Payload{Data: make([]byte, n), Format: audio.FormatPCM16}
}

// runSession drives Send and Frames concurrently and collects the result.
func runSession(t *testing.T, sess a2f.Session, chunks iter.Seq[audio.Chunk]) ([]a2f.Frame, error, error) {
	t.Helper()
	sendErr := make(chan error, 1)
	go func() { sendErr <- sess.Send(chunks) }()

	var (
		frames  []a2f.Frame
		recvErr error
	)
	for f, err := range sess.Frames() {
		if err != nil {
			recvErr = err
			break
		}
		frames = append(frames, f)
	}
	return frames, recvErr, <-sendErr
}

// ---- tests ----

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "key"); err == nil {
		t.Error("expected error for empty target")
	}
	if _, err := New("localhost:1", ""); err == nil {
		t.Error("expected error for empty api key")
	}
}

func TestOpen_SuccessfulStream(t *testing.T) {
	gotMD := make(chan metadata.MD, 1)
	gotChunks := make(chan int, 1)

	p := startUpstream(t, func(stream grpc.ServerStream) error {
		md, _ := metadata.FromIncomingContext(stream.Context())
		gotMD <- md
		n, err := recvAudio(stream)
		if err != nil {
			return err
		}
		gotChunks <- n
		return sendFrames(stream, 0, 120)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.Open(ctx, a2f.StreamConfig{
		FunctionID: "fn-override",
		Format:     audio.FormatPCM16,
		OutputFPS:  60,
		RequestID:  "req-1",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	frames, recvErr, sendErr := runSession(t, sess, audio.Split(payload(100_000), 32*1024))
	if recvErr != nil || sendErr != nil {
		t.Fatalf("recvErr=%v sendErr=%v", recvErr, sendErr)
	}
	if len(frames) != 120 {
		t.Fatalf("frames = %d, want 120", len(frames))
	}
	for i, f := range frames {
		if f.Index != i {
			t.Fatalf("frame %d has index %d", i, f.Index)
		}
	}
	if sess.State() != a2f.StateCompleted {
		t.Errorf("state = %v, want completed", sess.State())
	}

	md := <-gotMD
	if got := md.Get("authorization"); len(got) != 1 || got[0] != "Bearer test-key" {
		t.Errorf("authorization = %v", got)
	}
	if got := md.Get("function-id"); len(got) != 1 || got[0] != "fn-override" {
		t.Errorf("function-id = %v, want fn-override", got)
	}
	if got := md.Get("x-request-id"); len(got) != 1 || got[0] != "req-1" {
		t.Errorf("x-request-id = %v", got)
	}
	if n := <-gotChunks; n != audio.ChunkCount(100_000, 32*1024) {
		t.Errorf("upstream received %d chunks, want %d", n, audio.ChunkCount(100_000, 32*1024))
	}
}

func TestOpen_DefaultFunctionID(t *testing.T) {
	gotFID := make(chan string, 1)
	p := startUpstream(t, func(stream grpc.ServerStream) error {
		md, _ := metadata.FromIncomingContext(stream.Context())
		gotFID <- md.Get("function-id")[0]
		_, err := recvAudio(stream)
		return err
	})

	sess, err := p.Open(context.Background(), a2f.StreamConfig{Format: audio.FormatWebM, OutputFPS: 30})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()
	_, recvErr, _ := runSession(t, sess, audio.Split(payload(10), 4))
	if recvErr != nil {
		t.Fatalf("recvErr = %v", recvErr)
	}
	if fid := <-gotFID; fid != "fn-default" {
		t.Errorf("function-id = %q, want fn-default", fid)
	}
}

func TestSession_SendAndReceiveOverlap(t *testing.T) {
	// The upstream answers every chunk with a frame before reading the next
	// one. The chunk source refuses to produce chunk i+1 until frame i has
	// been received, so the test only finishes if both directions run at the
	// same time.
	const n = 5
	p := startUpstream(t, func(stream grpc.ServerStream) error {
		next := 0
		for {
			var msg audioMessage
			if err := stream.RecvMsg(&msg); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if msg.Chunk != nil {
				if err := stream.SendMsg(namedFrame(next)); err != nil {
					return err
				}
				next++
			}
			if msg.EndOfAudio {
				return nil
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := p.Open(ctx, a2f.StreamConfig{Format: audio.FormatPCM16, OutputFPS: 60})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	received := make(chan int, n)
	chunks := func(yield func(audio.Chunk) bool) {
		for i := range n {
			if i > 0 {
				select {
				case <-received:
				case <-ctx.Done():
					return
				}
			}
			if !yield(audio.Chunk{Index: i, Data: []byte{byte(i), 0}}) {
				return
			}
		}
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- sess.Send(chunks) }()

	count := 0
	for f, err := range sess.Frames() {
		if err != nil {
			t.Fatalf("Frames: %v", err)
		}
		received <- f.Index
		count++
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if count != n {
		t.Errorf("frames = %d, want %d", count, n)
	}
}

func TestSession_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		handler   handlerFunc
		want      error
		wantState a2f.State
	}{
		{
			name: "unauthenticated",
			handler: func(grpc.ServerStream) error {
				return status.Error(codes.Unauthenticated, "invalid api key")
			},
			want:      a2f.ErrUpstreamAuth,
			wantState: a2f.StateFailed,
		},
		{
			name: "unknown function",
			handler: func(stream grpc.ServerStream) error {
				return stream.SendMsg(&animationMessage{Status: &streamStatus{
					Code:    int(codes.NotFound),
					Message: "function not found",
				}})
			},
			want:      a2f.ErrUpstreamAuth,
			wantState: a2f.StateFailed,
		},
		{
			name: "unavailable before any frame",
			handler: func(grpc.ServerStream) error {
				return status.Error(codes.Unavailable, "no capacity")
			},
			want:      a2f.ErrUpstreamUnavailable,
			wantState: a2f.StateFailed,
		},
		{
			name: "malformed frame",
			handler: func(stream grpc.ServerStream) error {
				return stream.SendMsg(&animationMessage{Frame: &animationFrame{Index: 0, Weights: []float32{0.1, 0.2}}})
			},
			want:      a2f.ErrUpstreamStream,
			wantState: a2f.StateFailed,
		},
		{
			name: "bad header",
			handler: func(stream grpc.ServerStream) error {
				return stream.SendMsg(&animationMessage{Header: &animationHeader{BlendshapeNames: []string{"jawOpen"}}})
			},
			want:      a2f.ErrUpstreamStream,
			wantState: a2f.StateFailed,
		},
		{
			name: "frame rate mismatch",
			handler: func(stream grpc.ServerStream) error {
				return stream.SendMsg(&animationMessage{Header: &animationHeader{FPS: 30}})
			},
			want:      a2f.ErrUpstreamStream,
			wantState: a2f.StateFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := startUpstream(t, tt.handler)
			sess, err := p.Open(context.Background(), a2f.StreamConfig{Format: audio.FormatPCM16, OutputFPS: 60})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer sess.Close()

			_, recvErr, _ := runSession(t, sess, audio.Split(payload(64), 16))
			if !errors.Is(recvErr, tt.want) {
				t.Fatalf("recvErr = %v, want %v", recvErr, tt.want)
			}
			if sess.State() != tt.wantState {
				t.Errorf("state = %v, want %v", sess.State(), tt.wantState)
			}
		})
	}
}

func TestSession_MidStreamFailure(t *testing.T) {
	p := startUpstream(t, func(stream grpc.ServerStream) error {
		if err := sendFrames(stream, 0, 50); err != nil {
			return err
		}
		return status.Error(codes.Unavailable, "connection reset")
	})

	sess, err := p.Open(context.Background(), a2f.StreamConfig{Format: audio.FormatPCM16, OutputFPS: 60})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	frames, recvErr, _ := runSession(t, sess, audio.Split(payload(1024), 256))
	if len(frames) != 50 {
		t.Errorf("frames before failure = %d, want 50", len(frames))
	}
	// Unavailable after frames arrived is a stream failure, not a connect failure.
	if !errors.Is(recvErr, a2f.ErrUpstreamStream) {
		t.Fatalf("recvErr = %v, want ErrUpstreamStream", recvErr)
	}
	if sess.State() != a2f.StateFailed {
		t.Errorf("state = %v, want failed", sess.State())
	}
}

func TestSession_PositionalFramesUseHeaderLayout(t *testing.T) {
	names := make([]string, blendshape.Count)
	for i, n := range blendshape.Names {
		names[blendshape.Count-1-i] = n
	}
	values := make([]float32, blendshape.Count)
	values[0] = 0.9 // tongueOut in the reversed layout

	p := startUpstream(t, func(stream grpc.ServerStream) error {
		if err := stream.SendMsg(&animationMessage{Header: &animationHeader{BlendshapeNames: names, FPS: 60}}); err != nil {
			return err
		}
		return stream.SendMsg(&animationMessage{Frame: &animationFrame{Index: 0, Weights: values}})
	})

	sess, err := p.Open(context.Background(), a2f.StreamConfig{Format: audio.FormatPCM16, OutputFPS: 60})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	frames, recvErr, _ := runSession(t, sess, audio.Split(payload(16), 16))
	if recvErr != nil {
		t.Fatalf("recvErr = %v", recvErr)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if v, _ := frames[0].Weights.Get("tongueOut"); v != 0.9 {
		t.Errorf("tongueOut = %v, want 0.9", v)
	}
}

func TestSession_CloseCancelsUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	p := startUpstream(t, func(stream grpc.ServerStream) error {
		defer close(upstreamDone)
		if err := stream.SendMsg(namedFrame(0)); err != nil {
			return err
		}
		<-stream.Context().Done()
		return stream.Context().Err()
	})

	sess, err := p.Open(context.Background(), a2f.StreamConfig{Format: audio.FormatPCM16, OutputFPS: 60})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for _, err := range sess.Frames() {
		if err != nil {
			t.Fatalf("Frames: %v", err)
		}
		break // stop after the first frame; this closes the session
	}

	select {
	case <-upstreamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream did not observe cancellation")
	}
	if sess.State() != a2f.StateCancelled {
		t.Errorf("state = %v, want cancelled", sess.State())
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSession_ContextCancelStopsBothDirections(t *testing.T) {
	upstreamDone := make(chan struct{})
	p := startUpstream(t, func(stream grpc.ServerStream) error {
		defer close(upstreamDone)
		<-stream.Context().Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := p.Open(ctx, a2f.StreamConfig{Format: audio.FormatPCM16, OutputFPS: 60})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	// A chunk source that never ends keeps the send path busy.
	endless := func(yield func(audio.Chunk) bool) {
		for i := 0; ; i++ {
			if !yield(audio.Chunk{Index: i, Data: make([]byte, 1024)}) {
				return
			}
		}
	}

	time.AfterFunc(50*time.Millisecond, cancel)
	_, recvErr, sendErr := runSession(t, sess, endless)
	if !errors.Is(recvErr, context.Canceled) {
		t.Errorf("recvErr = %v, want context.Canceled", recvErr)
	}
	if sendErr != nil && !errors.Is(sendErr, context.Canceled) {
		t.Errorf("sendErr = %v, want nil or context.Canceled", sendErr)
	}
	if sess.State() != a2f.StateCancelled {
		t.Errorf("state = %v, want cancelled", sess.State())
	}

	select {
	case <-upstreamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream did not observe cancellation")
	}
}

func TestOpen_ConnectTimeout(t *testing.T) {
	dialErr := errors.New("refused")
	p, err := New("passthrough:///nowhere", "key",
		WithInsecure(),
		WithConnectTimeout(100*time.Millisecond),
		WithDialOptions(grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return nil, dialErr
		})),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	start := time.Now()
	_, err = p.Open(context.Background(), a2f.StreamConfig{})
	if !errors.Is(err, a2f.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Open took %v, connect timeout not honoured", elapsed)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err         error
		established bool
		want        error
	}{
		{status.Error(codes.PermissionDenied, "x"), false, a2f.ErrUpstreamAuth},
		{status.Error(codes.NotFound, "x"), true, a2f.ErrUpstreamAuth},
		{status.Error(codes.Unavailable, "x"), false, a2f.ErrUpstreamUnavailable},
		{status.Error(codes.Unavailable, "x"), true, a2f.ErrUpstreamStream},
		{status.Error(codes.Internal, "x"), false, a2f.ErrUpstreamStream},
		{status.Error(codes.Canceled, "x"), true, context.Canceled},
		{status.Error(codes.DeadlineExceeded, "x"), true, context.DeadlineExceeded},
		{fmt.Errorf("plain"), true, a2f.ErrUpstreamStream},
	}
	for _, tt := range tests {
		if got := classify(tt.err, tt.established); !errors.Is(got, tt.want) {
			t.Errorf("classify(%v, %v) = %v, want %v", tt.err, tt.established, got, tt.want)
		}
	}
}
