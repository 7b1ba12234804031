// Package bridge turns one HTTP request carrying base64 audio into one
// aggregated animation response.
//
// [Controller] is the per-request entry point. For each request it decodes
// the audio, opens a stream on an [a2f.Provider], uploads the chunks while
// concurrently draining frames into an [Aggregator], and assembles a
// [Result]. Every failure leaves the controller as an [*Error] carrying a
// [Kind] and an HTTP status; raw transport errors never reach the client.
//
// The controller holds no per-request state. Its configuration is fixed at
// construction and shared read-only across concurrent requests.
package bridge

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/a2fbridge/internal/observe"
	"github.com/MrWong99/a2fbridge/internal/resilience"
	"github.com/MrWong99/a2fbridge/pkg/audio"
	"github.com/MrWong99/a2fbridge/pkg/provider/a2f"
)

const (
	defaultRequestTimeout = 120 * time.Second
	defaultMaxBodyBytes   = 32 << 20
)

// DefaultFormat is assumed when a request does not name its format.
const DefaultFormat = string(audio.FormatWebM)

// errDeadline is the cancellation cause of the controller's own deadline.
var errDeadline = errors.New("bridge: request deadline exceeded")

// Config holds the process-wide settings a Controller needs.
type Config struct {
	// OutputFPS is the frame rate requested from the upstream and used for
	// timestamps. Required.
	OutputFPS int

	// FunctionID is the default upstream function. A request may override it.
	FunctionID string

	// BridgeToken, when non-empty, must be presented as a bearer token.
	BridgeToken string

	// RequestTimeout bounds one request end to end, including the connect.
	// Default: 120s.
	RequestTimeout time.Duration

	// AllowPartial returns the frames received before a mid-stream upstream
	// failure as a partial success instead of an error.
	AllowPartial bool

	// ChunkSize is the upload chunk size. Default: [audio.DefaultChunkSize].
	ChunkSize int

	// MaxBodyBytes caps the request body. Default: 32 MiB.
	MaxBodyBytes int64
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithBreaker guards stream opens with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Controller) {
		c.breaker = cb
	}
}

// WithMetrics records request metrics into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// Controller orchestrates the bridge pipeline. It is safe for concurrent use.
type Controller struct {
	provider a2f.Provider
	cfg      Config
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
}

// New creates a Controller that opens streams on p.
func New(p a2f.Provider, cfg Config, opts ...Option) (*Controller, error) {
	if p == nil {
		return nil, errors.New("bridge: provider must not be nil")
	}
	if cfg.OutputFPS <= 0 {
		return nil, errors.New("bridge: OutputFPS must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = audio.DefaultChunkSize
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	c := &Controller{provider: p, cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Request is the body of a process call.
type Request struct {
	// Audio is the standard base64 encoding of the clip.
	Audio string `json:"audio"`

	// Format names the audio container, e.g. "wav" or "webm". Empty means
	// [DefaultFormat].
	Format string `json:"format"`

	// FunctionID optionally overrides the configured upstream function.
	FunctionID string `json:"function_id,omitempty"`

	// RequestID correlates logs and the upstream call. Generated when empty.
	RequestID string `json:"-"`
}

// Process runs the pipeline for one request. On failure it returns an error
// Result together with the *Error that produced it.
func (c *Controller) Process(ctx context.Context, req Request) (Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx = observe.WithRequestID(ctx, req.RequestID)
	ctx, span := observe.StartSpan(ctx, "bridge.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("audio.format", req.Format),
	)

	res, err := c.process(ctx, req)
	if err != nil {
		var be *Error
		errors.As(err, &be)
		span.SetStatus(codes.Error, string(be.Kind))
		span.RecordError(err)
		c.report(ctx, be)
		return BuildError(be.Info()), be
	}
	outcome := "success"
	if res.Partial {
		outcome = "partial"
	}
	c.metrics.RecordRequest(ctx, outcome)
	span.SetAttributes(attribute.Int("frames", len(res.Frames)))
	return res, nil
}

func (c *Controller) process(ctx context.Context, req Request) (Result, error) {
	payload, err := audio.Decode(req.Audio, cmp.Or(req.Format, DefaultFormat))
	if err != nil {
		return Result{}, classify(err, false)
	}
	if payload.IsEmpty() {
		return Result{}, classify(audio.ErrEmpty, false)
	}

	log := observe.Logger(ctx).With(slog.String("format", string(payload.Format)))
	sizeHint := 0
	if d, ok := payload.EstimatedDuration(); ok {
		sizeHint = int(d.Seconds()*float64(c.cfg.OutputFPS)) + 1
		log = log.With(slog.Duration("audio_duration", d))
	}
	log.Debug("processing audio", "bytes", payload.Len(),
		"chunks", audio.ChunkCount(payload.Len(), c.cfg.ChunkSize))

	ctx, cancel := context.WithTimeoutCause(ctx, c.cfg.RequestTimeout, errDeadline)
	defer cancel()
	timedOut := func() bool { return errors.Is(context.Cause(ctx), errDeadline) }

	g, gctx := errgroup.WithContext(ctx)

	start := time.Now()
	sess, err := c.open(gctx, a2f.StreamConfig{
		FunctionID: cmp.Or(req.FunctionID, c.cfg.FunctionID),
		Format:     payload.Format,
		OutputFPS:  c.cfg.OutputFPS,
		RequestID:  req.RequestID,
	})
	if err != nil {
		return Result{}, classify(err, timedOut())
	}
	defer sess.Close()

	c.metrics.ActiveStreams.Add(ctx, 1)
	defer c.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)

	agg := NewAggregator(c.cfg.OutputFPS, sizeHint)

	g.Go(func() error {
		return sess.Send(c.counted(gctx, audio.Split(payload, c.cfg.ChunkSize)))
	})
	g.Go(func() error {
		first := true
		return agg.Consume(sess.Frames(), func(a2f.Frame) {
			if first {
				c.metrics.FirstFrameLatency.Record(gctx, time.Since(start).Seconds())
				first = false
			}
		})
	})
	err = g.Wait()

	mctx := context.WithoutCancel(ctx)
	c.metrics.FramesReceived.Add(mctx, int64(agg.Len()))
	c.metrics.RecordStream(mctx, time.Since(start).Seconds(), sess.State().String())

	if err != nil {
		be := classify(err, timedOut())
		if c.cfg.AllowPartial && be.Kind == KindUpstreamStream && agg.Len() > 0 {
			log.Warn("returning partial result", "frames", agg.Len(), "err", err)
			return BuildPartial(agg.Frames(), c.cfg.OutputFPS, be.Info()), nil
		}
		log.Debug("stream ended with error", "frames_before_failure", agg.Len(), "state", sess.State())
		return Result{}, be
	}

	log.Info("stream completed", "frames", agg.Len(), "duration", time.Since(start))
	return Build(agg.Frames(), c.cfg.OutputFPS), nil
}

// open starts a session, through the circuit breaker when one is set.
func (c *Controller) open(ctx context.Context, cfg a2f.StreamConfig) (a2f.Session, error) {
	if c.breaker == nil {
		return c.provider.Open(ctx, cfg)
	}
	return resilience.Call(c.breaker, func() (a2f.Session, error) {
		return c.provider.Open(ctx, cfg)
	})
}

// counted wraps chunks so that every uploaded chunk is recorded.
func (c *Controller) counted(ctx context.Context, chunks iter.Seq[audio.Chunk]) iter.Seq[audio.Chunk] {
	return func(yield func(audio.Chunk) bool) {
		for ch := range chunks {
			if !yield(ch) {
				return
			}
			c.metrics.ChunksSent.Add(ctx, 1)
			c.metrics.AudioBytes.Add(ctx, int64(len(ch.Data)))
		}
	}
}

// report logs and counts a failed request. Client-side failures log at
// debug level.
func (c *Controller) report(ctx context.Context, e *Error) {
	ctx = context.WithoutCancel(ctx)
	c.metrics.RecordRequest(ctx, "error")
	c.metrics.RecordError(ctx, string(e.Kind))

	level := slog.LevelWarn
	if e.HTTPStatus() < 500 {
		level = slog.LevelDebug
	}
	observe.Logger(ctx).Log(ctx, level, "request failed",
		"kind", e.Kind,
		"status", e.HTTPStatus(),
		"err", e,
	)
}

// IsUpstreamFault reports whether err says something about upstream health.
// It is the failure classifier for the circuit breaker around stream opens.
func IsUpstreamFault(err error) bool {
	return errors.Is(err, a2f.ErrUpstreamUnavailable) && !errors.Is(err, context.Canceled)
}
