// Package app wires the bridge subsystems into a running HTTP service.
//
// The App struct owns the full lifecycle: New creates the upstream provider,
// the circuit breaker and the bridge controller and mounts them on an HTTP
// mux; Run serves until its context is cancelled; Shutdown drains in-flight
// requests and closes the upstream connection.
//
// For testing, inject doubles via functional options (WithProvider,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/a2fbridge/internal/bridge"
	"github.com/MrWong99/a2fbridge/internal/config"
	"github.com/MrWong99/a2fbridge/internal/health"
	"github.com/MrWong99/a2fbridge/internal/observe"
	"github.com/MrWong99/a2fbridge/internal/resilience"
	"github.com/MrWong99/a2fbridge/pkg/provider/a2f"
	"github.com/MrWong99/a2fbridge/pkg/provider/a2f/nvcf"
)

// ProcessPath is the route of the conversion endpoint.
const ProcessPath = "/a2f/process"

// readier is implemented by providers that can report connection health.
type readier interface {
	Ready(ctx context.Context) error
}

// App owns all subsystem lifetimes of the bridge service.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	provider   a2f.Provider
	breaker    *resilience.CircuitBreaker
	controller *bridge.Controller
	metrics    *observe.Metrics
	metricsH   http.Handler
	handler    http.Handler
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects an upstream provider instead of dialling NVCF. The
// caller keeps ownership of p; Shutdown does not close it.
func WithProvider(p a2f.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the Prometheus default
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// New creates an App by wiring all subsystems together. It does not start
// listening; call Run for that.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsH == nil {
		a.metricsH = promhttp.Handler()
	}

	// ── 1. Upstream provider ─────────────────────────────────────────────
	if err := a.initProvider(); err != nil {
		return nil, fmt.Errorf("app: init provider: %w", err)
	}

	// ── 2. Circuit breaker ───────────────────────────────────────────────
	a.initBreaker(ctx)

	// ── 3. Controller ────────────────────────────────────────────────────
	bopts := []bridge.Option{bridge.WithMetrics(a.metrics)}
	if a.breaker != nil {
		bopts = append(bopts, bridge.WithBreaker(a.breaker))
	}
	ctrl, err := bridge.New(a.provider, bridge.Config{
		OutputFPS:      cfg.Bridge.OutputFPS,
		FunctionID:     cfg.Upstream.FunctionID,
		BridgeToken:    cfg.Bridge.Token,
		RequestTimeout: cfg.Bridge.RequestTimeout,
		AllowPartial:   cfg.Bridge.AllowPartialResults,
		MaxBodyBytes:   cfg.Bridge.MaxBodyBytes,
	}, bopts...)
	if err != nil {
		return nil, fmt.Errorf("app: init controller: %w", err)
	}
	a.controller = ctrl

	// ── 4. Routes ────────────────────────────────────────────────────────
	a.handler = a.routes()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	return a, nil
}

// initProvider dials the NVCF endpoint unless a provider was injected.
func (a *App) initProvider() error {
	if a.provider != nil {
		return nil
	}
	up := a.cfg.Upstream
	opts := []nvcf.Option{
		nvcf.WithFunctionID(up.FunctionID),
		nvcf.WithConnectTimeout(up.ConnectTimeout),
	}
	if up.Method != "" {
		opts = append(opts, nvcf.WithMethod(up.Method))
	}
	if up.Insecure {
		opts = append(opts, nvcf.WithInsecure())
	}
	p, err := nvcf.New(up.Address, up.APIKey, opts...)
	if err != nil {
		return err
	}
	a.provider = p
	a.closers = append(a.closers, p.Close)
	return nil
}

// initBreaker creates the upstream circuit breaker. A non-positive
// MaxFailures disables it.
func (a *App) initBreaker(ctx context.Context) {
	bc := a.cfg.Upstream.Breaker
	if bc.MaxFailures <= 0 {
		return
	}
	log := observe.Logger(ctx)
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "a2f-upstream",
		MaxFailures:  bc.MaxFailures,
		ResetTimeout: bc.ResetTimeout,
		IsFailure:    bridge.IsUpstreamFault,
		OnStateChange: func(from, to resilience.State) {
			log.Warn("upstream circuit breaker changed state", "from", from, "to", to)
		},
	})
}

// routes builds the HTTP handler tree.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	var checkers []health.Checker
	if r, ok := a.provider.(readier); ok {
		checkers = append(checkers, health.Checker{Name: "upstream", Check: r.Ready})
	}
	if a.breaker != nil {
		checkers = append(checkers, health.Checker{Name: "breaker", Check: a.breakerReady})
	}
	health.New(a.details, checkers...).Register(mux)

	mux.Handle("GET /metrics", a.metricsH)

	process := http.Handler(a.controller)
	if rl := a.cfg.Server.RateLimit; rl.RequestsPerSecond > 0 {
		process = rateLimit(rl.RequestsPerSecond, rl.Burst)(process)
	}
	mux.Handle("POST "+ProcessPath, process)

	return cors(a.cfg.Server.AllowedOrigins)(observe.Middleware(a.metrics)(mux))
}

// details is the service summary served on /health. It must never expose
// credentials.
func (a *App) details() map[string]any {
	return map[string]any{
		"nvidia_api_configured": a.cfg.Upstream.APIKey != "",
		"upstream_configured":   a.cfg.Upstream.Address != "" && a.cfg.Upstream.APIKey != "",
		"function_id":           a.cfg.Upstream.FunctionID,
		"output_fps":            a.cfg.Bridge.OutputFPS,
		"auth_required":         a.cfg.Bridge.Token != "",
	}
}

func (a *App) breakerReady(context.Context) error {
	if s := a.breaker.State(); s == resilience.StateOpen {
		return fmt.Errorf("circuit breaker %s is %s", a.breaker.Name(), s)
	}
	return nil
}

// Handler returns the root HTTP handler. Useful for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP and blocks until ctx is cancelled or the listener fails.
// When ctx is done, Run returns context.Canceled (or the underlying cause);
// call Shutdown afterwards to drain in-flight requests.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Shutdown stops accepting connections, waits for in-flight requests until
// ctx expires, then runs the closers in order.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
