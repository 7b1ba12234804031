// Package nvcf provides an a2f provider that streams audio to an Audio2Face-3D
// function hosted on NVIDIA Cloud Functions over a bidirectional gRPC stream.
// It implements the a2f.Provider interface.
//
// One [Provider] owns one *grpc.ClientConn, shared by every request. Each
// call to [Provider.Open] starts a new stream on that connection, carrying the
// API key and the function identifier as call metadata.
package nvcf

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/MrWong99/a2fbridge/pkg/provider/a2f"
)

const (
	// DefaultAddress is the public NVCF gRPC endpoint.
	DefaultAddress = "grpc.nvcf.nvidia.com:443"

	// serviceName and streamName form the full method of the streaming RPC.
	serviceName = "a2f.v1.AnimationService"
	streamName  = "ProcessAudioStream"

	defaultConnectTimeout = 10 * time.Second
	maxRecvMsgSize        = 16 << 20
)

// DefaultMethod is the full gRPC method name of the streaming RPC.
const DefaultMethod = "/" + serviceName + "/" + streamName

var streamDesc = grpc.StreamDesc{
	StreamName:    streamName,
	ServerStreams: true,
	ClientStreams: true,
}

// Option is a functional option for configuring the NVCF Provider.
type Option func(*Provider)

// WithFunctionID sets the default function identifier used when a request
// does not override it.
func WithFunctionID(id string) Option {
	return func(p *Provider) {
		p.functionID = id
	}
}

// WithConnectTimeout bounds how long Open waits for the connection to become
// ready.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.connectTimeout = d
		}
	}
}

// WithInsecure disables TLS. Only meant for local test doubles of the service.
func WithInsecure() Option {
	return func(p *Provider) {
		p.insecure = true
	}
}

// WithMethod overrides the full gRPC method name of the streaming RPC.
func WithMethod(method string) Option {
	return func(p *Provider) {
		p.method = method
	}
}

// WithDialOptions appends raw gRPC dial options (e.g. a custom dialer in
// tests).
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(p *Provider) {
		p.dialOpts = append(p.dialOpts, opts...)
	}
}

// Provider implements a2f.Provider backed by an NVCF gRPC stream.
type Provider struct {
	conn           *grpc.ClientConn
	apiKey         string
	functionID     string
	method         string
	connectTimeout time.Duration
	insecure       bool
	dialOpts       []grpc.DialOption
}

// New creates a Provider for the service at target. apiKey must be
// non-empty. The connection is established lazily on the first Open.
func New(target, apiKey string, opts ...Option) (*Provider, error) {
	if target == "" {
		return nil, errors.New("nvcf: target must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("nvcf: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:         apiKey,
		method:         DefaultMethod,
		connectTimeout: defaultConnectTimeout,
	}
	for _, o := range opts {
		o(p)
	}

	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if p.insecure {
		creds = insecure.NewCredentials()
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(maxRecvMsgSize),
		),
	}, p.dialOpts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("nvcf: create client for %q: %w", target, err)
	}
	p.conn = conn
	return p, nil
}

// Open starts a new stream. It first waits up to the connect timeout for the
// shared connection to become ready.
func (p *Provider) Open(ctx context.Context, cfg a2f.StreamConfig) (a2f.Session, error) {
	if err := p.awaitReady(ctx); err != nil {
		return nil, fmt.Errorf("nvcf: connect %s: %w: %w", p.conn.Target(), a2f.ErrUpstreamUnavailable, err)
	}

	md := metadata.Pairs(
		"authorization", "Bearer "+p.apiKey,
		"function-id", cmp.Or(cfg.FunctionID, p.functionID),
	)
	if cfg.RequestID != "" {
		md.Set("x-request-id", cfg.RequestID)
	}

	streamCtx, cancel := context.WithCancel(metadata.NewOutgoingContext(ctx, md))
	stream, err := p.conn.NewStream(streamCtx, &streamDesc, p.method)
	if err != nil {
		cancel()
		return nil, classify(err, false)
	}
	return newSession(stream, cancel, cfg), nil
}

// Ready reports whether the shared connection can currently carry streams.
// An idle connection counts as ready; it connects on the next Open.
func (p *Provider) Ready(context.Context) error {
	switch s := p.conn.GetState(); s {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return fmt.Errorf("nvcf: connection %s", s)
	}
	return nil
}

// Close tears down the shared connection. Open sessions fail afterwards.
func (p *Provider) Close() error {
	return p.conn.Close()
}

// awaitReady blocks until the connection is READY, the connect timeout
// elapses, or ctx ends.
func (p *Provider) awaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	p.conn.Connect()
	for {
		s := p.conn.GetState()
		switch s {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("connection shut down")
		}
		if !p.conn.WaitForStateChange(ctx, s) {
			return fmt.Errorf("still %s: %w", s, ctx.Err())
		}
	}
}

// Ensure Provider implements a2f.Provider at compile time.
var _ a2f.Provider = (*Provider)(nil)
