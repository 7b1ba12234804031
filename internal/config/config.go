// Package config provides the configuration schema and loader for the
// Audio2Face bridge.
//
// A [Config] is built once at startup from [Default], an optional YAML file
// and environment overrides, then validated. It is immutable afterwards and
// passed explicitly into the constructors that need it.
package config

import "time"

// LogLevel controls log verbosity for the bridge.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DefaultFunctionID is the NVCF function of the public "Claire" Audio2Face-3D
// model.
const DefaultFunctionID = "0961a6da-fb9e-4f2e-8491-247e5fd7bf8d"

// Config is the root configuration structure for the bridge.
// It is typically loaded with [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists the origins allowed by CORS. "*" allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// RateLimit throttles POST /a2f/process. Zero disables it.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RateLimitConfig is a token bucket shared by all clients.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the bucket size. Defaults to 1 when limiting is enabled.
	Burst int `yaml:"burst"`
}

// UpstreamConfig describes the Audio2Face-3D service on NVCF.
type UpstreamConfig struct {
	// Address is the gRPC target, host:port.
	Address string `yaml:"address"`

	// APIKey is the NVIDIA API key sent as a bearer credential. Prefer the
	// NVIDIA_API_KEY environment variable over putting it in a file.
	APIKey string `yaml:"api_key"`

	// FunctionID selects the default NVCF function.
	FunctionID string `yaml:"function_id"`

	// Method overrides the full gRPC method name of the streaming call.
	Method string `yaml:"method"`

	// Insecure disables TLS. Only for local test doubles of the service.
	Insecure bool `yaml:"insecure"`

	// ConnectTimeout bounds how long a request waits for the connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Breaker tunes the circuit breaker around stream opens.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the upstream circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive connect failures that open
	// the breaker. Zero disables it.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// BridgeConfig holds the per-request pipeline settings.
type BridgeConfig struct {
	// OutputFPS is the animation frame rate requested from the upstream.
	OutputFPS int `yaml:"output_fps"`

	// Token, when set, is the bearer token clients must present.
	Token string `yaml:"token"`

	// RequestTimeout bounds one request end to end.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// AllowPartialResults returns frames received before a mid-stream
	// upstream failure as a partial success.
	AllowPartialResults bool `yaml:"allow_partial_results"`

	// MaxBodyBytes caps the request body size.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// TelemetryConfig configures trace export. Metrics are always served on
// /metrics.
type TelemetryConfig struct {
	// ServiceName is the service name reported in telemetry.
	ServiceName string `yaml:"service_name"`

	// OTLPEndpoint, when set, exports traces over OTLP/gRPC.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS towards OTLPEndpoint.
	OTLPInsecure bool `yaml:"otlp_insecure"`

	// StdoutTraces prints spans to stderr when no OTLP endpoint is set.
	StdoutTraces bool `yaml:"stdout_traces"`
}

// Default returns the configuration used when neither file nor environment
// sets a value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8000",
			LogLevel:        LogInfo,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 15 * time.Second,
		},
		Upstream: UpstreamConfig{
			Address:        "grpc.nvcf.nvidia.com:443",
			FunctionID:     DefaultFunctionID,
			ConnectTimeout: 10 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
			},
		},
		Bridge: BridgeConfig{
			OutputFPS:      60,
			RequestTimeout: 120 * time.Second,
			MaxBodyBytes:   32 << 20,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "a2fbridge",
		},
	}
}
