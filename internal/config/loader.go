package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration: [Default], then the YAML file at path if
// path is non-empty, then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Environment variables are not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, &cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit.requests_per_second must not be negative, got %v", cfg.Server.RateLimit.RequestsPerSecond))
	}
	if cfg.Server.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit.burst must not be negative, got %d", cfg.Server.RateLimit.Burst))
	}

	// Upstream
	if cfg.Upstream.Address == "" {
		errs = append(errs, errors.New("upstream.address is required"))
	}
	if strings.TrimSpace(cfg.Upstream.APIKey) == "" {
		errs = append(errs, errors.New("upstream.api_key is required (set NVIDIA_API_KEY)"))
	}
	if cfg.Upstream.FunctionID == "" {
		errs = append(errs, errors.New("upstream.function_id is required"))
	}
	if cfg.Upstream.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("upstream.connect_timeout must be positive, got %s", cfg.Upstream.ConnectTimeout))
	}
	if cfg.Upstream.Insecure {
		slog.Warn("upstream TLS disabled; only use this against a local test service", "address", cfg.Upstream.Address)
	}

	// Bridge
	if fps := cfg.Bridge.OutputFPS; fps < 1 || fps > 120 {
		errs = append(errs, fmt.Errorf("bridge.output_fps must be between 1 and 120, got %d", fps))
	}
	if cfg.Bridge.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("bridge.request_timeout must be positive, got %s", cfg.Bridge.RequestTimeout))
	} else if cfg.Bridge.RequestTimeout < cfg.Upstream.ConnectTimeout {
		errs = append(errs, fmt.Errorf("bridge.request_timeout (%s) must not be shorter than upstream.connect_timeout (%s)",
			cfg.Bridge.RequestTimeout, cfg.Upstream.ConnectTimeout))
	}
	if cfg.Bridge.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("bridge.max_body_bytes must be positive, got %d", cfg.Bridge.MaxBodyBytes))
	}
	if cfg.Bridge.Token == "" {
		slog.Warn("bridge.token is not set; POST /a2f/process accepts unauthenticated requests")
	}

	return errors.Join(errs...)
}
