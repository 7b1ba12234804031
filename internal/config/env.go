package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides lets the process environment override file values. The
// variable names match the ones the bridge has always been deployed with.
func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Upstream.APIKey, "NVIDIA_API_KEY")
	overrideString(&cfg.Upstream.FunctionID, "A2F_FUNCTION_ID")
	overrideString(&cfg.Upstream.Address, "A2F_GRPC_ADDRESS")
	overrideBool(&cfg.Upstream.Insecure, "A2F_GRPC_INSECURE")
	overrideDuration(&cfg.Upstream.ConnectTimeout, "A2F_CONNECT_TIMEOUT")
	overrideInt(&cfg.Bridge.OutputFPS, "A2F_OUTPUT_FPS")
	overrideString(&cfg.Bridge.Token, "A2F_BRIDGE_TOKEN")
	overrideDuration(&cfg.Bridge.RequestTimeout, "A2F_REQUEST_TIMEOUT")
	overrideBool(&cfg.Bridge.AllowPartialResults, "A2F_ALLOW_PARTIAL")
	overrideString(&cfg.Server.ListenAddr, "A2F_LISTEN_ADDR")
	overrideLogLevel(&cfg.Server.LogLevel, "A2F_LOG_LEVEL")
	overrideStringSlice(&cfg.Server.AllowedOrigins, "A2F_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "A2F_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "A2F_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "A2F_TRACE_STDOUT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideLogLevel(target *LogLevel, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = LogLevel(strings.ToLower(strings.TrimSpace(value)))
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

// overrideDuration accepts Go duration strings ("30s") or a bare number of
// seconds.
func overrideDuration(target *time.Duration, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		*target = d
		return
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		*target = time.Duration(secs * float64(time.Second))
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for p := range strings.SplitSeq(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}
