package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Signaling server
	Port           string
	AllowedOrigins string
	PingInterval   time.Duration
	PingTimeout    time.Duration

	// Media worker pool
	WorkerBin   string
	WorkerCount int
	RTCMinPort  int
	RTCMaxPort  int

	// WebRTC transport policy
	WebRTCListenIP             string
	WebRTCAnnouncedIP          string
	WebRTCEnableUDP            bool
	WebRTCEnableTCP            bool
	WebRTCPreferUDP            bool
	InitialAvailableOutBitrate int
	MaxIncomingBitrate         int

	// Router codec descriptor set, opaque to the core.
	RouterMediaCodecs json.RawMessage

	// Redis (optional cross-pod fan-out)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth (optional)
	SkipAuth      bool
	Auth0Domain   string
	Auth0Audience string

	// Observability
	DevelopmentMode   bool
	LogLevel          string
	OtelEnabled       bool
	OtelCollectorAddr string

	// Rate limits (ulule/limiter formatted, e.g. "100-M")
	RateLimitWsIP   string
	RateLimitWsUser string
}

// defaultRouterMediaCodecs is the codec descriptor set handed to every new
// router. Opus plus VP8 matches what browser endpoints offer by default.
const defaultRouterMediaCodecs = `[
  {"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2},
  {"kind":"video","mimeType":"video/VP8","clockRate":90000,"parameters":{"x-google-start-bitrate":1000}}
]`

// ValidateEnv validates all required environment variables and returns a
// Config. It returns an error listing every invalid variable at once.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "3016")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	var err error
	if cfg.PingInterval, err = parseDuration("PING_INTERVAL", 25*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.PingTimeout, err = parseDuration("PING_TIMEOUT", 60*time.Second); err != nil {
		errs = append(errs, err.Error())
	}

	cfg.WorkerBin = getEnvOrDefault("MEDIASOUP_WORKER_BIN", "mediasoup-worker")

	if cfg.WorkerCount, err = parseInt("WORKER_COUNT", 1); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.WorkerCount < 1 {
		errs = append(errs, fmt.Sprintf("WORKER_COUNT must be at least 1 (got %d)", cfg.WorkerCount))
	}

	if cfg.RTCMinPort, err = parseInt("RTC_MIN_PORT", 10000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RTCMaxPort, err = parseInt("RTC_MAX_PORT", 10100); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RTCMinPort > cfg.RTCMaxPort {
		errs = append(errs, fmt.Sprintf("RTC_MIN_PORT (%d) must not exceed RTC_MAX_PORT (%d)", cfg.RTCMinPort, cfg.RTCMaxPort))
	}

	cfg.WebRTCListenIP = getEnvOrDefault("WEBRTC_LISTEN_IP", "0.0.0.0")
	cfg.WebRTCAnnouncedIP = os.Getenv("WEBRTC_ANNOUNCED_IP")
	cfg.WebRTCEnableUDP = getEnvOrDefault("WEBRTC_ENABLE_UDP", "true") == "true"
	cfg.WebRTCEnableTCP = getEnvOrDefault("WEBRTC_ENABLE_TCP", "true") == "true"
	cfg.WebRTCPreferUDP = getEnvOrDefault("WEBRTC_PREFER_UDP", "true") == "true"

	if cfg.InitialAvailableOutBitrate, err = parseInt("WEBRTC_INITIAL_AVAILABLE_OUTGOING_BITRATE", 1000000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.MaxIncomingBitrate, err = parseInt("WEBRTC_MAX_INCOMING_BITRATE", 1500000); err != nil {
		errs = append(errs, err.Error())
	}

	codecs := getEnvOrDefault("ROUTER_MEDIA_CODECS", defaultRouterMediaCodecs)
	if !json.Valid([]byte(codecs)) {
		errs = append(errs, "ROUTER_MEDIA_CODECS must be valid JSON")
	} else {
		cfg.RouterMediaCodecs = json.RawMessage(codecs)
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.OtelEnabled = os.Getenv("OTEL_ENABLED") == "true"
	if cfg.OtelEnabled {
		cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
		if cfg.OtelCollectorAddr == "" {
			errs = append(errs, "OTEL_COLLECTOR_ADDR is required when OTEL_ENABLED=true")
		}
	}

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

func parseInt(key string, def int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got '%s')", key, raw)
	}
	return v, nil
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like '25s' (got '%s')", key, raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive (got '%s')", key, raw)
	}
	return d, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"port", cfg.Port,
		"worker_bin", cfg.WorkerBin,
		"worker_count", cfg.WorkerCount,
		"rtc_port_range", fmt.Sprintf("%d-%d", cfg.RTCMinPort, cfg.RTCMaxPort),
		"listen_ip", cfg.WebRTCListenIP,
		"announced_ip", cfg.WebRTCAnnouncedIP,
		"redis_enabled", cfg.RedisEnabled,
		"skip_auth", cfg.SkipAuth,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
