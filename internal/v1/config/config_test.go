package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEnvDefaults(t *testing.T) {
	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "3016", cfg.Port)
	assert.Equal(t, 1, cfg.WorkerCount)
	assert.Equal(t, 10000, cfg.RTCMinPort)
	assert.Equal(t, 10100, cfg.RTCMaxPort)
	assert.Equal(t, 25*time.Second, cfg.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.PingTimeout)
	assert.True(t, cfg.WebRTCEnableUDP)
	assert.True(t, cfg.WebRTCEnableTCP)
	assert.True(t, cfg.WebRTCPreferUDP)
	assert.False(t, cfg.RedisEnabled)
	assert.NotEmpty(t, cfg.RouterMediaCodecs)
}

func TestValidateEnvInvalidPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestValidateEnvInvalidPortRange(t *testing.T) {
	t.Setenv("RTC_MIN_PORT", "20000")
	t.Setenv("RTC_MAX_PORT", "10000")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RTC_MIN_PORT")
}

func TestValidateEnvInvalidWorkerCount(t *testing.T) {
	t.Setenv("WORKER_COUNT", "0")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_COUNT")
}

func TestValidateEnvRedis(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("REDIS_PASSWORD", "secret")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.True(t, cfg.RedisEnabled)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
	assert.Equal(t, "secret", cfg.RedisPassword)
}

func TestValidateEnvRedisBadAddr(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "not an address")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestValidateEnvBadCodecs(t *testing.T) {
	t.Setenv("ROUTER_MEDIA_CODECS", "{not json")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROUTER_MEDIA_CODECS")
}

func TestValidateEnvOtelRequiresCollector(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTEL_COLLECTOR_ADDR")
}

func TestValidateEnvDurations(t *testing.T) {
	t.Setenv("PING_INTERVAL", "10s")
	t.Setenv("PING_TIMEOUT", "30s")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.PingInterval)
	assert.Equal(t, 30*time.Second, cfg.PingTimeout)
}

func TestValidateEnvBadDuration(t *testing.T) {
	t.Setenv("PING_INTERVAL", "soon")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PING_INTERVAL")
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"localhost:6379", true},
		{"10.0.0.1:50051", true},
		{"localhost", false},
		{":6379", false},
		{"host:notaport", false},
		{"host:99999", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isValidHostPort(tt.addr), tt.addr)
	}
}
