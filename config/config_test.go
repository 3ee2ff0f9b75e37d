package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8555, cfg.Server.Port)
	assert.Equal(t, "/api/v1", cfg.Server.APIPrefix)
	assert.Equal(t, "qwen3-14b", cfg.Models.DefaultModel)
	assert.Equal(t, 24, cfg.Models.MaxModelMemoryGB)
	assert.Equal(t, 2048, cfg.Models.MaxTokensDefault)
	assert.Equal(t, 32768, cfg.Models.MaxTokensLimit)
	assert.False(t, cfg.Models.JITEnabled, "just-in-time loading is opt-in")
	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
	assert.Equal(t, 1000, cfg.RateLimit.PerHour)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "HS256", cfg.Auth.JWTAlgorithm)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL())
}

func TestLoadEnvOverrides(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{
		"SERVER_PORT":           "9000",
		"DEFAULT_MODEL":         "mistral-7b",
		"MAX_TOKENS_LIMIT":      "4096",
		"MAX_TOKENS_DEFAULT":    "1024",
		"RATE_LIMIT_PER_MINUTE": "10",
		"ENABLE_AUTH":           "false",
		"ENABLE_JIT":            "true",
		"SESSION_TTL_HOURS":     "2",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.True(t, cfg.Models.JITEnabled)
	assert.Equal(t, "mistral-7b", cfg.Models.DefaultModel)
	assert.Equal(t, 4096, cfg.Models.MaxTokensLimit)
	assert.Equal(t, 10, cfg.RateLimit.PerMinute)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL())
}

func TestJWTSecretGenerated(t *testing.T) {
	cfg, err := Load(envMap(nil))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Auth.JWTSecret, "secret must be generated when auth is enabled")

	cfg2, err := Load(envMap(map[string]string{"ENABLE_AUTH": "false"}))
	require.NoError(t, err)
	assert.Empty(t, cfg2.Auth.JWTSecret)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port out of range", map[string]string{"SERVER_PORT": "70000"}},
		{"limit below default", map[string]string{"MAX_TOKENS_LIMIT": "100"}},
		{"ssl cert without key", map[string]string{"SSL_CERT": "/tmp/cert.pem"}},
		{"zero rate limit", map[string]string{"RATE_LIMIT_PER_MINUTE": "0"}},
		{"prefix without slash", map[string]string{"API_PREFIX": "api/v1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(envMap(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestCORSAllowedOrigins(t *testing.T) {
	cfg := Default()

	// Empty + prod -> no cross-origin access.
	assert.Empty(t, cfg.Server.CORSAllowedOrigins())

	// Empty + dev -> wildcard.
	cfg.Server.Environment = "dev"
	assert.Equal(t, []string{"*"}, cfg.Server.CORSAllowedOrigins())

	// Comma list.
	cfg.Server.AllowedOrigins = "https://a.example, https://b.example"
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		cfg.Server.CORSAllowedOrigins())

	// JSON list.
	cfg.Server.AllowedOrigins = `["https://c.example"]`
	assert.Equal(t, []string{"https://c.example"}, cfg.Server.CORSAllowedOrigins())
}

func TestAuthKeysParsing(t *testing.T) {
	a := AuthConfig{APIKeys: "vista_abc,fork_def"}
	assert.Equal(t, []string{"vista_abc", "fork_def"}, a.Keys())

	a.APIKeys = `["vista_abc"]`
	assert.Equal(t, []string{"vista_abc"}, a.Keys())

	a.APIKeys = ""
	assert.Nil(t, a.Keys())
}

func TestSessionBackendSelection(t *testing.T) {
	s := SessionConfig{RedisURL: "redis://localhost:6379/0"}
	assert.True(t, s.UseRedis())

	s.RedisURL = "memory"
	assert.False(t, s.UseRedis())
}
