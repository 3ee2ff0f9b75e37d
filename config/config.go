// =============================================================================
// lbrxserve configuration
// =============================================================================
// Typed configuration loaded from environment variables with defaults and
// validation. Each field's env tag names the exact variable; precedence is
// defaults first, environment second.
// =============================================================================
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig
	Models    ModelsConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
	Metrics   MetricsConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Bind address.
	Host string `env:"SERVER_HOST"`
	// Bind port.
	Port int `env:"SERVER_PORT"`
	// TLS is enabled only when both cert and key are set.
	SSLCert string `env:"SSL_CERT"`
	SSLKey  string `env:"SSL_KEY"`
	// Environment name: dev, development, local, prod.
	Environment string `env:"ENV"`
	// Primary and Tailscale domains, used for trusted-host checks and the
	// system fingerprint on responses.
	PrimaryDomain   string `env:"PRIMARY_DOMAIN"`
	TailscaleDomain string `env:"TAILSCALE_DOMAIN"`
	// Comma- or JSON-list of allowed CORS origins. Empty in dev -> ["*"].
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	// URL prefix for all API routes.
	APIPrefix string `env:"API_PREFIX"`
	// HTTP timeouts.
	ReadTimeout     time.Duration `env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

// ModelsConfig holds model catalog and generation settings.
type ModelsConfig struct {
	// Local model cache root.
	Dir string `env:"MODELS_DIR"`
	// Routing fallback model.
	DefaultModel string `env:"DEFAULT_MODEL"`
	// Soft memory cap for the resident set, in GB.
	MaxModelMemoryGB int `env:"MAX_MODEL_MEMORY_GB"`
	// JITEnabled permits just-in-time loads of models outside the warm
	// set. Off unless explicitly enabled.
	JITEnabled bool `env:"ENABLE_JIT"`
	// Generation ceilings.
	MaxTokensDefault int `env:"MAX_TOKENS_DEFAULT"`
	MaxTokensLimit   int `env:"MAX_TOKENS_LIMIT"`
}

// SessionConfig selects and parametrizes the session backend.
type SessionConfig struct {
	// redis://... selects the Redis store, anything else the in-memory one.
	RedisURL string `env:"REDIS_URL"`
	// Default session expiry.
	TTLHours int `env:"SESSION_TTL_HOURS"`
}

// RateLimitConfig holds the two per-remote-address ceilings.
type RateLimitConfig struct {
	PerMinute int `env:"RATE_LIMIT_PER_MINUTE"`
	PerHour   int `env:"RATE_LIMIT_PER_HOUR"`
}

// AuthConfig holds bearer authentication settings.
type AuthConfig struct {
	Enabled bool `env:"ENABLE_AUTH"`
	// Comma- or JSON-list of accepted API keys.
	APIKeys string `env:"API_KEYS"`
	// JWT signing. Secret is auto-generated when empty and auth is enabled.
	JWTSecret    string `env:"JWT_SECRET"`
	JWTAlgorithm string `env:"JWT_ALGORITHM"`
}

// MetricsConfig holds Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool `env:"ENABLE_METRICS"`
	Port    int  `env:"METRICS_PORT"`
}

// LogConfig holds zap logger settings.
type LogConfig struct {
	// debug, info, warn, error.
	Level string `env:"LOG_LEVEL"`
	// json or console.
	Format string `env:"LOG_FORMAT"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled      bool    `env:"ENABLE_TELEMETRY"`
	OTLPEndpoint string  `env:"OTLP_ENDPOINT"`
	ServiceName  string  `env:"TELEMETRY_SERVICE_NAME"`
	SampleRate   float64 `env:"TELEMETRY_SAMPLE_RATE"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8555,
			Environment:     "prod",
			PrimaryDomain:   "localhost",
			APIPrefix:       "/api/v1",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute, // streams can be long
			ShutdownTimeout: 30 * time.Second,
		},
		Models: ModelsConfig{
			Dir:              "./models",
			DefaultModel:     "qwen3-14b",
			MaxModelMemoryGB: 24,
			MaxTokensDefault: 2048,
			MaxTokensLimit:   32768,
		},
		Session: SessionConfig{
			RedisURL: "redis://localhost:6379/0",
			TTLHours: 24,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 60,
			PerHour:   1000,
		},
		Auth: AuthConfig{
			Enabled:      true,
			JWTAlgorithm: "HS256",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "lbrxserve",
			SampleRate:  1.0,
		},
	}
}

// Load builds the configuration from defaults overlaid with environment
// variables, then validates it. getenv is injectable for tests; pass
// os.Getenv in production code.
func Load(getenv func(string) string) (*Config, error) {
	cfg := Default()
	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), getenv); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateSecret()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid server port")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, "invalid metrics port")
	}
	if (c.Server.SSLCert == "") != (c.Server.SSLKey == "") {
		errs = append(errs, "SSL_CERT and SSL_KEY must be set together")
	}
	if c.Models.MaxTokensDefault <= 0 {
		errs = append(errs, "MAX_TOKENS_DEFAULT must be positive")
	}
	if c.Models.MaxTokensLimit < c.Models.MaxTokensDefault {
		errs = append(errs, "MAX_TOKENS_LIMIT must be >= MAX_TOKENS_DEFAULT")
	}
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.PerHour <= 0 {
		errs = append(errs, "rate limits must be positive")
	}
	if c.Session.TTLHours <= 0 {
		errs = append(errs, "SESSION_TTL_HOURS must be positive")
	}
	if !strings.HasPrefix(c.Server.APIPrefix, "/") {
		errs = append(errs, "API_PREFIX must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsDev reports whether the server runs in a development environment.
func (c *ServerConfig) IsDev() bool {
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local":
		return true
	}
	return false
}

// TLSEnabled reports whether both TLS material paths are configured.
func (c *ServerConfig) TLSEnabled() bool {
	return c.SSLCert != "" && c.SSLKey != ""
}

// CORSAllowedOrigins returns the parsed allowlist. Empty input in dev mode
// yields ["*"]; in prod it yields an empty list (no cross-origin access).
func (c *ServerConfig) CORSAllowedOrigins() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		if c.IsDev() {
			return []string{"*"}
		}
		return nil
	}
	return parseList(c.AllowedOrigins)
}

// TrustedHosts returns the Host-header allowlist.
func (c *ServerConfig) TrustedHosts() []string {
	hosts := []string{"localhost", "127.0.0.1"}
	if c.PrimaryDomain != "" {
		hosts = append(hosts, c.PrimaryDomain)
	}
	if c.TailscaleDomain != "" {
		hosts = append(hosts, c.TailscaleDomain)
	}
	return hosts
}

// Keys returns the parsed API key set.
func (c *AuthConfig) Keys() []string {
	return parseList(c.APIKeys)
}

// TTL returns the default session expiry as a duration.
func (c *SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// UseRedis reports whether the Redis session backend is selected.
func (c *SessionConfig) UseRedis() bool {
	return strings.HasPrefix(c.RedisURL, "redis://") ||
		strings.HasPrefix(c.RedisURL, "rediss://")
}

// parseList accepts either a JSON array or a comma-separated string.
func parseList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var parsed []string
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			return parsed
		}
		// fall through to comma parsing on malformed JSON
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// setFieldsFromEnv walks the struct and sets every field carrying an env
// tag from the environment. Nested structs are recursed into.
func setFieldsFromEnv(v reflect.Value, getenv func(string) string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := setFieldsFromEnv(field, getenv); err != nil {
				return err
			}
			continue
		}
		envKey := t.Field(i).Tag.Get("env")
		if envKey == "" || envKey == "-" {
			continue
		}
		envValue := getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

// setFieldValue parses a string into the field's type.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	}
	return nil
}

// generateSecret produces a random URL-safe secret for JWT signing.
func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
