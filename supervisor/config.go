// Package supervisor keeps the gateway process alive: it launches the
// server, scans its output for native crash signatures, restarts it within
// a bounded window, health-checks it over HTTP, and replays journaled
// requests that were in flight when it died.
package supervisor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultCrashSignatures are the native-runtime death rattles worth a
// restart. The set is configuration, not code: deployments extend it
// without a rebuild.
func DefaultCrashSignatures() []string {
	return []string{
		"failed assertion",
		"Segmentation fault",
		"Killed",
		"out of memory",
		"SIGKILL",
		"SIGTERM",
		"addCompletedHandler",
	}
}

// Config is the supervisor configuration, loaded from YAML.
type Config struct {
	// Command launches the server; first element is the binary.
	Command []string `yaml:"command"`
	// Env entries are appended to the child's environment, KEY=VALUE.
	Env []string `yaml:"env"`

	// HealthURL is polled with GETs while the server runs.
	HealthURL      string        `yaml:"health_url"`
	HealthInterval time.Duration `yaml:"health_interval"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	// StartupGrace is how long the server gets to pass its first health
	// check after launch.
	StartupGrace time.Duration `yaml:"startup_grace"`

	// MaxRestarts within RestartWindow before the supervisor gives up.
	MaxRestarts   int           `yaml:"max_restarts"`
	RestartWindow time.Duration `yaml:"restart_window"`
	// Backoff is the pause before each restart.
	Backoff time.Duration `yaml:"backoff"`

	// CrashSignatures override the default set when non-empty.
	CrashSignatures []string `yaml:"crash_signatures"`

	// JournalDir is the server's journal root; empty disables replay.
	JournalDir string `yaml:"journal_dir"`
	// ReplayBaseURL is where replayed requests are posted.
	ReplayBaseURL string `yaml:"replay_base_url"`

	// MemoryLimitGB kills the server when its RSS exceeds it; zero
	// disables the check.
	MemoryLimitGB float64 `yaml:"memory_limit_gb"`
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		HealthURL:       "http://127.0.0.1:8555/health",
		HealthInterval:  30 * time.Second,
		HealthTimeout:   10 * time.Second,
		StartupGrace:    2 * time.Minute,
		MaxRestarts:     5,
		RestartWindow:   5 * time.Minute,
		Backoff:         2 * time.Second,
		CrashSignatures: DefaultCrashSignatures(),
		ReplayBaseURL:   "http://127.0.0.1:8555",
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read supervisor config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse supervisor config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Command) == 0 {
		return fmt.Errorf("supervisor config: command is required")
	}
	if c.MaxRestarts <= 0 {
		return fmt.Errorf("supervisor config: max_restarts must be positive")
	}
	if c.RestartWindow <= 0 {
		return fmt.Errorf("supervisor config: restart_window must be positive")
	}
	if len(c.CrashSignatures) == 0 {
		c.CrashSignatures = DefaultCrashSignatures()
	}
	return nil
}
