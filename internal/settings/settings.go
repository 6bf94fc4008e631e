// Package settings resolves the agent's typed configuration from the
// environment once at startup and freezes it. Every field has a fixed
// default (spec.md §4.1); an invalid integer or a malformed BOT_VERSION
// fails the process immediately rather than silently falling back.
package settings

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/arkeep-io/dispatch-agent/internal/wire"
)

// Settings is resolved once in main and passed down by value — nothing
// in the agent mutates it after Load returns. BotVersion is checked
// against the shared wire.Validator() instance (the same one used for
// request/response bodies) rather than a private regex, so Settings and
// wire messages are validated through one codepath.
type Settings struct {
	ServerBase        string
	HeartbeatInterval time.Duration
	BotLeaseTTL       time.Duration
	JobLeaseTTL       time.Duration
	ClaimBatchSize    int    `validate:"gte=1"`
	MaxConcurrency    int    `validate:"gte=1"`
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	BotVersion        string `validate:"required,semver"`
	StateDir          string
	LogLevel          string
	MetricsAddr       string
}

// Load resolves Settings from the environment, applying the defaults in
// spec.md §4.1. Returns a *Configuration error* (wrapped) on the first
// invalid value encountered.
func Load() (Settings, error) {
	s := Settings{}
	var err error

	s.ServerBase = getEnv("SERVER_BASE", "http://localhost:8000/v1")

	if s.HeartbeatInterval, err = getEnvSeconds("HEARTBEAT_INTERVAL_SEC", 30); err != nil {
		return Settings{}, err
	}
	if s.BotLeaseTTL, err = getEnvSeconds("BOT_LEASE_TTL_SEC", 120); err != nil {
		return Settings{}, err
	}
	if s.JobLeaseTTL, err = getEnvSeconds("JOB_LEASE_TTL_SEC", 180); err != nil {
		return Settings{}, err
	}
	if s.ClaimBatchSize, err = getEnvInt("CLAIM_BATCH_SIZE", 5); err != nil {
		return Settings{}, err
	}
	if s.MaxConcurrency, err = getEnvInt("MAX_CONCURRENCY", 2); err != nil {
		return Settings{}, err
	}
	minMS, err := getEnvInt("MIN_BACKOFF_MS", 500)
	if err != nil {
		return Settings{}, err
	}
	s.MinBackoff = time.Duration(minMS) * time.Millisecond
	maxMS, err := getEnvInt("MAX_BACKOFF_MS", 60000)
	if err != nil {
		return Settings{}, err
	}
	s.MaxBackoff = time.Duration(maxMS) * time.Millisecond

	s.BotVersion = getEnv("BOT_VERSION", "1.0.0")

	s.StateDir = getEnv("STATE_DIR", defaultStateDir())
	s.LogLevel = getEnv("LOG_LEVEL", "info")
	s.MetricsAddr = getEnv("METRICS_ADDR", "")

	if err := wire.Validate("Settings", s); err != nil {
		return Settings{}, fmt.Errorf("settings: %w", err)
	}

	return s, nil
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.dispatch-agent"
	}
	return ".state"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("settings: invalid integer for %s: %w", key, err)
	}
	return n, nil
}

func getEnvSeconds(key string, fallbackSeconds int) (time.Duration, error) {
	n, err := getEnvInt(key, fallbackSeconds)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("settings: %s must be >= 0, got %d", key, n)
	}
	return time.Duration(n) * time.Second, nil
}
