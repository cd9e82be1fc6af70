// Package config loads daemon settings from environment variables with
// typed defaults, validated once at startup (spec §2 ambient stack:
// invalid configuration is a startup error, exit code 1, matching §6's
// exit-code contract). Mirrors the teacher's pattern of small env-driven
// config structs read once in main rather than a general-purpose config
// file loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/swarmguard/delegate-daemon/internal/workerpool"
)

// Config is the daemon's fully resolved, validated runtime configuration.
type Config struct {
	DataDir      string
	DBPath       string
	SpillDir     string
	HeartbeatDB  string
	ServiceName  string

	DefaultTimeoutMs       int64
	DefaultMaxOutputBuffer int64
	DefaultPriority        string

	WorkerPool   workerpool.Config
	WorkerCommand string
	WorkerArgs    []string

	SchedulePollInterval time.Duration

	NATSURL     string
	NATSEnabled bool
}

// Load reads every setting from its environment variable, applies
// defaults, and validates the result. A non-nil error here is fatal to
// the daemon (exit code 1).
func Load() (Config, error) {
	dataDir, err := resolveDataDir()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DataDir:      dataDir,
		DBPath:       envOr("DAEMON_DB_PATH", filepath.Join(dataDir, "delegate.db")),
		SpillDir:     envOr("DAEMON_SPILL_DIR", filepath.Join(dataDir, "spill")),
		HeartbeatDB:  envOr("DAEMON_HEARTBEAT_DB", filepath.Join(dataDir, "heartbeats.db")),
		ServiceName:  envOr("DAEMON_SERVICE_NAME", "delegate-daemon"),

		DefaultTimeoutMs:       envInt64("DAEMON_DEFAULT_TIMEOUT_MS", 600_000),
		DefaultMaxOutputBuffer: envInt64("DAEMON_DEFAULT_MAX_OUTPUT_BYTES", 10<<20),
		DefaultPriority:        envOr("DAEMON_DEFAULT_PRIORITY", "P1"),

		WorkerPool:    workerpool.DefaultConfig(),
		WorkerCommand: envOr("DAEMON_WORKER_COMMAND", "agent"),
		WorkerArgs:    envFields("DAEMON_WORKER_ARGS"),

		SchedulePollInterval: envDuration("DAEMON_SCHEDULE_POLL_INTERVAL", 30*time.Second),

		NATSURL:     envOr("DAEMON_NATS_URL", ""),
		NATSEnabled: envBool("DAEMON_NATS_ENABLED", false),
	}

	if v := os.Getenv("DAEMON_MAX_CONCURRENT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("DAEMON_MAX_CONCURRENT_WORKERS: %w", err)
		}
		cfg.WorkerPool.MaxConcurrent = n
	}
	if v := os.Getenv("DAEMON_GRACEFUL_KILL_WINDOW_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("DAEMON_GRACEFUL_KILL_WINDOW_MS: %w", err)
		}
		cfg.WorkerPool.GracefulKillWindow = time.Duration(n) * time.Millisecond
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.DefaultPriority {
	case "P0", "P1", "P2":
	default:
		return fmt.Errorf("invalid DAEMON_DEFAULT_PRIORITY %q", c.DefaultPriority)
	}
	if c.DefaultTimeoutMs < 0 {
		return fmt.Errorf("DAEMON_DEFAULT_TIMEOUT_MS must not be negative")
	}
	if c.DefaultMaxOutputBuffer <= 0 {
		return fmt.Errorf("DAEMON_DEFAULT_MAX_OUTPUT_BYTES must be positive")
	}
	if c.WorkerPool.MaxConcurrent <= 0 {
		return fmt.Errorf("DAEMON_MAX_CONCURRENT_WORKERS must be positive")
	}
	if c.WorkerCommand == "" {
		return fmt.Errorf("DAEMON_WORKER_COMMAND must not be empty")
	}
	if c.SchedulePollInterval <= 0 {
		return fmt.Errorf("DAEMON_SCHEDULE_POLL_INTERVAL must be positive")
	}
	if c.NATSEnabled && c.NATSURL == "" {
		return fmt.Errorf("DAEMON_NATS_URL must be set when DAEMON_NATS_ENABLED is true")
	}
	if err := validateAbsoluteNoDotDot("data directory", c.DataDir); err != nil {
		return err
	}
	if err := validateAbsoluteNoDotDot("database path", c.DBPath); err != nil {
		return err
	}
	return nil
}

// validateAbsoluteNoDotDot enforces spec §6's data-path contract: override
// paths must be absolute and must not contain "..", or the daemon refuses
// to start rather than risk writing outside the intended directory.
func validateAbsoluteNoDotDot(label, path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%s must be an absolute path, got %q", label, path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%s must not contain \"..\", got %q", label, path)
	}
	return nil
}

// resolveDataDir honors DAEMON_DATA_DIR, else falls back to the user's
// home-config directory, matching the teacher's data-dir resolution
// pattern (home first, never /var or other system paths the daemon may
// not have write access to in a dev environment).
func resolveDataDir() (string, error) {
	if v := os.Getenv("DAEMON_DATA_DIR"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve data directory: %w", err)
	}
	return filepath.Join(home, ".delegate-daemon"), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envFields(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	return strings.Fields(v)
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
