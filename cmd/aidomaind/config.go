package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the daemon's environment-driven configuration.
type Config struct {
	// DBDSN is the event log database path.
	DBDSN string

	// DBPoolMin and DBPoolMax bound the connection pool.
	DBPoolMin int
	DBPoolMax int

	// DBQueryTimeout is the per-call deadline for callers without one.
	DBQueryTimeout time.Duration

	// EventBusType selects the bus: "memory" or "broker".
	EventBusType string

	// EventBusBrokerURL is the NATS URL, used when EventBusType is "broker".
	EventBusBrokerURL string

	// BrokerSecretURL names the gocloud secrets keeper that decrypts the
	// broker credentials. Empty means an unauthenticated connection.
	BrokerSecretURL string

	// BrokerSecretFile is the encrypted credentials envelope decrypted via
	// BrokerSecretURL. Rotating the file rotates the credentials.
	BrokerSecretFile string

	// DeadLetterDSN is a separate database for the dead-letter sink. Empty
	// shares the event log database.
	DeadLetterDSN string

	// ProjectorMaxRetries is the per-event retry budget of projectors.
	ProjectorMaxRetries int

	// SnapshotEnabled toggles snapshot-on-save.
	SnapshotEnabled bool

	// LogLevel is the slog level: debug, info, warn or error.
	LogLevel string

	// Environment tags telemetry (development, staging, production).
	Environment string
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DBDSN:             envOr("DB_DSN", "aidomain.db"),
		EventBusType:      envOr("EVENTBUS_TYPE", "memory"),
		EventBusBrokerURL: envOr("EVENTBUS_BROKER_URL", "nats://127.0.0.1:4222"),
		BrokerSecretURL:   os.Getenv("BROKER_SECRET_URL"),
		BrokerSecretFile:  os.Getenv("BROKER_SECRET_FILE"),
		DeadLetterDSN:     os.Getenv("DEAD_LETTER_DSN"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		Environment:       envOr("ENVIRONMENT", "development"),
	}

	var err error
	if cfg.DBPoolMin, err = envInt("DB_POOL_MIN", 5); err != nil {
		return nil, err
	}
	if cfg.DBPoolMax, err = envInt("DB_POOL_MAX", 25); err != nil {
		return nil, err
	}
	if cfg.DBQueryTimeout, err = envDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProjectorMaxRetries, err = envInt("PROJECTOR_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.SnapshotEnabled, err = envBool("SNAPSHOT_ENABLED", true); err != nil {
		return nil, err
	}

	if cfg.EventBusType != "memory" && cfg.EventBusType != "broker" {
		return nil, fmt.Errorf("EVENTBUS_TYPE must be memory or broker, got %q", cfg.EventBusType)
	}
	if cfg.DBPoolMin < 0 || cfg.DBPoolMax < 1 || cfg.DBPoolMin > cfg.DBPoolMax {
		return nil, fmt.Errorf("invalid pool bounds min=%d max=%d", cfg.DBPoolMin, cfg.DBPoolMax)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
