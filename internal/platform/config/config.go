package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures process-level configuration. Built from environment
// variables so main stays lean.
type Config struct {
	// OpsAddr serves health and metrics endpoints only; the domain has no
	// HTTP surface here.
	OpsAddr string

	// DatabaseURL empty means in-memory stores (dev and test mode).
	DatabaseURL    string
	MigrationsPath string

	// RedisURL empty disables the current-head cache.
	RedisURL string

	// KafkaBrokers empty routes outbox events to the log sink.
	KafkaBrokers []string
	KafkaTopic   string

	DrainInterval     time.Duration
	DrainBatchSize    int
	PublishMaxRetries int
	PublishBackoff    time.Duration

	ExtractTimeout    time.Duration
	ReconcileInterval time.Duration

	// Feeds maps code systems to source files, e.g.
	// "ISO3166-1=/data/countries.csv,IATA=/data/airports.xlsx".
	Feeds map[string]string

	// LoaderMode selects how reconciliation changesets land: "direct"
	// writes versions immediately, "governed" opens change requests.
	LoaderMode string

	// ProtectedSystems always require a second approval on mutation.
	ProtectedSystems []string
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	cfg := Config{
		OpsAddr:           envOr("REFDATA_OPS_ADDR", ":8080"),
		DatabaseURL:       os.Getenv("REFDATA_DATABASE_URL"),
		MigrationsPath:    envOr("REFDATA_MIGRATIONS_PATH", "migrations"),
		RedisURL:          os.Getenv("REFDATA_REDIS_URL"),
		KafkaTopic:        envOr("REFDATA_KAFKA_TOPIC", "refdata.record-events"),
		DrainInterval:     envDuration("REFDATA_DRAIN_INTERVAL", 2*time.Second),
		DrainBatchSize:    envInt("REFDATA_DRAIN_BATCH_SIZE", 100),
		PublishMaxRetries: envInt("REFDATA_PUBLISH_MAX_RETRIES", 5),
		PublishBackoff:    envDuration("REFDATA_PUBLISH_BACKOFF", time.Second),
		ExtractTimeout:    envDuration("REFDATA_EXTRACT_TIMEOUT", 30*time.Second),
		ReconcileInterval: envDuration("REFDATA_RECONCILE_INTERVAL", time.Hour),
		Feeds:             map[string]string{},
		LoaderMode:        envOr("REFDATA_LOADER_MODE", "direct"),
	}
	if protected := os.Getenv("REFDATA_PROTECTED_SYSTEMS"); protected != "" {
		cfg.ProtectedSystems = strings.Split(protected, ",")
	}
	if brokers := os.Getenv("REFDATA_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	for _, pair := range strings.Split(os.Getenv("REFDATA_FEEDS"), ",") {
		system, path, ok := strings.Cut(pair, "=")
		if !ok || system == "" || path == "" {
			continue
		}
		cfg.Feeds[strings.TrimSpace(system)] = strings.TrimSpace(path)
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
