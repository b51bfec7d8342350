package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port         string
	DBPath       string
	Workers      int
	PollInterval time.Duration
	LogLevel     slog.Level

	Bridge BridgeConfig
	Engine EngineConfig

	InstrumentsFile string
	RedisURL        string
	SnapshotTTL     time.Duration
	MetricsExport   bool
}

// BridgeConfig addresses the terminal bridge.
type BridgeConfig struct {
	URL     string
	Timeout time.Duration
	// RPS paces requests toward the terminal; zero disables pacing.
	RPS float64
}

// EngineConfig holds the batching, retry and probing limits.
type EngineConfig struct {
	MaxBatchSize       int
	DefaultBatchSize   int
	RetryAttempts      int
	RetryBackoff       time.Duration
	OutageThreshold    int
	ProbeMaxDepthYears int
	ProbeWindowDays    int
}

func Load() (Config, error) {
	cfg := Config{
		Port:         getEnv("PORT", "8080"),
		DBPath:       getEnv("DB_PATH", "collector.db"),
		Workers:      getEnvInt("WORKERS", 2),
		PollInterval: getEnvDuration("POLL_INTERVAL", 5*time.Second),
		LogLevel:     getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Bridge: BridgeConfig{
			URL:     getEnv("BRIDGE_URL", "http://127.0.0.1:5000"),
			Timeout: getEnvDuration("BRIDGE_TIMEOUT", 30*time.Second),
			RPS:     getEnvFloat("BRIDGE_RPS", 0),
		},
		Engine: EngineConfig{
			MaxBatchSize:       getEnvInt("MAX_BATCH_SIZE", 100000),
			DefaultBatchSize:   getEnvInt("DEFAULT_BATCH_SIZE", 99000),
			RetryAttempts:      getEnvInt("RETRY_ATTEMPTS", 3),
			RetryBackoff:       getEnvDuration("RETRY_BACKOFF", 2*time.Second),
			OutageThreshold:    getEnvInt("OUTAGE_THRESHOLD", 2),
			ProbeMaxDepthYears: getEnvInt("PROBE_MAX_DEPTH_YEARS", 10),
			ProbeWindowDays:    getEnvInt("PROBE_WINDOW_DAYS", 30),
		},
		InstrumentsFile: os.Getenv("INSTRUMENTS_FILE"),
		RedisURL:        os.Getenv("REDIS_URL"),
		SnapshotTTL:     getEnvDuration("SNAPSHOT_TTL", 10*time.Minute),
		MetricsExport:   getEnvBool("METRICS_EXPORT", false),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.Engine.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive, got %d", c.Engine.MaxBatchSize)
	}
	if c.Engine.DefaultBatchSize <= 0 || c.Engine.DefaultBatchSize > c.Engine.MaxBatchSize {
		return fmt.Errorf("DEFAULT_BATCH_SIZE must be in 1..%d, got %d", c.Engine.MaxBatchSize, c.Engine.DefaultBatchSize)
	}
	if !strings.HasPrefix(c.Bridge.URL, "http://") && !strings.HasPrefix(c.Bridge.URL, "https://") {
		return fmt.Errorf("BRIDGE_URL must start with http:// or https://, got %q", c.Bridge.URL)
	}
	if c.Engine.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1, got %d", c.Engine.RetryAttempts)
	}
	if c.Engine.OutageThreshold < 1 {
		return fmt.Errorf("OUTAGE_THRESHOLD must be at least 1, got %d", c.Engine.OutageThreshold)
	}
	if c.Engine.ProbeWindowDays < 1 || c.Engine.ProbeMaxDepthYears < 1 {
		return fmt.Errorf("PROBE_WINDOW_DAYS and PROBE_MAX_DEPTH_YEARS must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
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

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return fallback
	}
	return l
}
