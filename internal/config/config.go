// Package config loads the VIA daemon configuration from the environment.
// A .env file in the working directory is honored when present, and a YAML
// file named by VIA_CONFIG_FILE can override any subset of the values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	ListenAddr string

	// Tier-1 rhythm monitor.
	T1Window    time.Duration
	T1MaxPoints int
	T1Grace     time.Duration

	// Tier-2 forensic store.
	T2RetentionDays int

	// Anomaly scoring.
	AnomalyThreshold float64
	AnomalyAlpha     float64

	// Federated query budget.
	QueryTimeout time.Duration

	// External capabilities.
	EmbedderBackend  string // "local" or an HTTP URL
	VectorBackendURL string // empty selects the in-memory engine
	RedisURL         string // optional second-level dedup index

	ControlStorePath  string
	RegressionLogPath string

	DedupCapacity    int
	AnalysisInterval time.Duration
}

// Load reads the environment (after a best-effort .env load) and applies
// defaults. Returns an error only for values that parse but are nonsense;
// missing keys fall back to defaults.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	cfg := &Config{
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		T1Window:          time.Duration(getEnvInt("T1_WINDOW_SEC", 1800)) * time.Second,
		T1MaxPoints:       getEnvInt("T1_MAX_POINTS", 200000),
		T1Grace:           time.Duration(getEnvInt("T1_GRACE_SEC", 60)) * time.Second,
		T2RetentionDays:   getEnvInt("T2_RETENTION_DAYS", 30),
		AnomalyThreshold:  getEnvFloat("ANOMALY_THRESHOLD", 0.5),
		AnomalyAlpha:      getEnvFloat("ANOMALY_ALPHA", 0.6),
		QueryTimeout:      time.Duration(getEnvInt("QUERY_TIMEOUT_MS", 3000)) * time.Millisecond,
		EmbedderBackend:   getEnv("EMBEDDER_BACKEND", "local"),
		VectorBackendURL:  getEnv("VECTOR_BACKEND_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		ControlStorePath:  getEnv("CONTROL_STORE_PATH", "via_control.db"),
		RegressionLogPath: getEnv("REGRESSION_LOG_PATH", "via_regressions.jsonl"),
		DedupCapacity:     getEnvInt("DEDUP_CAPACITY", 100000),
		AnalysisInterval:  time.Duration(getEnvInt("ANALYSIS_INTERVAL_SEC", 60)) * time.Second,
	}

	if path := os.Getenv("VIA_CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.T1Window <= 0 {
		return fmt.Errorf("T1_WINDOW_SEC must be positive, got %v", c.T1Window)
	}
	if c.T1MaxPoints <= 0 {
		return fmt.Errorf("T1_MAX_POINTS must be positive, got %d", c.T1MaxPoints)
	}
	if c.T2RetentionDays <= 0 {
		return fmt.Errorf("T2_RETENTION_DAYS must be positive, got %d", c.T2RetentionDays)
	}
	if c.AnomalyAlpha < 0 || c.AnomalyAlpha > 1 {
		return fmt.Errorf("ANOMALY_ALPHA must be in [0,1], got %g", c.AnomalyAlpha)
	}
	if c.AnomalyThreshold < 0 || c.AnomalyThreshold > 1 {
		return fmt.Errorf("ANOMALY_THRESHOLD must be in [0,1], got %g", c.AnomalyThreshold)
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("QUERY_TIMEOUT_MS must be positive, got %v", c.QueryTimeout)
	}
	if c.DedupCapacity <= 0 {
		return fmt.Errorf("DEDUP_CAPACITY must be positive, got %d", c.DedupCapacity)
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
