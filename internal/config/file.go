package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// fileOverrides mirrors Config with optional fields so a YAML file can
// override any subset of the environment-derived values. The file is
// named by VIA_CONFIG_FILE; a missing file is not an error.
type fileOverrides struct {
	ListenAddr *string `yaml:"listen_addr"`

	T1WindowSec *int `yaml:"t1_window_sec"`
	T1MaxPoints *int `yaml:"t1_max_points"`
	T1GraceSec  *int `yaml:"t1_grace_sec"`

	T2RetentionDays *int `yaml:"t2_retention_days"`

	AnomalyThreshold *float64 `yaml:"anomaly_threshold"`
	AnomalyAlpha     *float64 `yaml:"anomaly_alpha"`

	QueryTimeoutMS *int `yaml:"query_timeout_ms"`

	EmbedderBackend  *string `yaml:"embedder_backend"`
	VectorBackendURL *string `yaml:"vector_backend_url"`
	RedisURL         *string `yaml:"redis_url"`

	ControlStorePath  *string `yaml:"control_store_path"`
	RegressionLogPath *string `yaml:"regression_log_path"`

	DedupCapacity       *int `yaml:"dedup_capacity"`
	AnalysisIntervalSec *int `yaml:"analysis_interval_sec"`
}

// applyFile layers YAML overrides from path onto cfg.
func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var o fileOverrides
	if err := yaml.NewDecoder(f).Decode(&o); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	setString(&cfg.ListenAddr, o.ListenAddr)
	setSeconds(&cfg.T1Window, o.T1WindowSec)
	setInt(&cfg.T1MaxPoints, o.T1MaxPoints)
	setSeconds(&cfg.T1Grace, o.T1GraceSec)
	setInt(&cfg.T2RetentionDays, o.T2RetentionDays)
	setFloat(&cfg.AnomalyThreshold, o.AnomalyThreshold)
	setFloat(&cfg.AnomalyAlpha, o.AnomalyAlpha)
	setMillis(&cfg.QueryTimeout, o.QueryTimeoutMS)
	setString(&cfg.EmbedderBackend, o.EmbedderBackend)
	setString(&cfg.VectorBackendURL, o.VectorBackendURL)
	setString(&cfg.RedisURL, o.RedisURL)
	setString(&cfg.ControlStorePath, o.ControlStorePath)
	setString(&cfg.RegressionLogPath, o.RegressionLogPath)
	setInt(&cfg.DedupCapacity, o.DedupCapacity)
	setSeconds(&cfg.AnalysisInterval, o.AnalysisIntervalSec)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setSeconds(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Second
	}
}

func setMillis(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Millisecond
	}
}
