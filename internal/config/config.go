// Package config loads the daemon's JSON configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the daemon's configuration. The fields Validate checks
// (app_dir, database_url, listen_addr, batch_min_size, batch_timeout_sec,
// phash_threshold, ocr_concurrency, embed_dimensions) are required — the
// daemon fails to start if one is missing; the rest keep Default()'s values
// when absent from the JSON file.
type Config struct {
	// AppDir is the base directory for the vector index file, OCR scratch
	// space, and the default config path.
	AppDir string `json:"app_dir"`

	// DatabaseURL is a Postgres connection string used as the embedded
	// relational store (see SPEC_FULL.md's DOMAIN STACK table).
	DatabaseURL string `json:"database_url"`

	// VLM / text / embedding model settings. Base URL empty means "disabled".
	VLMModel         string `json:"vlm_model"`
	VLMBaseURL       string `json:"vlm_base_url"`
	VLMAPIKey        string `json:"vlm_api_key,omitempty"`
	VLMTimeoutSec    int    `json:"vlm_timeout_sec"`
	TextModel        string `json:"text_model"`
	TextBaseURL      string `json:"text_base_url"`
	TextAPIKey       string `json:"text_api_key,omitempty"`
	TextTimeoutSec   int    `json:"text_timeout_sec"`
	EmbedModel       string `json:"embed_model"`
	EmbedBaseURL     string `json:"embed_base_url"`
	EmbedAPIKey      string `json:"embed_api_key,omitempty"`
	EmbedTimeoutSec  int    `json:"embed_timeout_sec"`
	EmbedDimensions  int    `json:"embed_dimensions"`

	// Capture tuning (§4.13 defaults; overridable for testing).
	BatchMinSize        int `json:"batch_min_size"`
	BatchTimeoutSec     int `json:"batch_timeout_sec"`
	PHashThreshold      int `json:"phash_threshold"`
	SourceGracePeriodSec int `json:"source_grace_period_sec"`

	// OCR.
	OCRConcurrency int    `json:"ocr_concurrency"`
	OCRLanguages   string `json:"ocr_languages"`
	OCRMaxChars    int    `json:"ocr_max_chars"`
	OCRBinary      string `json:"ocr_binary"`

	// Thread scheduler (§4.8).
	ThreadMaxActiveThreads      int `json:"thread_max_active_threads"`
	ThreadRecentNodesPerThread  int `json:"thread_recent_nodes_per_thread"`
	ThreadFallbackRecentThreads int `json:"thread_fallback_recent_threads"`
	ThreadBatchWindowSec        int `json:"thread_batch_window_sec"`
	ThreadGracePeriodSec        int `json:"thread_grace_period_sec"`

	// Timeline scheduler (§4.9).
	TimelineWindowMinutes          int `json:"timeline_window_minutes"`
	TimelineSummaryConcurrency     int `json:"timeline_summary_concurrency"`
	TimelineLongEventThresholdMins int `json:"timeline_long_event_threshold_minutes"`

	// Backpressure controller (§4.13).
	BackpressureCheckIntervalSec       int `json:"backpressure_check_interval_sec"`
	BackpressureRecoveryHysteresisSec  int `json:"backpressure_recovery_hysteresis_sec"`
	BackpressureRecoveryBatchThreshold int `json:"backpressure_recovery_batch_threshold"`
	BaseCaptureIntervalMs              int `json:"base_capture_interval_ms"`

	// HTTP listen address for the RPC surface (§6).
	ListenAddr string `json:"listen_addr"`
}

// ConfigPath returns the default config file path: ./mnemora.config.json in
// the current directory if present, else ~/.mnemora/config.json.
func ConfigPath() (string, error) {
	const localPath = "mnemora.config.json"
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(homeDir, ".mnemora", "config.json"), nil
}

// Load reads and validates the configuration from path, resolving the
// default path when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("get config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a Config pre-populated with every non-required default
// from spec §4.2/§4.5/§4.7/§4.13, leaving only AppDir/DatabaseURL/model
// settings for the caller (or the JSON file) to fill in.
func Default() *Config {
	return &Config{
		BatchMinSize:         2,
		BatchTimeoutSec:      60,
		PHashThreshold:       8,
		SourceGracePeriodSec: 60,
		OCRConcurrency:       2,
		OCRLanguages:         "eng+chi_sim",
		OCRMaxChars:          8000,
		OCRBinary:            "tesseract",
		ThreadMaxActiveThreads:      3,
		ThreadRecentNodesPerThread:  3,
		ThreadFallbackRecentThreads: 1,
		ThreadBatchWindowSec:        10,
		ThreadGracePeriodSec:        1800,
		TimelineWindowMinutes:          20,
		TimelineSummaryConcurrency:     2,
		TimelineLongEventThresholdMins: 25,
		VLMTimeoutSec:        120,
		TextTimeoutSec:       120,
		EmbedTimeoutSec:      60,
		EmbedDimensions:      1024,
		BackpressureCheckIntervalSec:       5,
		BackpressureRecoveryHysteresisSec:  30,
		BackpressureRecoveryBatchThreshold: 2,
		BaseCaptureIntervalMs:              2000,
		ListenAddr:           ":8710",
	}
}

// Validate checks that all required fields are present.
func (c *Config) Validate() error {
	var missing []string

	if c.AppDir == "" {
		missing = append(missing, "app_dir")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "database_url")
	}
	if c.ListenAddr == "" {
		missing = append(missing, "listen_addr")
	}
	if c.BatchMinSize <= 0 {
		missing = append(missing, "batch_min_size")
	}
	if c.BatchTimeoutSec <= 0 {
		missing = append(missing, "batch_timeout_sec")
	}
	if c.PHashThreshold <= 0 {
		missing = append(missing, "phash_threshold")
	}
	if c.OCRConcurrency <= 0 {
		missing = append(missing, "ocr_concurrency")
	}
	if c.EmbedDimensions <= 0 {
		missing = append(missing, "embed_dimensions")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %v", missing)
	}

	if c.ListenAddr[0] != ':' && len(c.ListenAddr) < 3 {
		return errors.New("listen_addr must be in format ':port' or 'host:port'")
	}

	return nil
}

// VectorIndexPath returns the path to the on-disk HNSW index file (§6).
func (c *Config) VectorIndexPath() string {
	return filepath.Join(c.AppDir, "vector_index.bin")
}

// BatchTimeout returns BatchTimeoutSec as a time.Duration.
func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutSec) * time.Second
}

// VLMTimeout returns VLMTimeoutSec as a time.Duration.
func (c *Config) VLMTimeout() time.Duration {
	return time.Duration(c.VLMTimeoutSec) * time.Second
}

// TextTimeout returns TextTimeoutSec as a time.Duration.
func (c *Config) TextTimeout() time.Duration {
	return time.Duration(c.TextTimeoutSec) * time.Second
}

// EmbedTimeout returns EmbedTimeoutSec as a time.Duration.
func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.EmbedTimeoutSec) * time.Second
}

// ThreadGracePeriod returns ThreadGracePeriodSec as a time.Duration — the
// window within which a thread counts as "active" for fold-in purposes.
func (c *Config) ThreadGracePeriod() time.Duration {
	return time.Duration(c.ThreadGracePeriodSec) * time.Second
}

// ThreadBatchWindow returns ThreadBatchWindowSec as a time.Duration.
func (c *Config) ThreadBatchWindow() time.Duration {
	return time.Duration(c.ThreadBatchWindowSec) * time.Second
}

// TimelineWindow returns TimelineWindowMinutes as a time.Duration.
func (c *Config) TimelineWindow() time.Duration {
	return time.Duration(c.TimelineWindowMinutes) * time.Minute
}

// TimelineLongEventThreshold returns TimelineLongEventThresholdMins as a
// time.Duration.
func (c *Config) TimelineLongEventThreshold() time.Duration {
	return time.Duration(c.TimelineLongEventThresholdMins) * time.Minute
}

// BackpressureCheckInterval returns BackpressureCheckIntervalSec as a
// time.Duration.
func (c *Config) BackpressureCheckInterval() time.Duration {
	return time.Duration(c.BackpressureCheckIntervalSec) * time.Second
}

// BackpressureRecoveryHysteresis returns BackpressureRecoveryHysteresisSec
// as a time.Duration.
func (c *Config) BackpressureRecoveryHysteresis() time.Duration {
	return time.Duration(c.BackpressureRecoveryHysteresisSec) * time.Second
}

// BaseCaptureInterval returns BaseCaptureIntervalMs as a time.Duration.
func (c *Config) BaseCaptureInterval() time.Duration {
	return time.Duration(c.BaseCaptureIntervalMs) * time.Millisecond
}

// Save writes the config to path as indented JSON.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}
