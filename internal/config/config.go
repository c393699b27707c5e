// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	State      StateConfig      `mapstructure:"state"`
	Rate       RateConfig       `mapstructure:"rate"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Validation ValidationConfig `mapstructure:"validation"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	History    HistoryConfig    `mapstructure:"history"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StateConfig locates the resumable state snapshot.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// RateConfig tunes the adaptive rate controller.
type RateConfig struct {
	InitialRPM    int     `mapstructure:"initial_rpm"`
	BackoffFactor float64 `mapstructure:"backoff_factor"`
}

// RunnerConfig governs pass orchestration.
type RunnerConfig struct {
	MaxRetries        int    `mapstructure:"max_retries"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds"`
	Validate          bool   `mapstructure:"validate"`
	EventTopic        string `mapstructure:"event_topic"`
}

// FetchConfig selects and configures the download mechanism.
type FetchConfig struct {
	Mode           string  `mapstructure:"mode"`
	URLTemplate    string  `mapstructure:"url_template"`
	PageTemplate   string  `mapstructure:"page_template"`
	ExportSelector string  `mapstructure:"export_selector"`
	DownloadDir    string  `mapstructure:"download_dir"`
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	CourtesyRPS    float64 `mapstructure:"courtesy_rps"`
	MaxParallel    int     `mapstructure:"max_parallel"`
}

// ValidationConfig sets CSV acceptance thresholds.
type ValidationConfig struct {
	MinFileSize     int64    `mapstructure:"min_file_size"`
	RequiredColumns []string `mapstructure:"required_columns"`
	MinRows         int      `mapstructure:"min_rows"`
}

// StorageConfig sets paths and content types for blob persistence.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for pass event notifications. The topic itself
// comes from runner.event_topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// HistoryConfig controls access to the pass-history database.
type HistoryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Fetch modes.
const (
	FetchModeHTTP    = "http"
	FetchModeBrowser = "browser"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HISTPULL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("state.path", "data/state.json")
	v.SetDefault("rate.initial_rpm", 60)
	v.SetDefault("rate.backoff_factor", 2.0)
	v.SetDefault("runner.max_retries", 3)
	v.SetDefault("runner.retry_delay_seconds", 60)
	v.SetDefault("runner.validate", true)
	v.SetDefault("runner.event_topic", "pull-events")
	v.SetDefault("fetch.mode", FetchModeHTTP)
	v.SetDefault("fetch.user_agent", "histpull/1.0")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.courtesy_rps", 2.0)
	v.SetDefault("fetch.max_parallel", 1)
	v.SetDefault("fetch.download_dir", "data/downloads")
	v.SetDefault("validation.min_file_size", 100)
	v.SetDefault("validation.min_rows", 1)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "data/blobs")
	v.SetDefault("storage.prefix", "pulls")
	v.SetDefault("storage.content_type", "text/csv")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Rate.InitialRPM <= 0 {
		return fmt.Errorf("rate.initial_rpm must be > 0")
	}
	if c.Rate.BackoffFactor < 1 {
		return fmt.Errorf("rate.backoff_factor must be >= 1")
	}
	if c.Runner.MaxRetries <= 0 {
		return fmt.Errorf("runner.max_retries must be > 0")
	}
	switch c.Fetch.Mode {
	case FetchModeHTTP:
		if c.Fetch.URLTemplate == "" {
			return fmt.Errorf("fetch.url_template is required in http mode")
		}
	case FetchModeBrowser:
		if c.Fetch.PageTemplate == "" {
			return fmt.Errorf("fetch.page_template is required in browser mode")
		}
		if c.Fetch.ExportSelector == "" {
			return fmt.Errorf("fetch.export_selector is required in browser mode")
		}
	default:
		return fmt.Errorf("fetch.mode must be %q or %q", FetchModeHTTP, FetchModeBrowser)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be local or gcs")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	if c.History.Enabled && c.History.DSN == "" {
		return fmt.Errorf("history.dsn must be set when history is enabled")
	}
	return nil
}

// RetryDelay converts the configured retry delay into a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Runner.RetryDelaySeconds) * time.Second
}

// FetchTimeout converts the configured fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}
