// Package config loads and validates the hybridguard service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/hybridguard/pkg/hybrid"
	"github.com/hed1ad/hybridguard/pkg/training"
)

// Config represents the hybridguard configuration
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Model    ModelConfig     `yaml:"model"`
	Logging  LoggingConfig   `yaml:"logging"`
	History  HistoryConfig   `yaml:"history"`
	Capture  CaptureConfig   `yaml:"capture"`
	Data     DataConfig      `yaml:"data"`
	Training training.Config `yaml:"training"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	Mode           string        `yaml:"mode"` // gin mode: debug, release or test
	CORSOrigins    []string      `yaml:"cors_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	BroadcastQueue int           `yaml:"broadcast_queue"` // per websocket client
}

// ModelConfig locates the artifact bundle and tunes the decision procedure
type ModelConfig struct {
	Dir                 string `yaml:"dir"`
	Order               string `yaml:"order"` // classifier_first or detector_first
	IgnoreUnknownFields bool   `yaml:"ignore_unknown_fields"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// HistoryConfig contains prediction history settings
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"` // cron expression
}

// CaptureConfig contains packet capture settings for the scan command
type CaptureConfig struct {
	Snaplen     int32         `yaml:"snaplen"`
	Promiscuous bool          `yaml:"promiscuous"`
	Timeout     time.Duration `yaml:"timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Filter      string        `yaml:"filter"`
}

// DataConfig describes the layout of labelled CSV input
type DataConfig struct {
	LabelColumn string `yaml:"label_column"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			Mode:           "release",
			CORSOrigins:    []string{"http://localhost:3000"},
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			MaxBatchSize:   1000,
			BroadcastQueue: 64,
		},
		Model: ModelConfig{
			Dir:   "models",
			Order: hybrid.ClassifierFirst.String(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          "history.db",
			Retention:     7 * 24 * time.Hour,
			PruneSchedule: "@hourly",
		},
		Capture: CaptureConfig{
			Snaplen:     65535,
			Promiscuous: true,
			Timeout:     time.Second,
			IdleTimeout: 120 * time.Second,
		},
		Data: DataConfig{
			LabelColumn: "Label",
		},
		Training: training.DefaultConfig(),
	}
}

// Load loads configuration from a YAML file on top of the defaults.
// Environment variables in the file are expanded. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the entire configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server addr must be set")
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("invalid server mode %q", c.Server.Mode)
	}
	if c.Server.MaxBatchSize <= 0 {
		return errors.New("max_batch_size must be greater than 0")
	}
	if c.Server.BroadcastQueue <= 0 {
		return errors.New("broadcast_queue must be greater than 0")
	}

	if c.Model.Dir == "" {
		return errors.New("model dir must be set")
	}
	if _, err := hybrid.ParseOrder(c.Model.Order); err != nil {
		return err
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}

	if c.History.Enabled {
		if c.History.Path == "" {
			return errors.New("history path must be set")
		}
		if c.History.Retention <= 0 {
			return errors.New("history retention must be positive")
		}
		if _, err := cron.ParseStandard(c.History.PruneSchedule); err != nil {
			return fmt.Errorf("invalid prune schedule %q: %w", c.History.PruneSchedule, err)
		}
	}

	if c.Capture.Snaplen <= 0 {
		return errors.New("capture snaplen must be greater than 0")
	}
	if c.Capture.IdleTimeout <= 0 {
		return errors.New("capture idle_timeout must be positive")
	}

	if c.Data.LabelColumn == "" {
		return errors.New("label_column must be set")
	}

	if err := c.Training.Validate(); err != nil {
		return fmt.Errorf("invalid training configuration: %w", err)
	}

	return nil
}

// PredictorOptions translates the model settings into decision options.
func (c *Config) PredictorOptions() ([]hybrid.Option, error) {
	order, err := hybrid.ParseOrder(c.Model.Order)
	if err != nil {
		return nil, err
	}
	return []hybrid.Option{
		hybrid.WithOrder(order),
		hybrid.WithIgnoreUnknownFields(c.Model.IgnoreUnknownFields),
	}, nil
}
