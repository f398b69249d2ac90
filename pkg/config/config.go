package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/spotar/internal/spota"
	"gopkg.in/yaml.v3"
)

// MaxPatchDataSize is the largest attribute value ATT allows.
const MaxPatchDataSize = 512

var ErrInvalidConfig = errors.New("invalid config")

// Config holds application configuration
type Config struct {
	LogLevel logrus.Level `yaml:"log_level" json:"log_level"`

	DeviceName   string        `yaml:"device_name" json:"device_name" default:"SPOTAR"`
	HCI          int           `yaml:"hci" json:"hci" default:"0"`
	SecLevel     string        `yaml:"sec_level" json:"sec_level" default:"enabled"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" default:"2s"`

	PatchDataSize int `yaml:"patch_data_size" json:"patch_data_size" default:"20"`
	QueueDepth    int `yaml:"queue_depth" json:"queue_depth" default:"64"`

	ImagePath    string `yaml:"image_path" json:"image_path" default:"spotar.img"`
	TracePath    string `yaml:"trace_path" json:"trace_path"`
	TraceHistory uint32 `yaml:"trace_history" json:"trace_history" default:"256"`
	HTTPAddr     string `yaml:"http_addr" json:"http_addr"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	return cfg
}

// Load reads a YAML config from path on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the receiver cannot run with.
func (c *Config) Validate() error {
	if c.PatchDataSize < 1 || c.PatchDataSize > MaxPatchDataSize {
		return fmt.Errorf("%w: patch_data_size %d out of range 1..%d", ErrInvalidConfig, c.PatchDataSize, MaxPatchDataSize)
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("%w: queue_depth must be positive", ErrInvalidConfig)
	}
	if c.HCI < 0 {
		return fmt.Errorf("%w: hci must not be negative", ErrInvalidConfig)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write_timeout must be positive", ErrInvalidConfig)
	}
	if c.DeviceName == "" {
		return fmt.Errorf("%w: device_name is required", ErrInvalidConfig)
	}
	if _, err := c.Security(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Security returns the parsed security level.
func (c *Config) Security() (spota.SecurityLevel, error) {
	return spota.ParseSecurityLevel(c.SecLevel)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
