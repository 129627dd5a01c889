package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel       logrus.Level  `json:"log_level" yaml:"log_level" default:"4"`
	OutputFormat   string        `json:"output_format" yaml:"output_format" default:"table"` // table, json
	ScanDuration   time.Duration `json:"scan_duration" yaml:"scan_duration" default:"10s"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout" default:"30s"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout" default:"10s"`

	Services ServicesConfig `json:"services" yaml:"services"`
	Messages MessagesConfig `json:"messages" yaml:"messages"`

	// EventBuffer is the per-subscriber event ring size; slow subscribers lose the oldest events.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer" default:"64"`
	// NotificationRing is the ingress ring for notification payloads between driver and event loop.
	NotificationRing int `json:"notification_ring" yaml:"notification_ring" default:"256"`
	OperationLogSize int `json:"operation_log_size" yaml:"operation_log_size" default:"200"`

	KnownDevicesPath string `json:"known_devices_path" yaml:"known_devices_path"`
}

// ServicesConfig tunes service discovery and the catalog cache
type ServicesConfig struct {
	TTL               time.Duration `json:"ttl" yaml:"ttl" default:"60s"`
	MinInterval       time.Duration `json:"min_interval" yaml:"min_interval" default:"1s"`
	DiscoveryAttempts int           `json:"discovery_attempts" yaml:"discovery_attempts" default:"3"`
	DiscoveryDelay    time.Duration `json:"discovery_delay" yaml:"discovery_delay" default:"500ms"`
}

// MessagesConfig tunes the message pipeline
type MessagesConfig struct {
	History int `json:"history" yaml:"history" default:"500"`
	// Classify pins characteristics to "text" or "hex"; others use the printable heuristic.
	Classify map[string]string `json:"classify,omitempty" yaml:"classify,omitempty"`
	// ClassifyScript is a Lua file defining classify(char_uuid, data).
	ClassifyScript string `json:"classify_script,omitempty" yaml:"classify_script,omitempty"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.KnownDevicesPath = DefaultKnownDevicesPath()
	return cfg
}

// DefaultConfigDir returns ~/.config/blemsg, or "" when the home directory is unknown.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blemsg")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultKnownDevicesPath returns the default known-device store path.
func DefaultKnownDevicesPath() string {
	return filepath.Join(DefaultConfigDir(), "known_devices.yaml")
}

// Load reads a YAML config file over the defaults. A missing file at the default
// path is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.KnownDevicesPath = expandTilde(cfg.KnownDevicesPath)
	cfg.Messages.ClassifyScript = expandTilde(cfg.Messages.ClassifyScript)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("output_format must be \"table\" or \"json\", got %q", c.OutputFormat)
	}
	if c.ScanDuration <= 0 {
		return fmt.Errorf("scan_duration must be > 0")
	}
	if c.ConnectTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("connect_timeout and write_timeout must be > 0")
	}
	if c.Services.TTL <= 0 {
		return fmt.Errorf("services.ttl must be > 0")
	}
	if c.Services.MinInterval < 0 {
		return fmt.Errorf("services.min_interval must be >= 0")
	}
	if c.Services.DiscoveryAttempts < 1 {
		return fmt.Errorf("services.discovery_attempts must be >= 1")
	}
	if c.EventBuffer < 1 || c.NotificationRing < 1 {
		return fmt.Errorf("event_buffer and notification_ring must be >= 1")
	}
	for uuid, kind := range c.Messages.Classify {
		switch strings.ToLower(kind) {
		case "text", "hex":
		default:
			return fmt.Errorf("messages.classify[%s] must be \"text\" or \"hex\", got %q", uuid, kind)
		}
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
