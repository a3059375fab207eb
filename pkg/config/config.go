// Package config loads the application configuration: defaults, then an
// optional YAML file, then environment variable overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	chatapp "github.com/driftkit-ai/driftkit-go/pkg/application/chat"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
	"github.com/driftkit-ai/driftkit-go/pkg/engine"
)

// Config is the top-level application configuration.
type Config struct {
	// ServiceName identifies the process in logs and traces.
	ServiceName string `yaml:"service_name"`
	// StorePath is the BoltDB file backing durable state. Empty selects the
	// in-memory stores.
	StorePath string `yaml:"store_path"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`
	// MetricsEnabled registers the Prometheus collector.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	Engine engine.Config  `yaml:"engine"`
	Chat   chatapp.Config `yaml:"chat"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "driftkit-engine",
		StorePath:   "",
		LogLevel:    "info",
		LogFormat:   "text",
		Engine:      engine.DefaultConfig(),
		Chat:        chatapp.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and DRIFTKIT_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.New(errors.CodeIoError, "config", "failed to read config file "+path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.New(errors.CodeConfigurationInvalid, "config", "failed to parse config file "+path, err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects nonsensical settings.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf(errors.CodeConfigurationInvalid, "config", "unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.Newf(errors.CodeConfigurationInvalid, "config", "unknown log format %q", c.LogFormat)
	}
	if c.Engine.Workers < 0 {
		return errors.Newf(errors.CodeConfigurationInvalid, "config", "engine workers must not be negative")
	}
	if c.Engine.Async.Workers < 0 {
		return errors.Newf(errors.CodeConfigurationInvalid, "config", "async workers must not be negative")
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("DRIFTKIT_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("DRIFTKIT_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("DRIFTKIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DRIFTKIT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("DRIFTKIT_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MetricsEnabled = b
		}
	}
	if v := os.Getenv("DRIFTKIT_ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}
	if v := os.Getenv("DRIFTKIT_ASYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Async.Workers = n
		}
	}
	if v := os.Getenv("DRIFTKIT_CHAT_WAIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Chat.WaitTimeout = d
		}
	}
}
