// Package engine wires configuration into the coordinator, queue, scheduler, worker and API
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/cdcore/pkg/api"
	"github.com/ethpandaops/cdcore/pkg/coordinator"
	"github.com/ethpandaops/cdcore/pkg/extract"
	"github.com/ethpandaops/cdcore/pkg/manifest"
	"github.com/ethpandaops/cdcore/pkg/redis"
	"github.com/ethpandaops/cdcore/pkg/scheduler"
	"github.com/ethpandaops/cdcore/pkg/sink"
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/ethpandaops/cdcore/pkg/strategy"
	"github.com/ethpandaops/cdcore/pkg/watermark"
	"github.com/ethpandaops/cdcore/pkg/worker"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidLogLevel is returned for an unknown logging level
	ErrInvalidLogLevel = errors.New("invalid logging level")
)

// Config represents the complete engine configuration
type Config struct {
	// Core settings
	Logging         string `yaml:"logging" default:"info"`
	MetricsAddr     string `yaml:"metricsAddr" default:":9091"`
	HealthCheckAddr string `yaml:"healthCheckAddr"`
	PProfAddr       string `yaml:"pprofAddr"`

	// Stores
	Redis      redis.Config     `yaml:"redis"`
	Sink       sink.Config      `yaml:"sink"`
	Watermarks watermark.Config `yaml:"watermarks"`
	Manifest   manifest.Config  `yaml:"manifest"`

	// Pipeline
	Naming      strategy.NamingConfig `yaml:"naming"`
	Retry       extract.RetryConfig   `yaml:"retry"`
	Coordinator coordinator.Config    `yaml:"coordinator"`
	Sources     source.Config         `yaml:"sources"`

	// Services
	Scheduler scheduler.Config `yaml:"scheduler"`
	Worker    worker.Config    `yaml:"worker"`
	API       api.Config       `yaml:"api"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Logging); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging)
	}

	validators := []struct {
		name string
		fn   func() error
	}{
		{"redis", c.Redis.Validate},
		{"sink", c.Sink.Validate},
		{"watermarks", c.Watermarks.Validate},
		{"retry", c.Retry.Validate},
		{"coordinator", c.Coordinator.Validate},
		{"scheduler", c.Scheduler.Validate},
		{"worker", c.Worker.Validate},
		{"api", c.API.Validate},
	}

	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}

	return nil
}

// LoadConfig reads a YAML config file. A .env file next to the working directory is loaded
// first and ${VAR} references in the file are expanded from the environment.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path) //nolint:gosec // User-provided config file path
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes and validates a config document
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set defaults: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Pointer sections are allocated by the decoder and miss their defaults.
	if cfg.Sink.ClickHouse != nil {
		if err := defaults.Set(cfg.Sink.ClickHouse); err != nil {
			return nil, fmt.Errorf("failed to set clickhouse defaults: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
