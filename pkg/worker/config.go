package worker

import (
	"errors"
	"time"
)

var (
	// ErrInvalidConcurrency is returned when concurrency is not positive
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	// ErrInvalidShutdownTimeout is returned when the shutdown timeout is negative
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must not be negative")
)

// Config contains worker-specific settings
type Config struct {
	Enabled bool `yaml:"enabled" default:"true"`
	// Concurrency is how many runs one worker executes at once. Runs touching the same
	// source still serialize on the source lock.
	Concurrency     int           `yaml:"concurrency" default:"2"`
	Queue           string        `yaml:"queue" default:"runs"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"30s"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.ShutdownTimeout < 0 {
		return ErrInvalidShutdownTimeout
	}

	return nil
}
