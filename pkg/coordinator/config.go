package coordinator

import "time"

// Config controls how a run executes
type Config struct {
	// Concurrency caps the nodes in flight within one wave
	Concurrency int `yaml:"concurrency" default:"4"`
	// LockWait is how long an extract node waits for another run holding its source
	LockWait time.Duration `yaml:"lockWait" default:"5m"`
	// LockTTL bounds how long a crashed run can hold a source
	LockTTL time.Duration `yaml:"lockTTL" default:"2h"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.LockWait < 0 {
		return ErrInvalidLockWait
	}

	return nil
}
