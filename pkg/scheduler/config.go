// Package scheduler enqueues runs for named jobs on cron schedules. One instance at a time
// schedules, chosen by leader election in Redis.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrJobNameRequired is returned for a job without a name
	ErrJobNameRequired = errors.New("job name is required")
	// ErrDuplicateJob is returned when two jobs share a name
	ErrDuplicateJob = errors.New("duplicate job name")
	// ErrInvalidSchedule is returned for an unparseable cron expression
	ErrInvalidSchedule = errors.New("invalid job schedule")
	// ErrInvalidTimezone is returned for an unknown IANA zone
	ErrInvalidTimezone = errors.New("invalid timezone")
	// ErrInvalidLease is returned when the renew interval does not fit inside the lease
	ErrInvalidLease = errors.New("renew interval must be shorter than the leader lease")
)

// cronParser accepts the five standard fields plus descriptors such as @hourly and @every
//
//nolint:gochecknoglobals // parser is stateless
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config defines scheduler configuration
type Config struct {
	Enabled  bool   `yaml:"enabled" default:"true"`
	Timezone string `yaml:"timezone" default:"Africa/Lagos"`
	Jobs     []Job  `yaml:"jobs"`

	LeaderLease   time.Duration `yaml:"leaderLease" default:"10s"`
	RenewInterval time.Duration `yaml:"renewInterval" default:"3s"`
}

// Job is a named selection run on a schedule
type Job struct {
	Name     string   `yaml:"name"`
	Schedule string   `yaml:"schedule"`
	Select   []string `yaml:"select"`
	// Timezone overrides the scheduler timezone for this job
	Timezone string `yaml:"timezone,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// Validate checks every job parses and the timezones exist
func (c *Config) Validate() error {
	if _, err := loadLocation(c.Timezone); err != nil {
		return err
	}

	if c.RenewInterval <= 0 || c.RenewInterval >= c.LeaderLease {
		return ErrInvalidLease
	}

	seen := make(map[string]struct{}, len(c.Jobs))

	for i := range c.Jobs {
		job := &c.Jobs[i]

		if job.Name == "" {
			return fmt.Errorf("job %d: %w", i, ErrJobNameRequired)
		}

		if _, ok := seen[job.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
		}

		seen[job.Name] = struct{}{}

		if _, err := cronParser.Parse(job.Schedule); err != nil {
			return fmt.Errorf("%w: job %s: %q: %w", ErrInvalidSchedule, job.Name, job.Schedule, err)
		}

		if job.Timezone != "" {
			if _, err := loadLocation(job.Timezone); err != nil {
				return fmt.Errorf("job %s: %w", job.Name, err)
			}
		}
	}

	return nil
}

// Location returns the zone job fires in
func (c *Config) Location(job Job) (*time.Location, error) {
	if job.Timezone != "" {
		return loadLocation(job.Timezone)
	}

	return loadLocation(c.Timezone)
}

func loadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidTimezone, name, err)
	}

	return loc, nil
}
