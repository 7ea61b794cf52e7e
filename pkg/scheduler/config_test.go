package scheduler

import (
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T, jobs ...Job) *Config {
	t.Helper()

	cfg := &Config{}
	require.NoError(t, defaults.Set(cfg))
	cfg.Jobs = jobs

	return cfg
}

func TestConfigDefaults(t *testing.T) {
	cfg := validConfig(t)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "Africa/Lagos", cfg.Timezone)
	assert.Equal(t, 10*time.Second, cfg.LeaderLease)
	assert.Equal(t, 3*time.Second, cfg.RenewInterval)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name: "the shipped jobs",
			mutate: func(c *Config) {
				c.Jobs = []Job{
					{Name: "users_extraction", Schedule: "40 1 * * *", Select: []string{"raw_users"}},
					{Name: "savings_plans", Schedule: "2 7-18/3 * * *", Select: []string{"raw_plans"}},
					{Name: "transactions", Schedule: "5 * * * *", Select: []string{"raw_savings_transactions"}},
				}
			},
		},
		{
			name: "descriptor",
			mutate: func(c *Config) {
				c.Jobs = []Job{{Name: "often", Schedule: "@every 30s"}}
			},
		},
		{
			name: "missing name",
			mutate: func(c *Config) {
				c.Jobs = []Job{{Schedule: "5 * * * *"}}
			},
			wantErr: ErrJobNameRequired,
		},
		{
			name: "duplicate name",
			mutate: func(c *Config) {
				c.Jobs = []Job{{Name: "a", Schedule: "5 * * * *"}, {Name: "a", Schedule: "6 * * * *"}}
			},
			wantErr: ErrDuplicateJob,
		},
		{
			name: "six fields rejected",
			mutate: func(c *Config) {
				c.Jobs = []Job{{Name: "a", Schedule: "0 5 * * * *"}}
			},
			wantErr: ErrInvalidSchedule,
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *Config) { c.Timezone = "Mars/Olympus" },
			wantErr: ErrInvalidTimezone,
		},
		{
			name: "unknown job timezone",
			mutate: func(c *Config) {
				c.Jobs = []Job{{Name: "a", Schedule: "5 * * * *", Timezone: "Nowhere/Else"}}
			},
			wantErr: ErrInvalidTimezone,
		},
		{
			name:    "renew slower than lease",
			mutate:  func(c *Config) { c.RenewInterval = c.LeaderLease },
			wantErr: ErrInvalidLease,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConfigLocation(t *testing.T) {
	cfg := validConfig(t)

	loc, err := cfg.Location(Job{Name: "a"})
	require.NoError(t, err)
	assert.Equal(t, "Africa/Lagos", loc.String())

	loc, err = cfg.Location(Job{Name: "b", Timezone: "UTC"})
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())
}
