package clickhouse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError error
	}{
		{
			name:   "valid config",
			config: Config{URL: "http://localhost:8123", Database: "cdcore"},
		},
		{
			name:        "missing URL",
			config:      Config{Database: "cdcore"},
			expectError: ErrURLRequired,
		},
		{
			name:        "missing database",
			config:      Config{URL: "http://localhost:8123"},
			expectError: ErrDatabaseRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	config := Config{URL: "http://localhost:8123"}

	config.SetDefaults()

	assert.Equal(t, 30*time.Second, config.QueryTimeout)
	assert.Equal(t, 5*time.Minute, config.InsertTimeout)
	assert.Equal(t, 30*time.Second, config.KeepAlive)
}

func TestConfig_OnCluster(t *testing.T) {
	assert.Empty(t, (&Config{}).OnCluster())
	assert.Equal(t, " ON CLUSTER `main`", (&Config{Cluster: "main"}).OnCluster())
}
