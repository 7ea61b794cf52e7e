// Package clickhouse provides a ClickHouse HTTP client
package clickhouse

import (
	"errors"
	"net/url"
	"time"
)

// Static errors for configuration validation
var (
	ErrURLRequired      = errors.New("URL is required")
	ErrDatabaseRequired = errors.New("database is required")
)

// Config contains ClickHouse connection settings
type Config struct {
	URL           string        `yaml:"url"`
	Database      string        `yaml:"database" default:"cdcore"`
	Cluster       string        `yaml:"cluster"`
	QueryTimeout  time.Duration `yaml:"queryTimeout" default:"30s"`
	InsertTimeout time.Duration `yaml:"insertTimeout" default:"5m"`
	KeepAlive     time.Duration `yaml:"keepAlive" default:"30s"`
	Debug         bool          `yaml:"debug"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrURLRequired
	}

	if _, err := url.Parse(c.URL); err != nil {
		return err
	}

	if c.Database == "" {
		return ErrDatabaseRequired
	}

	return nil
}

// SetDefaults fills zero durations for configs built outside YAML
func (c *Config) SetDefaults() {
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 30 * time.Second
	}

	if c.InsertTimeout == 0 {
		c.InsertTimeout = 5 * time.Minute
	}

	if c.KeepAlive == 0 {
		c.KeepAlive = 30 * time.Second
	}
}

// OnCluster returns the ON CLUSTER clause for DDL, empty when no cluster is set
func (c *Config) OnCluster() string {
	if c.Cluster == "" {
		return ""
	}

	return " ON CLUSTER " + QuoteIdentifier(c.Cluster)
}
