// Package source describes change-capture sources and the connector contract used to read them
package source

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/ethpandaops/cdcore/pkg/record"
	"gopkg.in/yaml.v3"
)

// Capability tags a source with the extraction strategy it supports
type Capability string

const (
	// CapabilityIncremental sources expose a monotonic change column
	CapabilityIncremental Capability = "INCREMENTAL"
	// CapabilityFullSnapshot sources can only be read in full
	CapabilityFullSnapshot Capability = "FULL_SNAPSHOT"
)

// MissingKeyPolicy decides what happens to open history rows whose key vanished from a snapshot
type MissingKeyPolicy string

const (
	// MissingKeysLeaveOpen keeps the row open; a full scan carries no positive deletion signal
	MissingKeysLeaveOpen MissingKeyPolicy = "leave_open"
	// MissingKeysClose closes the row and marks it deleted
	MissingKeysClose MissingKeyPolicy = "close"
)

const defaultCursorColumn = "updated_at"

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SoftDelete declares the column that flags a deleted row in an incremental source
type SoftDelete struct {
	Column string `yaml:"column"`
}

// Source is a single change-capture source definition
type Source struct {
	ID             string           `yaml:"id"`
	Capability     Capability       `yaml:"capability"`
	KeyColumns     []string         `yaml:"keyColumns"`
	CursorColumn   string           `yaml:"cursorColumn,omitempty"`
	WatchedColumns []string         `yaml:"watchedColumns,omitempty"`
	SoftDelete     SoftDelete       `yaml:"softDelete,omitempty"`
	MissingKeys    MissingKeyPolicy `yaml:"missingKeys,omitempty"`
	BatchSize      int              `yaml:"batchSize" default:"10000"`
	MaxRecords     int              `yaml:"maxRecords,omitempty"`
	DependsOn      []string         `yaml:"dependsOn,omitempty"`
	Tags           []string         `yaml:"tags,omitempty"`
	Connector      ConnectorConfig  `yaml:"connector"`
}

// ConnectorConfig holds the connector type and its raw type-specific settings
type ConnectorConfig struct {
	Type string
	raw  []byte
}

// UnmarshalYAML keeps the whole node so the connector factory can decode it strictly
func (c *ConnectorConfig) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Type string `yaml:"type"`
	}

	if err := node.Decode(&head); err != nil {
		return err
	}

	raw, err := yaml.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to capture connector config: %w", err)
	}

	c.Type = head.Type
	c.raw = raw

	return nil
}

// MarshalYAML re-emits the captured connector settings
func (c ConnectorConfig) MarshalYAML() (any, error) {
	if len(c.raw) == 0 {
		return map[string]string{"type": c.Type}, nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal(c.raw, &node); err != nil {
		return nil, err
	}

	return &node, nil
}

// Raw returns the connector settings as YAML, including the type key
func (c *ConnectorConfig) Raw() []byte {
	if len(c.raw) == 0 {
		return []byte("type: " + c.Type + "\n")
	}

	return c.raw
}

// SetDefaults fills capability-dependent defaults
func (s *Source) SetDefaults() {
	if s.BatchSize == 0 {
		s.BatchSize = 10000
	}

	switch s.Capability {
	case CapabilityIncremental:
		if s.CursorColumn == "" {
			s.CursorColumn = defaultCursorColumn
		}
	case CapabilityFullSnapshot:
		if s.MissingKeys == "" {
			s.MissingKeys = MissingKeysLeaveOpen
		}
	}
}

// Validate checks the source definition
func (s *Source) Validate() error {
	if s.ID == "" {
		return ErrIDRequired
	}

	if !idPattern.MatchString(s.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, s.ID)
	}

	if len(s.KeyColumns) == 0 {
		return fmt.Errorf("source %s: %w", s.ID, ErrKeyColumnsRequired)
	}

	if s.BatchSize <= 0 {
		return fmt.Errorf("source %s: %w", s.ID, ErrInvalidBatchSize)
	}

	if s.Connector.Type == "" {
		return fmt.Errorf("source %s: %w", s.ID, ErrConnectorTypeRequired)
	}

	if slices.Contains(s.DependsOn, s.ID) {
		return fmt.Errorf("source %s: %w", s.ID, ErrSelfDependency)
	}

	switch s.Capability {
	case CapabilityIncremental:
		if s.MissingKeys != "" {
			return fmt.Errorf("source %s: %w", s.ID, ErrMissingKeysNotAllowed)
		}
	case CapabilityFullSnapshot:
		if len(s.WatchedColumns) == 0 {
			return fmt.Errorf("source %s: %w", s.ID, ErrWatchedColumnsRequired)
		}

		if s.CursorColumn != "" {
			return fmt.Errorf("source %s: %w", s.ID, ErrCursorNotAllowed)
		}

		if s.MissingKeys != MissingKeysLeaveOpen && s.MissingKeys != MissingKeysClose {
			return fmt.Errorf("source %s: %w", s.ID, ErrInvalidMissingKeyPolicy)
		}
	default:
		return fmt.Errorf("source %s: %w, got %q", s.ID, ErrInvalidCapability, s.Capability)
	}

	return nil
}

// ToRecord builds a Record from a raw attribute map, computing the natural key and,
// for incremental sources, the version from the cursor column.
func (s *Source) ToRecord(attrs map[string]any, extractedAt time.Time) (record.Record, error) {
	key, err := record.NaturalKey(attrs, s.KeyColumns)
	if err != nil {
		return record.Record{}, fmt.Errorf("source %s: %w", s.ID, err)
	}

	rec := record.Record{
		Key:         key,
		Attributes:  attrs,
		ExtractedAt: extractedAt,
	}

	if s.Capability == CapabilityIncremental {
		version, err := record.NewCursor(attrs[s.CursorColumn])
		if err != nil {
			return record.Record{}, fmt.Errorf("source %s key %s cursor %q: %w", s.ID, key, s.CursorColumn, err)
		}

		rec.Version = version
	}

	return rec, nil
}
