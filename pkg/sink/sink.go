// Package sink defines the analytical store contract that merge and history engines write through.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/cdcore/pkg/clickhouse"
	"github.com/ethpandaops/cdcore/pkg/record"
)

var (
	// ErrUnknownType is returned for an unsupported sink type
	ErrUnknownType = errors.New("unknown sink type")
	// ErrClickHouseConfigRequired is returned when type is clickhouse without settings
	ErrClickHouseConfigRequired = errors.New("clickhouse sink requires clickhouse settings")
	// ErrHistoryIntegrity is returned when an append would break the one-open-row-per-key rule
	ErrHistoryIntegrity = errors.New("history integrity violation")
)

// Sink types
const (
	TypeMemory     = "memory"
	TypeClickHouse = "clickhouse"
)

// Sink is an analytical store. Collections are created on first use.
type Sink interface {
	// AtomicReplace swaps the full contents of a staging collection. Readers see the old or the new set, never a mix.
	AtomicReplace(ctx context.Context, collection string, records []record.Record) error
	// Staged returns the current contents of a staging collection ordered by key
	Staged(ctx context.Context, collection string) ([]record.Record, error)

	// Upsert writes records into a keyed collection keeping the highest version per key
	Upsert(ctx context.Context, collection string, records []record.Record, keyFn record.KeyFunc, versionFn record.VersionFunc) error
	// Entities returns the stored entities for keys. Absent keys are omitted.
	Entities(ctx context.Context, collection string, keys []string) (map[string]record.Entity, error)
	// Current returns the entities that are not soft-deleted, ordered by key
	Current(ctx context.Context, collection string) ([]record.Entity, error)

	// AppendHistory appends rows. A row whose (key, valid_from) matches an open row closes it.
	AppendHistory(ctx context.Context, collection string, rows []record.HistoryRow) error
	// OpenHistory returns rows with no valid_to, ordered by key
	OpenHistory(ctx context.Context, collection string) ([]record.HistoryRow, error)
	// History returns every row of key ordered by valid_from, or all rows when key is empty
	History(ctx context.Context, collection, key string) ([]record.HistoryRow, error)

	Close() error
}

// Config selects and configures the sink backend
type Config struct {
	Type       string             `yaml:"type" default:"memory"`
	ClickHouse *clickhouse.Config `yaml:"clickhouse,omitempty"`
}

// Validate checks the sink configuration
func (c *Config) Validate() error {
	switch c.Type {
	case TypeMemory:
		return nil
	case TypeClickHouse:
		if c.ClickHouse == nil {
			return ErrClickHouseConfigRequired
		}

		if err := c.ClickHouse.Validate(); err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}
}
