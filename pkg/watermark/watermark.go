// Package watermark persists the per-source high-water mark of incremental extraction.
//
// A watermark only moves forward. Commit rejects a cursor lower than the stored one with a
// RegressionError and keeps the previous value.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/record"
)

var (
	// ErrUnknownType is returned for an unsupported store type
	ErrUnknownType = errors.New("unknown watermark store type")
	// ErrSQLitePathRequired is returned when the sqlite store has no path
	ErrSQLitePathRequired = errors.New("watermark sqlite path is required")
	// ErrCommitContention is returned when a compare-and-set kept losing to concurrent writers
	ErrCommitContention = errors.New("watermark commit contention")
)

// Store types
const (
	TypeRedis  = "redis"
	TypeSQLite = "sqlite"
	TypeMemory = "memory"
)

// State is the committed watermark of one source
type State struct {
	SourceID    string        `json:"source_id"`
	Cursor      record.Cursor `json:"cursor"`
	RunID       string        `json:"run_id"`
	CommittedAt time.Time     `json:"committed_at"`
}

// Store reads and advances watermarks
type Store interface {
	// Read returns the committed state. found is false before the first commit.
	Read(ctx context.Context, sourceID string) (state State, found bool, err error)
	// Commit advances the watermark. Equal cursors are accepted, lower cursors fail with *RegressionError.
	Commit(ctx context.Context, sourceID string, cursor record.Cursor, runID string) error
	// List returns every committed state ordered by source id
	List(ctx context.Context) ([]State, error)
}

// RegressionError is returned when a commit would move a watermark backwards
type RegressionError struct {
	SourceID  string
	Current   record.Cursor
	Attempted record.Cursor
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("watermark regression for %s: attempted %s is below committed %s", e.SourceID, e.Attempted, e.Current)
}

// Is matches failure.ErrWatermarkRegression
func (e *RegressionError) Is(target error) bool {
	return target == failure.ErrWatermarkRegression
}

// Config selects the watermark backend
type Config struct {
	Type   string       `yaml:"type" default:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig configures the sqlite backend
type SQLiteConfig struct {
	Path string `yaml:"path" default:"cdcore-watermarks.db"`
}

// Validate checks the watermark configuration
func (c *Config) Validate() error {
	switch c.Type {
	case TypeRedis, TypeMemory:
		return nil
	case TypeSQLite:
		if c.SQLite.Path == "" {
			return ErrSQLitePathRequired
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}
}

// advance checks that cursor may replace the committed state
func advance(sourceID string, current State, found bool, cursor record.Cursor) error {
	if !found {
		return nil
	}

	order, err := record.Compare(cursor, current.Cursor)
	if err != nil {
		return fmt.Errorf("watermark for %s: %w", sourceID, err)
	}

	if order < 0 {
		return &RegressionError{SourceID: sourceID, Current: current.Cursor, Attempted: cursor}
	}

	return nil
}
