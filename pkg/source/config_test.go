package source

import (
	"testing"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIncremental() Source {
	return Source{
		ID:         "raw_plans",
		Capability: CapabilityIncremental,
		KeyColumns: []string{"plan_id"},
		Connector:  ConnectorConfig{Type: "postgres"},
	}
}

func validSnapshot() Source {
	return Source{
		ID:             "raw_users",
		Capability:     CapabilityFullSnapshot,
		KeyColumns:     []string{"_Uid"},
		WatchedColumns: []string{"occupation"},
		Connector:      ConnectorConfig{Type: "mongo"},
	}
}

func TestSource_SetDefaults(t *testing.T) {
	inc := validIncremental()
	inc.SetDefaults()
	assert.Equal(t, "updated_at", inc.CursorColumn)
	assert.Equal(t, 10000, inc.BatchSize)
	assert.Empty(t, inc.MissingKeys)

	snap := validSnapshot()
	snap.SetDefaults()
	assert.Equal(t, MissingKeysLeaveOpen, snap.MissingKeys)
	assert.Empty(t, snap.CursorColumn)
}

func TestSource_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Source)
		base    func() Source
		wantErr error
	}{
		{name: "valid incremental", base: validIncremental},
		{name: "valid snapshot", base: validSnapshot},
		{name: "missing id", base: validIncremental, mutate: func(s *Source) { s.ID = "" }, wantErr: ErrIDRequired},
		{name: "bad id", base: validIncremental, mutate: func(s *Source) { s.ID = "raw:plans" }, wantErr: ErrInvalidID},
		{name: "no key", base: validIncremental, mutate: func(s *Source) { s.KeyColumns = nil }, wantErr: ErrKeyColumnsRequired},
		{name: "no connector", base: validIncremental, mutate: func(s *Source) { s.Connector.Type = "" }, wantErr: ErrConnectorTypeRequired},
		{name: "unknown capability", base: validIncremental, mutate: func(s *Source) { s.Capability = "CHANGE_FEED" }, wantErr: ErrInvalidCapability},
		{name: "snapshot without watched", base: validSnapshot, mutate: func(s *Source) { s.WatchedColumns = nil }, wantErr: ErrWatchedColumnsRequired},
		{name: "snapshot with cursor", base: validSnapshot, mutate: func(s *Source) { s.CursorColumn = "updated_at" }, wantErr: ErrCursorNotAllowed},
		{name: "snapshot bad policy", base: validSnapshot, mutate: func(s *Source) { s.MissingKeys = "delete" }, wantErr: ErrInvalidMissingKeyPolicy},
		{name: "incremental with policy", base: validIncremental, mutate: func(s *Source) { s.MissingKeys = MissingKeysClose }, wantErr: ErrMissingKeysNotAllowed},
		{name: "self dependency", base: validIncremental, mutate: func(s *Source) { s.DependsOn = []string{"raw_plans"} }, wantErr: ErrSelfDependency},
		{name: "negative batch", base: validIncremental, mutate: func(s *Source) { s.BatchSize = -1 }, wantErr: ErrInvalidBatchSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := tt.base()
			src.SetDefaults()

			if tt.mutate != nil {
				tt.mutate(&src)
			}

			err := src.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			assert.NoError(t, err)
		})
	}
}

func TestSource_ToRecord(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	updated := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)

	inc := validIncremental()
	inc.SetDefaults()

	rec, err := inc.ToRecord(map[string]any{"plan_id": int64(5), "updated_at": updated}, now)
	require.NoError(t, err)
	assert.Equal(t, "5", rec.Key)
	assert.Equal(t, record.TimeCursor(updated), rec.Version)
	assert.Equal(t, now, rec.ExtractedAt)

	_, err = inc.ToRecord(map[string]any{"plan_id": int64(5)}, now)
	assert.ErrorIs(t, err, failure.ErrSchemaMismatch)

	snap := validSnapshot()
	snap.SetDefaults()

	rec, err = snap.ToRecord(map[string]any{"_Uid": "user_001", "occupation": "Engineer"}, now)
	require.NoError(t, err)
	assert.Equal(t, "user_001", rec.Key)
	assert.True(t, rec.Version.IsZero())
}
