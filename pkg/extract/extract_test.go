package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/ethpandaops/cdcore/pkg/source/memory"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRetry() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     4 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     3,
		AttemptTimeout:  time.Second,
	}
}

func plans(batchSize, maxRecords int) *source.Source {
	src := &source.Source{
		ID:           "raw_plans",
		Capability:   source.CapabilityIncremental,
		KeyColumns:   []string{"plan_id"},
		CursorColumn: "updated_at",
		BatchSize:    batchSize,
		MaxRecords:   maxRecords,
	}
	src.SetDefaults()

	return src
}

func row(id string, updated int64) map[string]any {
	return map[string]any{"plan_id": id, "updated_at": updated}
}

func newIncremental(src *source.Source) *Incremental {
	inc := NewIncremental(logrus.New(), src, testRetry())
	inc.retry.sleep = func(context.Context, time.Duration) error { return nil }

	return inc
}

func collect(into *[]record.Record) BatchFunc {
	return func(batch []record.Record) error {
		*into = append(*into, batch...)

		return nil
	}
}

func TestIncrementalStrictlyAfterCursor(t *testing.T) {
	src := plans(2, 0)
	conn := memory.New(src)
	require.NoError(t, conn.Put(row("a", 1), row("b", 2), row("c", 3), row("d", 3), row("e", 4)))

	tests := []struct {
		name     string
		after    record.Cursor
		expected []string
		max      record.Cursor
		batches  int
	}{
		{name: "first run", after: record.Beginning(), expected: []string{"a", "b", "c", "d", "e"}, max: record.IntCursor(4), batches: 3},
		{name: "boundary row excluded", after: record.IntCursor(3), expected: []string{"e"}, max: record.IntCursor(4), batches: 1},
		{name: "nothing new keeps cursor", after: record.IntCursor(4), expected: nil, max: record.IntCursor(4), batches: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []record.Record

			result, err := newIncremental(src).Extract(context.Background(), conn, tt.after, collect(&got), nil)
			require.NoError(t, err)

			keys := make([]string, 0, len(got))
			for _, rec := range got {
				keys = append(keys, rec.Key)
			}

			assert.Equal(t, tt.expected, nilIfEmpty(keys))
			assert.Equal(t, tt.max, result.MaxCursor)
			assert.Equal(t, tt.batches, result.Batches)
			assert.Equal(t, len(tt.expected), result.Records)
		})
	}
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}

	return s
}

func TestIncrementalMaxRecordsStopsAtCursorBoundary(t *testing.T) {
	src := plans(2, 2)
	conn := memory.New(src)
	require.NoError(t, conn.Put(row("a", 1), row("b", 2), row("c", 2), row("d", 2), row("e", 3)))

	var got []record.Record

	result, err := newIncremental(src).Extract(context.Background(), conn, record.Beginning(), collect(&got), nil)
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.Equal(t, record.IntCursor(2), result.MaxCursor)
	assert.Len(t, got, 4, "every record sharing cursor 2 is delivered")

	var rest []record.Record

	result, err = newIncremental(src).Extract(context.Background(), conn, result.MaxCursor, collect(&rest), nil)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "e", rest[0].Key)
	assert.False(t, result.Truncated)
}

func TestIncrementalRetriesTransientFailures(t *testing.T) {
	src := plans(10, 0)
	conn := memory.New(src)
	require.NoError(t, conn.Put(row("a", 1)))

	conn.FailNext(failure.Transient(errors.New("connection reset")), failure.Transient(errors.New("connection reset")))

	var got []record.Record

	result, err := newIncremental(src).Extract(context.Background(), conn, record.Beginning(), collect(&got), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, conn.Fetches())
	assert.Len(t, got, 1)
}

func TestIncrementalGivesUpAfterMaxAttempts(t *testing.T) {
	src := plans(10, 0)
	conn := memory.New(src)

	boom := failure.Transient(errors.New("timeout"))
	conn.FailNext(boom, boom, boom, boom)

	_, err := newIncremental(src).Extract(context.Background(), conn, record.Beginning(), collect(new([]record.Record)), nil)
	require.Error(t, err)

	assert.ErrorIs(t, err, failure.ErrTransient)
	assert.Equal(t, 3, conn.Fetches())
}

func TestIncrementalSchemaMismatchIsNotRetried(t *testing.T) {
	src := plans(10, 0)
	conn := memory.New(src)
	conn.FailNext(failure.SchemaMismatch("bad column"))

	_, err := newIncremental(src).Extract(context.Background(), conn, record.Beginning(), collect(new([]record.Record)), nil)

	assert.ErrorIs(t, err, failure.ErrSchemaMismatch)
	assert.Equal(t, 1, conn.Fetches())
}

type descendingConnector struct {
	source.Connector
}

func (descendingConnector) FetchIncremental(context.Context, record.Cursor, int) (source.Iterator, error) {
	return source.NewSliceIterator([]record.Record{
		{Key: "a", Version: record.IntCursor(5)},
		{Key: "b", Version: record.IntCursor(4)},
	}, 10), nil
}

func TestIncrementalRejectsDescendingCursor(t *testing.T) {
	_, err := newIncremental(plans(10, 0)).Extract(context.Background(), descendingConnector{}, record.Beginning(), collect(new([]record.Record)), nil)

	assert.ErrorIs(t, err, failure.ErrSchemaMismatch)
}

// brokenIterator yields its first batch and then fails
type brokenIterator struct {
	source.Iterator
	err error
}

func (b *brokenIterator) Next(ctx context.Context) ([]record.Record, error) {
	if b.Iterator != nil {
		batch, err := b.Iterator.Next(ctx)
		b.Iterator = nil

		return batch, err
	}

	return nil, b.err
}

func (b *brokenIterator) Close() error {
	return nil
}

// midStreamConnector fails its first fetch after one batch has been delivered
type midStreamConnector struct {
	*memory.Connector
	failed bool
}

func (m *midStreamConnector) FetchIncremental(ctx context.Context, after record.Cursor, batchSize int) (source.Iterator, error) {
	iter, err := m.Connector.FetchIncremental(ctx, after, batchSize)
	if err != nil || m.failed {
		return iter, err
	}

	m.failed = true

	return &brokenIterator{Iterator: iter, err: failure.Transient(errors.New("connection reset"))}, nil
}

func TestIncrementalRestartDropsPartialAttempt(t *testing.T) {
	src := plans(2, 0)
	conn := memory.New(src)
	require.NoError(t, conn.Put(row("a", 1), row("b", 2), row("c", 3)))

	var (
		got      []record.Record
		restarts int
	)

	result, err := newIncremental(src).Extract(context.Background(), &midStreamConnector{Connector: conn}, record.Beginning(), collect(&got), func() {
		restarts++
		got = got[:0]
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 1, restarts)
	assert.Equal(t, 3, result.Records)

	keys := make([]string, 0, len(got))
	for _, rec := range got {
		keys = append(keys, rec.Key)
	}

	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestSnapshotExtract(t *testing.T) {
	src := &source.Source{
		ID:             "raw_users",
		Capability:     source.CapabilityFullSnapshot,
		KeyColumns:     []string{"_Uid"},
		WatchedColumns: []string{"occupation"},
		BatchSize:      1,
	}
	src.SetDefaults()

	conn := memory.New(src)
	require.NoError(t, conn.Put(
		map[string]any{"_Uid": "u1", "occupation": "dev"},
		map[string]any{"_Uid": "u2", "occupation": "ops"},
	))
	conn.FailNext(failure.Transient(errors.New("reset")))

	snap := NewSnapshot(logrus.New(), src, testRetry())
	snap.retry.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0

	var got []record.Record

	result, err := snap.Extract(context.Background(), conn, func(all []record.Record) error {
		calls++
		got = all

		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, result.Batches)
	assert.Equal(t, 2, result.Attempts)
}

func TestRetryDelay(t *testing.T) {
	cfg := RetryConfig{InitialInterval: 500 * time.Millisecond, MaxInterval: 30 * time.Second, Multiplier: 2, MaxAttempts: 5, AttemptTimeout: time.Minute}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 500*time.Millisecond, cfg.delay(1))
	assert.Equal(t, time.Second, cfg.delay(2))
	assert.Equal(t, 4*time.Second, cfg.delay(4))
	assert.Equal(t, 30*time.Second, cfg.delay(12))

	assert.ErrorIs(t, (&RetryConfig{}).Validate(), ErrInvalidRetry)
}
