package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/ethpandaops/cdcore/pkg/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(key string, version int64, attrs map[string]any) record.Record {
	return record.Record{Key: key, Version: record.IntCursor(version), Attributes: attrs}
}

func TestAtomicReplace(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.AtomicReplace(ctx, "stg", []record.Record{rec("b", 0, nil), rec("a", 0, nil)}))
	require.NoError(t, s.AtomicReplace(ctx, "stg", []record.Record{rec("c", 0, nil)}))

	staged, err := s.Staged(ctx, "stg")
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, "c", staged[0].Key)

	empty, err := s.Staged(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAtomicReplaceNeverShowsAMix(t *testing.T) {
	ctx := context.Background()
	s := New()

	set := func(prefix string) []record.Record {
		records := make([]record.Record, 0, 50)
		for i := range 50 {
			records = append(records, rec(fmt.Sprintf("k%02d", i), 1, map[string]any{"set": prefix}))
		}

		return records
	}

	old, next := set("old"), set("new")
	require.NoError(t, s.AtomicReplace(ctx, "stg", old))

	var wg sync.WaitGroup

	done := make(chan struct{})
	mixed := make(chan string, 4)

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				select {
				case <-done:
					return
				default:
				}

				staged, err := s.Staged(ctx, "stg")
				if err != nil || len(staged) != 50 {
					mixed <- fmt.Sprintf("read %d records, err %v", len(staged), err)

					return
				}

				first := staged[0].Attributes["set"]
				for _, r := range staged {
					if r.Attributes["set"] != first {
						mixed <- fmt.Sprintf("%s from %v next to %v", r.Key, r.Attributes["set"], first)

						return
					}
				}
			}
		}()
	}

	for i := range 200 {
		records := old
		if i%2 == 0 {
			records = next
		}

		require.NoError(t, s.AtomicReplace(ctx, "stg", records))
	}

	close(done)
	wg.Wait()
	close(mixed)

	for msg := range mixed {
		t.Error(msg)
	}
}

func TestUpsertLastVersionWins(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New().WithClock(func() time.Time { return at })

	tests := []struct {
		name     string
		batches  [][]record.Record
		expected map[string]int64
	}{
		{
			name: "newer replaces older",
			batches: [][]record.Record{
				{rec("k", 1, map[string]any{"v": "old"})},
				{rec("k", 2, map[string]any{"v": "new"})},
			},
			expected: map[string]int64{"k": 2},
		},
		{
			name: "older arriving late is ignored",
			batches: [][]record.Record{
				{rec("k", 5, map[string]any{"v": "new"})},
				{rec("k", 3, map[string]any{"v": "old"})},
			},
			expected: map[string]int64{"k": 5},
		},
		{
			name: "highest version inside one batch",
			batches: [][]record.Record{
				{rec("k", 3, nil), rec("k", 9, nil), rec("k", 4, nil)},
			},
			expected: map[string]int64{"k": 9},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collection := tt.name
			for _, batch := range tt.batches {
				require.NoError(t, s.Upsert(ctx, collection, batch, record.ByKey, record.ByVersion))
			}

			got, err := s.Entities(ctx, collection, []string{"k", "missing"})
			require.NoError(t, err)
			require.Len(t, got, len(tt.expected))

			for key, version := range tt.expected {
				assert.Equal(t, record.IntCursor(version), got[key].Version)
				assert.Equal(t, at, got[key].MergedAt)
			}
		})
	}
}

func TestCurrentSkipsSoftDeleted(t *testing.T) {
	ctx := context.Background()
	s := New()

	deleted := rec("b", 1, nil)
	deleted.Deleted = true

	require.NoError(t, s.Upsert(ctx, "e", []record.Record{rec("a", 1, nil), deleted}, record.ByKey, record.ByVersion))

	current, err := s.Current(ctx, "e")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "a", current[0].Key)
}

func TestAppendHistory(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	open := record.HistoryRow{Key: "u1", Values: map[string]any{"status": "a"}, ValidFrom: t0}
	closed := open
	closed.ValidTo = &t1
	reopened := record.HistoryRow{Key: "u1", Values: map[string]any{"status": "b"}, ValidFrom: t1}

	t.Run("close and reopen", func(t *testing.T) {
		s := New()
		require.NoError(t, s.AppendHistory(ctx, "h", []record.HistoryRow{open}))
		require.NoError(t, s.AppendHistory(ctx, "h", []record.HistoryRow{closed, reopened}))

		rows, err := s.History(ctx, "h", "u1")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, &t1, rows[0].ValidTo)
		assert.True(t, rows[1].IsOpen())

		openRows, err := s.OpenHistory(ctx, "h")
		require.NoError(t, err)
		require.Len(t, openRows, 1)
		assert.Equal(t, "b", openRows[0].Values["status"])
	})

	t.Run("second open row is rejected atomically", func(t *testing.T) {
		s := New()
		require.NoError(t, s.AppendHistory(ctx, "h", []record.HistoryRow{open}))

		other := record.HistoryRow{Key: "u2", ValidFrom: t1}
		err := s.AppendHistory(ctx, "h", []record.HistoryRow{other, reopened})
		require.ErrorIs(t, err, sink.ErrHistoryIntegrity)
		assert.ErrorIs(t, err, failure.ErrMergeConflict)

		rows, err := s.History(ctx, "h", "")
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("closed rows are immutable", func(t *testing.T) {
		s := New()
		require.NoError(t, s.AppendHistory(ctx, "h", []record.HistoryRow{open}))
		require.NoError(t, s.AppendHistory(ctx, "h", []record.HistoryRow{closed}))
		assert.ErrorIs(t, s.AppendHistory(ctx, "h", []record.HistoryRow{closed}), sink.ErrHistoryIntegrity)
	})
}
