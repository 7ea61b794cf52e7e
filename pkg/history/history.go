// Package history maintains SCD-2 validity intervals for sources that only support full snapshots.
//
// Each key has at most one open row (valid_to unset). A run compares the snapshot's watched
// values with the open rows and appends closing copies and new open rows; existing rows are
// never rewritten except to set valid_to.
package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/observability"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/ethpandaops/cdcore/pkg/sink"
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/sirupsen/logrus"
)

// Stats counts the transitions of one run
type Stats struct {
	Inserted  int `json:"inserted"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Closed    int `json:"closed"`
	LeftOpen  int `json:"left_open"`
}

// Appended returns how many rows the run wrote
func (s Stats) Appended() int {
	return s.Inserted + 2*s.Changed + s.Closed
}

// Engine applies snapshots to one source's history collection
type Engine struct {
	log      logrus.FieldLogger
	sink     sink.Sink
	sourceID string
	missing  source.MissingKeyPolicy
}

// NewEngine creates a history engine for src writing through s
func NewEngine(log logrus.FieldLogger, s sink.Sink, src *source.Source) *Engine {
	missing := src.MissingKeys
	if missing == "" {
		missing = source.MissingKeysLeaveOpen
	}

	return &Engine{
		log:      log.WithFields(logrus.Fields{"engine": "history", "source": src.ID}),
		sink:     s,
		sourceID: src.ID,
		missing:  missing,
	}
}

type observed struct {
	values      map[string]any
	fingerprint string
}

// Apply diffs snapshot against the open rows and appends the resulting transitions in a
// single write. An unchanged snapshot writes nothing.
func (e *Engine) Apply(ctx context.Context, collection string, snapshot []record.Record, watched []string, runAt time.Time, runID string) (Stats, error) {
	var stats Stats

	runAt = runAt.UTC()

	current, err := e.observe(snapshot, watched)
	if err != nil {
		return stats, err
	}

	open, err := e.openRows(ctx, collection)
	if err != nil {
		return stats, err
	}

	keys := make([]string, 0, len(current))
	for key := range current {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	var rows []record.HistoryRow

	for _, key := range keys {
		obs := current[key]

		row, ok := open[key]
		if !ok {
			rows = append(rows, record.HistoryRow{Key: key, Values: obs.values, ValidFrom: runAt, RunID: runID})
			stats.Inserted++

			continue
		}

		fp, err := record.Fingerprint(row.Values)
		if err != nil {
			return stats, err
		}

		if fp == obs.fingerprint {
			stats.Unchanged++

			continue
		}

		closed, err := closeRow(row, runAt, false)
		if err != nil {
			return stats, err
		}

		rows = append(rows, closed, record.HistoryRow{Key: key, Values: obs.values, ValidFrom: runAt, RunID: runID})
		stats.Changed++
	}

	missingKeys := make([]string, 0)

	for key := range open {
		if _, ok := current[key]; !ok {
			missingKeys = append(missingKeys, key)
		}
	}

	sort.Strings(missingKeys)

	for _, key := range missingKeys {
		if e.missing == source.MissingKeysLeaveOpen {
			stats.LeftOpen++

			continue
		}

		closed, err := closeRow(open[key], runAt, true)
		if err != nil {
			return stats, err
		}

		rows = append(rows, closed)
		stats.Closed++
	}

	if stats.LeftOpen > 0 {
		e.log.WithField("keys", stats.LeftOpen).Debug("Keys missing from snapshot left open")
	}

	if len(rows) > 0 {
		if err := e.sink.AppendHistory(ctx, collection, rows); err != nil {
			return stats, fmt.Errorf("failed to append %d history rows: %w", len(rows), err)
		}
	}

	e.record(stats)

	e.log.WithFields(logrus.Fields{
		"collection": collection,
		"inserted":   stats.Inserted,
		"changed":    stats.Changed,
		"unchanged":  stats.Unchanged,
		"closed":     stats.Closed,
		"left_open":  stats.LeftOpen,
	}).Info("Applied snapshot to history")

	return stats, nil
}

func (e *Engine) observe(snapshot []record.Record, watched []string) (map[string]observed, error) {
	current := make(map[string]observed, len(snapshot))

	for _, rec := range snapshot {
		if _, dup := current[rec.Key]; dup {
			return nil, failure.SchemaMismatch("duplicate key %s in snapshot of %s", rec.Key, e.sourceID)
		}

		values, err := record.Project(rec.Attributes, watched)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", rec.Key, err)
		}

		fp, err := record.Fingerprint(values)
		if err != nil {
			return nil, err
		}

		current[rec.Key] = observed{values: values, fingerprint: fp}
	}

	return current, nil
}

func (e *Engine) openRows(ctx context.Context, collection string) (map[string]record.HistoryRow, error) {
	rows, err := e.sink.OpenHistory(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to read open history rows: %w", err)
	}

	open := make(map[string]record.HistoryRow, len(rows))

	for _, row := range rows {
		if _, dup := open[row.Key]; dup {
			return nil, fmt.Errorf("%w: key %s has more than one open history row", failure.ErrMergeConflict, row.Key)
		}

		open[row.Key] = row
	}

	return open, nil
}

// closeRow returns the closing copy of an open row. runAt must be after the row opened.
func closeRow(row record.HistoryRow, runAt time.Time, deleted bool) (record.HistoryRow, error) {
	if !runAt.After(row.ValidFrom) {
		return record.HistoryRow{}, failure.SchemaMismatch(
			"run timestamp %s is not after valid_from %s of key %s",
			runAt.Format(time.RFC3339Nano), row.ValidFrom.UTC().Format(time.RFC3339Nano), row.Key)
	}

	closedAt := runAt
	row.ValidTo = &closedAt
	row.Deleted = deleted

	return row, nil
}

func (e *Engine) record(stats Stats) {
	observability.RecordHistory(e.sourceID, "inserted", stats.Inserted)
	observability.RecordHistory(e.sourceID, "changed", stats.Changed)
	observability.RecordHistory(e.sourceID, "unchanged", stats.Unchanged)
	observability.RecordHistory(e.sourceID, "closed", stats.Closed)
	observability.RecordHistory(e.sourceID, "left_open", stats.LeftOpen)
}
