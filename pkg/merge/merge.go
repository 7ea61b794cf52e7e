// Package merge converges a keyed entity collection to the highest version seen per key
package merge

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

// ConflictError is two different records sharing a key and version
type ConflictError struct {
	Key     string
	Version record.Cursor
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict: key %s has different attributes at version %s", e.Key, e.Version)
}

// Is matches failure.ErrMergeConflict
func (e *ConflictError) Is(target error) bool {
	return target == failure.ErrMergeConflict
}

// Stats counts merge decisions
type Stats struct {
	Received    int `json:"received"`
	Inserted    int `json:"inserted"`
	Updated     int `json:"updated"`
	Unchanged   int `json:"unchanged"`
	Stale       int `json:"stale"`
	SoftDeleted int `json:"soft_deleted"`
}

// Engine merges extracted records into one source's entity collection
type Engine struct {
	log              logrus.FieldLogger
	sink             sink.Sink
	sourceID         string
	softDeleteColumn string
	lookupSize       int
}

// NewEngine creates a merge engine for src writing through s
func NewEngine(log logrus.FieldLogger, s sink.Sink, src *source.Source) *Engine {
	return &Engine{
		log:              log.WithFields(logrus.Fields{"engine": "merge", "source": src.ID}),
		sink:             s,
		sourceID:         src.ID,
		softDeleteColumn: src.SoftDelete.Column,
		lookupSize:       max(src.BatchSize, 1),
	}
}

type candidate struct {
	rec         record.Record
	fingerprint string
}

// Merge applies records with last-version-wins semantics. The result does not depend on the
// order of records or batches, and merging the same batch again changes nothing.
// A conflict anywhere in the batch fails it before anything is written, and the survivors
// are written in a single upsert. Only the stored-entity lookup is split by batch size.
func (e *Engine) Merge(ctx context.Context, collection string, records []record.Record) (Stats, error) {
	stats := Stats{Received: len(records)}

	if len(records) == 0 {
		return stats, nil
	}

	survivors, err := e.collapse(records)
	if err != nil {
		return stats, err
	}

	keys := make([]string, 0, len(survivors))
	for key := range survivors {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	stored, err := e.lookup(ctx, collection, keys)
	if err != nil {
		return stats, err
	}

	winners := make([]record.Record, 0, len(survivors))

	for _, key := range keys {
		c := survivors[key]

		existing, ok := stored[key]
		if !ok {
			stats.Inserted++
		} else {
			order, err := record.Compare(c.rec.Version, existing.Version)
			if err != nil {
				return stats, fmt.Errorf("key %s: %w", key, err)
			}

			switch {
			case order < 0:
				stats.Stale++

				continue
			case order == 0:
				fp, err := record.Fingerprint(existing.Attributes)
				if err != nil {
					return stats, err
				}

				if fp != c.fingerprint {
					return stats, &ConflictError{Key: key, Version: c.rec.Version}
				}

				stats.Unchanged++

				continue
			default:
				stats.Updated++
			}
		}

		if c.rec.Deleted {
			stats.SoftDeleted++
		}

		winners = append(winners, c.rec)
	}

	if len(winners) > 0 {
		if err := e.sink.Upsert(ctx, collection, winners, record.ByKey, record.ByVersion); err != nil {
			return stats, fmt.Errorf("failed to upsert %d entities: %w", len(winners), err)
		}
	}

	e.record(stats)

	e.log.WithFields(logrus.Fields{
		"collection": collection,
		"received":   stats.Received,
		"inserted":   stats.Inserted,
		"updated":    stats.Updated,
		"unchanged":  stats.Unchanged,
		"stale":      stats.Stale,
	}).Debug("Merged batch")

	return stats, nil
}

func (e *Engine) lookup(ctx context.Context, collection string, keys []string) (map[string]record.Entity, error) {
	stored := make(map[string]record.Entity, len(keys))

	for start := 0; start < len(keys); start += e.lookupSize {
		end := min(start+e.lookupSize, len(keys))

		found, err := e.sink.Entities(ctx, collection, keys[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to read stored entities: %w", err)
		}

		for key, entity := range found {
			stored[key] = entity
		}
	}

	return stored, nil
}

// collapse keeps the highest version per key
func (e *Engine) collapse(records []record.Record) (map[string]candidate, error) {
	survivors := make(map[string]candidate, len(records))

	for _, rec := range records {
		rec = e.markDeleted(rec)

		fp, err := record.Fingerprint(rec.Attributes)
		if err != nil {
			return nil, err
		}

		current, ok := survivors[rec.Key]
		if !ok {
			survivors[rec.Key] = candidate{rec: rec, fingerprint: fp}

			continue
		}

		order, err := record.Compare(rec.Version, current.rec.Version)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", rec.Key, err)
		}

		switch {
		case order > 0:
			survivors[rec.Key] = candidate{rec: rec, fingerprint: fp}
		case order == 0 && fp != current.fingerprint:
			return nil, &ConflictError{Key: rec.Key, Version: rec.Version}
		}
	}

	return survivors, nil
}

// markDeleted sets the soft-delete marker from the declared column
func (e *Engine) markDeleted(rec record.Record) record.Record {
	if e.softDeleteColumn == "" {
		return rec
	}

	value := rec.Attributes[e.softDeleteColumn]
	if !isSet(value) {
		rec.Deleted = false
		rec.DeletedAt = nil

		return rec
	}

	deletedAt := rec.ExtractedAt.UTC()

	switch v := value.(type) {
	case time.Time:
		deletedAt = v.UTC()
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			deletedAt = parsed.UTC()
		}
	}

	rec.Deleted = true
	rec.DeletedAt = &deletedAt

	return rec
}

func isSet(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && v != "0" && v != "false"
	case int:
		return v != 0
	case int32:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case fmt.Stringer:
		s := v.String()

		return s != "" && s != "0"
	default:
		return true
	}
}

func (e *Engine) record(stats Stats) {
	observability.RecordMerge(e.sourceID, "inserted", stats.Inserted)
	observability.RecordMerge(e.sourceID, "updated", stats.Updated)
	observability.RecordMerge(e.sourceID, "unchanged", stats.Unchanged)
	observability.RecordMerge(e.sourceID, "stale", stats.Stale)
	observability.RecordMerge(e.sourceID, "soft_deleted", stats.SoftDeleted)
}
