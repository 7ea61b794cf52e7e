// Package incremental runs INCREMENTAL sources: extract the delta past the watermark, merge it
// into the keyed entity collection and advance the watermark.
package incremental

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/cdcore/pkg/extract"
	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/manifest"
	"github.com/ethpandaops/cdcore/pkg/merge"
	"github.com/ethpandaops/cdcore/pkg/observability"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/ethpandaops/cdcore/pkg/strategy"
	"github.com/sirupsen/logrus"
)

func init() {
	strategy.Register(source.CapabilityIncremental, strategy.KindMerge, New)
}

// Strategy is the INCREMENTAL strategy of one source
type Strategy struct {
	log       logrus.FieldLogger
	src       *source.Source
	conn      source.Connector
	deps      strategy.Deps
	extractor *extract.Incremental
	merger    *merge.Engine

	staging  string
	entities string
}

// New builds the strategy. It needs a watermark store.
func New(src *source.Source, conn source.Connector, deps strategy.Deps) (strategy.Strategy, error) {
	if deps.Watermarks == nil {
		return nil, fmt.Errorf("%w: watermark store", strategy.ErrMissingDependency)
	}

	staging, err := deps.Naming.Staging(src.ID)
	if err != nil {
		return nil, err
	}

	entities, err := deps.Naming.Entities(src.ID)
	if err != nil {
		return nil, err
	}

	return &Strategy{
		log:       deps.Log.WithFields(logrus.Fields{"strategy": "incremental", "source": src.ID}),
		src:       src,
		conn:      conn,
		deps:      deps,
		extractor: extract.NewIncremental(deps.Log, src, deps.Retry),
		merger:    merge.NewEngine(deps.Log, deps.Sink, src),
		staging:   staging,
		entities:  entities,
	}, nil
}

// Extract stages every record past the committed watermark. The watermark is left alone.
func (s *Strategy) Extract(ctx context.Context, run strategy.Run) (manifest.Result, error) {
	after := record.Beginning()

	state, found, err := s.deps.Watermarks.Read(ctx, s.src.ID)
	if err != nil {
		return manifest.Result{}, fmt.Errorf("failed to read watermark: %w", err)
	}

	if found {
		after = state.Cursor
	}

	var delta []record.Record

	result, err := s.extractor.Extract(ctx, s.conn, after, func(batch []record.Record) error {
		delta = append(delta, batch...)

		return nil
	}, func() {
		delta = delta[:0]
	})
	if err != nil {
		return manifest.Result{Attempts: result.Attempts}, err
	}

	if err := s.deps.Sink.AtomicReplace(ctx, s.staging, delta); err != nil {
		return manifest.Result{Attempts: result.Attempts}, fmt.Errorf("failed to stage delta: %w", err)
	}

	observability.RecordExtracted(s.src.ID, string(s.src.Capability), len(delta))

	s.log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"after":   after.String(),
		"records": len(delta),
		"cursor":  result.MaxCursor.String(),
	}).Info("Staged incremental delta")

	stats := map[string]int{"batches": result.Batches}
	if result.Truncated {
		stats["truncated"] = 1
	}

	return manifest.Result{
		Attempts: result.Attempts,
		Records:  len(delta),
		Cursor:   result.MaxCursor,
		Stats:    stats,
	}, nil
}

// Apply merges the staged delta and then commits the extract node's cursor
func (s *Strategy) Apply(ctx context.Context, run strategy.Run) (manifest.Result, error) {
	staged, err := s.deps.Sink.Staged(ctx, s.staging)
	if err != nil {
		return manifest.Result{}, fmt.Errorf("failed to read staged delta: %w", err)
	}

	total, err := s.merger.Merge(ctx, s.entities, staged)
	if err != nil {
		return manifest.Result{Attempts: 1, Stats: statsMap(total)}, err
	}

	cursor := run.Extracted.Cursor
	if !cursor.IsZero() {
		if err := ctx.Err(); err != nil {
			return manifest.Result{Attempts: 1, Stats: statsMap(total)}, err
		}

		if err := run.CheckHeld(); err != nil {
			return manifest.Result{Attempts: 1, Stats: statsMap(total)}, fmt.Errorf("watermark not committed: %w", err)
		}

		if err := s.commit(ctx, cursor, run.ID); err != nil {
			return manifest.Result{Attempts: 1, Stats: statsMap(total)}, err
		}
	}

	return manifest.Result{
		Attempts: 1,
		Records:  len(staged),
		Cursor:   cursor,
		Stats:    statsMap(total),
	}, nil
}

func (s *Strategy) commit(ctx context.Context, cursor record.Cursor, runID string) error {
	err := s.deps.Watermarks.Commit(ctx, s.src.ID, cursor, runID)

	status := "committed"

	switch {
	case err == nil:
	case errors.Is(err, failure.ErrWatermarkRegression):
		status = "regression"
	default:
		status = "error"
	}

	observability.RecordWatermarkCommit(s.src.ID, status, float64(time.Now().Unix()))

	if err != nil {
		return fmt.Errorf("failed to commit watermark: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"cursor": cursor.String(),
	}).Info("Committed watermark")

	return nil
}

func statsMap(s merge.Stats) map[string]int {
	return map[string]int{
		"received":     s.Received,
		"inserted":     s.Inserted,
		"updated":      s.Updated,
		"unchanged":    s.Unchanged,
		"stale":        s.Stale,
		"soft_deleted": s.SoftDeleted,
	}
}
