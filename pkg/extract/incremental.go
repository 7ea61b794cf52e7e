package extract

import (
	"context"
	"errors"
	"io"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/sirupsen/logrus"
)

// BatchFunc receives extracted batches
type BatchFunc func(batch []record.Record) error

// RestartFunc is called before a retried attempt. Everything delivered by the failed attempt
// is delivered again, so the receiver drops what it collected so far.
type RestartFunc func()

// Result summarizes one extraction
type Result struct {
	Records   int           `json:"records"`
	Batches   int           `json:"batches"`
	Attempts  int           `json:"attempts"`
	MaxCursor record.Cursor `json:"max_cursor"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Incremental reads records strictly after a cursor
type Incremental struct {
	log   logrus.FieldLogger
	src   *source.Source
	retry *retrier
}

// NewIncremental creates an incremental extractor for src
func NewIncremental(log logrus.FieldLogger, src *source.Source, retry RetryConfig) *Incremental {
	log = log.WithFields(logrus.Fields{"extractor": "incremental", "source": src.ID})

	return &Incremental{
		log: log,
		src: src,
		retry: &retrier{
			log:      log,
			cfg:      retry,
			sourceID: src.ID,
			sleep:    sleepCtx,
		},
	}
}

// Extract streams records with cursor > after to fn in ascending order and returns the
// highest cursor delivered. With no new records MaxCursor equals after.
// When the source declares maxRecords, extraction stops at the first cursor boundary
// past the cap, so records sharing a cursor value are never split across runs.
// restart may be nil when fn keeps nothing between calls.
func (e *Incremental) Extract(ctx context.Context, conn source.Connector, after record.Cursor, fn BatchFunc, restart RestartFunc) (Result, error) {
	var result Result

	attempts, err := e.retry.run(ctx, func(ctx context.Context) error {
		if result.Attempts > 0 && restart != nil {
			restart()
		}

		result = Result{MaxCursor: after, Attempts: result.Attempts + 1}

		return e.attempt(ctx, conn, after, fn, &result)
	})

	result.Attempts = attempts

	if err != nil {
		return result, err
	}

	e.log.WithFields(logrus.Fields{
		"records":    result.Records,
		"batches":    result.Batches,
		"max_cursor": result.MaxCursor.String(),
		"truncated":  result.Truncated,
	}).Info("Incremental extraction complete")

	return result, nil
}

func (e *Incremental) attempt(ctx context.Context, conn source.Connector, after record.Cursor, fn BatchFunc, result *Result) error {
	iter, err := conn.FetchIncremental(ctx, after, e.src.BatchSize)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := iter.Close(); closeErr != nil {
			e.log.WithError(closeErr).Debug("Failed to close iterator")
		}
	}()

	capped := false

	for {
		batch, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		if len(batch) == 0 {
			continue
		}

		if err := checkAscending(after, result.MaxCursor, batch); err != nil {
			return err
		}

		take, stop, err := e.boundary(batch, result, capped)
		if err != nil {
			return err
		}

		if take > 0 {
			if err := fn(batch[:take]); err != nil {
				return err
			}

			result.Records += take
			result.Batches++
			result.MaxCursor = batch[take-1].Version
		}

		if stop {
			result.Truncated = true

			return nil
		}

		capped = e.src.MaxRecords > 0 && result.Records >= e.src.MaxRecords
	}
}

// boundary decides how much of batch to deliver under the maxRecords cap
func (e *Incremental) boundary(batch []record.Record, result *Result, capped bool) (int, bool, error) {
	limit := e.src.MaxRecords

	if capped {
		// only the tail of the last delivered cursor value may follow
		return sameCursorPrefix(batch, 0, result.MaxCursor)
	}

	if limit <= 0 || result.Records+len(batch) <= limit {
		return len(batch), false, nil
	}

	cut := limit - result.Records
	if cut <= 0 {
		cut = 1
	}

	take, stop, err := sameCursorPrefix(batch, cut, batch[cut-1].Version)
	if err != nil {
		return 0, false, err
	}

	return take, stop, nil
}

// sameCursorPrefix extends from index start while records carry cursor c.
// stop reports that a record beyond c was seen.
func sameCursorPrefix(batch []record.Record, start int, c record.Cursor) (int, bool, error) {
	i := start

	for ; i < len(batch); i++ {
		order, err := record.Compare(batch[i].Version, c)
		if err != nil {
			return 0, false, err
		}

		if order != 0 {
			return i, true, nil
		}
	}

	return i, false, nil
}

func checkAscending(after, last record.Cursor, batch []record.Record) error {
	prev := last

	for _, rec := range batch {
		if rec.Version.IsZero() {
			return failure.SchemaMismatch("record %s has no cursor value", rec.Key)
		}

		if !after.IsZero() {
			order, err := record.Compare(rec.Version, after)
			if err != nil {
				return err
			}

			if order <= 0 {
				return failure.SchemaMismatch("record %s cursor %s is not after %s", rec.Key, rec.Version, after)
			}
		}

		order, err := record.Compare(rec.Version, prev)
		if err != nil {
			return err
		}

		if order < 0 {
			return failure.SchemaMismatch("records out of order: %s after %s", rec.Version, prev)
		}

		prev = rec.Version
	}

	return nil
}
