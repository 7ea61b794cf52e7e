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

// SnapshotFunc receives the complete record set of a full snapshot exactly once
type SnapshotFunc func(all []record.Record) error

// Snapshot reads the complete current state of a source
type Snapshot struct {
	log   logrus.FieldLogger
	src   *source.Source
	retry *retrier
}

// NewSnapshot creates a full-snapshot extractor for src
func NewSnapshot(log logrus.FieldLogger, src *source.Source, retry RetryConfig) *Snapshot {
	log = log.WithFields(logrus.Fields{"extractor": "snapshot", "source": src.ID})

	return &Snapshot{
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

// Extract reads every record and hands the full set to fn. Nothing is delivered unless the
// whole read succeeded, so a failed snapshot never replaces staging with a partial set.
func (s *Snapshot) Extract(ctx context.Context, conn source.Connector, fn SnapshotFunc) (Result, error) {
	var (
		result Result
		all    []record.Record
	)

	attempts, err := s.retry.run(ctx, func(ctx context.Context) error {
		result = Result{}
		all = all[:0]

		return s.attempt(ctx, conn, &all, &result)
	})

	result.Attempts = attempts

	if err != nil {
		return result, err
	}

	if err := fn(all); err != nil {
		return result, err
	}

	s.log.WithFields(logrus.Fields{
		"records": result.Records,
		"batches": result.Batches,
	}).Info("Snapshot extraction complete")

	return result, nil
}

func (s *Snapshot) attempt(ctx context.Context, conn source.Connector, all *[]record.Record, result *Result) error {
	iter, err := conn.FetchFull(ctx, s.src.BatchSize)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := iter.Close(); closeErr != nil {
			s.log.WithError(closeErr).Debug("Failed to close iterator")
		}
	}()

	seen := make(map[string]struct{})

	for {
		batch, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		for _, rec := range batch {
			if _, dup := seen[rec.Key]; dup {
				return failure.SchemaMismatch("duplicate natural key %s in snapshot of %s", rec.Key, s.src.ID)
			}

			seen[rec.Key] = struct{}{}
		}

		*all = append(*all, batch...)
		result.Records += len(batch)
		result.Batches++
	}
}
