package source

import (
	"context"
	"io"

	"github.com/ethpandaops/cdcore/pkg/record"
)

// Iterator yields bounded batches lazily. Next returns io.EOF once the sequence is exhausted.
type Iterator interface {
	Next(ctx context.Context) ([]record.Record, error)
	Close() error
}

// Connector is the contract every source store implements
type Connector interface {
	// Capability reports the extraction strategy the connector serves
	Capability() Capability

	// FetchFull returns the complete current record set
	FetchFull(ctx context.Context, batchSize int) (Iterator, error)

	// FetchIncremental returns records whose cursor is strictly greater than after,
	// ordered ascending by cursor. The beginning sentinel selects every record.
	FetchIncremental(ctx context.Context, after record.Cursor, batchSize int) (Iterator, error)

	// Close releases connections held by the connector
	Close() error
}

// SliceIterator serves pre-built batches, mainly for in-memory connectors and tests
type SliceIterator struct {
	batches [][]record.Record
	pos     int
}

// NewSliceIterator splits records into batches of at most batchSize
func NewSliceIterator(records []record.Record, batchSize int) *SliceIterator {
	if batchSize <= 0 {
		batchSize = len(records)
	}

	var batches [][]record.Record

	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		batches = append(batches, records[start:end])
	}

	return &SliceIterator{batches: batches}
}

// Next returns the next batch
func (s *SliceIterator) Next(ctx context.Context) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}

	batch := s.batches[s.pos]
	s.pos++

	return batch, nil
}

// Close is a no-op
func (s *SliceIterator) Close() error {
	return nil
}

var _ Iterator = (*SliceIterator)(nil)
