// Package memory is an in-process sink used by tests and dry runs
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/ethpandaops/cdcore/pkg/sink"
)

type historyID struct {
	key       string
	validFrom int64
}

// Sink keeps every collection in maps guarded by one mutex
type Sink struct {
	mu       sync.RWMutex
	staging  map[string][]record.Record
	entities map[string]map[string]record.Entity
	history  map[string]map[historyID]record.HistoryRow
	now      func() time.Time
}

// New creates an empty memory sink
func New() *Sink {
	return &Sink{
		staging:  make(map[string][]record.Record),
		entities: make(map[string]map[string]record.Entity),
		history:  make(map[string]map[historyID]record.HistoryRow),
		now:      time.Now,
	}
}

// WithClock overrides the merged-at clock
func (s *Sink) WithClock(now func() time.Time) *Sink {
	s.now = now

	return s
}

func (s *Sink) AtomicReplace(_ context.Context, collection string, records []record.Record) error {
	staged := make([]record.Record, len(records))
	copy(staged, records)

	sort.SliceStable(staged, func(i, j int) bool { return staged[i].Key < staged[j].Key })

	s.mu.Lock()
	defer s.mu.Unlock()

	s.staging[collection] = staged

	return nil
}

func (s *Sink) Staged(_ context.Context, collection string) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	staged := s.staging[collection]
	out := make([]record.Record, len(staged))
	copy(out, staged)

	return out, nil
}

func (s *Sink) Upsert(_ context.Context, collection string, records []record.Record, keyFn record.KeyFunc, versionFn record.VersionFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.entities[collection]
	if !ok {
		table = make(map[string]record.Entity)
	}

	next := make(map[string]record.Entity, len(records))
	mergedAt := s.now().UTC()

	for _, rec := range records {
		key := keyFn(rec)
		version := versionFn(rec)

		current, exists := next[key]
		if !exists {
			current, exists = table[key]
		}

		if exists {
			order, err := record.Compare(version, current.Version)
			if err != nil {
				return err
			}

			if order <= 0 {
				continue
			}
		}

		next[key] = record.Entity{
			Key:        key,
			Attributes: rec.Attributes,
			Version:    version,
			Deleted:    rec.Deleted,
			DeletedAt:  rec.DeletedAt,
			MergedAt:   mergedAt,
		}
	}

	for key, entity := range next {
		table[key] = entity
	}

	s.entities[collection] = table

	return nil
}

func (s *Sink) Entities(_ context.Context, collection string, keys []string) (map[string]record.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]record.Entity, len(keys))

	table := s.entities[collection]
	for _, key := range keys {
		if entity, ok := table[key]; ok {
			out[key] = entity
		}
	}

	return out, nil
}

func (s *Sink) Current(_ context.Context, collection string) ([]record.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]record.Entity, 0, len(s.entities[collection]))

	for _, entity := range s.entities[collection] {
		if !entity.Deleted {
			out = append(out, entity)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out, nil
}

// AppendHistory validates the whole batch before applying any of it
func (s *Sink) AppendHistory(_ context.Context, collection string, rows []record.HistoryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.history[collection]
	if !ok {
		table = make(map[historyID]record.HistoryRow)
	}

	staged := make(map[historyID]record.HistoryRow, len(rows))
	openCount := make(map[string]int)

	for id, row := range table {
		if row.IsOpen() {
			openCount[id.key]++
		}
	}

	for _, row := range rows {
		id := historyID{key: row.Key, validFrom: row.ValidFrom.UnixNano()}

		if _, dup := staged[id]; dup {
			return fmt.Errorf("%w: duplicate row %s@%s in one append", sink.ErrHistoryIntegrity, row.Key, row.ValidFrom.Format(time.RFC3339Nano))
		}

		existing, exists := table[id]

		switch {
		case exists && !existing.IsOpen():
			return fmt.Errorf("%w: row %s@%s is already closed", sink.ErrHistoryIntegrity, row.Key, row.ValidFrom.Format(time.RFC3339Nano))
		case exists && row.IsOpen():
			return fmt.Errorf("%w: row %s@%s is already open", sink.ErrHistoryIntegrity, row.Key, row.ValidFrom.Format(time.RFC3339Nano))
		case exists:
			openCount[row.Key]--
		case row.IsOpen():
			openCount[row.Key]++
		}

		staged[id] = row
	}

	for key, count := range openCount {
		if count > 1 {
			return fmt.Errorf("%w: %w: key %s would have %d open rows", failure.ErrMergeConflict, sink.ErrHistoryIntegrity, key, count)
		}
	}

	for id, row := range staged {
		table[id] = row
	}

	s.history[collection] = table

	return nil
}

func (s *Sink) OpenHistory(_ context.Context, collection string) ([]record.HistoryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]record.HistoryRow, 0)

	for _, row := range s.history[collection] {
		if row.IsOpen() {
			out = append(out, row)
		}
	}

	sortHistory(out)

	return out, nil
}

func (s *Sink) History(_ context.Context, collection, key string) ([]record.HistoryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]record.HistoryRow, 0)

	for id, row := range s.history[collection] {
		if key == "" || id.key == key {
			out = append(out, row)
		}
	}

	sortHistory(out)

	return out, nil
}

func (s *Sink) Close() error {
	return nil
}

func sortHistory(rows []record.HistoryRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Key != rows[j].Key {
			return rows[i].Key < rows[j].Key
		}

		return rows[i].ValidFrom.Before(rows[j].ValidFrom)
	})
}

var _ sink.Sink = (*Sink)(nil)
