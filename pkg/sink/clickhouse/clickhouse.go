// Package clickhouse implements the sink contract on ClickHouse over its HTTP interface.
//
// Staging collections are plain MergeTree tables swapped with EXCHANGE TABLES. Entity and
// history collections are ReplacingMergeTree(_version) tables and are always read with FINAL,
// so the highest _version per sorting key is the only visible row.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	chclient "github.com/ethpandaops/cdcore/pkg/clickhouse"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/ethpandaops/cdcore/pkg/sink"
	"github.com/sirupsen/logrus"
)

const (
	timeLayout    = "2006-01-02 15:04:05.000000000"
	swapSuffix    = "__next"
	keysPerSelect = 1000
)

type tableKind int

const (
	kindStaging tableKind = iota
	kindEntities
	kindHistory
)

var ddl = map[tableKind]string{
	kindStaging: `CREATE TABLE IF NOT EXISTS %s%s (
	key String,
	version String,
	attributes String,
	extracted_at DateTime64(9, 'UTC')
) ENGINE = MergeTree ORDER BY key`,
	kindEntities: `CREATE TABLE IF NOT EXISTS %s%s (
	key String,
	version String,
	attributes String,
	deleted UInt8,
	deleted_at Nullable(DateTime64(9, 'UTC')),
	merged_at DateTime64(9, 'UTC'),
	_version UInt64
) ENGINE = ReplacingMergeTree(_version) ORDER BY key`,
	kindHistory: `CREATE TABLE IF NOT EXISTS %s%s (
	key String,
	watched String,
	valid_from DateTime64(9, 'UTC'),
	valid_to Nullable(DateTime64(9, 'UTC')),
	deleted UInt8,
	run_id String,
	_version UInt64
) ENGINE = ReplacingMergeTree(_version) ORDER BY (key, valid_from)`,
}

// Sink writes collections as tables of one ClickHouse database
type Sink struct {
	log     logrus.FieldLogger
	client  chclient.ClientInterface
	cfg     *chclient.Config
	now     func() time.Time
	created sync.Map
}

// New creates a ClickHouse sink over a started client
func New(log logrus.FieldLogger, client chclient.ClientInterface, cfg *chclient.Config) *Sink {
	return &Sink{
		log:    log.WithField("sink", sink.TypeClickHouse),
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (s *Sink) table(name string) string {
	return chclient.QuoteIdentifier(s.client.Database()) + "." + chclient.QuoteIdentifier(name)
}

func (s *Sink) ensure(ctx context.Context, name string, kind tableKind) error {
	if _, ok := s.created.Load(name); ok {
		return nil
	}

	if err := s.client.Execute(ctx, fmt.Sprintf(ddl[kind], s.table(name), s.cfg.OnCluster())); err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}

	s.created.Store(name, struct{}{})

	return nil
}

type stagingRow struct {
	Key         string `json:"key"`
	Version     string `json:"version"`
	Attributes  string `json:"attributes"`
	ExtractedAt string `json:"extracted_at"`
}

// AtomicReplace loads the records into a side table and exchanges it with the collection
func (s *Sink) AtomicReplace(ctx context.Context, collection string, records []record.Record) error {
	next := collection + swapSuffix

	if err := s.ensure(ctx, collection, kindStaging); err != nil {
		return err
	}

	if err := s.ensure(ctx, next, kindStaging); err != nil {
		return err
	}

	if err := s.client.Execute(ctx, "TRUNCATE TABLE "+s.table(next)+s.cfg.OnCluster()); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", next, err)
	}

	rows := make([]stagingRow, 0, len(records))

	for _, rec := range records {
		version, err := json.Marshal(rec.Version)
		if err != nil {
			return err
		}

		attrs, err := json.Marshal(rec.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes of %s: %w", rec.Key, err)
		}

		rows = append(rows, stagingRow{
			Key:         rec.Key,
			Version:     string(version),
			Attributes:  string(attrs),
			ExtractedAt: formatTime(rec.ExtractedAt),
		})
	}

	if err := s.client.BulkInsert(ctx, s.table(next), rows); err != nil {
		return err
	}

	exchange := fmt.Sprintf("EXCHANGE TABLES %s AND %s%s", s.table(collection), s.table(next), s.cfg.OnCluster())
	if err := s.client.Execute(ctx, exchange); err != nil {
		return fmt.Errorf("failed to exchange %s: %w", collection, err)
	}

	s.log.WithFields(logrus.Fields{"collection": collection, "records": len(rows)}).Debug("Replaced staging collection")

	return nil
}

func (s *Sink) Staged(ctx context.Context, collection string) ([]record.Record, error) {
	if err := s.ensure(ctx, collection, kindStaging); err != nil {
		return nil, err
	}

	rows, err := s.client.QueryRows(ctx, fmt.Sprintf(
		"SELECT key, version, attributes, extracted_at FROM %s ORDER BY key", s.table(collection)))
	if err != nil {
		return nil, err
	}

	out := make([]record.Record, 0, len(rows))

	for _, row := range rows {
		rec := record.Record{Key: stringColumn(row, "key")}

		if err := record.DecodeJSON([]byte(stringColumn(row, "version")), &rec.Version); err != nil {
			return nil, fmt.Errorf("failed to decode version of %s: %w", rec.Key, err)
		}

		if err := record.DecodeJSON([]byte(stringColumn(row, "attributes")), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes of %s: %w", rec.Key, err)
		}

		if rec.ExtractedAt, err = parseTime(stringColumn(row, "extracted_at")); err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	return out, nil
}

type entityRow struct {
	Key        string  `json:"key"`
	Version    string  `json:"version"`
	Attributes string  `json:"attributes"`
	Deleted    uint8   `json:"deleted"`
	DeletedAt  *string `json:"deleted_at"`
	MergedAt   string  `json:"merged_at"`
	Ordinal    uint64  `json:"_version"`
}

func (s *Sink) Upsert(ctx context.Context, collection string, records []record.Record, keyFn record.KeyFunc, versionFn record.VersionFunc) error {
	if err := s.ensure(ctx, collection, kindEntities); err != nil {
		return err
	}

	mergedAt := s.now().UTC()
	winners := make(map[string]record.Record, len(records))

	for _, rec := range records {
		key := keyFn(rec)

		if current, ok := winners[key]; ok {
			order, err := record.Compare(versionFn(rec), versionFn(current))
			if err != nil {
				return err
			}

			if order <= 0 {
				continue
			}
		}

		winners[key] = rec
	}

	rows := make([]entityRow, 0, len(winners))

	for key, rec := range winners {
		version := versionFn(rec)

		encodedVersion, err := json.Marshal(version)
		if err != nil {
			return err
		}

		attrs, err := json.Marshal(rec.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes of %s: %w", key, err)
		}

		row := entityRow{
			Key:        key,
			Version:    string(encodedVersion),
			Attributes: string(attrs),
			MergedAt:   formatTime(mergedAt),
			Ordinal:    versionOrdinal(version, mergedAt),
		}

		if rec.Deleted {
			row.Deleted = 1
		}

		if rec.DeletedAt != nil {
			deletedAt := formatTime(*rec.DeletedAt)
			row.DeletedAt = &deletedAt
		}

		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	return s.client.BulkInsert(ctx, s.table(collection), rows)
}

func (s *Sink) Entities(ctx context.Context, collection string, keys []string) (map[string]record.Entity, error) {
	if err := s.ensure(ctx, collection, kindEntities); err != nil {
		return nil, err
	}

	out := make(map[string]record.Entity, len(keys))

	for start := 0; start < len(keys); start += keysPerSelect {
		end := min(start+keysPerSelect, len(keys))

		quoted := make([]string, 0, end-start)
		for _, key := range keys[start:end] {
			quoted = append(quoted, chclient.QuoteString(key))
		}

		entities, err := s.selectEntities(ctx, collection, "key IN ("+strings.Join(quoted, ", ")+")")
		if err != nil {
			return nil, err
		}

		for _, entity := range entities {
			out[entity.Key] = entity
		}
	}

	return out, nil
}

func (s *Sink) Current(ctx context.Context, collection string) ([]record.Entity, error) {
	if err := s.ensure(ctx, collection, kindEntities); err != nil {
		return nil, err
	}

	return s.selectEntities(ctx, collection, "deleted = 0")
}

func (s *Sink) selectEntities(ctx context.Context, collection, where string) ([]record.Entity, error) {
	rows, err := s.client.QueryRows(ctx, fmt.Sprintf(
		"SELECT key, version, attributes, deleted, deleted_at, merged_at FROM %s FINAL WHERE %s ORDER BY key",
		s.table(collection), where))
	if err != nil {
		return nil, err
	}

	out := make([]record.Entity, 0, len(rows))

	for _, row := range rows {
		entity := record.Entity{
			Key:     stringColumn(row, "key"),
			Deleted: boolColumn(row, "deleted"),
		}

		if err := record.DecodeJSON([]byte(stringColumn(row, "version")), &entity.Version); err != nil {
			return nil, fmt.Errorf("failed to decode version of %s: %w", entity.Key, err)
		}

		if err := record.DecodeJSON([]byte(stringColumn(row, "attributes")), &entity.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes of %s: %w", entity.Key, err)
		}

		if entity.MergedAt, err = parseTime(stringColumn(row, "merged_at")); err != nil {
			return nil, err
		}

		if entity.DeletedAt, err = nullableTime(row, "deleted_at"); err != nil {
			return nil, err
		}

		out = append(out, entity)
	}

	return out, nil
}

type historyRow struct {
	Key       string  `json:"key"`
	Values    string  `json:"watched"`
	ValidFrom string  `json:"valid_from"`
	ValidTo   *string `json:"valid_to"`
	Deleted   uint8   `json:"deleted"`
	RunID     string  `json:"run_id"`
	Ordinal   uint64  `json:"_version"`
}

// AppendHistory inserts rows in one statement. A closing row carries valid_to as its _version,
// which is always later than the valid_from of the open row it replaces.
func (s *Sink) AppendHistory(ctx context.Context, collection string, rows []record.HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}

	if err := s.ensure(ctx, collection, kindHistory); err != nil {
		return err
	}

	out := make([]historyRow, 0, len(rows))

	for _, row := range rows {
		values, err := json.Marshal(row.Values)
		if err != nil {
			return fmt.Errorf("failed to encode values of %s: %w", row.Key, err)
		}

		stamp := row.ValidFrom

		hr := historyRow{
			Key:       row.Key,
			Values:    string(values),
			ValidFrom: formatTime(row.ValidFrom),
			RunID:     row.RunID,
		}

		if row.ValidTo != nil {
			validTo := formatTime(*row.ValidTo)
			hr.ValidTo = &validTo
			stamp = *row.ValidTo
		}

		if row.Deleted {
			hr.Deleted = 1
		}

		hr.Ordinal = timeOrdinal(stamp)
		out = append(out, hr)
	}

	return s.client.BulkInsert(ctx, s.table(collection), out)
}

func (s *Sink) OpenHistory(ctx context.Context, collection string) ([]record.HistoryRow, error) {
	return s.selectHistory(ctx, collection, "valid_to IS NULL")
}

func (s *Sink) History(ctx context.Context, collection, key string) ([]record.HistoryRow, error) {
	if key == "" {
		return s.selectHistory(ctx, collection, "1")
	}

	return s.selectHistory(ctx, collection, "key = "+chclient.QuoteString(key))
}

func (s *Sink) selectHistory(ctx context.Context, collection, where string) ([]record.HistoryRow, error) {
	if err := s.ensure(ctx, collection, kindHistory); err != nil {
		return nil, err
	}

	rows, err := s.client.QueryRows(ctx, fmt.Sprintf(
		"SELECT key, watched, valid_from, valid_to, deleted, run_id FROM %s FINAL WHERE %s ORDER BY key, valid_from",
		s.table(collection), where))
	if err != nil {
		return nil, err
	}

	out := make([]record.HistoryRow, 0, len(rows))

	for _, row := range rows {
		hr := record.HistoryRow{
			Key:     stringColumn(row, "key"),
			Deleted: boolColumn(row, "deleted"),
			RunID:   stringColumn(row, "run_id"),
		}

		if err := record.DecodeJSON([]byte(stringColumn(row, "watched")), &hr.Values); err != nil {
			return nil, fmt.Errorf("failed to decode values of %s: %w", hr.Key, err)
		}

		if hr.ValidFrom, err = parseTime(stringColumn(row, "valid_from")); err != nil {
			return nil, err
		}

		if hr.ValidTo, err = nullableTime(row, "valid_to"); err != nil {
			return nil, err
		}

		out = append(out, hr)
	}

	return out, nil
}

func (s *Sink) Close() error {
	return s.client.Stop()
}

// versionOrdinal maps a cursor onto an order-preserving UInt64 for ReplacingMergeTree.
// String cursors have no numeric order and fall back to the merge time.
func versionOrdinal(c record.Cursor, mergedAt time.Time) uint64 {
	native, err := c.Native()
	if err != nil {
		return timeOrdinal(mergedAt)
	}

	switch v := native.(type) {
	case int64:
		return uint64(v) ^ (1 << 63) //nolint:gosec // sign flip keeps ordering
	case float64:
		bits := math.Float64bits(v)
		if bits&(1<<63) == 0 {
			return bits ^ (1 << 63)
		}

		return ^bits
	case time.Time:
		return timeOrdinal(v)
	default:
		return timeOrdinal(mergedAt)
	}
}

func timeOrdinal(t time.Time) uint64 {
	return uint64(t.UnixNano()) ^ (1 << 63) //nolint:gosec // sign flip keeps ordering
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse clickhouse time %q: %w", value, err)
	}

	return t, nil
}

func nullableTime(row map[string]any, column string) (*time.Time, error) {
	value, ok := row[column].(string)
	if !ok || value == "" {
		return nil, nil //nolint:nilnil // NULL column
	}

	t, err := parseTime(value)
	if err != nil {
		return nil, err
	}

	return &t, nil
}

func stringColumn(row map[string]any, column string) string {
	value, _ := row[column].(string) //nolint:errcheck // absent columns read as empty

	return value
}

func boolColumn(row map[string]any, column string) bool {
	switch v := row[column].(type) {
	case json.Number:
		return v.String() != "0"
	case string:
		return v != "" && v != "0"
	case bool:
		return v
	default:
		return false
	}
}

var _ sink.Sink = (*Sink)(nil)
