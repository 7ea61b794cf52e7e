package clickhouse

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	chclient "github.com/ethpandaops/cdcore/pkg/clickhouse"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	statements []string
	inserts    map[string][]map[string]any
	rows       map[string][]map[string]any
	failOn     string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		inserts: make(map[string][]map[string]any),
		rows:    make(map[string][]map[string]any),
	}
}

func (f *fakeClient) QueryOne(context.Context, string, any) error { return nil }

func (f *fakeClient) QueryRows(_ context.Context, query string) ([]map[string]any, error) {
	f.statements = append(f.statements, query)

	for fragment, rows := range f.rows {
		if strings.Contains(query, fragment) {
			return rows, nil
		}
	}

	return nil, nil
}

func (f *fakeClient) Execute(_ context.Context, query string) error {
	f.statements = append(f.statements, query)

	if f.failOn != "" && strings.Contains(query, f.failOn) {
		return errors.New("boom")
	}

	return nil
}

func (f *fakeClient) BulkInsert(_ context.Context, table string, data any) error {
	f.statements = append(f.statements, "INSERT INTO "+table)

	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}

	var rows []map[string]any
	if err := json.Unmarshal(encoded, &rows); err != nil {
		return err
	}

	f.inserts[table] = append(f.inserts[table], rows...)

	return nil
}

func (f *fakeClient) Database() string { return "analytics" }
func (f *fakeClient) Start() error     { return nil }
func (f *fakeClient) Stop() error      { return nil }

func newSink(client *fakeClient) *Sink {
	s := New(logrus.New(), client, &chclient.Config{})
	s.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	return s
}

func TestAtomicReplaceExchangesTables(t *testing.T) {
	client := newFakeClient()
	s := newSink(client)

	records := []record.Record{
		{Key: "u1", Attributes: map[string]any{"occupation": "dev"}, ExtractedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
	}

	require.NoError(t, s.AtomicReplace(context.Background(), "stg_users", records))

	require.Len(t, client.statements, 5)
	assert.Contains(t, client.statements[0], "CREATE TABLE IF NOT EXISTS `analytics`.`stg_users`")
	assert.Contains(t, client.statements[1], "`analytics`.`stg_users__next`")
	assert.Equal(t, "TRUNCATE TABLE `analytics`.`stg_users__next`", client.statements[2])
	assert.Equal(t, "INSERT INTO `analytics`.`stg_users__next`", client.statements[3])
	assert.Equal(t, "EXCHANGE TABLES `analytics`.`stg_users` AND `analytics`.`stg_users__next`", client.statements[4])

	inserted := client.inserts["`analytics`.`stg_users__next`"]
	require.Len(t, inserted, 1)
	assert.Equal(t, "2024-05-01 00:00:00.000000000", inserted[0]["extracted_at"])
	assert.Equal(t, `{"occupation":"dev"}`, inserted[0]["attributes"])
}

func TestAtomicReplaceSkipsExchangeOnFailure(t *testing.T) {
	client := newFakeClient()
	client.failOn = "TRUNCATE"
	s := newSink(client)

	err := s.AtomicReplace(context.Background(), "stg", nil)
	require.Error(t, err)

	for _, stmt := range client.statements {
		assert.NotContains(t, stmt, "EXCHANGE")
	}
}

func TestUpsertCollapsesAndOrdersVersions(t *testing.T) {
	client := newFakeClient()
	s := newSink(client)

	records := []record.Record{
		{Key: "p1", Version: record.IntCursor(3), Attributes: map[string]any{"v": 3}},
		{Key: "p1", Version: record.IntCursor(7), Attributes: map[string]any{"v": 7}},
		{Key: "p2", Version: record.IntCursor(-1), Attributes: map[string]any{"v": -1}, Deleted: true},
	}

	require.NoError(t, s.Upsert(context.Background(), "plans", records, record.ByKey, record.ByVersion))

	rows := client.inserts["`analytics`.`plans`"]
	require.Len(t, rows, 2)
	assert.Equal(t, "p1", rows[0]["key"])
	assert.Equal(t, `{"v":7}`, rows[0]["attributes"])
	assert.Equal(t, float64(1), rows[1]["deleted"])
}

func TestEntitiesDecodesRows(t *testing.T) {
	client := newFakeClient()
	client.rows["FINAL WHERE key IN"] = []map[string]any{
		{
			"key":        "p1",
			"version":    `{"kind":"int","value":"7"}`,
			"attributes": `{"amount":12}`,
			"deleted":    json.Number("0"),
			"deleted_at": nil,
			"merged_at":  "2024-05-01 12:00:00.000000000",
		},
	}
	s := newSink(client)

	got, err := s.Entities(context.Background(), "plans", []string{"p1", "it's"})
	require.NoError(t, err)
	require.Contains(t, got, "p1")

	assert.Equal(t, record.IntCursor(7), got["p1"].Version)
	assert.Equal(t, json.Number("12"), got["p1"].Attributes["amount"])
	assert.False(t, got["p1"].Deleted)
	assert.Nil(t, got["p1"].DeletedAt)
	assert.Contains(t, client.statements[len(client.statements)-1], `IN ('p1', 'it\'s')`)
}

func TestAppendHistoryVersionsClosingRowsAfterOpenRows(t *testing.T) {
	client := newFakeClient()
	s := newSink(client)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	rows := []record.HistoryRow{
		{Key: "u1", Values: map[string]any{"status": "a"}, ValidFrom: t0, ValidTo: &t1, RunID: "r2"},
		{Key: "u1", Values: map[string]any{"status": "b"}, ValidFrom: t1, RunID: "r2"},
	}

	require.NoError(t, s.AppendHistory(context.Background(), "hist_users", rows))

	inserted := client.inserts["`analytics`.`hist_users`"]
	require.Len(t, inserted, 2)
	assert.Equal(t, "2024-01-02 00:00:00.000000000", inserted[0]["valid_to"])
	assert.Nil(t, inserted[1]["valid_to"])
	assert.Greater(t, timeOrdinal(t1), timeOrdinal(t0))
}

func TestVersionOrdinalPreservesOrder(t *testing.T) {
	merged := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		lower  record.Cursor
		higher record.Cursor
	}{
		{name: "ints across zero", lower: record.IntCursor(-5), higher: record.IntCursor(3)},
		{name: "large ints", lower: record.IntCursor(1 << 40), higher: record.IntCursor(1<<40 + 1)},
		{name: "floats across zero", lower: record.Cursor{Kind: record.CursorFloat, Value: "-1.5"}, higher: record.Cursor{Kind: record.CursorFloat, Value: "0.25"}},
		{name: "negative floats", lower: record.Cursor{Kind: record.CursorFloat, Value: "-10"}, higher: record.Cursor{Kind: record.CursorFloat, Value: "-2"}},
		{name: "times", lower: record.TimeCursor(merged), higher: record.TimeCursor(merged.Add(time.Nanosecond))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Less(t, versionOrdinal(tt.lower, merged), versionOrdinal(tt.higher, merged))
		})
	}
}
