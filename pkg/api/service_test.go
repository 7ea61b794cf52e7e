package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/cdcore/pkg/api/handlers"
	"github.com/ethpandaops/cdcore/pkg/coordinator"
	"github.com/ethpandaops/cdcore/pkg/manifest"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/ethpandaops/cdcore/pkg/scheduler"
	memsink "github.com/ethpandaops/cdcore/pkg/sink/memory"
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/ethpandaops/cdcore/pkg/strategy"
	_ "github.com/ethpandaops/cdcore/pkg/strategy/incremental"
	_ "github.com/ethpandaops/cdcore/pkg/strategy/snapshot"
	"github.com/ethpandaops/cdcore/pkg/tasks"
	"github.com/ethpandaops/cdcore/pkg/watermark"
	"github.com/gofiber/fiber/v3"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockQueue struct {
	mu       sync.Mutex
	payloads []tasks.RunPayload
	err      error
}

func (m *mockQueue) EnqueueRun(_ context.Context, payload tasks.RunPayload, _ ...asynq.Option) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	m.payloads = append(m.payloads, payload)

	return nil
}

type mockJobs struct {
	jobs []scheduler.JobStatus
}

func (m *mockJobs) Jobs(context.Context) ([]scheduler.JobStatus, error) {
	return m.jobs, nil
}

type fixture struct {
	app        *fiber.App
	queue      *mockQueue
	manifests  *manifest.MemoryStore
	watermarks *watermark.MemoryStore
	sink       *memsink.Sink
}

func newFixture(t *testing.T, jobs handlers.JobLister) *fixture {
	t.Helper()

	sources := []*source.Source{
		{ID: "raw_users", Capability: source.CapabilityFullSnapshot, KeyColumns: []string{"_Uid"}, WatchedColumns: []string{"occupation"}, MissingKeys: source.MissingKeysLeaveOpen, BatchSize: 100},
		{ID: "raw_plans", Capability: source.CapabilityIncremental, KeyColumns: []string{"plan_id"}, CursorColumn: "updated_at", BatchSize: 100, DependsOn: []string{"raw_users"}},
	}

	graph, err := coordinator.NewGraph(sources)
	require.NoError(t, err)

	namingCfg := strategy.NamingConfig{Environment: "test"}
	require.NoError(t, defaults.Set(&namingCfg))

	naming, err := strategy.NewNaming(namingCfg)
	require.NoError(t, err)

	f := &fixture{
		queue:      &mockQueue{},
		manifests:  manifest.NewMemoryStore(),
		watermarks: watermark.NewMemoryStore(),
		sink:       memsink.New(),
	}

	deps := handlers.Deps{
		Manifests:  f.manifests,
		Watermarks: f.watermarks,
		Graph:      graph,
		Sink:       f.sink,
		Naming:     naming,
		Queue:      f.queue,
		Jobs:       jobs,
	}

	cfg := &Config{}
	require.NoError(t, defaults.Set(cfg))

	f.app, err = NewApp(context.Background(), cfg, deps, logrus.New())
	require.NoError(t, err)

	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.app.Test(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var out map[string]any

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}

	return resp.StatusCode, out
}

func TestRuns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	status, body := f.do(t, http.MethodGet, "/api/v1/runs", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["total"])

	m := manifest.New("run-1", []string{"raw_plans"}, coordinator.TriggerCLI, []manifest.NodeState{
		{ID: "extract:raw_plans", Source: "raw_plans", Kind: "extract"},
	}, time.Now())
	require.NoError(t, f.manifests.Save(ctx, m))

	status, body = f.do(t, http.MethodGet, "/api/v1/runs?limit=10", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["total"])

	status, body = f.do(t, http.MethodGet, "/api/v1/runs/run-1", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, "RUNNING", body["outcome"])

	status, body = f.do(t, http.MethodGet, "/api/v1/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "run not found", body["error"])

	status, _ = f.do(t, http.MethodGet, "/api/v1/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, "/api/v1/runs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTriggerRun(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		queueErr   error
		wantStatus int
		wantNodes  int
	}{
		{name: "everything", body: "", wantStatus: http.StatusAccepted, wantNodes: 4},
		{name: "one source", body: `{"selectors":["raw_plans"]}`, wantStatus: http.StatusAccepted, wantNodes: 2},
		{name: "ancestors", body: `{"selectors":["+extract:raw_plans"]}`, wantStatus: http.StatusAccepted, wantNodes: 3},
		{name: "unknown node", body: `{"selectors":["merge:nope"]}`, wantStatus: http.StatusBadRequest},
		{name: "bad json", body: `{"selectors":`, wantStatus: http.StatusBadRequest},
		{name: "duplicate run id", body: `{"run_id":"r1"}`, queueErr: tasks.ErrDuplicateRun, wantStatus: http.StatusConflict},
		{name: "queue down", body: `{}`, queueErr: errors.New("redis down"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.queue.err = tt.queueErr

			status, body := f.do(t, http.MethodPost, "/api/v1/runs", tt.body)
			require.Equal(t, tt.wantStatus, status, body)

			if status != http.StatusAccepted {
				assert.Empty(t, f.queue.payloads)

				return
			}

			require.Len(t, f.queue.payloads, 1)
			assert.Equal(t, f.queue.payloads[0].RunID, body["run_id"])
			assert.Equal(t, coordinator.TriggerAPI, f.queue.payloads[0].Trigger)
			assert.Len(t, body["nodes"], tt.wantNodes)
		})
	}
}

func TestTriggerRunKeepsRequestedID(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(t, http.MethodPost, "/api/v1/runs", `{"run_id":"backfill-1","selectors":["raw_users"]}`)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "backfill-1", body["run_id"])
}

func TestWatermarksAndGraph(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.watermarks.Commit(context.Background(), "raw_plans", record.IntCursor(42), "run-1"))

	status, body := f.do(t, http.MethodGet, "/api/v1/watermarks", "")
	require.Equal(t, http.StatusOK, status)

	marks, ok := body["watermarks"].([]any)
	require.True(t, ok)
	require.Len(t, marks, 1)

	mark := marks[0].(map[string]any)
	assert.Equal(t, "raw_plans", mark["source_id"])
	assert.Equal(t, map[string]any{"kind": "int", "value": "42"}, mark["cursor"])

	status, body = f.do(t, http.MethodGet, "/api/v1/graph", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["max_level"])
	assert.Equal(t, []any{"extract:raw_users"}, body["roots"])
}

func TestSourceCurrent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.sink.Upsert(ctx, "test_raw_plans", []record.Record{
		{Key: "p1", Attributes: map[string]any{"plan_id": "p1"}, Version: record.IntCursor(1), ExtractedAt: now},
		{Key: "p2", Attributes: map[string]any{"plan_id": "p2"}, Version: record.IntCursor(1), ExtractedAt: now},
		{Key: "p3", Attributes: map[string]any{"plan_id": "p3"}, Version: record.IntCursor(1), ExtractedAt: now, Deleted: true, DeletedAt: &now},
	}, record.ByKey, record.ByVersion))

	require.NoError(t, f.sink.AppendHistory(ctx, "test_raw_users_history", []record.HistoryRow{
		{Key: "u1", Values: map[string]any{"occupation": "accountant"}, ValidFrom: now, RunID: "run-1"},
	}))

	status, body := f.do(t, http.MethodGet, "/api/v1/sources/raw_plans/current", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "entities", body["kind"])
	assert.Equal(t, "test_raw_plans", body["collection"])
	assert.Equal(t, float64(2), body["total"])

	status, body = f.do(t, http.MethodGet, "/api/v1/sources/raw_plans/current?limit=1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["items"], 1)
	assert.Equal(t, float64(2), body["total"])

	status, body = f.do(t, http.MethodGet, "/api/v1/sources/raw_users/current", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "history", body["kind"])
	assert.Equal(t, "test_raw_users_history", body["collection"])
	assert.Len(t, body["items"], 1)

	status, _ = f.do(t, http.MethodGet, "/api/v1/sources/unknown/current", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestJobs(t *testing.T) {
	f := newFixture(t, nil)

	status, _ := f.do(t, http.MethodGet, "/api/v1/jobs", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)

	f = newFixture(t, &mockJobs{jobs: []scheduler.JobStatus{{Name: "transactions", Schedule: "5 * * * *"}}})

	status, body := f.do(t, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["jobs"], 1)
}

func TestOpenAPIDocument(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(t, http.MethodGet, "/api/v1/openapi.json", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "3.0.3", body["openapi"])
	assert.Contains(t, body["paths"], "/runs")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, (&Config{}).Validate())
	assert.ErrorIs(t, (&Config{Enabled: true}).Validate(), ErrAPIAddrRequired)
}
