package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethpandaops/cdcore/pkg/coordinator"
	"github.com/ethpandaops/cdcore/pkg/manifest"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRunner records the run it was asked for and answers with a canned result
type mockRunner struct {
	manifest *manifest.Manifest
	err      error

	selectors []string
	opts      int
}

func (m *mockRunner) Run(_ context.Context, selectors []string, opts ...coordinator.RunOption) (*manifest.Manifest, error) {
	m.selectors = selectors
	m.opts = len(opts)

	return m.manifest, m.err
}

func finished(outcome manifest.Outcome) *manifest.Manifest {
	m := manifest.New("run-1", nil, coordinator.TriggerSchedule, nil, time.Now())
	m.Outcome = outcome

	return m
}

func runTask(t *testing.T, payload RunPayload) *asynq.Task {
	t.Helper()

	task, err := NewRunTask(payload)
	require.NoError(t, err)

	return task
}

func TestHandleRun(t *testing.T) {
	payload := RunPayload{RunID: "run-1", Selectors: []string{"raw_plans"}, Trigger: coordinator.TriggerSchedule, Job: "savings_plans"}

	tests := []struct {
		name      string
		runner    *mockRunner
		task      *asynq.Task
		wantErr   bool
		skipRetry bool
	}{
		{
			name:   "succeeded run",
			runner: &mockRunner{manifest: finished(manifest.OutcomeSucceeded)},
			task:   runTask(t, payload),
		},
		{
			name:   "partial run is not retried",
			runner: &mockRunner{manifest: finished(manifest.OutcomePartial)},
			task:   runTask(t, payload),
		},
		{
			name:      "interrupted run",
			runner:    &mockRunner{manifest: finished(manifest.OutcomeFailed), err: context.Canceled},
			task:      runTask(t, payload),
			wantErr:   true,
			skipRetry: true,
		},
		{
			name:      "invalid selection",
			runner:    &mockRunner{err: coordinator.ErrUnknownNode},
			task:      runTask(t, payload),
			wantErr:   true,
			skipRetry: true,
		},
		{
			name:    "start failure is retryable",
			runner:  &mockRunner{err: errors.New("redis down")},
			task:    runTask(t, payload),
			wantErr: true,
		},
		{
			name:      "bad payload",
			runner:    &mockRunner{},
			task:      asynq.NewTask(TypeRun, []byte("{")),
			wantErr:   true,
			skipRetry: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewTaskHandler(logrus.New(), tt.runner)

			err := h.HandleRun(context.Background(), tt.task)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, payload.Selectors, tt.runner.selectors)
				assert.Equal(t, 2, tt.runner.opts)

				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestRoutes(t *testing.T) {
	h := NewTaskHandler(logrus.New(), &mockRunner{})

	routes := h.Routes()
	require.Len(t, routes, 1)
	assert.Contains(t, routes, TypeRun)
}

func TestRunPayload(t *testing.T) {
	payload := NewRunPayload([]string{"+merge:raw_plans"}, coordinator.TriggerAPI, "")
	assert.NotEmpty(t, payload.RunID)
	assert.Equal(t, payload.RunID, payload.UniqueID())

	task, err := NewRunTask(payload)
	require.NoError(t, err)
	assert.Equal(t, TypeRun, task.Type())

	var raw map[string]any
	require.NoError(t, json.Unmarshal(task.Payload(), &raw))
	assert.NotContains(t, raw, "job")

	decoded, err := DecodeRunPayload(task)
	require.NoError(t, err)
	assert.Equal(t, payload.Selectors, decoded.Selectors)
	assert.Equal(t, coordinator.TriggerAPI, decoded.Trigger)

	_, err = NewRunTask(RunPayload{})
	require.ErrorIs(t, err, ErrRunIDRequired)

	_, err = DecodeRunPayload(asynq.NewTask(TypeRun, []byte(`{"trigger":"cli"}`)))
	require.ErrorIs(t, err, ErrRunIDRequired)
}
