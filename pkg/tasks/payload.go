package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// NewRunPayload builds a payload with a fresh run id
func NewRunPayload(selectors []string, trigger, job string) RunPayload {
	return RunPayload{
		RunID:      uuid.New().String(),
		Selectors:  selectors,
		Trigger:    trigger,
		Job:        job,
		EnqueuedAt: time.Now().UTC(),
	}
}

// NewRunTask encodes payload as an asynq task
func NewRunTask(payload RunPayload) (*asynq.Task, error) {
	if payload.RunID == "" {
		return nil, ErrRunIDRequired
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run payload: %w", err)
	}

	return asynq.NewTask(TypeRun, data), nil
}

// DecodeRunPayload reads the payload of a run task
func DecodeRunPayload(t *asynq.Task) (RunPayload, error) {
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return RunPayload{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if payload.RunID == "" {
		return RunPayload{}, ErrRunIDRequired
	}

	return payload, nil
}
