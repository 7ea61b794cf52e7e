// Package tasks provides run task queue management using Asynq
package tasks

import (
	"errors"
	"time"
)

const (
	// TypeRun is the task type for a coordinator run
	TypeRun = "run:execute"
	// QueueName is the default queue run tasks go to
	QueueName = "runs"
)

var (
	// ErrDuplicateRun is returned when a run id is already queued or was recently processed
	ErrDuplicateRun = errors.New("run already enqueued")
	// ErrRunIDRequired is returned for a payload without a run id
	ErrRunIDRequired = errors.New("run id is required")
)

// RunPayload is the body of a run task
type RunPayload struct {
	RunID      string    `json:"run_id"`
	Selectors  []string  `json:"selectors,omitempty"`
	Trigger    string    `json:"trigger"`
	Job        string    `json:"job,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// UniqueID returns the asynq task id, which is the run id
func (p RunPayload) UniqueID() string {
	return p.RunID
}
