package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/cdcore/pkg/coordinator"
	"github.com/ethpandaops/cdcore/pkg/observability"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// TaskHandler executes run tasks through the coordinator
type TaskHandler struct {
	runner coordinator.Runner
	log    logrus.FieldLogger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(log logrus.FieldLogger, runner coordinator.Runner) *TaskHandler {
	return &TaskHandler{
		runner: runner,
		log:    log.WithField("component", "task-handler"),
	}
}

// Routes maps task types to handlers for an asynq.ServeMux
func (h *TaskHandler) Routes() map[string]asynq.HandlerFunc {
	return map[string]asynq.HandlerFunc{
		TypeRun: h.HandleRun,
	}
}

// HandleRun executes one run. A run that finishes is never retried, whatever its outcome;
// node failures live on the manifest.
func (h *TaskHandler) HandleRun(ctx context.Context, t *asynq.Task) error {
	payload, err := DecodeRunPayload(t)
	if err != nil {
		observability.RecordError("task-handler", "unmarshal_error")

		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	log := h.log.WithFields(logrus.Fields{
		"run_id":    payload.RunID,
		"job":       payload.Job,
		"trigger":   payload.Trigger,
		"selectors": payload.Selectors,
	})

	log.Info("Starting run task")

	m, err := h.runner.Run(ctx, payload.Selectors,
		coordinator.WithRunID(payload.RunID),
		coordinator.WithTrigger(payload.Trigger),
	)

	switch {
	case err == nil:
		log.WithField("outcome", m.Outcome).Info("Run task finished")

		return nil
	case m != nil:
		// Canceled mid-run. The manifest is final so the task is not retried under the same id.
		log.WithError(err).WithField("outcome", m.Outcome).Warn("Run task interrupted")

		return fmt.Errorf("run %s interrupted: %w: %w", payload.RunID, err, asynq.SkipRetry)
	case errors.Is(err, coordinator.ErrUnknownNode), errors.Is(err, coordinator.ErrEmptySelector):
		log.WithError(err).Error("Run task has an invalid selection")
		observability.RecordError("task-handler", "invalid_selection")

		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		log.WithError(err).Error("Run task failed to start")
		observability.RecordError("task-handler", "run_start_error")

		return fmt.Errorf("run %s failed to start: %w", payload.RunID, err)
	}
}
