package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/cdcore/pkg/observability"
	"github.com/hibiken/asynq"
)

const (
	// RunTimeout bounds a single run task
	RunTimeout = 2 * time.Hour
	// RunRetention keeps finished run tasks around so their ids keep deduplicating
	RunRetention = 24 * time.Hour
)

// QueueManager manages run task queuing
type QueueManager struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

// NewQueueManager creates a new queue manager that enqueues onto queue
func NewQueueManager(redisOpt *asynq.RedisClientOpt, queue string) *QueueManager {
	if queue == "" {
		queue = QueueName
	}

	return &QueueManager{
		client:    asynq.NewClient(*redisOpt),
		inspector: asynq.NewInspector(*redisOpt),
		queue:     queue,
	}
}

// Queue returns the queue name run tasks are enqueued on
func (q *QueueManager) Queue() string {
	return q.queue
}

// EnqueueRun enqueues a run task. The run id is the task id, so enqueuing the same run twice
// fails with ErrDuplicateRun.
func (q *QueueManager) EnqueueRun(ctx context.Context, payload RunPayload, opts ...asynq.Option) error {
	task, err := NewRunTask(payload)
	if err != nil {
		return err
	}

	// Retries happen inside the run; a failed run is recorded on its manifest instead.
	defaultOpts := []asynq.Option{
		asynq.TaskID(payload.UniqueID()),
		asynq.Queue(q.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(RunTimeout),
		asynq.Retention(RunRetention),
	}

	allOpts := defaultOpts
	allOpts = append(allOpts, opts...)

	if _, err := q.client.EnqueueContext(ctx, task, allOpts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return fmt.Errorf("%w: %s", ErrDuplicateRun, payload.RunID)
		}

		observability.RecordError("queue", "enqueue_error")

		return fmt.Errorf("failed to enqueue run %s: %w", payload.RunID, err)
	}

	observability.RecordTaskEnqueued(payload.Job, payload.Trigger)

	return nil
}

// IsRunPendingOrRunning checks if a run task is waiting or executing
func (q *QueueManager) IsRunPendingOrRunning(runID string) (bool, error) {
	info, err := q.inspector.GetTaskInfo(q.queue, runID)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) || errors.Is(err, asynq.ErrTaskNotFound) {
			return false, nil
		}

		return false, err
	}

	return info.State == asynq.TaskStatePending ||
		info.State == asynq.TaskStateActive ||
		info.State == asynq.TaskStateRetry, nil
}

// GetQueueStats returns queue statistics
func (q *QueueManager) GetQueueStats() (*asynq.QueueInfo, error) {
	return q.inspector.GetQueueInfo(q.queue)
}

// Close closes the queue manager
func (q *QueueManager) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}
