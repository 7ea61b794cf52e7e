package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// scheduleTracker remembers when each job last fired. Keys look like <prefix>scheduler:job:<name>.
type scheduleTracker interface {
	// GetLastRun returns zero time if the job never fired
	GetLastRun(ctx context.Context, job string) (time.Time, error)
	SetLastRun(ctx context.Context, job string, at time.Time) error
	// DeleteLastRun drops a job that is no longer configured
	DeleteLastRun(ctx context.Context, job string) error
	// GetAllJobs returns every job name with a recorded fire time
	GetAllJobs(ctx context.Context) ([]string, error)
}

type redisScheduleTracker struct {
	log       logrus.FieldLogger
	redis     *redis.Client
	keyPrefix string
}

// newScheduleTracker creates a Redis-backed schedule tracker
func newScheduleTracker(log logrus.FieldLogger, client *redis.Client, keyPrefix string) scheduleTracker {
	return &redisScheduleTracker{
		log:       log.WithField("component", "schedule_tracker"),
		redis:     client,
		keyPrefix: keyPrefix + "scheduler:job:",
	}
}

func (r *redisScheduleTracker) GetLastRun(ctx context.Context, job string) (time.Time, error) {
	val, err := r.redis.Get(ctx, r.keyPrefix+job).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}

		return time.Time{}, fmt.Errorf("failed to get last run for job %s: %w", job, err)
	}

	timestamp, err := time.Parse(time.RFC3339, val)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"job":       job,
			"raw_value": val,
		}).Error("Failed to parse timestamp")

		return time.Time{}, fmt.Errorf("failed to parse timestamp for job %s: %w", job, err)
	}

	return timestamp, nil
}

func (r *redisScheduleTracker) SetLastRun(ctx context.Context, job string, at time.Time) error {
	if err := r.redis.Set(ctx, r.keyPrefix+job, at.UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("failed to set last run for job %s: %w", job, err)
	}

	return nil
}

func (r *redisScheduleTracker) DeleteLastRun(ctx context.Context, job string) error {
	if err := r.redis.Del(ctx, r.keyPrefix+job).Err(); err != nil {
		return fmt.Errorf("failed to delete last run for job %s: %w", job, err)
	}

	return nil
}

func (r *redisScheduleTracker) GetAllJobs(ctx context.Context) ([]string, error) {
	const scanBatchSize = 100

	var jobs []string

	iter := r.redis.Scan(ctx, 0, r.keyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		jobs = append(jobs, iter.Val()[len(r.keyPrefix):])
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan jobs: %w", err)
	}

	return jobs, nil
}

var _ scheduleTracker = (*redisScheduleTracker)(nil)
