package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/cdcore/pkg/coordinator"
	"github.com/ethpandaops/cdcore/pkg/observability"
	"github.com/ethpandaops/cdcore/pkg/tasks"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Service defines the public interface for the scheduler
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	// Jobs reports every configured job with its next and last fire time
	Jobs(ctx context.Context) ([]JobStatus, error)
	IsLeader() bool
}

// Enqueuer is the part of the task queue the scheduler needs
type Enqueuer interface {
	EnqueueRun(ctx context.Context, payload tasks.RunPayload, opts ...asynq.Option) error
}

// JobStatus describes one job
type JobStatus struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	Timezone string     `json:"timezone"`
	Select   []string   `json:"select"`
	Disabled bool       `json:"disabled,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	LastRun  *time.Time `json:"last_run,omitempty"`
}

type scheduledJob struct {
	job      Job
	location *time.Location
	schedule cron.Schedule
	entry    cron.EntryID
}

type service struct {
	log     logrus.FieldLogger
	cfg     *Config
	elector LeaderElector
	tracker scheduleTracker
	queue   Enqueuer
	now     func() time.Time

	cron *cron.Cron
	jobs []*scheduledJob

	mu         sync.Mutex
	scheduling bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewService creates a scheduler that competes for leadership through client and enqueues on queue
func NewService(log logrus.FieldLogger, cfg *Config, client *redis.Client, keyPrefix string, queue Enqueuer) (Service, error) {
	elector := NewLeaderElector(log, client, keyPrefix+"scheduler:leader", cfg.LeaderLease, cfg.RenewInterval)

	return newService(log, cfg, elector, newScheduleTracker(log, client, keyPrefix), queue)
}

func newService(log logrus.FieldLogger, cfg *Config, elector LeaderElector, tracker scheduleTracker, queue Enqueuer) (*service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler configuration: %w", err)
	}

	defaultLocation, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	s := &service{
		log:     log.WithField("service", "scheduler"),
		cfg:     cfg,
		elector: elector,
		tracker: tracker,
		queue:   queue,
		now:     time.Now,
		done:    make(chan struct{}),
	}

	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(defaultLocation),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)

	for _, job := range cfg.Jobs {
		loc, err := cfg.Location(job)
		if err != nil {
			return nil, err
		}

		schedule, err := cronParser.Parse(job.Schedule)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchedule, job.Name, err)
		}

		sj := &scheduledJob{job: job, location: loc, schedule: inLocation{schedule, loc}}
		s.jobs = append(s.jobs, sj)

		if job.Disabled {
			continue
		}

		sj.entry = s.cron.Schedule(sj.schedule, cron.FuncJob(func() {
			s.fire(context.Background(), sj.job, s.cron.Entry(sj.entry).Prev)
		}))

		observability.RecordScheduledJobRegistered(job.Name)
	}

	return s, nil
}

func (s *service) Start(ctx context.Context) error {
	if err := s.elector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start leader election: %w", err)
	}

	s.wg.Add(1)
	go s.handleLeaderElection(ctx)

	s.log.WithField("jobs", len(s.jobs)).Info("Scheduler started (participating in leader election)")

	return nil
}

func (s *service) Stop() error {
	close(s.done)

	if err := s.elector.Stop(); err != nil {
		s.log.WithError(err).Warn("Failed to stop leader elector")
	}

	s.wg.Wait()
	s.stopScheduling()

	s.log.Info("Scheduler stopped")

	return nil
}

func (s *service) IsLeader() bool {
	return s.elector.IsLeader()
}

// handleLeaderElection runs the cron only while this instance leads
func (s *service) handleLeaderElection(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.elector.Promoted():
			s.startScheduling(ctx)
		case <-s.elector.Demoted():
			s.stopScheduling()
		}
	}
}

func (s *service) startScheduling(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduling {
		return
	}

	s.cron.Start()
	s.scheduling = true

	s.log.Info("Leader: scheduling jobs")
	s.removeObsoleteJobs(ctx)
}

func (s *service) stopScheduling() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.scheduling {
		return
	}

	<-s.cron.Stop().Done()
	s.scheduling = false

	s.log.Info("No longer leader: stopped scheduling jobs")
}

// fire enqueues one run for job. The run id is derived from the scheduled time, so a second
// leader firing the same slot is deduplicated by the queue.
func (s *service) fire(ctx context.Context, job Job, scheduled time.Time) {
	if scheduled.IsZero() {
		scheduled = s.now()
	}

	payload := tasks.RunPayload{
		RunID:      RunID(job.Name, scheduled),
		Selectors:  job.Select,
		Trigger:    coordinator.TriggerSchedule,
		Job:        job.Name,
		EnqueuedAt: s.now().UTC(),
	}

	log := s.log.WithFields(logrus.Fields{"job": job.Name, "run_id": payload.RunID})

	err := s.queue.EnqueueRun(ctx, payload)

	switch {
	case errors.Is(err, tasks.ErrDuplicateRun):
		log.Debug("Scheduled run already enqueued")

		return
	case err != nil:
		log.WithError(err).Error("Failed to enqueue scheduled run")
		observability.RecordError("scheduler", "enqueue_error")

		return
	}

	log.Info("Enqueued scheduled run")

	if err := s.tracker.SetLastRun(ctx, job.Name, scheduled); err != nil {
		log.WithError(err).Warn("Failed to record job fire time")
	}
}

// removeObsoleteJobs forgets fire times of jobs that left the configuration
func (s *service) removeObsoleteJobs(ctx context.Context) {
	tracked, err := s.tracker.GetAllJobs(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to list tracked jobs")

		return
	}

	configured := make(map[string]struct{}, len(s.jobs))
	for _, sj := range s.jobs {
		configured[sj.job.Name] = struct{}{}
	}

	for _, name := range tracked {
		if _, ok := configured[name]; ok {
			continue
		}

		if err := s.tracker.DeleteLastRun(ctx, name); err != nil {
			s.log.WithError(err).WithField("job", name).Warn("Failed to remove obsolete job")

			continue
		}

		s.log.WithField("job", name).Info("Removed obsolete job")
	}
}

func (s *service) Jobs(ctx context.Context) ([]JobStatus, error) {
	now := s.now()
	out := make([]JobStatus, 0, len(s.jobs))

	for _, sj := range s.jobs {
		status := JobStatus{
			Name:     sj.job.Name,
			Schedule: sj.job.Schedule,
			Timezone: sj.location.String(),
			Select:   sj.job.Select,
			Disabled: sj.job.Disabled,
		}

		if !sj.job.Disabled {
			next := sj.schedule.Next(now)
			status.NextRun = &next
		}

		last, err := s.tracker.GetLastRun(ctx, sj.job.Name)
		if err != nil {
			return nil, err
		}

		if !last.IsZero() {
			status.LastRun = &last
		}

		out = append(out, status)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// RunID names the run a job fires at scheduled
func RunID(job string, scheduled time.Time) string {
	return fmt.Sprintf("%s-%s", job, scheduled.UTC().Format("20060102T150405Z"))
}

// inLocation evaluates a schedule in loc whatever zone the cron runs in
type inLocation struct {
	cron.Schedule
	loc *time.Location
}

func (s inLocation) Next(t time.Time) time.Time {
	return s.Schedule.Next(t.In(s.loc))
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	out := make(logrus.Fields, len(keysAndValues)/2)

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}

	return out
}

var _ Service = (*service)(nil)
