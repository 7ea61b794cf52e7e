// Package worker consumes run tasks from the queue and executes them through the coordinator
package worker

import (
	"context"
	"fmt"

	"github.com/ethpandaops/cdcore/pkg/tasks"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Service is the queue consumer
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

type service struct {
	log     logrus.FieldLogger
	cfg     *Config
	redis   *asynq.RedisClientOpt
	handler *tasks.TaskHandler
	queue   string

	server *asynq.Server
}

// NewService creates a worker. queue is the fully prefixed queue name run tasks are enqueued on.
func NewService(log logrus.FieldLogger, cfg *Config, redisOpt *asynq.RedisClientOpt, queue string, handler *tasks.TaskHandler) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker configuration: %w", err)
	}

	return &service{
		log:     log.WithField("service", "worker"),
		cfg:     cfg,
		redis:   redisOpt,
		handler: handler,
		queue:   queue,
	}, nil
}

// NewServeMux routes every task type the handler serves
func NewServeMux(handler *tasks.TaskHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for taskType, handlerFunc := range handler.Routes() {
		mux.HandleFunc(taskType, handlerFunc)
	}

	return mux
}

func (s *service) Start(_ context.Context) error {
	s.server = asynq.NewServer(*s.redis, asynq.Config{
		Concurrency:     s.cfg.Concurrency,
		Queues:          map[string]int{s.queue: 1},
		ShutdownTimeout: s.cfg.ShutdownTimeout,
		LogLevel:        asynq.WarnLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			s.log.WithError(err).WithField("task_type", task.Type()).Warn("Task failed")
		}),
	})

	if err := s.server.Start(NewServeMux(s.handler)); err != nil {
		return fmt.Errorf("failed to start worker server: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"queue":       s.queue,
		"concurrency": s.cfg.Concurrency,
	}).Info("Worker started")

	return nil
}

func (s *service) Stop() error {
	if s.server == nil {
		return nil
	}

	s.log.Info("Stopping worker")
	s.server.Shutdown()

	return nil
}
