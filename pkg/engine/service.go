package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is intentionally exposed when pprofAddr is configured
	"time"

	"github.com/ethpandaops/cdcore/pkg/api"
	"github.com/ethpandaops/cdcore/pkg/api/handlers"
	"github.com/ethpandaops/cdcore/pkg/observability"
	cdredis "github.com/ethpandaops/cdcore/pkg/redis"
	"github.com/ethpandaops/cdcore/pkg/scheduler"
	"github.com/ethpandaops/cdcore/pkg/tasks"
	"github.com/ethpandaops/cdcore/pkg/worker"
	"github.com/sirupsen/logrus"
)

// Service runs the long-lived engine: scheduler, worker and API around one set of components
type Service struct {
	config *Config
	log    logrus.FieldLogger

	components *Components
	queue      *tasks.QueueManager
	scheduler  scheduler.Service
	worker     worker.Service
	api        api.Service

	cancel context.CancelFunc

	// Servers
	healthServer *http.Server
	pprofServer  *http.Server
}

// NewService builds the components and the services on top of them
func NewService(ctx context.Context, log logrus.FieldLogger, cfg *Config) (*Service, error) {
	components, err := BuildComponents(ctx, log, cfg)
	if err != nil {
		return nil, err
	}

	s, err := newService(log, cfg, components)
	if err != nil {
		_ = components.Close()

		return nil, err
	}

	return s, nil
}

func newService(log logrus.FieldLogger, cfg *Config, components *Components) (*Service, error) {
	asynqOpt := cdredis.NewAsynqRedisOptions(components.RedisOptions)
	queueName := cfg.Redis.PrefixQueue(cfg.Worker.Queue)
	queue := tasks.NewQueueManager(asynqOpt, queueName)

	s := &Service{
		config:     cfg,
		log:        log,
		components: components,
		queue:      queue,
	}

	deps := handlers.Deps{
		Manifests:  components.Manifests,
		Watermarks: components.Watermarks,
		Graph:      components.Graph,
		Sink:       components.Sink,
		Naming:     components.Naming,
		Queue:      queue,
	}

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.NewService(log, &cfg.Scheduler, components.Redis, cfg.Redis.KeyPrefix(), queue)
		if err != nil {
			_ = queue.Close()

			return nil, fmt.Errorf("failed to create scheduler service: %w", err)
		}

		s.scheduler = sched
		deps.Jobs = sched
	}

	if cfg.Worker.Enabled {
		handler := tasks.NewTaskHandler(log, components.Coordinator)

		w, err := worker.NewService(log, &cfg.Worker, asynqOpt, queueName, handler)
		if err != nil {
			_ = queue.Close()

			return nil, fmt.Errorf("failed to create worker service: %w", err)
		}

		s.worker = w
	}

	s.api = api.NewService(&cfg.API, deps, log)

	return s, nil
}

// Start starts every enabled service
func (s *Service) Start(ctx context.Context) error {
	s.log.Info("Starting cdcore engine...")

	ctx, s.cancel = context.WithCancel(ctx)

	observability.StartMetricsServer(ctx, s.log, s.config.MetricsAddr)

	if s.config.HealthCheckAddr != "" {
		s.startHealthCheck()
	}

	if s.config.PProfAddr != "" {
		s.startPProf()
	}

	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	if s.worker != nil {
		if err := s.worker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}

	if err := s.api.Start(ctx); err != nil {
		return fmt.Errorf("failed to start API service: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"scheduler": s.scheduler != nil,
		"worker":    s.worker != nil,
		"api":       s.config.API.Enabled,
	}).Info("cdcore engine started successfully")

	return nil
}

// Stop shuts services down in dependency order: no new runs are scheduled, in-flight runs
// finish, then the stores close.
func (s *Service) Stop() error {
	s.log.Info("Shutting down engine...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopService := func(name string, stopFunc func() error) {
		if err := stopFunc(); err != nil {
			s.log.WithError(err).Errorf("Failed to stop %s", name)
		}
	}

	if s.scheduler != nil {
		stopService("scheduler service", s.scheduler.Stop)
	}

	if s.worker != nil {
		stopService("worker service", s.worker.Stop)
	}

	stopService("API service", s.api.Stop)
	stopService("task queue", s.queue.Close)

	if s.cancel != nil {
		s.cancel()
	}

	if s.healthServer != nil {
		stopService("health check server", func() error { return s.healthServer.Shutdown(ctx) })
	}

	if s.pprofServer != nil {
		stopService("pprof server", func() error { return s.pprofServer.Shutdown(ctx) })
	}

	// Sink and redis last; a failed close here is reported to the caller.
	if err := s.components.Close(); err != nil {
		s.log.WithError(err).Error("Failed to close components")

		return err
	}

	s.log.Info("Engine stopped")

	return nil
}

func (s *Service) startHealthCheck() {
	s.log.WithField("addr", s.config.HealthCheckAddr).Info("Starting health check server")

	s.healthServer = &http.Server{
		Addr:              s.config.HealthCheckAddr,
		Handler:           s.healthHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Health check server failed")
		}
	}()
}

// healthHandler serves /health unconditionally and /ready once redis answers
func (s *Service) healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.components.Redis.Ping(ctx).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("redis unavailable"))

			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return mux
}

func (s *Service) startPProf() {
	s.log.WithField("addr", s.config.PProfAddr).Info("Starting pprof server")

	s.pprofServer = &http.Server{
		Addr:              s.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	go func() {
		if err := s.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Pprof server failed")
		}
	}()
}
