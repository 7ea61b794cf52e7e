package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethpandaops/cdcore/pkg/api/handlers"
	"github.com/ethpandaops/cdcore/pkg/api/openapi"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"
)

// Service defines the API service interface
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

type service struct {
	server *http.Server
	config *Config
	deps   handlers.Deps
	log    logrus.FieldLogger
}

// NewService creates a new API service
func NewService(cfg *Config, deps handlers.Deps, log logrus.FieldLogger) Service {
	return &service{
		config: cfg,
		deps:   deps,
		log:    log.WithField("service", "api"),
	}
}

// NewApp builds the fiber app with every route mounted under /api/v1. The OpenAPI document is
// validated here, so a broken document stops startup.
func NewApp(ctx context.Context, cfg *Config, deps handlers.Deps, log logrus.FieldLogger) (*fiber.App, error) {
	document, err := openapi.JSON(ctx)
	if err != nil {
		return nil, err
	}

	deps.Document = document

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		AppName:      "cdcore API",
	})

	setupMiddleware(app, cfg.RequestLogging)

	handlers.RegisterHandlers(app.Group("/api/v1"), handlers.NewServer(deps, log))

	return app, nil
}

// Start initializes and starts the API server
func (s *service) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info("API service is disabled")

		return nil
	}

	app, err := NewApp(ctx, s.config, s.deps, s.log)
	if err != nil {
		return fmt.Errorf("failed to build API: %w", err)
	}

	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           adaptor.FiberApp(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.WithField("addr", s.config.Addr).Info("Starting API server")

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Server failed to start")
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server
func (s *service) Stop() error {
	if s.server == nil {
		return nil
	}

	s.log.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
