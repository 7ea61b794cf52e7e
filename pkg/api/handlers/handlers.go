// Package handlers implements the HTTP API over runs, watermarks, the graph and source state.
package handlers

import (
	"context"

	"github.com/ethpandaops/cdcore/pkg/coordinator"
	"github.com/ethpandaops/cdcore/pkg/manifest"
	"github.com/ethpandaops/cdcore/pkg/scheduler"
	"github.com/ethpandaops/cdcore/pkg/sink"
	"github.com/ethpandaops/cdcore/pkg/strategy"
	"github.com/ethpandaops/cdcore/pkg/tasks"
	"github.com/ethpandaops/cdcore/pkg/watermark"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Enqueuer accepts runs triggered over HTTP
type Enqueuer interface {
	EnqueueRun(ctx context.Context, payload tasks.RunPayload, opts ...asynq.Option) error
}

// JobLister reports scheduled jobs
type JobLister interface {
	Jobs(ctx context.Context) ([]scheduler.JobStatus, error)
}

// Deps are the services the handlers read from. Queue and Jobs may be nil.
type Deps struct {
	Manifests  manifest.Store
	Watermarks watermark.Store
	Graph      *coordinator.Graph
	Sink       sink.Sink
	Naming     *strategy.Naming
	Queue      Enqueuer
	Jobs       JobLister
	// Document is the OpenAPI document served as JSON
	Document []byte
}

// Server implements ServerInterface
type Server struct {
	deps Deps
	log  logrus.FieldLogger
}

// NewServer creates a new API server instance
func NewServer(deps Deps, log logrus.FieldLogger) *Server {
	return &Server{
		deps: deps,
		log:  log.WithField("component", "api.handlers"),
	}
}

// Ensure we implement the interface at compile time
var _ ServerInterface = (*Server)(nil)
