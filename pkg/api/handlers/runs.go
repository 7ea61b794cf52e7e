package handlers

import (
	"errors"

	"github.com/ethpandaops/cdcore/pkg/coordinator"
	"github.com/ethpandaops/cdcore/pkg/manifest"
	"github.com/ethpandaops/cdcore/pkg/tasks"
	"github.com/gofiber/fiber/v3"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

// TriggerRequest is the body of POST /runs
type TriggerRequest struct {
	Selectors []string `json:"selectors"`
	RunID     string   `json:"run_id,omitempty"`
}

// TriggerResponse acknowledges an enqueued run
type TriggerResponse struct {
	RunID     string   `json:"run_id"`
	Selectors []string `json:"selectors"`
	Nodes     []string `json:"nodes"`
}

// ListRuns handles GET /api/v1/runs
func (s *Server) ListRuns(c fiber.Ctx, params ListRunsParams) error {
	limit := defaultRunsLimit
	if params.Limit != nil {
		limit = *params.Limit
	}

	if limit < 1 || limit > maxRunsLimit {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 500")
	}

	runs, err := s.deps.Manifests.List(c.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")

		return fiber.NewError(fiber.StatusInternalServerError, "failed to list runs")
	}

	if runs == nil {
		runs = []*manifest.Manifest{}
	}

	return c.Status(fiber.StatusOK).JSON(map[string]interface{}{
		"runs":  runs,
		"total": len(runs),
	})
}

// GetRun handles GET /api/v1/runs/{run_id}
func (s *Server) GetRun(c fiber.Ctx, runID string) error {
	m, err := s.deps.Manifests.Get(c.Context(), runID)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return ErrRunNotFound
		}

		s.log.WithError(err).WithField("run_id", runID).Error("Failed to get run")

		return fiber.NewError(fiber.StatusInternalServerError, "failed to get run")
	}

	return c.Status(fiber.StatusOK).JSON(m)
}

// TriggerRun handles POST /api/v1/runs. The selection is checked against the graph before
// the run is enqueued, so a typo fails here instead of on a worker.
func (s *Server) TriggerRun(c fiber.Ctx) error {
	if s.deps.Queue == nil {
		return ErrQueueUnavailable
	}

	var req TriggerRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
		}
	}

	nodes, err := s.deps.Graph.Select(req.Selectors)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	payload := tasks.NewRunPayload(req.Selectors, coordinator.TriggerAPI, "")
	if req.RunID != "" {
		payload.RunID = req.RunID
	}

	if err := s.deps.Queue.EnqueueRun(c.Context(), payload); err != nil {
		if errors.Is(err, tasks.ErrDuplicateRun) {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}

		s.log.WithError(err).Error("Failed to enqueue run")

		return fiber.NewError(fiber.StatusInternalServerError, "failed to enqueue run")
	}

	s.log.WithField("run_id", payload.RunID).Info("Run enqueued over API")

	selectors := req.Selectors
	if selectors == nil {
		selectors = []string{}
	}

	return c.Status(fiber.StatusAccepted).JSON(TriggerResponse{
		RunID:     payload.RunID,
		Selectors: selectors,
		Nodes:     nodes,
	})
}
