package handlers

import (
	"github.com/ethpandaops/cdcore/pkg/watermark"
	"github.com/gofiber/fiber/v3"
)

// ListWatermarks handles GET /api/v1/watermarks
func (s *Server) ListWatermarks(c fiber.Ctx) error {
	states, err := s.deps.Watermarks.List(c.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list watermarks")

		return fiber.NewError(fiber.StatusInternalServerError, "failed to list watermarks")
	}

	if states == nil {
		states = []watermark.State{}
	}

	return c.Status(fiber.StatusOK).JSON(map[string]interface{}{
		"watermarks": states,
	})
}

// GetGraph handles GET /api/v1/graph
func (s *Server) GetGraph(c fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(s.deps.Graph.Info())
}

// ListJobs handles GET /api/v1/jobs
func (s *Server) ListJobs(c fiber.Ctx) error {
	if s.deps.Jobs == nil {
		return ErrSchedulerUnavailable
	}

	jobs, err := s.deps.Jobs.Jobs(c.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list jobs")

		return fiber.NewError(fiber.StatusInternalServerError, "failed to list jobs")
	}

	return c.Status(fiber.StatusOK).JSON(map[string]interface{}{
		"jobs": jobs,
	})
}

// GetOpenAPI handles GET /api/v1/openapi.json
func (s *Server) GetOpenAPI(c fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	return c.Status(fiber.StatusOK).Send(s.deps.Document)
}
