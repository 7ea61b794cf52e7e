package handlers

import (
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/gofiber/fiber/v3"
)

// Kinds of rows GET /sources/{source_id}/current returns
const (
	CurrentKindEntities = "entities"
	CurrentKindHistory  = "history"
)

// GetSourceCurrent handles GET /api/v1/sources/{source_id}/current
func (s *Server) GetSourceCurrent(c fiber.Ctx, sourceID string, params GetSourceCurrentParams) error {
	src, ok := s.deps.Graph.Source(sourceID)
	if !ok {
		return ErrSourceNotFound
	}

	if params.Limit != nil && *params.Limit < 1 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be positive")
	}

	var (
		collection string
		kind       string
		items      []any
		err        error
	)

	switch src.Capability {
	case source.CapabilityFullSnapshot:
		kind = CurrentKindHistory

		collection, err = s.deps.Naming.History(src.ID)
		if err == nil {
			rows, readErr := s.deps.Sink.OpenHistory(c.Context(), collection)
			err = readErr

			for _, row := range rows {
				items = append(items, row)
			}
		}
	default:
		kind = CurrentKindEntities

		collection, err = s.deps.Naming.Entities(src.ID)
		if err == nil {
			entities, readErr := s.deps.Sink.Current(c.Context(), collection)
			err = readErr

			for _, entity := range entities {
				items = append(items, entity)
			}
		}
	}

	if err != nil {
		s.log.WithError(err).WithField("source", sourceID).Error("Failed to read current state")

		return fiber.NewError(fiber.StatusInternalServerError, "failed to read current state")
	}

	total := len(items)
	if params.Limit != nil && *params.Limit < len(items) {
		items = items[:*params.Limit]
	}

	if items == nil {
		items = []any{}
	}

	return c.Status(fiber.StatusOK).JSON(map[string]interface{}{
		"source":     src.ID,
		"collection": collection,
		"kind":       kind,
		"items":      items,
		"total":      total,
	})
}
