package handlers

import "github.com/gofiber/fiber/v3"

var (
	// ErrRunNotFound is returned when no manifest exists for a run id
	ErrRunNotFound = fiber.NewError(fiber.StatusNotFound, "run not found")
	// ErrSourceNotFound is returned for a source id outside the graph
	ErrSourceNotFound = fiber.NewError(fiber.StatusNotFound, "source not found")
	// ErrQueueUnavailable is returned when runs cannot be enqueued from this instance
	ErrQueueUnavailable = fiber.NewError(fiber.StatusServiceUnavailable, "run queue unavailable")
	// ErrSchedulerUnavailable is returned when this instance has no scheduler
	ErrSchedulerUnavailable = fiber.NewError(fiber.StatusServiceUnavailable, "scheduler unavailable")
)
