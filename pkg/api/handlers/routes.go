package handlers

import (
	"net/url"

	"github.com/gofiber/fiber/v3"
	"github.com/oapi-codegen/runtime"
)

// ListRunsParams defines parameters for ListRuns
type ListRunsParams struct {
	Limit *int `form:"limit,omitempty" json:"limit,omitempty"`
}

// GetSourceCurrentParams defines parameters for GetSourceCurrent
type GetSourceCurrentParams struct {
	Limit *int `form:"limit,omitempty" json:"limit,omitempty"`
}

// ServerInterface lists the operations of the API document
type ServerInterface interface {
	// ListRuns handles GET /runs
	ListRuns(c fiber.Ctx, params ListRunsParams) error
	// TriggerRun handles POST /runs
	TriggerRun(c fiber.Ctx) error
	// GetRun handles GET /runs/{run_id}
	GetRun(c fiber.Ctx, runID string) error
	// ListWatermarks handles GET /watermarks
	ListWatermarks(c fiber.Ctx) error
	// GetGraph handles GET /graph
	GetGraph(c fiber.Ctx) error
	// ListJobs handles GET /jobs
	ListJobs(c fiber.Ctx) error
	// GetSourceCurrent handles GET /sources/{source_id}/current
	GetSourceCurrent(c fiber.Ctx, sourceID string, params GetSourceCurrentParams) error
	// GetOpenAPI handles GET /openapi.json
	GetOpenAPI(c fiber.Ctx) error
}

// ServerInterfaceWrapper binds path and query parameters before calling the handler
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func (w *ServerInterfaceWrapper) ListRuns(c fiber.Ctx) error {
	var params ListRunsParams

	query, err := url.ParseQuery(string(c.Request().URI().QueryString()))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid query string: "+err.Error())
	}

	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &params.Limit); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid format for parameter limit: "+err.Error())
	}

	return w.Handler.ListRuns(c, params)
}

func (w *ServerInterfaceWrapper) TriggerRun(c fiber.Ctx) error {
	return w.Handler.TriggerRun(c)
}

func (w *ServerInterfaceWrapper) GetRun(c fiber.Ctx) error {
	var runID string

	if err := runtime.BindStyledParameterWithOptions("simple", "run_id", c.Params("run_id"), &runID,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true}); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid format for parameter run_id: "+err.Error())
	}

	return w.Handler.GetRun(c, runID)
}

func (w *ServerInterfaceWrapper) ListWatermarks(c fiber.Ctx) error {
	return w.Handler.ListWatermarks(c)
}

func (w *ServerInterfaceWrapper) GetGraph(c fiber.Ctx) error {
	return w.Handler.GetGraph(c)
}

func (w *ServerInterfaceWrapper) ListJobs(c fiber.Ctx) error {
	return w.Handler.ListJobs(c)
}

func (w *ServerInterfaceWrapper) GetSourceCurrent(c fiber.Ctx) error {
	var sourceID string

	if err := runtime.BindStyledParameterWithOptions("simple", "source_id", c.Params("source_id"), &sourceID,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true}); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid format for parameter source_id: "+err.Error())
	}

	var params GetSourceCurrentParams

	query, err := url.ParseQuery(string(c.Request().URI().QueryString()))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid query string: "+err.Error())
	}

	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &params.Limit); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid format for parameter limit: "+err.Error())
	}

	return w.Handler.GetSourceCurrent(c, sourceID, params)
}

func (w *ServerInterfaceWrapper) GetOpenAPI(c fiber.Ctx) error {
	return w.Handler.GetOpenAPI(c)
}

// RegisterHandlers mounts every operation on router
func RegisterHandlers(router fiber.Router, si ServerInterface) {
	wrapper := ServerInterfaceWrapper{Handler: si}

	router.Get("/runs", wrapper.ListRuns)
	router.Post("/runs", wrapper.TriggerRun)
	router.Get("/runs/:run_id", wrapper.GetRun)
	router.Get("/watermarks", wrapper.ListWatermarks)
	router.Get("/graph", wrapper.GetGraph)
	router.Get("/jobs", wrapper.ListJobs)
	router.Get("/sources/:source_id/current", wrapper.GetSourceCurrent)
	router.Get("/openapi.json", wrapper.GetOpenAPI)
}
