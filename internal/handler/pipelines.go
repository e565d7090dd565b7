package handler

import (
	"net/http"

	"github.com/haatos/simple-cd/internal/service"
	"github.com/labstack/echo/v4"
)

func SetupPipelineRoutes(g *echo.Group, pipelineService service.PipelineServicer) {
	h := NewPipelineHandler(pipelineService)
	pipelinesGroup := g.Group("/pipelines")
	pipelinesGroup.GET("", h.GetPipelines)
	pipelinesGroup.POST("", h.PostPipeline)
	pipelinesGroup.GET("/:pipeline_id", h.GetPipeline)
	pipelinesGroup.DELETE("/:pipeline_id", h.DeletePipeline)
	pipelinesGroup.PUT("/:pipeline_id/schedule", h.PutPipelineSchedule)
	pipelinesGroup.POST("/:pipeline_id/runs", h.PostPipelineRun)
}

type PipelineHandler struct {
	pipelineService service.PipelineServicer
}

func NewPipelineHandler(pipelineService service.PipelineServicer) *PipelineHandler {
	return &PipelineHandler{pipelineService}
}

func (h *PipelineHandler) PostPipeline(c echo.Context) error {
	pp := new(PostPipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline data")
	}

	p, err := h.pipelineService.CreatePipeline(
		c.Request().Context(), pp.Repository, []byte(pp.Definition),
	)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to create pipeline")
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *PipelineHandler) GetPipelines(c echo.Context) error {
	pipelines, err := h.pipelineService.ListPipelines(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list pipelines")
	}
	return c.JSON(http.StatusOK, pipelines)
}

func (h *PipelineHandler) GetPipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline id")
	}

	p, err := h.pipelineService.GetPipelineByID(c.Request().Context(), pp.PipelineID)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to read pipeline")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *PipelineHandler) DeletePipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline id")
	}

	if err := h.pipelineService.DeletePipeline(c.Request().Context(), pp.PipelineID); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to delete pipeline")
	}
	return c.NoContent(http.StatusNoContent)
}

// PutPipelineSchedule replaces the cron trigger. An empty or missing
// schedule removes it.
func (h *PipelineHandler) PutPipelineSchedule(c echo.Context) error {
	sp := new(PipelineScheduleParams)
	if err := c.Bind(sp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid schedule data")
	}

	p, err := h.pipelineService.UpdatePipelineSchedule(
		c.Request().Context(), sp.PipelineID, sp.Schedule, sp.Ref,
	)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to update schedule")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *PipelineHandler) PostPipelineRun(c echo.Context) error {
	rp := new(PipelineRunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid trigger data")
	}

	run, err := h.pipelineService.SubmitPipeline(
		c.Request().Context(),
		rp.PipelineID,
		triggerContext(c, rp.TriggerParams),
		submitOptions(rp.TriggerParams),
	)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to submit run")
	}
	return c.JSON(http.StatusCreated, run)
}
