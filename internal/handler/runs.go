package handler

import (
	"net/http"

	"github.com/haatos/simple-cd/internal/pipeline"
	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/labstack/echo/v4"
)

func SetupRunRoutes(g *echo.Group, runService service.RunServicer) {
	h := NewRunHandler(runService)
	runsGroup := g.Group("/runs")
	runsGroup.GET("", h.GetRuns)
	runsGroup.POST("", h.PostRun)
	runsGroup.GET("/:run_id", h.GetRun)
	runsGroup.POST("/:run_id/cancel", h.PostCancelRun)
	runsGroup.GET("/:run_id/jobs/:job/log", h.GetJobLog)
}

type RunHandler struct {
	runService service.RunServicer
}

func NewRunHandler(runService service.RunServicer) *RunHandler {
	return &RunHandler{runService}
}

type RunResponse struct {
	*store.PipelineRun
	Jobs []*store.JobRun `json:"jobs"`
}

// PostRun submits an inline YAML definition against the given trigger.
func (h *RunHandler) PostRun(c echo.Context) error {
	rp := new(SubmitRunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run data")
	}

	def, err := pipeline.Parse([]byte(rp.Definition))
	if err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline definition")
	}
	run, err := h.runService.Submit(
		c.Request().Context(),
		def,
		triggerContext(c, rp.TriggerParams),
		submitOptions(rp.TriggerParams),
	)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to submit run")
	}
	return c.JSON(http.StatusCreated, run)
}

func (h *RunHandler) GetRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run id")
	}

	run, jobs, err := h.runService.GetRun(c.Request().Context(), rp.RunID)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to read run")
	}
	return c.JSON(http.StatusOK, RunResponse{PipelineRun: run, Jobs: jobs})
}

func (h *RunHandler) GetRuns(c echo.Context) error {
	lrp := new(ListRunsParams)
	if err := c.Bind(lrp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid query")
	}
	if lrp.Limit <= 0 || lrp.Limit > 100 {
		lrp.Limit = 50
	}

	runs, err := h.runService.ListRuns(c.Request().Context(), lrp.Pipeline, lrp.Ref, lrp.Limit)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list runs")
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *RunHandler) PostCancelRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run id")
	}

	if err := h.runService.Cancel(c.Request().Context(), rp.RunID, principal(c)); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to cancel run")
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *RunHandler) GetJobLog(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid job")
	}

	rc, err := h.runService.JobLog(rp.RunID, rp.Job)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to read job log")
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, echo.MIMETextPlainCharsetUTF8, rc)
}

func triggerContext(c echo.Context, tp TriggerParams) pipeline.TriggerContext {
	return pipeline.TriggerContext{
		Repository:   tp.Repository,
		Ref:          tp.Ref,
		Event:        tp.Event,
		SHA:          tp.SHA,
		Actor:        principal(c),
		ChangedFiles: tp.ChangedFiles,
	}
}

func submitOptions(tp TriggerParams) service.SubmitOptions {
	return service.SubmitOptions{FailFast: tp.FailFast, MaxParallel: tp.MaxParallel}
}
