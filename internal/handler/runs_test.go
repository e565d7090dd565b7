package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/pipeline"
	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/haatos/simple-cd/testutil"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testDefinition = `
name: build
stages:
  - stage: build
    jobs:
      - job: compile
        steps:
          - step: build
            script: make build
`

func TestRunHandler_PostRun(t *testing.T) {
	t.Run("success - definition is submitted by the caller", func(t *testing.T) {
		// arrange
		mockService := new(testutil.MockRunService)
		mockService.On("Submit",
			context.Background(),
			mock.MatchedBy(func(def *pipeline.Definition) bool { return def.Name() == "build" }),
			pipeline.TriggerContext{
				Repository:   "git@example.com:org/app.git",
				Ref:          "refs/heads/main",
				Event:        pipeline.EventPush,
				SHA:          "abc123",
				Actor:        "alice",
				ChangedFiles: []string{"src/main.go"},
			},
			service.SubmitOptions{FailFast: true},
		).Return(&store.PipelineRun{RunID: "run-1", Status: store.StatusQueued}, nil)
		c, rec := newJSONContext(t, http.MethodPost, "/api/runs", SubmitRunParams{
			TriggerParams: TriggerParams{
				Repository:   "git@example.com:org/app.git",
				Ref:          "refs/heads/main",
				Event:        pipeline.EventPush,
				SHA:          "abc123",
				ChangedFiles: []string{"src/main.go"},
				FailFast:     true,
			},
			Definition: testDefinition,
		})
		h := NewRunHandler(mockService)

		// act
		err := h.PostRun(c)

		// assert
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, rec.Code)
		run := store.PipelineRun{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
		assert.Equal(t, "run-1", run.RunID)
		mockService.AssertExpectations(t)
	})
	t.Run("failure - invalid definition", func(t *testing.T) {
		// arrange
		mockService := new(testutil.MockRunService)
		c, _ := newJSONContext(t, http.MethodPost, "/api/runs", SubmitRunParams{
			TriggerParams: TriggerParams{Repository: "repo", Ref: "main"},
			Definition:    "name: broken\nstages: []\n",
		})
		h := NewRunHandler(mockService)

		// act
		err := h.PostRun(c)

		// assert
		assertHTTPError(t, err, http.StatusBadRequest)
		mockService.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestRunHandler_GetRun(t *testing.T) {
	t.Run("success - run and its jobs", func(t *testing.T) {
		// arrange
		mockService := new(testutil.MockRunService)
		mockService.On("GetRun", context.Background(), "run-1").Return(
			&store.PipelineRun{RunID: "run-1", Status: store.StatusSucceeded},
			[]*store.JobRun{{JobRunID: "jr-1", JobRunRunID: "run-1", Name: "compile"}},
			nil,
		)
		c, rec := newJSONContext(t, http.MethodGet, "/api/runs/run-1", nil)
		c.SetParamNames("run_id")
		c.SetParamValues("run-1")
		h := NewRunHandler(mockService)

		// act
		err := h.GetRun(c)

		// assert
		require.NoError(t, err)
		body := rec.Body.String()
		assert.Contains(t, body, `"run_id":"run-1"`)
		assert.Contains(t, body, `"job_run_id":"jr-1"`)
	})
	t.Run("failure - run not found", func(t *testing.T) {
		// arrange
		mockService := new(testutil.MockRunService)
		mockService.On("GetRun", context.Background(), "missing").
			Return(nil, nil, fmt.Errorf("run missing: %w", fault.ErrNotFound))
		c, _ := newJSONContext(t, http.MethodGet, "/api/runs/missing", nil)
		c.SetParamNames("run_id")
		c.SetParamValues("missing")
		h := NewRunHandler(mockService)

		// act
		err := h.GetRun(c)

		// assert
		assertHTTPError(t, err, http.StatusNotFound)
	})
}

func TestRunHandler_GetRuns(t *testing.T) {
	// arrange
	mockService := new(testutil.MockRunService)
	mockService.On("ListRuns", context.Background(), "build", "main", int64(50)).
		Return([]*store.PipelineRun{{RunID: "run-1"}}, nil)
	c, rec := newJSONContext(t, http.MethodGet, "/api/runs?pipeline=build&ref=main", nil)
	h := NewRunHandler(mockService)

	// act
	err := h.GetRuns(c)

	// assert
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), "run-1")
}

func TestRunHandler_PostCancelRun(t *testing.T) {
	t.Run("success - run is cancelled by the caller", func(t *testing.T) {
		// arrange
		mockService := new(testutil.MockRunService)
		mockService.On("Cancel", context.Background(), "run-1", "alice").Return(nil)
		c, rec := newJSONContext(t, http.MethodPost, "/api/runs/run-1/cancel", nil)
		c.SetParamNames("run_id")
		c.SetParamValues("run-1")
		h := NewRunHandler(mockService)

		// act
		err := h.PostCancelRun(c)

		// assert
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})
	t.Run("failure - run already finished", func(t *testing.T) {
		// arrange
		mockService := new(testutil.MockRunService)
		mockService.On("Cancel", context.Background(), "run-1", "alice").Return(
			fault.New(fault.KindConflict, "scheduler", "cancel", fault.ErrInvalidTransition),
		)
		c, _ := newJSONContext(t, http.MethodPost, "/api/runs/run-1/cancel", nil)
		c.SetParamNames("run_id")
		c.SetParamValues("run-1")
		h := NewRunHandler(mockService)

		// act
		err := h.PostCancelRun(c)

		// assert
		assertHTTPError(t, err, http.StatusConflict)
	})
}

func TestRunHandler_GetJobLog(t *testing.T) {
	// arrange
	mockService := new(testutil.MockRunService)
	mockService.On("JobLog", "run-1", "compile").
		Return(io.NopCloser(strings.NewReader("running compile\n")), nil)
	c, rec := newJSONContext(t, http.MethodGet, "/api/runs/run-1/jobs/compile/log", nil)
	c.SetParamNames("run_id", "job")
	c.SetParamValues("run-1", "compile")
	h := NewRunHandler(mockService)

	// act
	err := h.GetJobLog(c)

	// assert
	require.NoError(t, err)
	assert.Equal(t, "running compile\n", rec.Body.String())
	assert.Equal(t, echo.MIMETextPlainCharsetUTF8, rec.Header().Get(echo.HeaderContentType))
}
