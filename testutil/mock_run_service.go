package testutil

import (
	"context"
	"io"

	"github.com/haatos/simple-cd/internal/pipeline"
	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockRunService struct {
	mock.Mock
}

func (m *MockRunService) Submit(
	ctx context.Context,
	def *pipeline.Definition,
	tc pipeline.TriggerContext,
	opts service.SubmitOptions,
) (*store.PipelineRun, error) {
	args := m.Called(ctx, def, tc, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.PipelineRun), args.Error(1)
}

func (m *MockRunService) Cancel(ctx context.Context, runID, actor string) error {
	args := m.Called(ctx, runID, actor)
	return args.Error(0)
}

func (m *MockRunService) GetRun(
	ctx context.Context,
	runID string,
) (*store.PipelineRun, []*store.JobRun, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*store.PipelineRun), args.Get(1).([]*store.JobRun), args.Error(2)
}

func (m *MockRunService) ListRuns(
	ctx context.Context,
	pipelineName, ref string,
	limit int64,
) ([]*store.PipelineRun, error) {
	args := m.Called(ctx, pipelineName, ref, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.PipelineRun), args.Error(1)
}

func (m *MockRunService) JobLog(runID, job string) (io.ReadCloser, error) {
	args := m.Called(runID, job)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}
