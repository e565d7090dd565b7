package testutil

import (
	"context"

	"github.com/haatos/simple-cd/internal/pipeline"
	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockPipelineService struct {
	mock.Mock
}

func (m *MockPipelineService) CreatePipeline(
	ctx context.Context,
	repository string,
	definition []byte,
) (*store.Pipeline, error) {
	args := m.Called(ctx, repository, string(definition))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockPipelineService) GetPipelineByID(ctx context.Context, id string) (*store.Pipeline, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockPipelineService) ListPipelines(ctx context.Context) ([]*store.Pipeline, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.Pipeline), args.Error(1)
}

func (m *MockPipelineService) UpdatePipelineSchedule(
	ctx context.Context,
	id string,
	schedule, ref *string,
) (*store.Pipeline, error) {
	args := m.Called(ctx, id, schedule, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockPipelineService) DeletePipeline(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockPipelineService) SubmitPipeline(
	ctx context.Context,
	id string,
	tc pipeline.TriggerContext,
	opts service.SubmitOptions,
) (*store.PipelineRun, error) {
	args := m.Called(ctx, id, tc, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.PipelineRun), args.Error(1)
}
