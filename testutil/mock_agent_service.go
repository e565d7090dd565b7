package testutil

import (
	"context"

	"github.com/haatos/simple-cd/internal/pool"
	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockAgentService struct {
	mock.Mock
}

func (m *MockAgentService) CreateAgent(
	ctx context.Context,
	req service.AgentRequest,
) (*store.Agent, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Agent), args.Error(1)
}

func (m *MockAgentService) GetAgentByID(ctx context.Context, id string) (*store.Agent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Agent), args.Error(1)
}

func (m *MockAgentService) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.Agent), args.Error(1)
}

func (m *MockAgentService) DeleteAgent(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockAgentService) TestAgentConnection(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockAgentPool struct {
	mock.Mock
}

func (m *MockAgentPool) Snapshot(ctx context.Context) ([]pool.Agent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]pool.Agent), args.Error(1)
}

func (m *MockAgentPool) Heartbeat(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
