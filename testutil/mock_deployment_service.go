package testutil

import (
	"context"

	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockDeploymentService struct {
	mock.Mock
}

func (m *MockDeploymentService) RequestDeployment(
	ctx context.Context,
	req service.DeploymentRequest,
) (*store.Deployment, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Deployment), args.Error(1)
}

func (m *MockDeploymentService) Approve(
	ctx context.Context,
	deploymentID, approver string,
) (*store.Deployment, error) {
	args := m.Called(ctx, deploymentID, approver)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Deployment), args.Error(1)
}

func (m *MockDeploymentService) Rollback(
	ctx context.Context,
	deploymentID, actor string,
) (*store.Deployment, error) {
	args := m.Called(ctx, deploymentID, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Deployment), args.Error(1)
}

func (m *MockDeploymentService) GetDeployment(ctx context.Context, id string) (*store.Deployment, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Deployment), args.Error(1)
}

func (m *MockDeploymentService) ListDeployments(
	ctx context.Context,
	environment string,
	limit int64,
) ([]*store.Deployment, error) {
	args := m.Called(ctx, environment, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.Deployment), args.Error(1)
}
