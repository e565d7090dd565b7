package testutil

import (
	"context"

	"github.com/haatos/simple-cd/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockAPIKeyService struct {
	mock.Mock
}

func (m *MockAPIKeyService) CreateAPIKey(
	ctx context.Context,
	principal string,
	role store.Role,
) (*store.APIKey, error) {
	args := m.Called(ctx, principal, role)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.APIKey), args.Error(1)
}

func (m *MockAPIKeyService) Authenticate(ctx context.Context, value string) (*store.APIKey, error) {
	args := m.Called(ctx, value)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.APIKey), args.Error(1)
}

func (m *MockAPIKeyService) GetAPIKeyByID(ctx context.Context, id string) (*store.APIKey, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.APIKey), args.Error(1)
}

func (m *MockAPIKeyService) DeleteAPIKey(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockAPIKeyService) ListAPIKeys(ctx context.Context) ([]*store.APIKey, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.APIKey), args.Error(1)
}
