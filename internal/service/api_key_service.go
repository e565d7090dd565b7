package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/zeebo/blake3"
)

type UUIDGenerator interface {
	GenerateUUID() string
}

func NewUUIDGen() *UUIDGen {
	return &UUIDGen{}
}

type UUIDGen struct{}

func (ug *UUIDGen) GenerateUUID() string {
	return uuid.NewString()
}

type APIKeyServicer interface {
	CreateAPIKey(ctx context.Context, principal string, role store.Role) (*store.APIKey, error)
	Authenticate(ctx context.Context, value string) (*store.APIKey, error)
	GetAPIKeyByID(context.Context, string) (*store.APIKey, error)
	DeleteAPIKey(context.Context, string) error
	ListAPIKeys(context.Context) ([]*store.APIKey, error)
}

// APIKeyService issues the API keys that identify callers. Only a digest of
// each key is stored; the plain value is returned once, at creation.
type APIKeyService struct {
	store         store.APIKeyStore
	uuidGenerator UUIDGenerator
}

func NewAPIKeyService(store store.APIKeyStore, uuidGenerator UUIDGenerator) *APIKeyService {
	return &APIKeyService{store, uuidGenerator}
}

func (s *APIKeyService) CreateAPIKey(
	ctx context.Context,
	principal string,
	role store.Role,
) (*store.APIKey, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, fault.Validation("api-keys", "create", errors.New("principal is required"))
	}
	if role != store.Operator && role != store.Admin {
		return nil, fault.Validation("api-keys", "create", fmt.Errorf("unknown role %d", role))
	}
	value := s.uuidGenerator.GenerateUUID()
	key, err := s.store.CreateAPIKey(ctx, s.uuidGenerator.GenerateUUID(), digest(value), principal, role)
	if err != nil {
		return nil, err
	}
	key.Value = value
	return key, nil
}

// Authenticate resolves a presented key value to its record.
func (s *APIKeyService) Authenticate(ctx context.Context, value string) (*store.APIKey, error) {
	if value == "" {
		return nil, fmt.Errorf("empty api key: %w", fault.ErrNotFound)
	}
	key, err := s.store.ReadAPIKeyByValue(ctx, digest(value))
	if err != nil {
		return nil, err
	}
	key.Value = ""
	return key, nil
}

func (s *APIKeyService) GetAPIKeyByID(ctx context.Context, id string) (*store.APIKey, error) {
	key, err := s.store.ReadAPIKeyByID(ctx, id)
	if err != nil {
		return nil, err
	}
	key.Value = ""
	return key, nil
}

func (s *APIKeyService) DeleteAPIKey(ctx context.Context, id string) error {
	return s.store.DeleteAPIKey(ctx, id)
}

func (s *APIKeyService) ListAPIKeys(ctx context.Context) ([]*store.APIKey, error) {
	return s.store.ListAPIKeys(ctx)
}

func digest(value string) string {
	sum := blake3.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
