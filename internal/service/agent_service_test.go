package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"testing"

	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/pool"
	"github.com/haatos/simple-cd/internal/security"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type MockAgentStore struct {
	mock.Mock
}

func (m *MockAgentStore) CreateAgent(ctx context.Context, a *store.Agent) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *MockAgentStore) ReadAgentByID(ctx context.Context, id string) (*store.Agent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Agent), args.Error(1)
}

func (m *MockAgentStore) UpdateAgent(ctx context.Context, a *store.Agent) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *MockAgentStore) DeleteAgent(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockAgentStore) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.Agent), args.Error(1)
}

type MockAgentRegistry struct {
	mock.Mock
}

func (m *MockAgentRegistry) Register(ctx context.Context, a pool.StaticAgent) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *MockAgentRegistry) Deregister(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func generatePrivateKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block))
}

func testEncrypter() *security.AESEncrypter {
	return security.NewAESEncrypter([]byte("0123456789abcdef0123456789abcdef"))
}

func generateAgentRequest(t *testing.T) AgentRequest {
	return AgentRequest{
		Name:        "builder-1",
		Hostname:    "10.0.0.5",
		Username:    "ci",
		PrivateKey:  generatePrivateKey(t),
		Workspace:   "/var/lib/ci",
		Labels:      []string{"linux", " docker ", ""},
		Executors:   2,
		Description: "build host",
	}
}

func TestAgentService_CreateAgent(t *testing.T) {
	t.Run("success - agent is stored encrypted and registered", func(t *testing.T) {
		// arrange
		req := generateAgentRequest(t)
		encrypter := testEncrypter()
		mockStore := new(MockAgentStore)
		mockStore.On("CreateAgent", context.Background(), mock.AnythingOfType("*store.Agent")).Return(nil)
		mockRegistry := new(MockAgentRegistry)
		mockRegistry.On("Register", context.Background(), mock.MatchedBy(func(a pool.StaticAgent) bool {
			return a.Name == "builder-1" && a.Executors == 2 &&
				assert.ObjectsAreEqual([]string{"linux", "docker"}, a.Labels)
		})).Return(nil)
		agentService := NewAgentService(mockStore, encrypter, mockRegistry)

		// act
		agent, err := agentService.CreateAgent(context.Background(), req)

		// assert
		require.NoError(t, err)
		assert.Equal(t, "linux,docker", agent.Labels)
		assert.NotEqual(t, req.PrivateKey, agent.SSHPrivateKeyHash)
		decrypted, err := encrypter.DecryptAES(agent.SSHPrivateKeyHash)
		require.NoError(t, err)
		assert.Equal(t, req.PrivateKey, string(decrypted))
		mockStore.AssertExpectations(t)
		mockRegistry.AssertExpectations(t)
	})

	t.Run("failure - invalid private key", func(t *testing.T) {
		// arrange
		req := generateAgentRequest(t)
		req.PrivateKey = "not a key"
		mockStore := new(MockAgentStore)
		agentService := NewAgentService(mockStore, testEncrypter(), new(MockAgentRegistry))

		// act
		_, err := agentService.CreateAgent(context.Background(), req)

		// assert
		assert.True(t, fault.Is(err, fault.KindValidation))
		mockStore.AssertNotCalled(t, "CreateAgent", mock.Anything, mock.Anything)
	})

	t.Run("failure - missing hostname", func(t *testing.T) {
		// arrange
		req := generateAgentRequest(t)
		req.Hostname = ""
		agentService := NewAgentService(new(MockAgentStore), testEncrypter(), new(MockAgentRegistry))

		// act
		_, err := agentService.CreateAgent(context.Background(), req)

		// assert
		assert.ErrorContains(t, err, "hostname is required")
	})

	t.Run("failure - duplicate name", func(t *testing.T) {
		// arrange
		mockStore := new(MockAgentStore)
		mockStore.On("CreateAgent", context.Background(), mock.Anything).Return(fault.ErrAlreadyExists)
		mockRegistry := new(MockAgentRegistry)
		agentService := NewAgentService(mockStore, testEncrypter(), mockRegistry)

		// act
		_, err := agentService.CreateAgent(context.Background(), generateAgentRequest(t))

		// assert
		assert.True(t, fault.Is(err, fault.KindConflict))
		mockRegistry.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
	})
}

func TestAgentService_LoadAgents(t *testing.T) {
	t.Run("success - stored agents are registered", func(t *testing.T) {
		// arrange
		agents := []*store.Agent{
			{AgentID: "a1", Name: "one", Labels: "linux", Executors: 1},
			{AgentID: "a2", Name: "two", Labels: "linux,arm64", Executors: 4},
		}
		mockStore := new(MockAgentStore)
		mockStore.On("ListAgents", context.Background()).Return(agents, nil)
		mockRegistry := new(MockAgentRegistry)
		mockRegistry.On("Register", context.Background(), pool.StaticAgent{
			ID: "a1", Name: "one", Labels: []string{"linux"}, Executors: 1,
		}).Return(nil)
		mockRegistry.On("Register", context.Background(), pool.StaticAgent{
			ID: "a2", Name: "two", Labels: []string{"linux", "arm64"}, Executors: 4,
		}).Return(nil)
		agentService := NewAgentService(mockStore, testEncrypter(), mockRegistry)

		// act
		n, err := agentService.LoadAgents(context.Background())

		// assert
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		mockRegistry.AssertExpectations(t)
	})
}

func TestAgentService_DeleteAgent(t *testing.T) {
	t.Run("success - agent is drained and deleted", func(t *testing.T) {
		// arrange
		mockStore := new(MockAgentStore)
		mockStore.On("DeleteAgent", context.Background(), "a1").Return(nil)
		mockRegistry := new(MockAgentRegistry)
		mockRegistry.On("Deregister", context.Background(), "a1").Return(nil)
		agentService := NewAgentService(mockStore, testEncrypter(), mockRegistry)

		// act
		err := agentService.DeleteAgent(context.Background(), "a1")

		// assert
		assert.NoError(t, err)
		mockStore.AssertExpectations(t)
	})

	t.Run("success - agent unknown to the pool is still deleted", func(t *testing.T) {
		// arrange
		mockStore := new(MockAgentStore)
		mockStore.On("DeleteAgent", context.Background(), "a1").Return(nil)
		mockRegistry := new(MockAgentRegistry)
		mockRegistry.On("Deregister", context.Background(), "a1").Return(fault.ErrNotFound)
		agentService := NewAgentService(mockStore, testEncrypter(), mockRegistry)

		// act
		err := agentService.DeleteAgent(context.Background(), "a1")

		// assert
		assert.NoError(t, err)
	})
}

func TestAgentService_TestAgentConnection(t *testing.T) {
	t.Run("failure - unreachable host", func(t *testing.T) {
		// arrange
		encrypter := testEncrypter()
		keyHash, err := encrypter.EncryptAES(generatePrivateKey(t))
		require.NoError(t, err)
		mockStore := new(MockAgentStore)
		mockStore.On("ReadAgentByID", context.Background(), "a1").Return(&store.Agent{
			AgentID:           "a1",
			Hostname:          "127.0.0.1:1",
			Username:          "ci",
			SSHPrivateKeyHash: keyHash,
		}, nil)
		agentService := NewAgentService(mockStore, encrypter, new(MockAgentRegistry))

		// act
		err = agentService.TestAgentConnection(context.Background(), "a1")

		// assert
		assert.True(t, fault.Is(err, fault.KindResourceUnavailable))
	})
}
