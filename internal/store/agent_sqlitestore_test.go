package store

import (
	"context"
	"slices"
	"testing"

	"github.com/google/uuid"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/stretchr/testify/assert"
)

func TestAgentSQLiteStore_CreateAgent(t *testing.T) {
	t.Run("success - agent created", func(t *testing.T) {
		// arrange
		a := newTestAgent()

		// act
		err := agentStore.CreateAgent(context.Background(), a)

		// assert
		assert.NoError(t, err)
		assert.False(t, a.CreatedOn.IsZero())
	})
	t.Run("failure - duplicate name", func(t *testing.T) {
		// arrange
		existing := createAgent(t)
		a := newTestAgent()
		a.Name = existing.Name

		// act
		err := agentStore.CreateAgent(context.Background(), a)

		// assert
		assert.Error(t, err)
	})
}

func TestAgentSQLiteStore_ReadAgentByID(t *testing.T) {
	t.Run("success - agent found", func(t *testing.T) {
		// arrange
		expected := createAgent(t)

		// act
		a, err := agentStore.ReadAgentByID(context.Background(), expected.AgentID)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, expected.Name, a.Name)
		assert.Equal(t, []string{"linux", "amd64"}, a.LabelSet())
	})
	t.Run("failure - agent not found", func(t *testing.T) {
		// act
		a, err := agentStore.ReadAgentByID(context.Background(), uuid.NewString())

		// assert
		assert.ErrorIs(t, err, fault.ErrNotFound)
		assert.Nil(t, a)
	})
}

func TestAgentSQLiteStore_UpdateAgent(t *testing.T) {
	t.Run("success - agent updated", func(t *testing.T) {
		// arrange
		a := createAgent(t)
		a.Labels = "linux,gpu"
		a.Executors = 4

		// act
		err := agentStore.UpdateAgent(context.Background(), a)
		updated, readErr := agentStore.ReadAgentByID(context.Background(), a.AgentID)

		// assert
		assert.NoError(t, err)
		assert.NoError(t, readErr)
		assert.Equal(t, []string{"linux", "gpu"}, updated.LabelSet())
		assert.Equal(t, int64(4), updated.Executors)
	})
}

func TestAgentSQLiteStore_DeleteAgent(t *testing.T) {
	t.Run("success - agent deleted", func(t *testing.T) {
		// arrange
		a := createAgent(t)

		// act
		err := agentStore.DeleteAgent(context.Background(), a.AgentID)

		// assert
		assert.NoError(t, err)
		_, readErr := agentStore.ReadAgentByID(context.Background(), a.AgentID)
		assert.ErrorIs(t, readErr, fault.ErrNotFound)
	})
	t.Run("failure - agent not found", func(t *testing.T) {
		// act
		err := agentStore.DeleteAgent(context.Background(), uuid.NewString())

		// assert
		assert.ErrorIs(t, err, fault.ErrNotFound)
	})
}

func TestAgentSQLiteStore_ListAgents(t *testing.T) {
	// arrange
	a := createAgent(t)

	// act
	agents, err := agentStore.ListAgents(context.Background())

	// assert
	assert.NoError(t, err)
	assert.True(t, slices.ContainsFunc(agents, func(other *Agent) bool {
		return other.AgentID == a.AgentID
	}))
}

func TestAgent_LabelSet(t *testing.T) {
	a := &Agent{Labels: " linux , ,gpu,"}
	assert.Equal(t, []string{"linux", "gpu"}, a.LabelSet())

	empty := &Agent{}
	assert.Empty(t, empty.LabelSet())
}

func newTestAgent() *Agent {
	return &Agent{
		AgentID:           uuid.NewString(),
		Name:              "agent-" + uuid.NewString(),
		Hostname:          "10.0.0.5",
		Username:          "ci",
		SSHPrivateKeyHash: "encrypted",
		Workspace:         "/var/ci",
		Labels:            "linux,amd64",
		Executors:         2,
		Description:       "build host",
	}
}

func createAgent(t *testing.T) *Agent {
	a := newTestAgent()
	assert.NoError(t, agentStore.CreateAgent(context.Background(), a))
	return a
}
