package handler

import (
	"context"
	"net/http"

	"github.com/haatos/simple-cd/internal/pool"
	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/labstack/echo/v4"
)

// AgentPool is the live view of the pool.
type AgentPool interface {
	Snapshot(context.Context) ([]pool.Agent, error)
	Heartbeat(ctx context.Context, id string) error
}

func SetupAgentRoutes(g *echo.Group, agentService service.AgentServicer, agentPool AgentPool) {
	h := NewAgentHandler(agentService, agentPool)
	agentsGroup := g.Group("/agents")
	agentsGroup.GET("", h.GetAgents)
	agentsGroup.GET("/static", h.GetStaticAgents)
	agentsGroup.POST("", h.PostAgent, RoleMiddleware(store.Admin))
	agentsGroup.DELETE("/:agent_id", h.DeleteAgent, RoleMiddleware(store.Admin))
	agentsGroup.POST("/:agent_id/heartbeat", h.PostHeartbeat)
	agentsGroup.POST("/:agent_id/test-connection", h.PostTestAgentConnection)
}

type AgentHandler struct {
	agentService service.AgentServicer
	agentPool    AgentPool
}

func NewAgentHandler(agentService service.AgentServicer, agentPool AgentPool) *AgentHandler {
	return &AgentHandler{agentService, agentPool}
}

// GetAgents returns the pool snapshot, static and ephemeral agents alike.
func (h *AgentHandler) GetAgents(c echo.Context) error {
	agents, err := h.agentPool.Snapshot(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to read agent pool")
	}
	return c.JSON(http.StatusOK, agents)
}

func (h *AgentHandler) GetStaticAgents(c echo.Context) error {
	agents, err := h.agentService.ListAgents(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list agents")
	}
	return c.JSON(http.StatusOK, agents)
}

func (h *AgentHandler) PostAgent(c echo.Context) error {
	ar := new(service.AgentRequest)
	if err := c.Bind(ar); err != nil {
		return newError(err, http.StatusBadRequest, "invalid agent data")
	}

	a, err := h.agentService.CreateAgent(c.Request().Context(), *ar)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to create agent")
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *AgentHandler) DeleteAgent(c echo.Context) error {
	ap := new(AgentParams)
	if err := c.Bind(ap); err != nil {
		return newError(err, http.StatusBadRequest, "invalid agent id")
	}

	if err := h.agentService.DeleteAgent(c.Request().Context(), ap.AgentID); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to delete agent")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AgentHandler) PostHeartbeat(c echo.Context) error {
	ap := new(AgentParams)
	if err := c.Bind(ap); err != nil {
		return newError(err, http.StatusBadRequest, "invalid agent id")
	}

	if err := h.agentPool.Heartbeat(c.Request().Context(), ap.AgentID); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to record heartbeat")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AgentHandler) PostTestAgentConnection(c echo.Context) error {
	ap := new(AgentParams)
	if err := c.Bind(ap); err != nil {
		return newError(err, http.StatusBadRequest, "invalid agent id")
	}

	if err := h.agentService.TestAgentConnection(c.Request().Context(), ap.AgentID); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to connect to agent")
	}
	return c.NoContent(http.StatusNoContent)
}
