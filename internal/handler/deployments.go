package handler

import (
	"net/http"

	"github.com/haatos/simple-cd/internal/service"
	"github.com/labstack/echo/v4"
)

func SetupDeploymentRoutes(g *echo.Group, deploymentService service.DeploymentServicer) {
	h := NewDeploymentHandler(deploymentService)
	deploymentsGroup := g.Group("/deployments")
	deploymentsGroup.GET("", h.GetDeployments)
	deploymentsGroup.POST("", h.PostDeployment)
	deploymentsGroup.GET("/:deployment_id", h.GetDeployment)
	deploymentsGroup.POST("/:deployment_id/approve", h.PostApprove)
	deploymentsGroup.POST("/:deployment_id/rollback", h.PostRollback)
}

type DeploymentHandler struct {
	deploymentService service.DeploymentServicer
}

func NewDeploymentHandler(deploymentService service.DeploymentServicer) *DeploymentHandler {
	return &DeploymentHandler{deploymentService}
}

// PostDeployment requests a deployment on behalf of the caller. The
// response is 202 since the rollout continues in the background.
func (h *DeploymentHandler) PostDeployment(c echo.Context) error {
	dp := new(PostDeploymentParams)
	if err := c.Bind(dp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid deployment data")
	}

	d, err := h.deploymentService.RequestDeployment(c.Request().Context(), service.DeploymentRequest{
		Environment: dp.Environment,
		Artifact:    dp.Artifact,
		RequestedBy: principal(c),
		Emergency:   dp.Emergency,
	})
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to request deployment")
	}
	return c.JSON(http.StatusAccepted, d)
}

func (h *DeploymentHandler) GetDeployment(c echo.Context) error {
	dp := new(DeploymentParams)
	if err := c.Bind(dp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid deployment id")
	}

	d, err := h.deploymentService.GetDeployment(c.Request().Context(), dp.DeploymentID)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to read deployment")
	}
	return c.JSON(http.StatusOK, d)
}

func (h *DeploymentHandler) GetDeployments(c echo.Context) error {
	ldp := new(ListDeploymentsParams)
	if err := c.Bind(ldp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid query")
	}
	if ldp.Limit <= 0 || ldp.Limit > 100 {
		ldp.Limit = 50
	}

	deployments, err := h.deploymentService.ListDeployments(
		c.Request().Context(), ldp.Environment, ldp.Limit,
	)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list deployments")
	}
	return c.JSON(http.StatusOK, deployments)
}

func (h *DeploymentHandler) PostApprove(c echo.Context) error {
	dp := new(DeploymentParams)
	if err := c.Bind(dp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid deployment id")
	}

	d, err := h.deploymentService.Approve(c.Request().Context(), dp.DeploymentID, principal(c))
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to approve deployment")
	}
	return c.JSON(http.StatusOK, d)
}

func (h *DeploymentHandler) PostRollback(c echo.Context) error {
	dp := new(DeploymentParams)
	if err := c.Bind(dp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid deployment id")
	}

	d, err := h.deploymentService.Rollback(c.Request().Context(), dp.DeploymentID, principal(c))
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to roll back deployment")
	}
	return c.JSON(http.StatusAccepted, d)
}
