package handler

import (
	"context"
	"net/http"

	"github.com/haatos/simple-cd/internal/broker"
	"github.com/labstack/echo/v4"
)

type CredentialExchanger interface {
	Exchange(ctx context.Context, token string) (*broker.Claims, error)
}

func SetupCredentialRoutes(g *echo.Group, exchanger CredentialExchanger) {
	h := NewCredentialHandler(exchanger)
	g.POST("/credentials/exchange", h.PostExchange)
}

type CredentialHandler struct {
	exchanger CredentialExchanger
}

func NewCredentialHandler(exchanger CredentialExchanger) *CredentialHandler {
	return &CredentialHandler{exchanger}
}

// PostExchange trades a credential token for the claims it carries.
// Revoked, expired and forged tokens are all rejected with 403.
func (h *CredentialHandler) PostExchange(c echo.Context) error {
	ep := new(ExchangeParams)
	if err := c.Bind(ep); err != nil {
		return newError(err, http.StatusBadRequest, "invalid exchange data")
	}
	if ep.Token == "" {
		return newError(nil, http.StatusBadRequest, "token is required")
	}

	claims, err := h.exchanger.Exchange(c.Request().Context(), ep.Token)
	if err != nil {
		return newError(err, http.StatusForbidden, "credential rejected")
	}
	return c.JSON(http.StatusOK, claims)
}
