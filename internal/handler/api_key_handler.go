package handler

import (
	"net/http"

	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/labstack/echo/v4"
)

func SetupAPIKeyRoutes(g *echo.Group, apiKeyService service.APIKeyServicer) {
	h := NewAPIKeyHandler(apiKeyService)
	apiKeysGroup := g.Group("/api-keys", RoleMiddleware(store.Admin))
	apiKeysGroup.GET("", h.GetAPIKeys)
	apiKeysGroup.POST("", h.PostAPIKey)
	apiKeysGroup.DELETE("/:api_key_id", h.DeleteAPIKey)
}

type APIKeyHandler struct {
	apiKeyService service.APIKeyServicer
}

func NewAPIKeyHandler(apiKeyService service.APIKeyServicer) *APIKeyHandler {
	return &APIKeyHandler{apiKeyService}
}

func (h *APIKeyHandler) GetAPIKeys(c echo.Context) error {
	apiKeys, err := h.apiKeyService.ListAPIKeys(c.Request().Context())
	if err != nil {
		return newError(err,
			http.StatusInternalServerError,
			"something went wrong while listing api keys",
		)
	}
	return c.JSON(http.StatusOK, apiKeys)
}

// PostAPIKey creates a key. The plain value is only ever part of this
// response.
func (h *APIKeyHandler) PostAPIKey(c echo.Context) error {
	akp := new(PostAPIKeyParams)
	if err := c.Bind(akp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid api key data")
	}
	if akp.Role == 0 {
		akp.Role = store.Operator
	}

	ak, err := h.apiKeyService.CreateAPIKey(c.Request().Context(), akp.Principal, akp.Role)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to create api key")
	}
	return c.JSON(http.StatusCreated, ak)
}

func (h *APIKeyHandler) DeleteAPIKey(c echo.Context) error {
	akp := new(APIKeyParams)
	if err := c.Bind(akp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid api key data")
	}

	if err := h.apiKeyService.DeleteAPIKey(c.Request().Context(), akp.APIKeyID); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to delete api key")
	}
	return c.NoContent(http.StatusNoContent)
}
