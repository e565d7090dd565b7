package handler

import (
	"errors"
	"net/http"

	"github.com/haatos/simple-cd/internal"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/labstack/echo/v4"
)

const APIKeyHeader = internal.APIKeyHeader

// APIKeyMiddleware resolves the X-SimpleCD-Key header to an API key and
// stores it on the context.
func APIKeyMiddleware(apiKeyService service.APIKeyServicer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			value := c.Request().Header.Get(APIKeyHeader)
			if value == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
			}
			ak, err := apiKeyService.Authenticate(c.Request().Context(), value)
			if err != nil {
				if errors.Is(err, fault.ErrNotFound) {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
				}
				return echo.NewHTTPError(
					http.StatusInternalServerError, "unable to authenticate",
				).WithInternal(err)
			}
			c.Set(ctxAPIKey, ak)
			return next(c)
		}
	}
}

func RoleMiddleware(requiredRole store.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ak := getCtxAPIKey(c)
			if ak == nil || ak.Role < requiredRole {
				return echo.NewHTTPError(http.StatusForbidden, "invalid permissions")
			}
			return next(c)
		}
	}
}
