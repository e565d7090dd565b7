package handler

import (
	"github.com/haatos/simple-cd/internal/store"
	"github.com/labstack/echo/v4"
)

const ctxAPIKey = "api_key"

func getCtxAPIKey(c echo.Context) *store.APIKey {
	if ak, ok := c.Get(ctxAPIKey).(*store.APIKey); ok {
		return ak
	}
	return nil
}

// principal is the identity acting on the request, e.g. the requester of a
// deployment or the approver casting a vote.
func principal(c echo.Context) string {
	if ak := getCtxAPIKey(c); ak != nil {
		return ak.Principal
	}
	return ""
}
