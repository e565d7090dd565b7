package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/haatos/simple-cd/internal/audit"
	"github.com/labstack/echo/v4"
)

type AuditReader interface {
	List(ctx context.Context, after, limit int64) ([]audit.Event, error)
	Verify(ctx context.Context) (int64, error)
}

func SetupAuditRoutes(g *echo.Group, auditLog AuditReader) {
	h := NewAuditHandler(auditLog)
	auditGroup := g.Group("/audit")
	auditGroup.GET("", h.GetEvents)
	auditGroup.GET("/verify", h.GetVerify)
}

type AuditHandler struct {
	auditLog AuditReader
}

func NewAuditHandler(auditLog AuditReader) *AuditHandler {
	return &AuditHandler{auditLog}
}

func (h *AuditHandler) GetEvents(c echo.Context) error {
	ap := new(AuditParams)
	if err := c.Bind(ap); err != nil {
		return newError(err, http.StatusBadRequest, "invalid query")
	}
	if ap.Limit <= 0 || ap.Limit > 500 {
		ap.Limit = 100
	}

	events, err := h.auditLog.List(c.Request().Context(), ap.After, ap.Limit)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list audit events")
	}
	return c.JSON(http.StatusOK, events)
}

type VerifyResponse struct {
	Valid    bool   `json:"valid"`
	Checked  int64  `json:"checked"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// GetVerify walks the hash chain. A broken chain is reported in the body,
// not as an error status.
func (h *AuditHandler) GetVerify(c echo.Context) error {
	checked, err := h.auditLog.Verify(c.Request().Context())
	var chainErr *audit.ChainError
	if errors.As(err, &chainErr) {
		return c.JSON(http.StatusOK, VerifyResponse{
			Checked:  checked,
			BrokenAt: chainErr.Seq,
			Reason:   chainErr.Reason,
		})
	}
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to verify audit log")
	}
	return c.JSON(http.StatusOK, VerifyResponse{Valid: true, Checked: checked})
}
