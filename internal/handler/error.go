package handler

import (
	"errors"
	"net/http"

	"github.com/haatos/simple-cd/internal/fault"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Message   string            `json:"message"`
	Kind      fault.Kind        `json:"kind,omitempty"`
	Component string            `json:"component,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	resp := ErrorResponse{Message: "something went terribly wrong"}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			resp.Message = msg
		} else {
			resp.Message = http.StatusText(he.Code)
		}
		if he.Internal != nil {
			resp.Kind = fault.KindOf(he.Internal)
			resp.Context = fault.ContextOf(he.Internal)
			err = he.Internal
		}
	} else if kind := fault.KindOf(err); kind != fault.KindInternal {
		status = statusForKind(kind)
		resp.Message = err.Error()
		resp.Kind = kind
		resp.Context = fault.ContextOf(err)
	}

	var fe *fault.Error
	if errors.As(err, &fe) {
		resp.Component = fe.Component
	}

	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).
		Str("path", c.Request().URL.Path).
		Int("status", status).
		Msg("handler error")

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, resp)
	}
	if err != nil {
		log.Error().Err(err).Msg("writing error response")
	}
}

func statusForKind(kind fault.Kind) int {
	switch kind {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindPolicyRejection:
		return http.StatusForbidden
	case fault.KindResourceUnavailable:
		return http.StatusServiceUnavailable
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindCancelled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// newError wraps a service error. When err carries a fault kind, the kind
// decides the status and status is used only for plain errors.
func newError(err error, status int, message string) error {
	if err != nil {
		if kind := fault.KindOf(err); kind != fault.KindInternal {
			status = statusForKind(kind)
			message = err.Error()
		}
	}
	e := echo.NewHTTPError(status, message)
	if err != nil {
		e = e.WithInternal(err)
	}
	return e
}
