// Package api exposes HiveMind over HTTP: the MCP endpoint for agents, the
// review and stats surfaces, and the SSE event stream.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hivemind-io/hivemind/internal/services"
)

// httpStatusFor maps a service error kind to its HTTP status
func httpStatusFor(kind services.ErrorKind) int {
	switch kind {
	case services.KindInvalidInput:
		return http.StatusBadRequest
	case services.KindAuth:
		return http.StatusUnauthorized
	case services.KindRedactionRejected:
		return http.StatusUnprocessableEntity
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindDuplicate:
		return http.StatusConflict
	case services.KindGone:
		return http.StatusGone
	case services.KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes a service error as a JSON problem response. Internal
// causes never leak: only the agent-safe message and detail go on the wire.
func respondError(c *gin.Context, err error) {
	se := services.AsServiceError(err)
	body := gin.H{
		"error": gin.H{
			"kind":    string(se.Kind),
			"message": se.Message,
		},
	}
	if len(se.Detail) > 0 {
		body["error"].(gin.H)["detail"] = se.Detail
	}
	c.JSON(httpStatusFor(se.Kind), body)
}
