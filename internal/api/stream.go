package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hivemind-io/hivemind/pkg/auth"
	"github.com/hivemind-io/hivemind/pkg/notifier"
	"github.com/hivemind-io/hivemind/pkg/observability"
)

// StreamHandler bridges hub subscriptions onto SSE connections
type StreamHandler struct {
	hub    *notifier.Hub
	logger observability.Logger
}

// NewStreamHandler creates the SSE handler
func NewStreamHandler(hub *notifier.Hub, logger observability.Logger) *StreamHandler {
	return &StreamHandler{hub: hub, logger: logger}
}

// Handle serves one SSE connection on GET /api/v1/stream. The connection
// carries approval events visible to the caller's tenant plus periodic pings;
// it ends when the client disconnects, the subscriber falls behind, or the
// hub shuts down.
func (h *StreamHandler) Handle(c *gin.Context) {
	authCtx, ok := auth.FromGinContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	sub, err := h.hub.Subscribe(authCtx.TenantID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}
	defer sub.Cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-sub.Events:
			if !open {
				// Hub closed the channel: shutdown or this subscriber fell
				// too far behind.
				return
			}
			if err := writeSSE(c, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(c *gin.Context, event notifier.Event) error {
	var data string
	if event.Payload != nil {
		encoded, err := json.Marshal(event.Payload)
		if err != nil {
			return err
		}
		data = string(encoded)
	} else {
		data = "{}"
	}
	_, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
