package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hivemind-io/hivemind/pkg/observability"
)

const correlationHeader = "X-Correlation-ID"

// correlationMiddleware assigns every request an id for log correlation,
// honouring one supplied by the caller.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("correlation_id", id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

// timeoutMiddleware bounds request handling. The SSE stream mounts before
// this middleware because its connections are intentionally long-lived.
func timeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// observeMiddleware records request logs and metrics
func observeMiddleware(logger observability.Logger, metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		if metrics != nil {
			metrics.RecordDuration("http_request_duration", duration, map[string]string{
				"method": c.Request.Method,
				"path":   path,
			})
			metrics.IncrementCounterWithLabels("http_requests_total", 1, map[string]string{
				"method": c.Request.Method,
				"path":   path,
				"status": statusClass(status),
			})
		}

		fields := map[string]interface{}{
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"status":         status,
			"duration_ms":    duration.Milliseconds(),
			"correlation_id": c.GetString("correlation_id"),
		}
		if status >= 500 {
			logger.Error("Request failed", fields)
		} else {
			logger.Debug("Request handled", fields)
		}
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
