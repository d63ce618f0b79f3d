package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hivemind-io/hivemind/internal/services"
	"github.com/hivemind-io/hivemind/pkg/auth"
)

// StatsHandler exposes the read-only stats surfaces
type StatsHandler struct {
	stats *services.StatsService
}

// NewStatsHandler creates the stats handler
func NewStatsHandler(stats *services.StatsService) *StatsHandler {
	return &StatsHandler{stats: stats}
}

// Register mounts the stats routes on an authenticated group
func (h *StatsHandler) Register(group *gin.RouterGroup) {
	group.GET("/commons", h.commons)
	group.GET("/org", h.org)
	group.GET("/me", h.me)
}

func (h *StatsHandler) commons(c *gin.Context) {
	stats, err := h.stats.Commons(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *StatsHandler) org(c *gin.Context) {
	authCtx, ok := auth.FromGinContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	stats, err := h.stats.Org(c.Request.Context(), authCtx.TenantID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *StatsHandler) me(c *gin.Context) {
	authCtx, ok := auth.FromGinContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	stats, err := h.stats.User(c.Request.Context(), authCtx.TenantID, authCtx.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
