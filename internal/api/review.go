package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hivemind-io/hivemind/internal/services"
	"github.com/hivemind-io/hivemind/pkg/models"
)

// ReviewHandler exposes the reviewer surface. All routes require the
// operator tier.
type ReviewHandler struct {
	approval  *services.ApprovalService
	prescreen *services.PrescreenService
}

// NewReviewHandler creates the review handler
func NewReviewHandler(approval *services.ApprovalService, prescreen *services.PrescreenService) *ReviewHandler {
	return &ReviewHandler{approval: approval, prescreen: prescreen}
}

// Register mounts the review routes on an operator-guarded group
func (h *ReviewHandler) Register(group *gin.RouterGroup) {
	group.GET("/queue", h.queue)
	group.POST("/claim", h.claim)
	group.GET("/:id/prescreen", h.prescreenOne)
	group.POST("/:id/approve", h.approve)
	group.POST("/:id/reject", h.reject)
	group.POST("/:id/flag", h.flag)
}

// queueItem is the review-queue listing shape
type queueItem struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	AgentID       string          `json:"agent_id"`
	Title         string          `json:"title"`
	Category      models.Category `json:"category"`
	Confidence    float64         `json:"confidence"`
	SensitiveFlag bool            `json:"sensitive_flag"`
	SubmittedAt   string          `json:"submitted_at"`
}

func (h *ReviewHandler) queue(c *gin.Context) {
	var query struct {
		TenantID string `form:"tenant_id"`
		Limit    int    `form:"limit"`
		Offset   int    `form:"offset"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		respondError(c, services.Errorf(services.KindInvalidInput, "malformed query parameters"))
		return
	}

	rows, err := h.approval.Queue(c.Request.Context(), query.TenantID, query.Limit, query.Offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": toQueueItems(rows)})
}

func (h *ReviewHandler) claim(c *gin.Context) {
	var body struct {
		TenantID string `json:"tenant_id"`
		Limit    int    `json:"limit"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, services.Errorf(services.KindInvalidInput, "malformed request body"))
		return
	}

	batch, err := h.approval.Claim(c.Request.Context(), body.TenantID, body.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contributions": batch})
}

func (h *ReviewHandler) prescreenOne(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	result, err := h.prescreen.Prescreen(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *ReviewHandler) approve(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body struct {
		IsPublic         bool   `json:"is_public"`
		CategoryOverride string `json:"category_override"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, services.Errorf(services.KindInvalidInput, "malformed request body"))
			return
		}
	}

	item, err := h.approval.Approve(c.Request.Context(), id, services.ApproveOptions{
		MakePublic:       body.IsPublic,
		CategoryOverride: body.CategoryOverride,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        item.ID.String(),
		"category":  item.Category,
		"is_public": item.IsPublic,
		"title":     item.Title(),
	})
}

func (h *ReviewHandler) reject(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.approval.Reject(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejected": true})
}

func (h *ReviewHandler) flag(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.approval.Flag(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flagged": true})
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, services.Errorf(services.KindInvalidInput, "malformed id %q", c.Param("id")))
		return uuid.Nil, false
	}
	return id, true
}

func toQueueItems(rows []*models.PendingContribution) []queueItem {
	items := make([]queueItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, queueItem{
			ID:            row.ID.String(),
			TenantID:      row.TenantID,
			AgentID:       row.AgentID,
			Title:         row.Title(),
			Category:      row.Category,
			Confidence:    row.Confidence,
			SensitiveFlag: row.SensitiveFlag,
			SubmittedAt:   row.SubmittedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return items
}
