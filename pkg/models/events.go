package models

import "time"

// ApprovalEvent is the payload emitted on the knowledge_published channel
// when a contribution is promoted. It is the wire shape for both pg_notify
// and the SSE feed.
type ApprovalEvent struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Category string `json:"category"`
	IsPublic bool   `json:"is_public"`
	Title    string `json:"title"`
}

// WebhookEvent is the payload POSTed to registered webhook endpoints after an
// approval commits.
type WebhookEvent struct {
	Event           string    `json:"event"`
	KnowledgeItemID string    `json:"knowledge_item_id"`
	TenantID        string    `json:"tenant_id"`
	Category        string    `json:"category"`
	Timestamp       time.Time `json:"timestamp"`
}

// Webhook event types
const (
	EventKnowledgeApproved = "knowledge.approved"
)

// SearchResult is a summary-tier search hit (~30-50 tokens per result)
type SearchResult struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	Category            Category `json:"category"`
	Confidence          float64  `json:"confidence"`
	ContributorTenantID string   `json:"contributor_tenant_id"`
	RelevanceScore      float64  `json:"relevance_score"`
}

// Knowledge listing statuses
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
)

// ListItem is one entry of the merged pending+approved agent listing
type ListItem struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Category Category `json:"category"`
	// SubmittedAt is set for pending entries, ApprovedAt for approved ones.
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	Title       string     `json:"title"`
}

// SimilarItem is a pre-screen nearest-neighbour entry surfaced to reviewers
type SimilarItem struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Category          Category `json:"category"`
	SimilarityPercent float64  `json:"similarity_percent"`
	TenantID          string   `json:"tenant_id"`
	LikelyDuplicate   bool     `json:"likely_duplicate"`
}

// QualityBadge is the advisory review badge computed by the pre-screen
type QualityBadge struct {
	Index int    `json:"index"`
	Badge string `json:"badge"`
}
