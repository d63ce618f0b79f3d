package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tags is a string set stored as a JSONB array
type Tags []string

// Value implements driver.Valuer for JSONB storage
func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

// Scan implements sql.Scanner for JSONB retrieval
func (t *Tags) Scan(src interface{}) error {
	if src == nil {
		*t = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	default:
		return fmt.Errorf("cannot scan %T into Tags", src)
	}
}

// PendingContribution is a quarantined, already-sanitised submission awaiting
// review. Content is always sanitiser output, never raw agent input.
type PendingContribution struct {
	ID            uuid.UUID `db:"id" json:"id"`
	TenantID      string    `db:"tenant_id" json:"tenant_id"`
	AgentID       string    `db:"agent_id" json:"agent_id"`
	RunID         *string   `db:"run_id" json:"run_id,omitempty"`
	Content       string    `db:"content" json:"content"`
	Category      Category  `db:"category" json:"category"`
	Confidence    float64   `db:"confidence" json:"confidence"`
	Framework     *string   `db:"framework" json:"framework,omitempty"`
	Language      *string   `db:"language" json:"language,omitempty"`
	Tags          Tags      `db:"tags" json:"tags,omitempty"`
	ContentHash   string    `db:"content_hash" json:"content_hash"`
	SubmittedAt   time.Time `db:"submitted_at" json:"submitted_at"`
	SensitiveFlag bool      `db:"sensitive_flag" json:"sensitive_flag"`
}

// Title returns the summary-tier title for the contribution
func (p *PendingContribution) Title() string {
	return Title(p.Content)
}

// KnowledgeItem is an approved snippet in the commons. Provenance fields are
// frozen at promotion; only DeletedAt, the counters and QualityScore mutate.
type KnowledgeItem struct {
	ID       uuid.UUID `db:"id" json:"id"`
	TenantID string    `db:"tenant_id" json:"tenant_id"`
	AgentID  string    `db:"agent_id" json:"agent_id"`
	RunID    *string   `db:"run_id" json:"run_id,omitempty"`
	Content  string    `db:"content" json:"content"`
	Category Category  `db:"category" json:"category"`
	// OriginalCategory holds the agent-suggested category when a reviewer
	// overrode it at approval.
	OriginalCategory *Category  `db:"original_category" json:"original_category,omitempty"`
	Confidence       float64    `db:"confidence" json:"confidence"`
	Framework        *string    `db:"framework" json:"framework,omitempty"`
	Language         *string    `db:"language" json:"language,omitempty"`
	Tags             Tags       `db:"tags" json:"tags,omitempty"`
	ContentHash      string     `db:"content_hash" json:"content_hash"`
	SubmittedAt      time.Time  `db:"submitted_at" json:"submitted_at"`
	IsPublic         bool       `db:"is_public" json:"is_public"`
	ApprovedAt       time.Time  `db:"approved_at" json:"approved_at"`
	DeletedAt        *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
	RetrievalCount   int        `db:"retrieval_count" json:"retrieval_count"`
	HelpfulCount     int        `db:"helpful_count" json:"helpful_count"`
	NotHelpfulCount  int        `db:"not_helpful_count" json:"not_helpful_count"`
	QualityScore     float64    `db:"quality_score" json:"quality_score"`

	// Embedding is populated on insert only; read paths never select it.
	Embedding []float32 `db:"-" json:"-"`
}

// Title returns the summary-tier title for the item
func (k *KnowledgeItem) Title() string {
	return Title(k.Content)
}

// Title truncates content to the first 80 characters for summary views
func Title(content string) string {
	runes := []rune(content)
	if len(runes) <= 80 {
		return content
	}
	return string(runes[:80]) + "..."
}

// DeploymentIdentity pins the embedding model for the lifetime of a
// deployment. Written once at first start; later starts verify and fail loud
// on drift.
type DeploymentIdentity struct {
	ModelID    string `json:"embedding_model_id"`
	Revision   string `json:"embedding_model_revision,omitempty"`
	Dimensions int    `json:"embedding_dimensions"`
}

// Quality signal types
const (
	SignalRetrieval         = "retrieval"
	SignalOutcomeSolved     = "outcome_solved"
	SignalOutcomeNotHelpful = "outcome_not_helpful"
	SignalContradiction     = "contradiction"
)

// QualitySignal is a behavioral event attached to a knowledge item. TenantID
// and AgentID identify the acting agent, not the item owner. Outcome signals
// are deduplicated per (item, run).
type QualitySignal struct {
	ID              uuid.UUID `db:"id" json:"id"`
	KnowledgeItemID uuid.UUID `db:"knowledge_item_id" json:"knowledge_item_id"`
	SignalType      string    `db:"signal_type" json:"signal_type"`
	TenantID        *string   `db:"tenant_id" json:"tenant_id,omitempty"`
	AgentID         *string   `db:"agent_id" json:"agent_id,omitempty"`
	RunID           *string   `db:"run_id" json:"run_id,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// WebhookEndpoint is a tenant-registered delivery target for approval events
type WebhookEndpoint struct {
	ID         uuid.UUID `db:"id" json:"id"`
	TenantID   string    `db:"tenant_id" json:"tenant_id"`
	URL        string    `db:"url" json:"url"`
	EventTypes Tags      `db:"event_types" json:"event_types,omitempty"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
