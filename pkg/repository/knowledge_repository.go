package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hivemind-io/hivemind/pkg/database"
	"github.com/hivemind-io/hivemind/pkg/models"
)

// ApprovalChannel is the pg_notify channel carrying approval events
const ApprovalChannel = "knowledge_published"

// knowledgeColumns is the full scan list for knowledge_items. The embedding
// column is deliberately absent: vectors are written once and queried
// in-database only.
const knowledgeColumns = `id, tenant_id, agent_id, run_id, content, category, original_category,
	confidence, framework, language, tags, content_hash, is_public, submitted_at, approved_at,
	deleted_at, retrieval_count, helpful_count, not_helpful_count, quality_score`

// SearchFilter narrows a nearest-neighbour query
type SearchFilter struct {
	Category  string
	Framework string
	Language  string

	// DistanceCeiling excludes rows whose cosine distance exceeds it.
	// Zero means no ceiling.
	DistanceCeiling float64

	Limit  int
	Offset int
}

// SearchRow is a knowledge item annotated with its cosine distance from the
// query vector. TotalCount carries the windowed count of all rows matching
// the filter, identical on every row of a page.
type SearchRow struct {
	models.KnowledgeItem
	Distance   float64 `db:"distance"`
	TotalCount int     `db:"total_count"`
}

// ListRow is one entry of the merged pending+approved listing for an agent
type ListRow struct {
	ID          uuid.UUID       `db:"id"`
	Status      string          `db:"status"`
	Category    models.Category `db:"category"`
	Content     string          `db:"content"`
	SubmittedAt time.Time       `db:"submitted_at"`
	ApprovedAt  *time.Time      `db:"approved_at"`
	SortTS      time.Time       `db:"sort_ts"`
}

// KnowledgeRepository manages approved knowledge items and their embeddings
type KnowledgeRepository interface {
	// InsertInTx stores an approved item with its embedding inside an approval
	// transaction. Returns database.ErrDuplicateKey on a hash-uniqueness
	// violation.
	InsertInTx(ctx context.Context, tx *sqlx.Tx, item *models.KnowledgeItem) error

	// HashConflictInTx reports whether inserting an item with this tenant,
	// content hash and visibility would violate a uniqueness constraint.
	// Checked inside the approval transaction before the insert, so the
	// transaction survives the duplicate path.
	HashConflictInTx(ctx context.Context, tx *sqlx.Tx, tenantID, contentHash string, isPublic bool) (bool, error)

	// PublishApprovalInTx emits the approval event on the notify channel. The
	// notification is delivered only if the surrounding transaction commits.
	PublishApprovalInTx(ctx context.Context, tx *sqlx.Tx, event *models.ApprovalEvent) error

	// Nearest runs a tenant-scoped cosine nearest-neighbour query. Visible
	// rows are the caller's own plus public ones; soft-deleted rows are
	// always excluded.
	Nearest(ctx context.Context, vector []float32, tenantID string, filter SearchFilter) ([]*SearchRow, error)

	// GetVisible loads one item if the caller may see it. Missing and
	// cross-tenant are indistinguishable: both return database.ErrNotFound.
	GetVisible(ctx context.Context, id uuid.UUID, tenantID string) (*models.KnowledgeItem, error)

	// SoftDeleteOwned shadows an item owned by the given tenant and agent.
	// Returns false when no visible row matched.
	SoftDeleteOwned(ctx context.Context, id uuid.UUID, tenantID, agentID string) (bool, error)

	// SoftDelete shadows an item regardless of owner. Reviewer surface only.
	SoftDelete(ctx context.Context, id uuid.UUID) (bool, error)

	// ListMine returns the merged pending+approved listing for one agent,
	// newest first. Pending rows sort by submission time, approved rows by
	// approval time.
	ListMine(ctx context.Context, tenantID, agentID string, limit, offset int) ([]*ListRow, error)

	// IncrementRetrievalCount bumps the retrieval counter for an item
	IncrementRetrievalCount(ctx context.Context, id uuid.UUID) error

	// IncrementOutcome bumps the helpful or not-helpful counter for an item
	IncrementOutcome(ctx context.Context, id uuid.UUID, helpful bool) error

	// UpdateQuality writes aggregated counters and the computed score
	UpdateQuality(ctx context.Context, id uuid.UUID, retrievals, helpful, notHelpful int, score float64) error

	// ApprovalTime returns when a live item entered the commons. Returns
	// database.ErrNotFound for missing or soft-deleted items.
	ApprovalTime(ctx context.Context, id uuid.UUID) (time.Time, error)
}

type knowledgeRepository struct {
	db *sqlx.DB
}

// NewKnowledgeRepository creates a PostgreSQL-backed KnowledgeRepository
func NewKnowledgeRepository(db *sqlx.DB) KnowledgeRepository {
	return &knowledgeRepository{db: db}
}

func (r *knowledgeRepository) InsertInTx(ctx context.Context, tx *sqlx.Tx, item *models.KnowledgeItem) error {
	if item == nil {
		return errors.New("knowledge item cannot be nil")
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.ApprovedAt.IsZero() {
		item.ApprovedAt = time.Now().UTC()
	}
	if item.Tags == nil {
		item.Tags = models.Tags{}
	}
	if len(item.Embedding) == 0 {
		return errors.New("knowledge item requires an embedding")
	}

	query := `
		INSERT INTO knowledge_items (
			id, tenant_id, agent_id, run_id, content, category, original_category,
			confidence, framework, language, tags, content_hash, is_public,
			embedding, submitted_at, approved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::vector, $15, $16)
	`
	_, err := tx.ExecContext(ctx, query,
		item.ID, item.TenantID, item.AgentID, item.RunID, item.Content,
		item.Category, item.OriginalCategory, item.Confidence, item.Framework,
		item.Language, item.Tags, item.ContentHash, item.IsPublic,
		formatVectorForPg(item.Embedding), item.SubmittedAt, item.ApprovedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return database.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert knowledge item: %w", err)
	}
	return nil
}

func (r *knowledgeRepository) HashConflictInTx(ctx context.Context, tx *sqlx.Tx, tenantID, contentHash string, isPublic bool) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM knowledge_items
			WHERE (tenant_id = $1 AND content_hash = $2)
			   OR ($3 AND content_hash = $2 AND is_public AND deleted_at IS NULL)
		)
	`
	var exists bool
	if err := tx.GetContext(ctx, &exists, query, tenantID, contentHash, isPublic); err != nil {
		return false, fmt.Errorf("failed to check hash conflict: %w", err)
	}
	return exists, nil
}

func (r *knowledgeRepository) PublishApprovalInTx(ctx context.Context, tx *sqlx.Tx, event *models.ApprovalEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal approval event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, ApprovalChannel, string(payload)); err != nil {
		return fmt.Errorf("failed to publish approval event: %w", err)
	}
	return nil
}

func (r *knowledgeRepository) Nearest(ctx context.Context, vector []float32, tenantID string, filter SearchFilter) ([]*SearchRow, error) {
	if len(vector) == 0 {
		return nil, errors.New("query vector cannot be empty")
	}
	if filter.Limit <= 0 {
		filter.Limit = 10
	}

	vectorStr := formatVectorForPg(vector)

	query := fmt.Sprintf(`
		SELECT %s, (embedding <=> $1::vector)::float8 AS distance,
			COUNT(*) OVER () AS total_count
		FROM knowledge_items
		WHERE deleted_at IS NULL
		  AND embedding IS NOT NULL
		  AND (tenant_id = $2 OR is_public)
	`, knowledgeColumns)

	args := []interface{}{vectorStr, tenantID}
	argIndex := 3

	if filter.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argIndex)
		args = append(args, filter.Category)
		argIndex++
	}
	if filter.Framework != "" {
		query += fmt.Sprintf(" AND framework = $%d", argIndex)
		args = append(args, filter.Framework)
		argIndex++
	}
	if filter.Language != "" {
		query += fmt.Sprintf(" AND language = $%d", argIndex)
		args = append(args, filter.Language)
		argIndex++
	}
	if filter.DistanceCeiling > 0 {
		query += fmt.Sprintf(" AND (embedding <=> $1::vector) <= $%d", argIndex)
		args = append(args, filter.DistanceCeiling)
		argIndex++
	}

	query += fmt.Sprintf(" ORDER BY embedding <=> $1::vector LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, filter.Limit, filter.Offset)

	var rows []*SearchRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search knowledge items: %w", err)
	}
	return rows, nil
}

func (r *knowledgeRepository) GetVisible(ctx context.Context, id uuid.UUID, tenantID string) (*models.KnowledgeItem, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM knowledge_items
		WHERE id = $1 AND deleted_at IS NULL AND (tenant_id = $2 OR is_public)
	`, knowledgeColumns)

	var item models.KnowledgeItem
	if err := r.db.GetContext(ctx, &item, query, id, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get knowledge item: %w", err)
	}
	return &item, nil
}

func (r *knowledgeRepository) SoftDeleteOwned(ctx context.Context, id uuid.UUID, tenantID, agentID string) (bool, error) {
	query := `
		UPDATE knowledge_items SET deleted_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND agent_id = $3 AND deleted_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, id, tenantID, agentID)
	if err != nil {
		return false, fmt.Errorf("failed to soft delete knowledge item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *knowledgeRepository) SoftDelete(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `UPDATE knowledge_items SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to soft delete knowledge item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *knowledgeRepository) ListMine(ctx context.Context, tenantID, agentID string, limit, offset int) ([]*ListRow, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, 'pending' AS status, category, content, submitted_at,
		       NULL::timestamptz AS approved_at, submitted_at AS sort_ts
		FROM pending_contributions
		WHERE tenant_id = $1 AND agent_id = $2
		UNION ALL
		SELECT id, 'approved' AS status, category, content, submitted_at,
		       approved_at, approved_at AS sort_ts
		FROM knowledge_items
		WHERE tenant_id = $1 AND agent_id = $2 AND deleted_at IS NULL
		ORDER BY sort_ts DESC, id
		LIMIT $3 OFFSET $4
	`

	var rows []*ListRow
	if err := r.db.SelectContext(ctx, &rows, query, tenantID, agentID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list knowledge: %w", err)
	}
	return rows, nil
}

func (r *knowledgeRepository) IncrementRetrievalCount(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE knowledge_items SET retrieval_count = retrieval_count + 1 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to increment retrieval count: %w", err)
	}
	return nil
}

func (r *knowledgeRepository) IncrementOutcome(ctx context.Context, id uuid.UUID, helpful bool) error {
	column := "not_helpful_count"
	if helpful {
		column = "helpful_count"
	}
	query := fmt.Sprintf(`UPDATE knowledge_items SET %s = %s + 1 WHERE id = $1`, column, column)
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to increment outcome counter: %w", err)
	}
	return nil
}

func (r *knowledgeRepository) UpdateQuality(ctx context.Context, id uuid.UUID, retrievals, helpful, notHelpful int, score float64) error {
	query := `
		UPDATE knowledge_items
		SET retrieval_count = $2, helpful_count = $3, not_helpful_count = $4, quality_score = $5
		WHERE id = $1 AND deleted_at IS NULL
	`
	if _, err := r.db.ExecContext(ctx, query, id, retrievals, helpful, notHelpful, score); err != nil {
		return fmt.Errorf("failed to update quality aggregates: %w", err)
	}
	return nil
}

func (r *knowledgeRepository) ApprovalTime(ctx context.Context, id uuid.UUID) (time.Time, error) {
	query := `SELECT approved_at FROM knowledge_items WHERE id = $1 AND deleted_at IS NULL`
	var approvedAt time.Time
	if err := r.db.GetContext(ctx, &approvedAt, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, database.ErrNotFound
		}
		return time.Time{}, fmt.Errorf("failed to load approval time: %w", err)
	}
	return approvedAt, nil
}

// formatVectorForPg renders a float32 slice in pgvector text format
func formatVectorForPg(vector []float32) string {
	// Format as [1,2,3,...]
	elements := make([]string, len(vector))
	for i, v := range vector {
		elements[i] = fmt.Sprintf("%f", v)
	}
	return "[" + strings.Join(elements, ",") + "]"
}
