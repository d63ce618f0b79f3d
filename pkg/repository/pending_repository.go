// Package repository provides PostgreSQL persistence for contributions,
// knowledge items, quality signals and webhook endpoints.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hivemind-io/hivemind/pkg/database"
	"github.com/hivemind-io/hivemind/pkg/models"
)

// pendingColumns is the full scan list for pending_contributions
const pendingColumns = `id, tenant_id, agent_id, run_id, content, category, confidence,
	framework, language, tags, content_hash, sensitive_flag, submitted_at`

// PendingRepository manages the quarantine of contributions awaiting review
type PendingRepository interface {
	// Insert stores a sanitised contribution in quarantine
	Insert(ctx context.Context, p *models.PendingContribution) error

	// GetByID loads a pending row without locking it
	GetByID(ctx context.Context, id uuid.UUID) (*models.PendingContribution, error)

	// ClaimByID loads a pending row under a row-level exclusive lock, skipping
	// rows locked by other sessions. Returns database.ErrNotFound when the row
	// is missing or held by a concurrent reviewer.
	ClaimByID(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*models.PendingContribution, error)

	// ClaimBatch locks and returns up to limit unclaimed rows in FIFO order.
	// Concurrent callers receive disjoint slices until their transactions end.
	ClaimBatch(ctx context.Context, tx *sqlx.Tx, tenantID string, limit int) ([]*models.PendingContribution, error)

	// List returns pending rows in FIFO order without locking them. An empty
	// tenantID lists across all tenants (reviewer surface).
	List(ctx context.Context, tenantID string, limit, offset int) ([]*models.PendingContribution, error)

	// DeleteInTx removes a pending row inside an approval transaction
	DeleteInTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error

	// Delete removes a pending row outright. Returns false when the row was
	// already resolved by another reviewer.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)

	// FlagSensitive marks a pending row as sensitive without resolving it.
	// Returns false when the row was already resolved.
	FlagSensitive(ctx context.Context, id uuid.UUID) (bool, error)

	// CountAll returns the total quarantine depth
	CountAll(ctx context.Context) (int, error)

	// CountByTenant returns the quarantine depth for one tenant
	CountByTenant(ctx context.Context, tenantID string) (int, error)
}

type pendingRepository struct {
	db *sqlx.DB
}

// NewPendingRepository creates a PostgreSQL-backed PendingRepository
func NewPendingRepository(db *sqlx.DB) PendingRepository {
	return &pendingRepository{db: db}
}

func (r *pendingRepository) Insert(ctx context.Context, p *models.PendingContribution) error {
	if p == nil {
		return errors.New("pending contribution cannot be nil")
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = time.Now().UTC()
	}
	if p.Tags == nil {
		p.Tags = models.Tags{}
	}

	query := `
		INSERT INTO pending_contributions (
			id, tenant_id, agent_id, run_id, content, category, confidence,
			framework, language, tags, content_hash, sensitive_flag, submitted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.TenantID, p.AgentID, p.RunID, p.Content, p.Category, p.Confidence,
		p.Framework, p.Language, p.Tags, p.ContentHash, p.SensitiveFlag, p.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pending contribution: %w", err)
	}
	return nil
}

func (r *pendingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PendingContribution, error) {
	query := fmt.Sprintf(`SELECT %s FROM pending_contributions WHERE id = $1`, pendingColumns)

	var p models.PendingContribution
	if err := r.db.GetContext(ctx, &p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pending contribution: %w", err)
	}
	return &p, nil
}

func (r *pendingRepository) ClaimByID(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*models.PendingContribution, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM pending_contributions
		WHERE id = $1
		FOR UPDATE SKIP LOCKED
	`, pendingColumns)

	var p models.PendingContribution
	if err := tx.GetContext(ctx, &p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("failed to claim pending contribution: %w", err)
	}
	return &p, nil
}

func (r *pendingRepository) ClaimBatch(ctx context.Context, tx *sqlx.Tx, tenantID string, limit int) ([]*models.PendingContribution, error) {
	if limit <= 0 {
		limit = 10
	}

	var (
		query string
		args  []interface{}
	)
	if tenantID != "" {
		query = fmt.Sprintf(`
			SELECT %s FROM pending_contributions
			WHERE tenant_id = $1
			ORDER BY submitted_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, pendingColumns)
		args = []interface{}{tenantID, limit}
	} else {
		query = fmt.Sprintf(`
			SELECT %s FROM pending_contributions
			ORDER BY submitted_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, pendingColumns)
		args = []interface{}{limit}
	}

	var batch []*models.PendingContribution
	if err := tx.SelectContext(ctx, &batch, query, args...); err != nil {
		return nil, fmt.Errorf("failed to claim pending batch: %w", err)
	}
	return batch, nil
}

func (r *pendingRepository) List(ctx context.Context, tenantID string, limit, offset int) ([]*models.PendingContribution, error) {
	if limit <= 0 {
		limit = 20
	}

	var (
		query string
		args  []interface{}
	)
	if tenantID != "" {
		query = fmt.Sprintf(`
			SELECT %s FROM pending_contributions
			WHERE tenant_id = $1
			ORDER BY submitted_at ASC
			LIMIT $2 OFFSET $3
		`, pendingColumns)
		args = []interface{}{tenantID, limit, offset}
	} else {
		query = fmt.Sprintf(`
			SELECT %s FROM pending_contributions
			ORDER BY submitted_at ASC
			LIMIT $1 OFFSET $2
		`, pendingColumns)
		args = []interface{}{limit, offset}
	}

	var rows []*models.PendingContribution
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list pending contributions: %w", err)
	}
	return rows, nil
}

func (r *pendingRepository) DeleteInTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error {
	result, err := tx.ExecContext(ctx, `DELETE FROM pending_contributions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pending contribution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (r *pendingRepository) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM pending_contributions WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete pending contribution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *pendingRepository) FlagSensitive(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE pending_contributions SET sensitive_flag = TRUE WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to flag pending contribution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *pendingRepository) CountAll(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM pending_contributions`); err != nil {
		return 0, fmt.Errorf("failed to count pending contributions: %w", err)
	}
	return count, nil
}

func (r *pendingRepository) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM pending_contributions WHERE tenant_id = $1`
	if err := r.db.GetContext(ctx, &count, query, tenantID); err != nil {
		return 0, fmt.Errorf("failed to count pending contributions: %w", err)
	}
	return count, nil
}
