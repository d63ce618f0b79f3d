package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hivemind-io/hivemind/pkg/database"
	"github.com/hivemind-io/hivemind/pkg/models"
)

// SignalAggregate holds per-item signal counts used by the quality scorer
type SignalAggregate struct {
	Retrievals     int `db:"retrievals"`
	Solved         int `db:"solved"`
	NotHelpful     int `db:"not_helpful"`
	Contradictions int `db:"contradictions"`
}

// SignalRepository records usage signals against knowledge items
type SignalRepository interface {
	// Insert stores a signal. Outcome signals carrying a run_id are
	// deduplicated; a repeat returns database.ErrDuplicateKey.
	Insert(ctx context.Context, s *models.QualitySignal) error

	// FindOutcomeSignal returns the id of the outcome signal already recorded
	// for this (item, run) pair, or database.ErrNotFound.
	FindOutcomeSignal(ctx context.Context, itemID uuid.UUID, runID string) (uuid.UUID, error)

	// ItemsWithSignalsSince returns the ids of items that received any signal
	// after the given instant. Drives the incremental aggregation pass.
	ItemsWithSignalsSince(ctx context.Context, since time.Time) ([]uuid.UUID, error)

	// AggregateForItem counts signals of each type for one item
	AggregateForItem(ctx context.Context, itemID uuid.UUID) (*SignalAggregate, error)
}

type signalRepository struct {
	db *sqlx.DB
}

// NewSignalRepository creates a PostgreSQL-backed SignalRepository
func NewSignalRepository(db *sqlx.DB) SignalRepository {
	return &signalRepository{db: db}
}

func (r *signalRepository) Insert(ctx context.Context, s *models.QualitySignal) error {
	if s == nil {
		return errors.New("signal cannot be nil")
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO quality_signals (id, knowledge_item_id, signal_type, tenant_id, agent_id, run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.KnowledgeItemID, s.SignalType, s.TenantID, s.AgentID, s.RunID, s.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return database.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert quality signal: %w", err)
	}
	return nil
}

func (r *signalRepository) FindOutcomeSignal(ctx context.Context, itemID uuid.UUID, runID string) (uuid.UUID, error) {
	query := `
		SELECT id FROM quality_signals
		WHERE knowledge_item_id = $1 AND run_id = $2 AND signal_type IN ($3, $4)
	`
	var id uuid.UUID
	err := r.db.GetContext(ctx, &id, query, itemID, runID,
		models.SignalOutcomeSolved, models.SignalOutcomeNotHelpful)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, database.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to look up outcome signal: %w", err)
	}
	return id, nil
}

func (r *signalRepository) ItemsWithSignalsSince(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT knowledge_item_id
		FROM quality_signals
		WHERE created_at > $1
	`
	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, query, since); err != nil {
		return nil, fmt.Errorf("failed to list items with signals: %w", err)
	}
	return ids, nil
}

func (r *signalRepository) AggregateForItem(ctx context.Context, itemID uuid.UUID) (*SignalAggregate, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE signal_type = $2) AS retrievals,
			COUNT(*) FILTER (WHERE signal_type = $3) AS solved,
			COUNT(*) FILTER (WHERE signal_type = $4) AS not_helpful,
			COUNT(*) FILTER (WHERE signal_type = $5) AS contradictions
		FROM quality_signals
		WHERE knowledge_item_id = $1
	`
	var agg SignalAggregate
	err := r.db.GetContext(ctx, &agg, query, itemID,
		models.SignalRetrieval, models.SignalOutcomeSolved,
		models.SignalOutcomeNotHelpful, models.SignalContradiction,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate signals: %w", err)
	}
	return &agg, nil
}
