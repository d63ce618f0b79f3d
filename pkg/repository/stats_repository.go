package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hivemind-io/hivemind/pkg/models"
)

// StatsRepository answers the aggregate queries behind the stats surfaces.
// All item counts exclude soft-deleted rows.
type StatsRepository interface {
	// CommonsStats summarises the whole commons at the given instant
	CommonsStats(ctx context.Context, now time.Time) (*models.CommonsStats, error)

	// OrgStats summarises one tenant's participation
	OrgStats(ctx context.Context, tenantID string, now time.Time, topN int) (*models.OrgStats, error)

	// UserStats summarises one agent's contribution footprint
	UserStats(ctx context.Context, tenantID, agentID string) (*models.UserStats, error)
}

type statsRepository struct {
	db *sqlx.DB
}

// NewStatsRepository creates a PostgreSQL-backed StatsRepository
func NewStatsRepository(db *sqlx.DB) StatsRepository {
	return &statsRepository{db: db}
}

func (r *statsRepository) CommonsStats(ctx context.Context, now time.Time) (*models.CommonsStats, error) {
	stats := &models.CommonsStats{Categories: map[string]int{}}

	query := `
		SELECT
			(SELECT COUNT(*) FROM knowledge_items WHERE deleted_at IS NULL) AS total_items,
			(SELECT COUNT(*) FROM pending_contributions) AS total_pending,
			(SELECT COUNT(*) FROM knowledge_items WHERE deleted_at IS NULL AND approved_at > $1) AS growth_24h,
			(SELECT COUNT(*) FROM knowledge_items WHERE deleted_at IS NULL AND approved_at > $2) AS growth_7d,
			(SELECT COUNT(*) FROM quality_signals WHERE signal_type = $3 AND created_at > $1) AS retrievals_24h,
			(SELECT COUNT(DISTINCT framework) FROM knowledge_items WHERE deleted_at IS NULL AND framework IS NOT NULL) AS domains
	`
	row := r.db.QueryRowxContext(ctx, query,
		now.Add(-24*time.Hour), now.Add(-7*24*time.Hour), models.SignalRetrieval)
	err := row.Scan(&stats.TotalItems, &stats.TotalPending, &stats.GrowthRate24h,
		&stats.GrowthRate7d, &stats.RetrievalVolume24h, &stats.DomainsCovered)
	if err != nil {
		return nil, fmt.Errorf("failed to query commons stats: %w", err)
	}

	rows, err := r.db.QueryxContext(ctx,
		`SELECT category, COUNT(*) FROM knowledge_items WHERE deleted_at IS NULL GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to query category breakdown: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("failed to scan category row: %w", err)
		}
		stats.Categories[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating category rows: %w", err)
	}

	return stats, nil
}

func (r *statsRepository) OrgStats(ctx context.Context, tenantID string, now time.Time, topN int) (*models.OrgStats, error) {
	if topN <= 0 {
		topN = 5
	}
	stats := &models.OrgStats{TopItems: []models.TopItem{}}

	query := `
		SELECT
			(SELECT COUNT(*) FROM knowledge_items WHERE tenant_id = $1 AND deleted_at IS NULL) AS total,
			(SELECT COUNT(*) FROM pending_contributions WHERE tenant_id = $1) AS pending,
			(SELECT COUNT(*) FROM knowledge_items WHERE tenant_id = $1 AND deleted_at IS NULL AND approved_at > $2) AS approved_24h,
			(SELECT COUNT(*) FROM quality_signals s
				JOIN knowledge_items k ON k.id = s.knowledge_item_id
				WHERE k.tenant_id = $1 AND s.signal_type = $3
				  AND s.tenant_id IS DISTINCT FROM k.tenant_id) AS retrievals_by_others,
			(SELECT COALESCE(SUM(helpful_count), 0) FROM knowledge_items WHERE tenant_id = $1 AND deleted_at IS NULL) AS helpful,
			(SELECT COALESCE(SUM(not_helpful_count), 0) FROM knowledge_items WHERE tenant_id = $1 AND deleted_at IS NULL) AS not_helpful
	`
	row := r.db.QueryRowxContext(ctx, query, tenantID, now.Add(-24*time.Hour), models.SignalRetrieval)
	err := row.Scan(&stats.ContributionsTotal, &stats.ContributionsPending,
		&stats.ContributionsApproved24h, &stats.RetrievalsByOthers,
		&stats.HelpfulCount, &stats.NotHelpfulCount)
	if err != nil {
		return nil, fmt.Errorf("failed to query org stats: %w", err)
	}

	topQuery := `
		SELECT id, content, retrieval_count, helpful_count
		FROM knowledge_items
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY retrieval_count DESC, helpful_count DESC
		LIMIT $2
	`
	rows, err := r.db.QueryxContext(ctx, topQuery, tenantID, topN)
	if err != nil {
		return nil, fmt.Errorf("failed to query top items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, content string
		var retrievals, helpful int
		if err := rows.Scan(&id, &content, &retrievals, &helpful); err != nil {
			return nil, fmt.Errorf("failed to scan top item row: %w", err)
		}
		stats.TopItems = append(stats.TopItems, models.TopItem{
			ID:             id,
			Title:          models.Title(content),
			RetrievalCount: retrievals,
			HelpfulCount:   helpful,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating top item rows: %w", err)
	}

	return stats, nil
}

func (r *statsRepository) UserStats(ctx context.Context, tenantID, agentID string) (*models.UserStats, error) {
	stats := &models.UserStats{AgentID: agentID}

	query := `
		SELECT
			COUNT(*) AS contributions,
			COALESCE(SUM(retrieval_count), 0) AS retrievals,
			COALESCE(SUM(helpful_count), 0) AS helpful,
			COALESCE(SUM(not_helpful_count), 0) AS not_helpful
		FROM knowledge_items
		WHERE tenant_id = $1 AND agent_id = $2 AND deleted_at IS NULL
	`
	var helpful, notHelpful int
	row := r.db.QueryRowxContext(ctx, query, tenantID, agentID)
	if err := row.Scan(&stats.AgentContributions, &stats.AgentRetrievalsReceived, &helpful, &notHelpful); err != nil {
		return nil, fmt.Errorf("failed to query user stats: %w", err)
	}

	if helpful+notHelpful > 0 {
		stats.AgentHelpfulRatio = float64(helpful) / float64(helpful+notHelpful)
	}
	return stats, nil
}
