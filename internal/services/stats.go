package services

import (
	"context"
	"time"

	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/repository"
)

// StatsService exposes the read-only health and participation summaries
type StatsService struct {
	stats repository.StatsRepository
	topN  int
}

// NewStatsService creates the stats service
func NewStatsService(stats repository.StatsRepository) *StatsService {
	return &StatsService{stats: stats, topN: 5}
}

// Commons summarises the whole commons
func (s *StatsService) Commons(ctx context.Context) (*models.CommonsStats, error) {
	stats, err := s.stats.CommonsStats(ctx, time.Now().UTC())
	if err != nil {
		return nil, Wrap(KindInternal, err, "failed to compute commons stats")
	}
	return stats, nil
}

// Org summarises one tenant's participation
func (s *StatsService) Org(ctx context.Context, tenantID string) (*models.OrgStats, error) {
	stats, err := s.stats.OrgStats(ctx, tenantID, time.Now().UTC(), s.topN)
	if err != nil {
		return nil, Wrap(KindInternal, err, "failed to compute organization stats")
	}
	return stats, nil
}

// User summarises one agent's contribution footprint
func (s *StatsService) User(ctx context.Context, tenantID, agentID string) (*models.UserStats, error) {
	stats, err := s.stats.UserStats(ctx, tenantID, agentID)
	if err != nil {
		return nil, Wrap(KindInternal, err, "failed to compute user stats")
	}
	return stats, nil
}
