package services

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"

	"github.com/hivemind-io/hivemind/pkg/database"
	"github.com/hivemind-io/hivemind/pkg/embedding"
	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/observability"
	"github.com/hivemind-io/hivemind/pkg/quality"
	"github.com/hivemind-io/hivemind/pkg/repository"
)

// PrescreenConfig tunes the reviewer pre-screen
type PrescreenConfig struct {
	// DistanceCeiling excludes neighbours farther than this cosine distance.
	DistanceCeiling float64

	// DuplicatePercent marks neighbours at or above this similarity as likely
	// duplicates.
	DuplicatePercent float64

	// SimilarLimit caps the neighbours surfaced per contribution.
	SimilarLimit int
}

// PrescreenResult is the advisory signal attached to one pending contribution
type PrescreenResult struct {
	PendingID    string               `json:"pending_id"`
	Title        string               `json:"title"`
	Category     models.Category      `json:"category"`
	SimilarItems []models.SimilarItem `json:"similar_items"`
	Badge        models.QualityBadge  `json:"badge"`
}

// PrescreenService computes the advisory review signal for pending
// contributions: nearest existing knowledge plus a heuristic quality badge.
// Advisory only, it never blocks or decides an approval.
type PrescreenService struct {
	config    PrescreenConfig
	pending   repository.PendingRepository
	knowledge repository.KnowledgeRepository
	embedder  *embedding.Service
	logger    observability.Logger
}

// NewPrescreenService creates the pre-screen service
func NewPrescreenService(
	cfg PrescreenConfig,
	pending repository.PendingRepository,
	knowledge repository.KnowledgeRepository,
	embedder *embedding.Service,
	logger observability.Logger,
) *PrescreenService {
	if cfg.DistanceCeiling <= 0 {
		cfg.DistanceCeiling = 0.35
	}
	if cfg.DuplicatePercent <= 0 {
		cfg.DuplicatePercent = 80.0
	}
	if cfg.SimilarLimit <= 0 {
		cfg.SimilarLimit = 3
	}
	return &PrescreenService{
		config:    cfg,
		pending:   pending,
		knowledge: knowledge,
		embedder:  embedder,
		logger:    logger,
	}
}

// Prescreen computes the advisory signal for one pending contribution
func (s *PrescreenService) Prescreen(ctx context.Context, id uuid.UUID) (*PrescreenResult, error) {
	pending, err := s.pending.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, Errorf(KindNotFound, "contribution %s not found", id)
		}
		return nil, Wrap(KindInternal, err, "failed to load contribution")
	}

	index := quality.ReviewIndex(pending.Confidence, pending.SensitiveFlag, len([]rune(pending.Content)))
	result := &PrescreenResult{
		PendingID:    pending.ID.String(),
		Title:        pending.Title(),
		Category:     pending.Category,
		SimilarItems: []models.SimilarItem{},
		Badge:        models.QualityBadge{Index: index, Badge: quality.BadgeFor(index)},
	}

	vector, err := s.embedder.Embed(ctx, pending.Content)
	if err != nil {
		if errors.Is(err, embedding.ErrBusy) {
			return nil, Wrap(KindBusy, err, "embedding provider at capacity, retry shortly")
		}
		return nil, Wrap(KindInternal, err, "failed to embed contribution")
	}

	// Neighbour search runs as the contributing tenant, so the reviewer sees
	// exactly what that tenant's agents could retrieve.
	rows, err := s.knowledge.Nearest(ctx, vector, pending.TenantID, repository.SearchFilter{
		DistanceCeiling: s.config.DistanceCeiling,
		Limit:           s.config.SimilarLimit,
	})
	if err != nil {
		return nil, Wrap(KindInternal, err, "similarity search failed")
	}

	for _, row := range rows {
		percent := math.Round((1-row.Distance)*1000) / 10
		result.SimilarItems = append(result.SimilarItems, models.SimilarItem{
			ID:                row.ID.String(),
			Title:             row.Title(),
			Category:          row.Category,
			SimilarityPercent: percent,
			TenantID:          row.TenantID,
			LikelyDuplicate:   percent >= s.config.DuplicatePercent,
		})
	}
	return result, nil
}
