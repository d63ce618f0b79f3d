package services

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/hivemind-io/hivemind/pkg/database"
	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/observability"
	"github.com/hivemind-io/hivemind/pkg/repository"
)

// Outcome values accepted by ReportOutcome
const (
	OutcomeSolved     = "solved"
	OutcomeDidNotHelp = "did_not_help"
)

// ListOutput is one page of an agent's merged pending+approved listing
type ListOutput struct {
	Items   []models.ListItem `json:"items"`
	HasMore bool              `json:"has_more"`
}

// OutcomeResult reports whether an outcome was recorded or deduplicated
type OutcomeResult struct {
	Status   string `json:"status"`
	ItemID   string `json:"item_id"`
	Outcome  string `json:"outcome"`
	SignalID string `json:"signal_id"`
}

// KnowledgeService covers the agent-facing item operations that are neither
// ingest nor search: listing, deletion, and outcome reporting.
type KnowledgeService struct {
	knowledge repository.KnowledgeRepository
	signals   repository.SignalRepository
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewKnowledgeService creates the knowledge service
func NewKnowledgeService(
	knowledge repository.KnowledgeRepository,
	signals repository.SignalRepository,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *KnowledgeService {
	return &KnowledgeService{
		knowledge: knowledge,
		signals:   signals,
		logger:    logger,
		metrics:   metrics,
	}
}

// List returns the caller's contributions, pending and approved merged,
// newest first.
func (s *KnowledgeService) List(ctx context.Context, tenantID, agentID string, limit, offset int) (*ListOutput, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.knowledge.ListMine(ctx, tenantID, agentID, limit+1, offset)
	if err != nil {
		return nil, Wrap(KindInternal, err, "failed to list knowledge")
	}

	out := &ListOutput{Items: make([]models.ListItem, 0, len(rows))}
	if len(rows) > limit {
		out.HasMore = true
		rows = rows[:limit]
	}
	for _, row := range rows {
		item := models.ListItem{
			ID:       row.ID.String(),
			Status:   row.Status,
			Category: row.Category,
			Title:    models.Title(row.Content),
		}
		if row.Status == models.StatusApproved {
			item.ApprovedAt = row.ApprovedAt
		} else {
			submitted := row.SubmittedAt
			item.SubmittedAt = &submitted
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// Delete soft-deletes an item owned by the calling agent
func (s *KnowledgeService) Delete(ctx context.Context, tenantID, agentID string, id uuid.UUID) error {
	deleted, err := s.knowledge.SoftDeleteOwned(ctx, id, tenantID, agentID)
	if err != nil {
		return Wrap(KindInternal, err, "failed to delete knowledge item")
	}
	if !deleted {
		return Errorf(KindNotFound, "knowledge item %s not found", id)
	}
	s.logger.Info("Knowledge item deleted", map[string]interface{}{
		"item_id":   id.String(),
		"tenant_id": tenantID,
		"agent_id":  agentID,
	})
	return nil
}

// ReportOutcome records how applying an item worked out. Outcomes with a run
// id are deduplicated per (item, run); a repeat reports already_recorded.
func (s *KnowledgeService) ReportOutcome(ctx context.Context, tenantID, agentID string, id uuid.UUID, outcome string, runID *string) (*OutcomeResult, error) {
	signalType, err := signalTypeFor(outcome)
	if err != nil {
		return nil, err
	}

	if _, err := s.knowledge.GetVisible(ctx, id, tenantID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, Errorf(KindNotFound, "knowledge item %s not found", id)
		}
		return nil, Wrap(KindInternal, err, "failed to load knowledge item")
	}

	signal := &models.QualitySignal{
		KnowledgeItemID: id,
		SignalType:      signalType,
		TenantID:        &tenantID,
		AgentID:         &agentID,
		RunID:           runID,
	}
	if err := s.signals.Insert(ctx, signal); err != nil {
		if errors.Is(err, database.ErrDuplicateKey) && runID != nil {
			existing, findErr := s.signals.FindOutcomeSignal(ctx, id, *runID)
			if findErr != nil {
				return nil, Wrap(KindInternal, findErr, "failed to resolve recorded outcome")
			}
			return &OutcomeResult{
				Status:   "already_recorded",
				ItemID:   id.String(),
				Outcome:  outcome,
				SignalID: existing.String(),
			}, nil
		}
		return nil, Wrap(KindInternal, err, "failed to record outcome")
	}

	// Counter updates are best-effort; the aggregation pass reconciles them
	// from signals regardless.
	if err := s.knowledge.IncrementOutcome(ctx, id, signalType == models.SignalOutcomeSolved); err != nil {
		s.logger.Warn("Failed to increment outcome counter", map[string]interface{}{
			"item_id": id.String(),
			"error":   err.Error(),
		})
	}

	if s.metrics != nil {
		s.metrics.IncrementCounterWithLabels("outcomes_reported_total", 1,
			map[string]string{"outcome": outcome})
	}
	return &OutcomeResult{
		Status:   "recorded",
		ItemID:   id.String(),
		Outcome:  outcome,
		SignalID: signal.ID.String(),
	}, nil
}

func signalTypeFor(outcome string) (string, error) {
	switch outcome {
	case OutcomeSolved:
		return models.SignalOutcomeSolved, nil
	case OutcomeDidNotHelp:
		return models.SignalOutcomeNotHelpful, nil
	default:
		return "", Errorf(KindInvalidInput, "unknown outcome %q, valid outcomes: solved, did_not_help", outcome)
	}
}
