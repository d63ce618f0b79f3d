package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hivemind-io/hivemind/pkg/database"
	"github.com/hivemind-io/hivemind/pkg/embedding"
	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/observability"
	"github.com/hivemind-io/hivemind/pkg/repository"
)

// ApproveOptions carries the reviewer's decisions for one approval
type ApproveOptions struct {
	// MakePublic shares the item across tenants.
	MakePublic bool

	// CategoryOverride replaces the agent-suggested category. Empty keeps it.
	CategoryOverride string
}

// ApprovalService promotes quarantined contributions into the commons.
// Promotion is a single transaction: the pending row is claimed under a lock,
// embedded, inserted, removed from quarantine, and the approval notification
// queued. Publication is therefore all-or-nothing with the row's removal.
type ApprovalService struct {
	db        *database.Database
	pending   repository.PendingRepository
	knowledge repository.KnowledgeRepository
	embedder  *embedding.Service
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewApprovalService creates the approval service
func NewApprovalService(
	db *database.Database,
	pending repository.PendingRepository,
	knowledge repository.KnowledgeRepository,
	embedder *embedding.Service,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *ApprovalService {
	return &ApprovalService{
		db:        db,
		pending:   pending,
		knowledge: knowledge,
		embedder:  embedder,
		logger:    logger,
		metrics:   metrics,
	}
}

// Approve promotes one pending contribution. A missing or concurrently-claimed
// row yields a gone error; a content-hash collision yields duplicate, rolls
// the transaction back, and leaves the row quarantined for the reviewer to
// reject.
func (s *ApprovalService) Approve(ctx context.Context, id uuid.UUID, opts ApproveOptions) (*models.KnowledgeItem, error) {
	if opts.CategoryOverride != "" && !models.ValidCategory(opts.CategoryOverride) {
		return nil, Errorf(KindInvalidInput, "unknown category %q", opts.CategoryOverride)
	}

	var item *models.KnowledgeItem
	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		pending, err := s.pending.ClaimByID(ctx, tx, id)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return Errorf(KindGone, "contribution %s was already resolved", id)
			}
			return Wrap(KindInternal, err, "failed to claim contribution")
		}

		conflict, err := s.knowledge.HashConflictInTx(ctx, tx, pending.TenantID, pending.ContentHash, opts.MakePublic)
		if err != nil {
			return Wrap(KindInternal, err, "failed to check for duplicates")
		}
		if conflict {
			// The same content was promoted earlier. Abort so the row stays
			// quarantined; the reviewer rejects it explicitly.
			return Errorf(KindDuplicate, "equivalent knowledge already exists in the commons")
		}

		vector, err := s.embedder.Embed(ctx, pending.Content)
		if err != nil {
			if errors.Is(err, embedding.ErrBusy) {
				return Wrap(KindBusy, err, "embedding provider at capacity, retry shortly")
			}
			return Wrap(KindInternal, err, "failed to embed contribution")
		}

		item = buildKnowledgeItem(pending, opts, vector)

		if err := s.knowledge.InsertInTx(ctx, tx, item); err != nil {
			if errors.Is(err, database.ErrDuplicateKey) {
				// A racing approval inserted the same hash after our conflict
				// check. Roll back; the next reviewer pass resolves it cleanly.
				return Errorf(KindDuplicate, "equivalent knowledge already exists in the commons")
			}
			return Wrap(KindInternal, err, "failed to insert knowledge item")
		}

		if err := s.pending.DeleteInTx(ctx, tx, id); err != nil {
			return Wrap(KindInternal, err, "failed to clear quarantine row")
		}

		event := &models.ApprovalEvent{
			ID:       item.ID.String(),
			TenantID: item.TenantID,
			Category: string(item.Category),
			IsPublic: item.IsPublic,
			Title:    item.Title(),
		}
		if err := s.knowledge.PublishApprovalInTx(ctx, tx, event); err != nil {
			return Wrap(KindInternal, err, "failed to publish approval event")
		}
		return nil
	})
	if err != nil {
		s.count("approve", string(KindOf(err)))
		return nil, err
	}

	s.count("approve", "ok")
	s.logger.Info("Contribution approved", map[string]interface{}{
		"pending_id": id.String(),
		"item_id":    item.ID.String(),
		"tenant_id":  item.TenantID,
		"is_public":  item.IsPublic,
		"category":   string(item.Category),
	})
	return item, nil
}

// Reject removes a pending contribution without promoting it
func (s *ApprovalService) Reject(ctx context.Context, id uuid.UUID) error {
	deleted, err := s.pending.Delete(ctx, id)
	if err != nil {
		return Wrap(KindInternal, err, "failed to reject contribution")
	}
	if !deleted {
		return Errorf(KindGone, "contribution %s was already resolved", id)
	}
	s.count("reject", "ok")
	s.logger.Info("Contribution rejected", map[string]interface{}{"pending_id": id.String()})
	return nil
}

// Flag marks a pending contribution as sensitive without resolving it
func (s *ApprovalService) Flag(ctx context.Context, id uuid.UUID) error {
	flagged, err := s.pending.FlagSensitive(ctx, id)
	if err != nil {
		return Wrap(KindInternal, err, "failed to flag contribution")
	}
	if !flagged {
		return Errorf(KindGone, "contribution %s was already resolved", id)
	}
	s.count("flag", "ok")
	return nil
}

// Claim locks and returns up to limit pending contributions for review.
// Overlapping callers receive disjoint batches while their locks are held;
// this call releases its locks on return, so it is a read of the queue head,
// not a lease.
func (s *ApprovalService) Claim(ctx context.Context, tenantID string, limit int) ([]*models.PendingContribution, error) {
	var batch []*models.PendingContribution
	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		var err error
		batch, err = s.pending.ClaimBatch(ctx, tx, tenantID, limit)
		return err
	})
	if err != nil {
		return nil, Wrap(KindInternal, err, "failed to claim review batch")
	}
	return batch, nil
}

// Queue returns the quarantine contents in FIFO order without locking
func (s *ApprovalService) Queue(ctx context.Context, tenantID string, limit, offset int) ([]*models.PendingContribution, error) {
	rows, err := s.pending.List(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, Wrap(KindInternal, err, "failed to list review queue")
	}
	return rows, nil
}

func (s *ApprovalService) count(operation, outcome string) {
	if s.metrics != nil {
		s.metrics.IncrementCounterWithLabels("review_decisions_total", 1,
			map[string]string{"operation": operation, "outcome": outcome})
	}
}

// buildKnowledgeItem copies provenance from the pending row and applies the
// reviewer's decisions.
func buildKnowledgeItem(pending *models.PendingContribution, opts ApproveOptions, vector []float32) *models.KnowledgeItem {
	item := &models.KnowledgeItem{
		ID:          uuid.New(),
		TenantID:    pending.TenantID,
		AgentID:     pending.AgentID,
		RunID:       pending.RunID,
		Content:     pending.Content,
		Category:    pending.Category,
		Confidence:  pending.Confidence,
		Framework:   pending.Framework,
		Language:    pending.Language,
		Tags:        pending.Tags,
		ContentHash: pending.ContentHash,
		SubmittedAt: pending.SubmittedAt,
		IsPublic:    opts.MakePublic,
		ApprovedAt:  time.Now().UTC(),
		Embedding:   vector,
	}
	if opts.CategoryOverride != "" && models.Category(opts.CategoryOverride) != pending.Category {
		original := pending.Category
		item.OriginalCategory = &original
		item.Category = models.Category(opts.CategoryOverride)
	}
	return item
}
