package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hivemind-io/hivemind/pkg/database"
	"github.com/hivemind-io/hivemind/pkg/embedding"
	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/observability"
	"github.com/hivemind-io/hivemind/pkg/repository"
	"github.com/hivemind-io/hivemind/pkg/sanitize"
)

// unitProvider returns a fixed unit vector for any input
type unitProvider struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (p *unitProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.calls++
	fail := p.fail
	p.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return []float32{1, 0, 0}, nil
}

func (p *unitProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := p.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (p *unitProvider) ModelID() string       { return "test-model" }
func (p *unitProvider) ModelRevision() string { return "rev1" }
func (p *unitProvider) Dimensions() int       { return 3 }

func newTestEmbedder() *embedding.Service {
	svc, err := embedding.NewService(embedding.ServiceConfig{}, &unitProvider{},
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	if err != nil {
		panic(err)
	}
	return svc
}

func newTestSanitizer() *sanitize.Service {
	return sanitize.NewService(sanitize.Config{}, nil,
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

// fakePendingRepo is an in-memory PendingRepository
type fakePendingRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.PendingContribution

	insertErr error
	flagged   []uuid.UUID
}

func newFakePendingRepo() *fakePendingRepo {
	return &fakePendingRepo{rows: map[uuid.UUID]*models.PendingContribution{}}
}

func (f *fakePendingRepo) Insert(ctx context.Context, p *models.PendingContribution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = time.Now().UTC()
	}
	f.rows[p.ID] = p
	return nil
}

func (f *fakePendingRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PendingContribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return p, nil
}

func (f *fakePendingRepo) ClaimByID(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*models.PendingContribution, error) {
	return f.GetByID(ctx, id)
}

func (f *fakePendingRepo) ClaimBatch(ctx context.Context, tx *sqlx.Tx, tenantID string, limit int) ([]*models.PendingContribution, error) {
	return f.List(ctx, tenantID, limit, 0)
}

func (f *fakePendingRepo) List(ctx context.Context, tenantID string, limit, offset int) ([]*models.PendingContribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PendingContribution
	for _, p := range f.rows {
		if tenantID == "" || p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakePendingRepo) DeleteInTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return database.ErrNotFound
	}
	delete(f.rows, id)
	return nil
}

func (f *fakePendingRepo) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return false, nil
	}
	delete(f.rows, id)
	return true, nil
}

func (f *fakePendingRepo) FlagSensitive(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok {
		return false, nil
	}
	p.SensitiveFlag = true
	f.flagged = append(f.flagged, id)
	return true, nil
}

func (f *fakePendingRepo) CountAll(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows), nil
}

func (f *fakePendingRepo) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	rows, _ := f.List(ctx, tenantID, 0, 0)
	return len(rows), nil
}

// fakeKnowledgeRepo is an in-memory KnowledgeRepository
type fakeKnowledgeRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*models.KnowledgeItem

	nearestRows []*repository.SearchRow
	listRows    []*repository.ListRow
	events      []*models.ApprovalEvent
	retrievals  []uuid.UUID
	outcomes    []bool
	insertErr   error
}

func newFakeKnowledgeRepo() *fakeKnowledgeRepo {
	return &fakeKnowledgeRepo{items: map[uuid.UUID]*models.KnowledgeItem{}}
}

func (f *fakeKnowledgeRepo) InsertInTx(ctx context.Context, tx *sqlx.Tx, item *models.KnowledgeItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.items[item.ID] = item
	return nil
}

func (f *fakeKnowledgeRepo) HashConflictInTx(ctx context.Context, tx *sqlx.Tx, tenantID, contentHash string, isPublic bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.items {
		if item.TenantID == tenantID && item.ContentHash == contentHash {
			return true, nil
		}
		if isPublic && item.IsPublic && item.ContentHash == contentHash && item.DeletedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeKnowledgeRepo) PublishApprovalInTx(ctx context.Context, tx *sqlx.Tx, event *models.ApprovalEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeKnowledgeRepo) Nearest(ctx context.Context, vector []float32, tenantID string, filter repository.SearchFilter) ([]*repository.SearchRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.nearestRows
	for _, row := range rows {
		row.TotalCount = len(f.nearestRows)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(rows) {
			return nil, nil
		}
		rows = rows[filter.Offset:]
	}
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}
	return rows, nil
}

func (f *fakeKnowledgeRepo) GetVisible(ctx context.Context, id uuid.UUID, tenantID string) (*models.KnowledgeItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.DeletedAt != nil {
		return nil, database.ErrNotFound
	}
	if item.TenantID != tenantID && !item.IsPublic {
		return nil, database.ErrNotFound
	}
	return item, nil
}

func (f *fakeKnowledgeRepo) SoftDeleteOwned(ctx context.Context, id uuid.UUID, tenantID, agentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.DeletedAt != nil || item.TenantID != tenantID || item.AgentID != agentID {
		return false, nil
	}
	now := time.Now().UTC()
	item.DeletedAt = &now
	return true, nil
}

func (f *fakeKnowledgeRepo) SoftDelete(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.DeletedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	item.DeletedAt = &now
	return true, nil
}

func (f *fakeKnowledgeRepo) ListMine(ctx context.Context, tenantID, agentID string, limit, offset int) ([]*repository.ListRow, error) {
	rows := f.listRows
	if offset > 0 {
		if offset >= len(rows) {
			return nil, nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeKnowledgeRepo) IncrementRetrievalCount(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrievals = append(f.retrievals, id)
	if item, ok := f.items[id]; ok {
		item.RetrievalCount++
	}
	return nil
}

func (f *fakeKnowledgeRepo) IncrementOutcome(ctx context.Context, id uuid.UUID, helpful bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, helpful)
	return nil
}

func (f *fakeKnowledgeRepo) UpdateQuality(ctx context.Context, id uuid.UUID, retrievals, helpful, notHelpful int, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[id]; ok {
		item.RetrievalCount = retrievals
		item.HelpfulCount = helpful
		item.NotHelpfulCount = notHelpful
		item.QualityScore = score
	}
	return nil
}

func (f *fakeKnowledgeRepo) ApprovalTime(ctx context.Context, id uuid.UUID) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.DeletedAt != nil {
		return time.Time{}, database.ErrNotFound
	}
	return item.ApprovedAt, nil
}

// fakeSignalRepo is an in-memory SignalRepository with run-id dedup
type fakeSignalRepo struct {
	mu      sync.Mutex
	signals []*models.QualitySignal

	insertErr error
}

func newFakeSignalRepo() *fakeSignalRepo {
	return &fakeSignalRepo{}
}

func (f *fakeSignalRepo) Insert(ctx context.Context, s *models.QualitySignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.RunID != nil && s.SignalType != models.SignalRetrieval {
		for _, prev := range f.signals {
			if prev.KnowledgeItemID == s.KnowledgeItemID && prev.SignalType == s.SignalType &&
				prev.RunID != nil && *prev.RunID == *s.RunID {
				return database.ErrDuplicateKey
			}
		}
	}
	f.signals = append(f.signals, s)
	return nil
}

func (f *fakeSignalRepo) FindOutcomeSignal(ctx context.Context, itemID uuid.UUID, runID string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.signals {
		if s.KnowledgeItemID == itemID && s.RunID != nil && *s.RunID == runID &&
			(s.SignalType == models.SignalOutcomeSolved || s.SignalType == models.SignalOutcomeNotHelpful) {
			return s.ID, nil
		}
	}
	return uuid.Nil, database.ErrNotFound
}

func (f *fakeSignalRepo) ItemsWithSignalsSince(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, s := range f.signals {
		if s.CreatedAt.After(since) && !seen[s.KnowledgeItemID] {
			seen[s.KnowledgeItemID] = true
			out = append(out, s.KnowledgeItemID)
		}
	}
	return out, nil
}

func (f *fakeSignalRepo) AggregateForItem(ctx context.Context, itemID uuid.UUID) (*repository.SignalAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agg := &repository.SignalAggregate{}
	for _, s := range f.signals {
		if s.KnowledgeItemID != itemID {
			continue
		}
		switch s.SignalType {
		case models.SignalRetrieval:
			agg.Retrievals++
		case models.SignalOutcomeSolved:
			agg.Solved++
		case models.SignalOutcomeNotHelpful:
			agg.NotHelpful++
		case models.SignalContradiction:
			agg.Contradictions++
		}
	}
	return agg, nil
}
