package services

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-io/hivemind/pkg/database"
	"github.com/hivemind-io/hivemind/pkg/embedding"
	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/observability"
	"github.com/hivemind-io/hivemind/pkg/repository"
)

// SearchConfig bounds retrieval queries
type SearchConfig struct {
	DefaultLimit int
	MaxLimit     int
}

// SearchInput is one search_knowledge query
type SearchInput struct {
	TenantID  string
	Query     string
	Category  string
	Framework string
	Language  string
	Limit     int
	Cursor    string
}

// SearchOutput is a summary-tier page of search hits
type SearchOutput struct {
	Results    []models.SearchResult `json:"results"`
	TotalFound int                   `json:"total_found"`
	HasMore    bool                  `json:"has_more"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// FetchOutput is the detail tier of one knowledge item
type FetchOutput struct {
	ID             string          `json:"id"`
	Content        string          `json:"content"`
	Category       models.Category `json:"category"`
	Confidence     float64         `json:"confidence"`
	Framework      *string         `json:"framework,omitempty"`
	Language       *string         `json:"language,omitempty"`
	Tags           models.Tags     `json:"tags,omitempty"`
	TenantID       string          `json:"contributor_tenant_id"`
	ApprovedAt     time.Time       `json:"approved_at"`
	RetrievalCount int             `json:"retrieval_count"`
	QualityScore   float64         `json:"quality_score"`
}

// RetrievalService answers tenant-scoped semantic queries over the commons.
// Search returns summaries only; Fetch returns full content and is the sole
// point that records retrieval signals.
type RetrievalService struct {
	config    SearchConfig
	knowledge repository.KnowledgeRepository
	signals   repository.SignalRepository
	embedder  *embedding.Service
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewRetrievalService creates the retrieval service
func NewRetrievalService(
	cfg SearchConfig,
	knowledge repository.KnowledgeRepository,
	signals repository.SignalRepository,
	embedder *embedding.Service,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *RetrievalService {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 50
	}
	return &RetrievalService{
		config:    cfg,
		knowledge: knowledge,
		signals:   signals,
		embedder:  embedder,
		logger:    logger,
		metrics:   metrics,
	}
}

// Search runs a semantic query and returns one summary page
func (s *RetrievalService) Search(ctx context.Context, in SearchInput) (*SearchOutput, error) {
	if in.Query == "" {
		return nil, Errorf(KindInvalidInput, "query cannot be empty")
	}
	if in.Category != "" && !models.ValidCategory(in.Category) {
		return nil, Errorf(KindInvalidInput, "unknown category %q", in.Category)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = s.config.DefaultLimit
	}
	if limit > s.config.MaxLimit {
		limit = s.config.MaxLimit
	}
	offset, err := DecodeCursor(in.Cursor)
	if err != nil {
		return nil, err
	}

	vector, err := s.embedder.Embed(ctx, in.Query)
	if err != nil {
		if errors.Is(err, embedding.ErrBusy) {
			return nil, Wrap(KindBusy, err, "embedding provider at capacity, retry shortly")
		}
		return nil, Wrap(KindInternal, err, "failed to embed query")
	}

	// Overfetch by one page to absorb rows removed by content-hash dedup
	// without shortchanging the requested limit.
	rows, err := s.knowledge.Nearest(ctx, vector, in.TenantID, repository.SearchFilter{
		Category:  in.Category,
		Framework: in.Framework,
		Language:  in.Language,
		Limit:     limit*2 + 1,
		Offset:    offset,
	})
	if err != nil {
		return nil, Wrap(KindInternal, err, "search failed")
	}

	deduped, consumed := dedupeByHash(rows, in.TenantID, limit)

	// Every row of a page carries the same windowed count of all matches.
	total := 0
	if len(rows) > 0 {
		total = rows[0].TotalCount
	}

	out := &SearchOutput{
		Results:    make([]models.SearchResult, 0, len(deduped)),
		TotalFound: total,
		HasMore:    offset+consumed < total,
	}
	for _, row := range deduped {
		out.Results = append(out.Results, models.SearchResult{
			ID:                  row.ID.String(),
			Title:               row.Title(),
			Category:            row.Category,
			Confidence:          row.Confidence,
			ContributorTenantID: row.TenantID,
			RelevanceScore:      relevanceScore(row.Distance),
		})
	}
	if out.HasMore {
		out.NextCursor = EncodeCursor(offset + consumed)
	}

	if s.metrics != nil {
		s.metrics.RecordHistogram("search_results_returned", float64(len(out.Results)), nil)
	}
	return out, nil
}

// Fetch returns the full content of one visible item and records the
// retrieval. Signal recording is best-effort: its failure never blocks the
// response.
func (s *RetrievalService) Fetch(ctx context.Context, tenantID, agentID string, id uuid.UUID, runID *string) (*FetchOutput, error) {
	item, err := s.knowledge.GetVisible(ctx, id, tenantID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, Errorf(KindNotFound, "knowledge item %s not found", id)
		}
		return nil, Wrap(KindInternal, err, "failed to load knowledge item")
	}

	if contentDigest(item.Content) != item.ContentHash {
		s.logger.Error("Content integrity check failed", map[string]interface{}{
			"item_id": id.String(),
		})
		return nil, Errorf(KindInternal, "stored content failed integrity verification")
	}

	s.recordRetrieval(ctx, item, tenantID, agentID, runID)

	return &FetchOutput{
		ID:             item.ID.String(),
		Content:        item.Content,
		Category:       item.Category,
		Confidence:     item.Confidence,
		Framework:      item.Framework,
		Language:       item.Language,
		Tags:           item.Tags,
		TenantID:       item.TenantID,
		ApprovedAt:     item.ApprovedAt,
		RetrievalCount: item.RetrievalCount,
		QualityScore:   item.QualityScore,
	}, nil
}

func (s *RetrievalService) recordRetrieval(ctx context.Context, item *models.KnowledgeItem, tenantID, agentID string, runID *string) {
	signal := &models.QualitySignal{
		KnowledgeItemID: item.ID,
		SignalType:      models.SignalRetrieval,
		TenantID:        &tenantID,
		AgentID:         &agentID,
		RunID:           runID,
	}
	if err := s.signals.Insert(ctx, signal); err != nil {
		s.logger.Warn("Failed to record retrieval signal", map[string]interface{}{
			"item_id": item.ID.String(),
			"error":   err.Error(),
		})
	}
	if err := s.knowledge.IncrementRetrievalCount(ctx, item.ID); err != nil {
		s.logger.Warn("Failed to increment retrieval count", map[string]interface{}{
			"item_id": item.ID.String(),
			"error":   err.Error(),
		})
	}
}

// dedupeByHash collapses rows sharing a content hash, preferring the caller's
// own copy, and returns up to limit survivors plus the count of input rows
// consumed to produce them.
func dedupeByHash(rows []*repository.SearchRow, tenantID string, limit int) ([]*repository.SearchRow, int) {
	seen := make(map[string]int, len(rows))
	out := make([]*repository.SearchRow, 0, limit)
	consumed := 0

	for i, row := range rows {
		if len(out) >= limit {
			break
		}
		consumed = i + 1
		if idx, ok := seen[row.ContentHash]; ok {
			// Same content under two copies: keep the caller's own when the
			// earlier survivor came from another tenant.
			if row.TenantID == tenantID && out[idx].TenantID != tenantID {
				out[idx] = row
			}
			continue
		}
		seen[row.ContentHash] = len(out)
		out = append(out, row)
	}
	return out, consumed
}

// relevanceScore converts a cosine distance into a 0..1 relevance rounded to
// four decimals.
func relevanceScore(distance float64) float64 {
	score := 1 - distance
	if score < 0 {
		score = 0
	}
	return math.Round(score*10000) / 10000
}

// EncodeCursor renders a pagination offset as an opaque cursor
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// DecodeCursor parses a cursor produced by EncodeCursor. Empty means start.
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, Errorf(KindInvalidInput, "malformed cursor")
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, Errorf(KindInvalidInput, "malformed cursor")
	}
	return offset, nil
}
