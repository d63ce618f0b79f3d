package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/observability"
	"github.com/hivemind-io/hivemind/pkg/repository"
	"github.com/hivemind-io/hivemind/pkg/sanitize"
)

// IngestConfig bounds contributions accepted into quarantine
type IngestConfig struct {
	// MaxContentLength caps submitted content in characters.
	MaxContentLength int

	// RejectionThreshold is the redaction ratio above which a contribution is
	// refused rather than quarantined.
	RejectionThreshold float64
}

// AddKnowledgeInput is one add_knowledge submission
type AddKnowledgeInput struct {
	TenantID   string
	AgentID    string
	RunID      *string
	Content    string
	Category   string
	Confidence float64
	Framework  *string
	Language   *string
	Tags       []string
}

// AddKnowledgeResult reports a quarantined submission back to its agent
type AddKnowledgeResult struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	RedactionRatio float64 `json:"redaction_ratio"`
	Redactions     int     `json:"redactions"`
}

// IngestService sanitises contributions and places them in quarantine.
// Raw agent content never reaches storage: only sanitiser output persists.
type IngestService struct {
	config    IngestConfig
	sanitizer *sanitize.Service
	pending   repository.PendingRepository
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewIngestService creates the ingest service
func NewIngestService(
	cfg IngestConfig,
	sanitizer *sanitize.Service,
	pending repository.PendingRepository,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *IngestService {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 10000
	}
	if cfg.RejectionThreshold <= 0 {
		cfg.RejectionThreshold = 0.50
	}
	return &IngestService{
		config:    cfg,
		sanitizer: sanitizer,
		pending:   pending,
		logger:    logger,
		metrics:   metrics,
	}
}

// Add validates, sanitises and quarantines one contribution
func (s *IngestService) Add(ctx context.Context, in AddKnowledgeInput) (*AddKnowledgeResult, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}

	sanitised, result, err := s.sanitizer.Sanitize(ctx, in.Content)
	if err != nil {
		if errors.Is(err, sanitize.ErrBusy) {
			return nil, Wrap(KindBusy, err, "sanitizer at capacity, retry shortly")
		}
		return nil, Wrap(KindInternal, err, "sanitization failed")
	}

	if result.Ratio > s.config.RejectionThreshold {
		s.count("rejected_redaction")
		return nil, Errorf(KindRedactionRejected,
			"content was mostly sensitive data and cannot be stored").
			WithDetail(map[string]interface{}{
				"redaction_ratio": result.Ratio,
				"redactions":      result.Placeholders,
			})
	}

	contribution := &models.PendingContribution{
		TenantID:    in.TenantID,
		AgentID:     in.AgentID,
		RunID:       in.RunID,
		Content:     sanitised,
		Category:    models.Category(in.Category),
		Confidence:  in.Confidence,
		Framework:   in.Framework,
		Language:    in.Language,
		Tags:        models.Tags(in.Tags),
		ContentHash: contentDigest(sanitised),
	}

	if err := s.pending.Insert(ctx, contribution); err != nil {
		return nil, Wrap(KindInternal, err, "failed to queue contribution")
	}

	s.count("queued")
	s.logger.Info("Contribution quarantined", map[string]interface{}{
		"id":              contribution.ID.String(),
		"tenant_id":       in.TenantID,
		"category":        in.Category,
		"redaction_ratio": result.Ratio,
	})

	return &AddKnowledgeResult{
		ID:             contribution.ID.String(),
		Status:         "queued",
		RedactionRatio: result.Ratio,
		Redactions:     result.Placeholders,
	}, nil
}

func (s *IngestService) validate(in AddKnowledgeInput) error {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Errorf(KindInvalidInput, "content cannot be empty")
	}
	if len([]rune(in.Content)) > s.config.MaxContentLength {
		return Errorf(KindInvalidInput, "content exceeds maximum length of %d characters",
			s.config.MaxContentLength)
	}
	if !models.ValidCategory(in.Category) {
		return Errorf(KindInvalidInput, "unknown category %q, valid categories: %s",
			in.Category, strings.Join(models.CategoryStrings(), ", "))
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return Errorf(KindInvalidInput, "confidence must be within [0, 1], got %v", in.Confidence)
	}
	return nil
}

func (s *IngestService) count(outcome string) {
	if s.metrics != nil {
		s.metrics.IncrementCounterWithLabels("ingest_submissions_total", 1,
			map[string]string{"outcome": outcome})
	}
}

// contentDigest returns the hex sha256 of content, the integrity key shared by
// ingest and fetch.
func contentDigest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
