package services

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-io/hivemind/pkg/observability"
)

func newTestIngest(t *testing.T, pending *fakePendingRepo) *IngestService {
	t.Helper()
	return NewIngestService(IngestConfig{MaxContentLength: 200, RejectionThreshold: 0.50},
		newTestSanitizer(), pending,
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestIngestAdd(t *testing.T) {
	ctx := context.Background()

	t.Run("queues clean content", func(t *testing.T) {
		pending := newFakePendingRepo()
		svc := newTestIngest(t, pending)

		result, err := svc.Add(ctx, AddKnowledgeInput{
			TenantID:   "tenant-1",
			AgentID:    "agent-1",
			Content:    "Retry transient S3 uploads with exponential backoff",
			Category:   "workaround",
			Confidence: 0.9,
		})
		require.NoError(t, err)
		assert.Equal(t, "queued", result.Status)
		assert.Zero(t, result.RedactionRatio)

		id, err := uuid.Parse(result.ID)
		require.NoError(t, err)
		stored, err := pending.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "tenant-1", stored.TenantID)
		assert.NotEmpty(t, stored.ContentHash)
	})

	t.Run("sanitizes before storage", func(t *testing.T) {
		pending := newFakePendingRepo()
		svc := newTestIngest(t, pending)

		result, err := svc.Add(ctx, AddKnowledgeInput{
			TenantID:   "tenant-1",
			AgentID:    "agent-1",
			Content:    "Escalate stuck deploys to oncall@example.com before rolling back the release manually",
			Category:   "tooling",
			Confidence: 0.7,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Redactions)

		id, _ := uuid.Parse(result.ID)
		stored, err := pending.GetByID(ctx, id)
		require.NoError(t, err)
		assert.NotContains(t, stored.Content, "oncall@example.com")
		assert.Contains(t, stored.Content, "[EMAIL]")
		assert.Equal(t, contentDigest(stored.Content), stored.ContentHash)
	})

	t.Run("rejects mostly sensitive content", func(t *testing.T) {
		svc := newTestIngest(t, newFakePendingRepo())

		_, err := svc.Add(ctx, AddKnowledgeInput{
			TenantID:   "tenant-1",
			AgentID:    "agent-1",
			Content:    "a@b.io c@d.io e@f.io g@h.io hint",
			Category:   "other",
			Confidence: 0.5,
		})
		require.Error(t, err)
		se := AsServiceError(err)
		assert.Equal(t, KindRedactionRejected, se.Kind)
		assert.Greater(t, se.Detail["redaction_ratio"].(float64), 0.50)
	})

	t.Run("validation failures", func(t *testing.T) {
		svc := newTestIngest(t, newFakePendingRepo())

		cases := []struct {
			name string
			in   AddKnowledgeInput
		}{
			{"empty content", AddKnowledgeInput{Content: "  ", Category: "bug_fix", Confidence: 0.5}},
			{"oversized content", AddKnowledgeInput{Content: strings.Repeat("x", 201), Category: "bug_fix", Confidence: 0.5}},
			{"unknown category", AddKnowledgeInput{Content: "valid", Category: "gossip", Confidence: 0.5}},
			{"confidence above one", AddKnowledgeInput{Content: "valid", Category: "bug_fix", Confidence: 1.1}},
			{"negative confidence", AddKnowledgeInput{Content: "valid", Category: "bug_fix", Confidence: -0.1}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := svc.Add(ctx, tc.in)
				require.Error(t, err)
				assert.Equal(t, KindInvalidInput, KindOf(err))
			})
		}
	})
}
