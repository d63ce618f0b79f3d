package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/observability"
	"github.com/hivemind-io/hivemind/pkg/repository"
)

func newTestKnowledge(t *testing.T, knowledge *fakeKnowledgeRepo, signals *fakeSignalRepo) *KnowledgeService {
	t.Helper()
	return NewKnowledgeService(knowledge, signals,
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestKnowledgeList(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("maps pending and approved rows", func(t *testing.T) {
		knowledge := newFakeKnowledgeRepo()
		approvedAt := now.Add(-time.Hour)
		knowledge.listRows = []*repository.ListRow{
			{ID: uuid.New(), Status: models.StatusPending, Category: models.CategoryBugFix,
				Content: "Pending entry", SubmittedAt: now, SortTS: now},
			{ID: uuid.New(), Status: models.StatusApproved, Category: models.CategoryPattern,
				Content: "Approved entry", SubmittedAt: now.Add(-2 * time.Hour),
				ApprovedAt: &approvedAt, SortTS: approvedAt},
		}
		svc := newTestKnowledge(t, knowledge, newFakeSignalRepo())

		out, err := svc.List(ctx, "tenant-1", "agent-1", 20, 0)
		require.NoError(t, err)
		require.Len(t, out.Items, 2)
		assert.False(t, out.HasMore)

		assert.Equal(t, models.StatusPending, out.Items[0].Status)
		assert.NotNil(t, out.Items[0].SubmittedAt)
		assert.Nil(t, out.Items[0].ApprovedAt)

		assert.Equal(t, models.StatusApproved, out.Items[1].Status)
		assert.NotNil(t, out.Items[1].ApprovedAt)
		assert.Nil(t, out.Items[1].SubmittedAt)
	})

	t.Run("has_more via overfetch", func(t *testing.T) {
		knowledge := newFakeKnowledgeRepo()
		for i := 0; i < 3; i++ {
			knowledge.listRows = append(knowledge.listRows, &repository.ListRow{
				ID: uuid.New(), Status: models.StatusPending,
				Category: models.CategoryOther, Content: "entry", SubmittedAt: now, SortTS: now,
			})
		}
		svc := newTestKnowledge(t, knowledge, newFakeSignalRepo())

		out, err := svc.List(ctx, "tenant-1", "agent-1", 2, 0)
		require.NoError(t, err)
		assert.Len(t, out.Items, 2)
		assert.True(t, out.HasMore)
	})
}

func TestKnowledgeDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes own item", func(t *testing.T) {
		knowledge := newFakeKnowledgeRepo()
		item := &models.KnowledgeItem{ID: uuid.New(), TenantID: "tenant-1", AgentID: "agent-1"}
		knowledge.items[item.ID] = item
		svc := newTestKnowledge(t, knowledge, newFakeSignalRepo())

		require.NoError(t, svc.Delete(ctx, "tenant-1", "agent-1", item.ID))
		assert.NotNil(t, item.DeletedAt)
	})

	t.Run("cannot delete another agent's item", func(t *testing.T) {
		knowledge := newFakeKnowledgeRepo()
		item := &models.KnowledgeItem{ID: uuid.New(), TenantID: "tenant-1", AgentID: "agent-2"}
		knowledge.items[item.ID] = item
		svc := newTestKnowledge(t, knowledge, newFakeSignalRepo())

		err := svc.Delete(ctx, "tenant-1", "agent-1", item.ID)
		assert.Equal(t, KindNotFound, KindOf(err))
		assert.Nil(t, item.DeletedAt)
	})
}

func TestKnowledgeReportOutcome(t *testing.T) {
	ctx := context.Background()
	runID := "run-42"

	visibleItem := func(knowledge *fakeKnowledgeRepo) *models.KnowledgeItem {
		item := &models.KnowledgeItem{ID: uuid.New(), TenantID: "tenant-1", AgentID: "agent-9"}
		knowledge.items[item.ID] = item
		return item
	}

	t.Run("records solved and bumps the counter", func(t *testing.T) {
		knowledge := newFakeKnowledgeRepo()
		signals := newFakeSignalRepo()
		item := visibleItem(knowledge)
		svc := newTestKnowledge(t, knowledge, signals)

		result, err := svc.ReportOutcome(ctx, "tenant-1", "agent-1", item.ID, OutcomeSolved, &runID)
		require.NoError(t, err)
		assert.Equal(t, "recorded", result.Status)
		assert.Equal(t, item.ID.String(), result.ItemID)
		assert.Equal(t, OutcomeSolved, result.Outcome)

		require.Len(t, signals.signals, 1)
		assert.Equal(t, models.SignalOutcomeSolved, signals.signals[0].SignalType)
		assert.Equal(t, signals.signals[0].ID.String(), result.SignalID)
		assert.Equal(t, []bool{true}, knowledge.outcomes)
	})

	t.Run("repeat outcome for the same run is deduplicated", func(t *testing.T) {
		knowledge := newFakeKnowledgeRepo()
		signals := newFakeSignalRepo()
		item := visibleItem(knowledge)
		svc := newTestKnowledge(t, knowledge, signals)

		first, err := svc.ReportOutcome(ctx, "tenant-1", "agent-1", item.ID, OutcomeDidNotHelp, &runID)
		require.NoError(t, err)
		result, err := svc.ReportOutcome(ctx, "tenant-1", "agent-1", item.ID, OutcomeDidNotHelp, &runID)
		require.NoError(t, err)
		assert.Equal(t, "already_recorded", result.Status)
		assert.Equal(t, first.SignalID, result.SignalID)

		assert.Len(t, signals.signals, 1)
		assert.Equal(t, []bool{false}, knowledge.outcomes)
	})

	t.Run("unknown outcome", func(t *testing.T) {
		svc := newTestKnowledge(t, newFakeKnowledgeRepo(), newFakeSignalRepo())
		_, err := svc.ReportOutcome(ctx, "tenant-1", "agent-1", uuid.New(), "celebrated", nil)
		assert.Equal(t, KindInvalidInput, KindOf(err))
	})

	t.Run("invisible item", func(t *testing.T) {
		knowledge := newFakeKnowledgeRepo()
		item := &models.KnowledgeItem{ID: uuid.New(), TenantID: "tenant-2"}
		knowledge.items[item.ID] = item
		svc := newTestKnowledge(t, knowledge, newFakeSignalRepo())

		_, err := svc.ReportOutcome(ctx, "tenant-1", "agent-1", item.ID, OutcomeSolved, nil)
		assert.Equal(t, KindNotFound, KindOf(err))
	})
}
