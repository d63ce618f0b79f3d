package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-io/hivemind/pkg/models"
)

func (s *stubPending) ClaimByID(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*models.PendingContribution, error) {
	return s.GetByID(ctx, id)
}

func (s *stubPending) DeleteInTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error {
	_, _ = s.Delete(ctx, id)
	return nil
}

func (s *stubKnowledge) HashConflictInTx(ctx context.Context, tx *sqlx.Tx, tenantID, contentHash string, isPublic bool) (bool, error) {
	return false, nil
}

func (s *stubKnowledge) InsertInTx(ctx context.Context, tx *sqlx.Tx, item *models.KnowledgeItem) error {
	if s.visible == nil {
		s.visible = map[uuid.UUID]*models.KnowledgeItem{}
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	s.visible[item.ID] = item
	return nil
}

func (s *stubKnowledge) PublishApprovalInTx(ctx context.Context, tx *sqlx.Tx, event *models.ApprovalEvent) error {
	return nil
}

func (e *testEnv) request(t *testing.T, token, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func pendingFixture(tenantID string) *models.PendingContribution {
	return &models.PendingContribution{
		ID:          uuid.New(),
		TenantID:    tenantID,
		AgentID:     "agent-1",
		Content:     "Retry DNS lookups with a short backoff before failing the probe",
		Category:    models.CategoryWorkaround,
		Confidence:  0.8,
		ContentHash: sha256Hex("Retry DNS lookups with a short backoff before failing the probe"),
		SubmittedAt: time.Now().UTC(),
	}
}

func TestReviewAuthorization(t *testing.T) {
	env := newTestEnv(t)

	t.Run("rejects anonymous callers", func(t *testing.T) {
		rec := env.request(t, "", http.MethodGet, "/api/v1/review/queue", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects standard-tier callers", func(t *testing.T) {
		rec := env.request(t, env.token, http.MethodGet, "/api/v1/review/queue", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestReviewQueue(t *testing.T) {
	env := newTestEnv(t)
	row := pendingFixture("tenant-1")
	env.pending.listRows = []*models.PendingContribution{row}

	rec := env.request(t, env.operator, http.MethodGet, "/api/v1/review/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items []queueItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, row.ID.String(), body.Items[0].ID)
	assert.Equal(t, row.Title(), body.Items[0].Title)
	assert.Equal(t, models.CategoryWorkaround, body.Items[0].Category)
}

func TestReviewClaim(t *testing.T) {
	env := newTestEnv(t)
	env.pending.listRows = []*models.PendingContribution{pendingFixture("tenant-1")}
	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	rec := env.request(t, env.operator, http.MethodPost, "/api/v1/review/claim", `{"limit":5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Contributions []*models.PendingContribution `json:"contributions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Contributions, 1)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestReviewApprove(t *testing.T) {
	env := newTestEnv(t)
	row := pendingFixture("tenant-1")
	env.pending.listRows = []*models.PendingContribution{row}
	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	rec := env.request(t, env.operator, http.MethodPost,
		fmt.Sprintf("/api/v1/review/%s/approve", row.ID), `{"is_public":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["is_public"])
	assert.Equal(t, "workaround", body["category"])

	// The quarantine row is gone and the item is now retrievable.
	assert.Empty(t, env.pending.listRows)
	assert.Len(t, env.knowledge.visible, 1)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestReviewApproveGone(t *testing.T) {
	env := newTestEnv(t)
	env.mock.ExpectBegin()
	env.mock.ExpectRollback()

	rec := env.request(t, env.operator, http.MethodPost,
		fmt.Sprintf("/api/v1/review/%s/approve", uuid.New()), "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestReviewRejectAndFlag(t *testing.T) {
	env := newTestEnv(t)
	row := pendingFixture("tenant-1")
	flagged := pendingFixture("tenant-1")
	env.pending.listRows = []*models.PendingContribution{row, flagged}

	rec := env.request(t, env.operator, http.MethodPost,
		fmt.Sprintf("/api/v1/review/%s/reject", row.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.pending.listRows, 1)

	rec = env.request(t, env.operator, http.MethodPost,
		fmt.Sprintf("/api/v1/review/%s/flag", flagged.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, flagged.SensitiveFlag)

	t.Run("malformed id", func(t *testing.T) {
		rec := env.request(t, env.operator, http.MethodPost, "/api/v1/review/not-a-uuid/reject", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestReviewPrescreen(t *testing.T) {
	env := newTestEnv(t)
	row := pendingFixture("tenant-1")
	env.pending.listRows = []*models.PendingContribution{row}

	rec := env.request(t, env.operator, http.MethodGet,
		fmt.Sprintf("/api/v1/review/%s/prescreen", row.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, row.ID.String(), body["pending_id"])

	t.Run("unknown id", func(t *testing.T) {
		rec := env.request(t, env.operator, http.MethodGet,
			fmt.Sprintf("/api/v1/review/%s/prescreen", uuid.New()), "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestStatsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	t.Run("commons", func(t *testing.T) {
		rec := env.request(t, env.token, http.MethodGet, "/api/v1/stats/commons", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var body models.CommonsStats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 42, body.TotalItems)
	})

	t.Run("org", func(t *testing.T) {
		rec := env.request(t, env.token, http.MethodGet, "/api/v1/stats/org", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var body models.OrgStats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 7, body.ContributionsTotal)
	})

	t.Run("me reads the caller's agent", func(t *testing.T) {
		rec := env.request(t, env.token, http.MethodGet, "/api/v1/stats/me", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var body models.UserStats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "agent-1", body.AgentID)
	})

	t.Run("requires authentication", func(t *testing.T) {
		rec := env.request(t, "", http.MethodGet, "/api/v1/stats/commons", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(t, "", http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
