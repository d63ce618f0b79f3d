package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-io/hivemind/pkg/database"
	"github.com/hivemind-io/hivemind/pkg/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return sqlx.NewDb(mockDB, "postgres"), mock
}

func TestPendingRepository_Insert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPendingRepository(db)

	p := &models.PendingContribution{
		TenantID:    "tenant-1",
		AgentID:     "agent-1",
		Content:     "The fix for Redis pipeline timeouts is PINGINTERVAL=5.",
		Category:    models.CategoryBugFix,
		Confidence:  0.9,
		ContentHash: "abc123",
	}

	mock.ExpectExec(`INSERT INTO pending_contributions`).
		WithArgs(
			sqlmock.AnyArg(), // id
			"tenant-1",
			"agent-1",
			nil,              // run_id
			p.Content,
			models.CategoryBugFix,
			0.9,
			nil,              // framework
			nil,              // language
			sqlmock.AnyArg(), // tags
			"abc123",
			false,            // sensitive_flag
			sqlmock.AnyArg(), // submitted_at
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Insert(context.Background(), p)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.False(t, p.SubmittedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingRepository_GetByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPendingRepository(db)

	id := uuid.New()
	mock.ExpectQuery(`FROM pending_contributions WHERE id = \$1`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingRepository_ClaimBatch_SkipsLockedRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPendingRepository(db)

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "agent_id", "run_id", "content", "category", "confidence",
		"framework", "language", "tags", "content_hash", "sensitive_flag", "submitted_at",
	}).AddRow(
		uuid.New(), "tenant-1", "agent-1", nil, "some content", "bug_fix", 0.8,
		nil, nil, []byte(`[]`), "hash1", false, time.Now(),
	)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("tenant-1", 10).
		WillReturnRows(rows)
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	batch, err := repo.ClaimBatch(context.Background(), tx, "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "tenant-1", batch[0].TenantID)

	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingRepository_ClaimByID_GoneWhenLocked(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPendingRepository(db)

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	tx, err := db.Beginx()
	require.NoError(t, err)

	_, err = repo.ClaimByID(context.Background(), tx, id)
	assert.ErrorIs(t, err, database.ErrNotFound)

	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingRepository_Delete(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPendingRepository(db)

	id := uuid.New()

	t.Run("removes pending row", func(t *testing.T) {
		mock.ExpectExec(`DELETE FROM pending_contributions WHERE id = \$1`).
			WithArgs(id).
			WillReturnResult(sqlmock.NewResult(0, 1))

		deleted, err := repo.Delete(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, deleted)
	})

	t.Run("reports gone row", func(t *testing.T) {
		mock.ExpectExec(`DELETE FROM pending_contributions WHERE id = \$1`).
			WithArgs(id).
			WillReturnResult(sqlmock.NewResult(0, 0))

		deleted, err := repo.Delete(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingRepository_FlagSensitive(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPendingRepository(db)

	id := uuid.New()
	mock.ExpectExec(`UPDATE pending_contributions SET sensitive_flag = TRUE WHERE id = \$1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	flagged, err := repo.FlagSensitive(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, flagged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingRepository_Counts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPendingRepository(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM pending_contributions`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := repo.CountAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, count)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM pending_contributions WHERE tenant_id = \$1`).
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err = repo.CountByTenant(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
