package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hivemind-io/hivemind/pkg/database"
)

// DeploymentRepository is a key/value store for deployment-scoped settings,
// primarily the pinned embedding identity
type DeploymentRepository interface {
	// Get returns the value for a key, or database.ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// Set upserts a key/value pair
	Set(ctx context.Context, key, value string) error
}

type deploymentRepository struct {
	db *sqlx.DB
}

// NewDeploymentRepository creates a PostgreSQL-backed DeploymentRepository
func NewDeploymentRepository(db *sqlx.DB) DeploymentRepository {
	return &deploymentRepository{db: db}
}

func (r *deploymentRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	query := `SELECT value FROM deployment_config WHERE key = $1`
	if err := r.db.GetContext(ctx, &value, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", database.ErrNotFound
		}
		return "", fmt.Errorf("failed to get deployment config: %w", err)
	}
	return value, nil
}

func (r *deploymentRepository) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO deployment_config (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set deployment config: %w", err)
	}
	return nil
}
