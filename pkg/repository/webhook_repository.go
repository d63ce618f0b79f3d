package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/hivemind-io/hivemind/pkg/models"
)

// WebhookRepository manages tenant-registered webhook endpoints
type WebhookRepository interface {
	// Create registers a new endpoint
	Create(ctx context.Context, endpoint *models.WebhookEndpoint) error

	// ListActive returns active endpoints of a tenant subscribed to eventType
	ListActive(ctx context.Context, tenantID, eventType string) ([]*models.WebhookEndpoint, error)

	// Deactivate disables an endpoint owned by the tenant. Returns false when
	// no active endpoint matched.
	Deactivate(ctx context.Context, id uuid.UUID, tenantID string) (bool, error)
}

type webhookRepository struct {
	db *sqlx.DB
}

// NewWebhookRepository creates a PostgreSQL-backed WebhookRepository
func NewWebhookRepository(db *sqlx.DB) WebhookRepository {
	return &webhookRepository{db: db}
}

func (r *webhookRepository) Create(ctx context.Context, endpoint *models.WebhookEndpoint) error {
	if endpoint == nil {
		return errors.New("webhook endpoint cannot be nil")
	}
	if endpoint.ID == uuid.Nil {
		endpoint.ID = uuid.New()
	}
	if endpoint.CreatedAt.IsZero() {
		endpoint.CreatedAt = time.Now().UTC()
	}
	if len(endpoint.EventTypes) == 0 {
		endpoint.EventTypes = models.Tags{models.EventKnowledgeApproved}
	}

	query := `
		INSERT INTO webhook_endpoints (id, tenant_id, url, event_types, is_active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
	`
	_, err := r.db.ExecContext(ctx, query,
		endpoint.ID, endpoint.TenantID, endpoint.URL, endpoint.EventTypes, endpoint.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create webhook endpoint")
	}
	endpoint.IsActive = true
	return nil
}

func (r *webhookRepository) ListActive(ctx context.Context, tenantID, eventType string) ([]*models.WebhookEndpoint, error) {
	query := `
		SELECT id, tenant_id, url, event_types, is_active, created_at
		FROM webhook_endpoints
		WHERE tenant_id = $1 AND is_active AND event_types ? $2
	`
	var endpoints []*models.WebhookEndpoint
	if err := r.db.SelectContext(ctx, &endpoints, query, tenantID, eventType); err != nil {
		return nil, errors.Wrap(err, "failed to list webhook endpoints")
	}
	return endpoints, nil
}

func (r *webhookRepository) Deactivate(ctx context.Context, id uuid.UUID, tenantID string) (bool, error) {
	query := `UPDATE webhook_endpoints SET is_active = FALSE WHERE id = $1 AND tenant_id = $2 AND is_active`
	result, err := r.db.ExecContext(ctx, query, id, tenantID)
	if err != nil {
		return false, errors.Wrap(err, "failed to deactivate webhook endpoint")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}
