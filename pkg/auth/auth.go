// Package auth verifies agent and operator credentials. Two forms are
// accepted: HS256 bearer tokens and hm_-prefixed API keys stored as SHA-256
// hashes. Both resolve to the same AuthContext; tenant and agent identity
// come exclusively from the verified credential, never from request bodies.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hivemind-io/hivemind/pkg/common/cache"
	"github.com/hivemind-io/hivemind/pkg/observability"
)

// Common errors
var (
	ErrNoCredential  = errors.New("no credential provided")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrKeyExpired    = errors.New("API key expired")
)

// Credential tiers
const (
	TierStandard = "standard"
	TierOperator = "operator"
)

// KeyPrefix marks HiveMind API keys
const KeyPrefix = "hm_"

// keyTokenBytes is the entropy of a minted key: 32 bytes, 43 chars base64url
const keyTokenBytes = 32

// AuthContext is the resolved identity of a verified credential
type AuthContext struct {
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
	Tier     string `json:"tier"`
	AuthType string `json:"auth_type"`
}

// IsOperator reports whether the credential carries reviewer privileges
func (a *AuthContext) IsOperator() bool {
	return a.Tier == TierOperator
}

// Claims are the HS256 bearer-token claims
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
	Tier     string `json:"tier,omitempty"`
}

// APIKey is one api_keys row
type APIKey struct {
	ID         uuid.UUID  `db:"id"`
	KeyHash    string     `db:"key_hash"`
	KeyPrefix  string     `db:"key_prefix"`
	TenantID   string     `db:"tenant_id"`
	AgentID    *string    `db:"agent_id"`
	Name       string     `db:"name"`
	Tier       string     `db:"tier"`
	IsActive   bool       `db:"is_active"`
	ExpiresAt  *time.Time `db:"expires_at"`
	LastUsedAt *time.Time `db:"last_used_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

// MintedKey pairs a stored key row with its plaintext. The plaintext exists
// only in this value and is shown exactly once.
type MintedKey struct {
	APIKey
	Plaintext string
}

// ServiceConfig configures the auth service
type ServiceConfig struct {
	JWTSecret     string
	JWTExpiration time.Duration
	CacheTTL      time.Duration
}

// Service verifies credentials and mints new ones
type Service struct {
	config ServiceConfig
	db     *sqlx.DB
	cache  cache.Cache
	logger observability.Logger
}

// NewService creates an auth service. cache may be nil to disable positive
// lookup caching.
func NewService(config ServiceConfig, db *sqlx.DB, c cache.Cache, logger observability.Logger) *Service {
	if config.JWTExpiration <= 0 {
		config.JWTExpiration = 24 * time.Hour
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 60 * time.Second
	}
	return &Service{config: config, db: db, cache: c, logger: logger}
}

// ValidateJWT verifies an HS256 bearer token and resolves its identity
func (s *Service) ValidateJWT(ctx context.Context, tokenString string) (*AuthContext, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.TenantID == "" || claims.AgentID == "" {
		return nil, ErrInvalidToken
	}

	tier := claims.Tier
	if tier == "" {
		tier = TierStandard
	}
	return &AuthContext{
		TenantID: claims.TenantID,
		AgentID:  claims.AgentID,
		Tier:     tier,
		AuthType: "jwt",
	}, nil
}

// GenerateJWT issues a signed bearer token for operator tooling and tests
func (s *Service) GenerateJWT(tenantID, agentID, tier string) (string, error) {
	if tier == "" {
		tier = TierStandard
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.JWTExpiration)),
			ID:        uuid.NewString(),
		},
		TenantID: tenantID,
		AgentID:  agentID,
		Tier:     tier,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateAPIKey verifies an hm_ key against its stored hash. Positive
// lookups are cached for a short TTL; last_used_at updates are best-effort.
func (s *Service) ValidateAPIKey(ctx context.Context, key string) (*AuthContext, error) {
	if key == "" {
		return nil, ErrNoCredential
	}
	if !strings.HasPrefix(key, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	keyHash := HashKey(key)
	cacheKey := "auth:apikey:" + keyHash

	if s.cache != nil {
		var cached AuthContext
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	var row APIKey
	query := `
		SELECT id, key_hash, key_prefix, tenant_id, agent_id, name, tier,
		       is_active, expires_at, last_used_at, created_at
		FROM api_keys
		WHERE key_hash = $1 AND is_active
	`
	if err := s.db.GetContext(ctx, &row, query, keyHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("failed to look up API key: %w", err)
	}

	if row.ExpiresAt != nil && time.Now().After(*row.ExpiresAt) {
		return nil, ErrKeyExpired
	}

	agentID := ""
	if row.AgentID != nil {
		agentID = *row.AgentID
	}
	authCtx := &AuthContext{
		TenantID: row.TenantID,
		AgentID:  agentID,
		Tier:     row.Tier,
		AuthType: "api_key",
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, authCtx, s.config.CacheTTL); err != nil {
			s.logger.Debug("Failed to cache API key validation", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	// Usage tracking must never slow down or fail the request path
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.db.ExecContext(updateCtx,
			`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, row.ID); err != nil {
			s.logger.Debug("Failed to update API key last_used_at", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return authCtx, nil
}

// MintKey creates and stores a new API key, returning the plaintext once
func (s *Service) MintKey(ctx context.Context, tenantID, agentID, name, tier string, expiresAt *time.Time) (*MintedKey, error) {
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	if tier == "" {
		tier = TierStandard
	}

	raw := make([]byte, keyTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	minted := &MintedKey{
		APIKey: APIKey{
			ID:        uuid.New(),
			KeyHash:   HashKey(plaintext),
			KeyPrefix: plaintext[:12],
			TenantID:  tenantID,
			Name:      name,
			Tier:      tier,
			IsActive:  true,
			ExpiresAt: expiresAt,
			CreatedAt: time.Now().UTC(),
		},
		Plaintext: plaintext,
	}
	if agentID != "" {
		minted.AgentID = &agentID
	}

	query := `
		INSERT INTO api_keys (id, key_hash, key_prefix, tenant_id, agent_id, name, tier, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		minted.ID, minted.KeyHash, minted.KeyPrefix, minted.TenantID,
		minted.AgentID, minted.Name, minted.Tier, minted.ExpiresAt, minted.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store API key: %w", err)
	}
	return minted, nil
}

// RevokeKey deactivates a key by id within a tenant. Returns false when no
// active key matched.
func (s *Service) RevokeKey(ctx context.Context, id uuid.UUID, tenantID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = FALSE WHERE id = $1 AND tenant_id = $2 AND is_active`,
		id, tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke API key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// HashKey returns the hex SHA-256 of a plaintext key
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
