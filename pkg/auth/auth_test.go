package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-io/hivemind/pkg/common/cache"
	"github.com/hivemind-io/hivemind/pkg/observability"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	svc := NewService(ServiceConfig{
		JWTSecret:     "test-secret",
		JWTExpiration: time.Hour,
		CacheTTL:      time.Minute,
	}, sqlxDB, nil, observability.NewNoopLogger())
	return svc, mock
}

func apiKeyColumns() []string {
	return []string{"id", "key_hash", "key_prefix", "tenant_id", "agent_id", "name",
		"tier", "is_active", "expires_at", "last_used_at", "created_at"}
}

func TestJWTRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := svc.GenerateJWT("T1", "agent-1", TierOperator)
	require.NoError(t, err)

	authCtx, err := svc.ValidateJWT(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "T1", authCtx.TenantID)
	assert.Equal(t, "agent-1", authCtx.AgentID)
	assert.True(t, authCtx.IsOperator())
	assert.Equal(t, "jwt", authCtx.AuthType)
}

func TestJWTDefaultsToStandardTier(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := svc.GenerateJWT("T1", "agent-1", "")
	require.NoError(t, err)

	authCtx, err := svc.ValidateJWT(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, TierStandard, authCtx.Tier)
	assert.False(t, authCtx.IsOperator())
}

func TestValidateJWTRejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t.Run("garbage token", func(t *testing.T) {
		_, err := svc.ValidateJWT(ctx, "not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewService(ServiceConfig{JWTSecret: "other-secret"}, nil, nil, observability.NewNoopLogger())
		token, err := other.GenerateJWT("T1", "agent-1", "")
		require.NoError(t, err)

		_, err = svc.ValidateJWT(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired token", func(t *testing.T) {
		claims := &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
			TenantID: "T1",
			AgentID:  "agent-1",
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = svc.ValidateJWT(ctx, signed)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("missing tenant claim", func(t *testing.T) {
		claims := &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			AgentID: "agent-1",
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = svc.ValidateJWT(ctx, signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestValidateAPIKey(t *testing.T) {
	ctx := context.Background()

	t.Run("valid key resolves identity", func(t *testing.T) {
		svc, mock := newTestService(t)
		key := "hm_testkey0000000000000000000000000000000000"
		agent := "agent-1"

		mock.ExpectQuery(`SELECT id, key_hash`).
			WithArgs(HashKey(key)).
			WillReturnRows(sqlmock.NewRows(apiKeyColumns()).AddRow(
				"5a8b7f3e-0000-0000-0000-000000000001", HashKey(key), key[:12],
				"T1", agent, "ci key", TierStandard, true, nil, nil, time.Now()))
		mock.ExpectExec(`UPDATE api_keys SET last_used_at`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		authCtx, err := svc.ValidateAPIKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "T1", authCtx.TenantID)
		assert.Equal(t, "agent-1", authCtx.AgentID)
		assert.Equal(t, "api_key", authCtx.AuthType)

		// last_used_at update is async
		require.Eventually(t, func() bool {
			return mock.ExpectationsWereMet() == nil
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("unknown key", func(t *testing.T) {
		svc, mock := newTestService(t)
		mock.ExpectQuery(`SELECT id, key_hash`).
			WillReturnRows(sqlmock.NewRows(apiKeyColumns()))

		_, err := svc.ValidateAPIKey(ctx, "hm_unknownkey000000000000000000000000000000")
		assert.ErrorIs(t, err, ErrInvalidAPIKey)
	})

	t.Run("expired key", func(t *testing.T) {
		svc, mock := newTestService(t)
		key := "hm_expiredkey000000000000000000000000000000"
		expired := time.Now().Add(-time.Hour)

		mock.ExpectQuery(`SELECT id, key_hash`).
			WillReturnRows(sqlmock.NewRows(apiKeyColumns()).AddRow(
				"5a8b7f3e-0000-0000-0000-000000000002", HashKey(key), key[:12],
				"T1", nil, "old key", TierStandard, true, expired, nil, time.Now().Add(-48*time.Hour)))

		_, err := svc.ValidateAPIKey(ctx, key)
		assert.ErrorIs(t, err, ErrKeyExpired)
	})

	t.Run("wrong prefix rejected without lookup", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.ValidateAPIKey(ctx, "sk_live_notours")
		assert.ErrorIs(t, err, ErrInvalidAPIKey)
	})

	t.Run("empty key", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.ValidateAPIKey(ctx, "")
		assert.ErrorIs(t, err, ErrNoCredential)
	})
}

func TestValidateAPIKeyUsesCache(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	memCache := cache.NewMemoryCache(100, time.Minute)
	svc := NewService(ServiceConfig{JWTSecret: "s", CacheTTL: time.Minute},
		sqlx.NewDb(db, "postgres"), memCache, observability.NewNoopLogger())

	key := "hm_cachedkey0000000000000000000000000000000"
	mock.ExpectQuery(`SELECT id, key_hash`).
		WillReturnRows(sqlmock.NewRows(apiKeyColumns()).AddRow(
			"5a8b7f3e-0000-0000-0000-000000000003", HashKey(key), key[:12],
			"T1", "agent-1", "k", TierStandard, true, nil, nil, time.Now()))
	mock.ExpectExec(`UPDATE api_keys SET last_used_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	first, err := svc.ValidateAPIKey(ctx, key)
	require.NoError(t, err)

	// Second validation hits the cache; no further query expectations
	second, err := svc.ValidateAPIKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.TenantID, second.TenantID)
	assert.Equal(t, first.AgentID, second.AgentID)
}

func TestMintKey(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec(`INSERT INTO api_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	minted, err := svc.MintKey(context.Background(), "T1", "agent-1", "ci key", TierOperator, nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(minted.Plaintext, KeyPrefix))
	// hm_ + 43 chars of base64url
	assert.Regexp(t, regexp.MustCompile(`^hm_[A-Za-z0-9_\-]{43}$`), minted.Plaintext)
	assert.Equal(t, minted.Plaintext[:12], minted.KeyPrefix)
	assert.Equal(t, HashKey(minted.Plaintext), minted.KeyHash)
	assert.Equal(t, TierOperator, minted.Tier)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMintKeyRequiresTenant(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.MintKey(context.Background(), "", "", "k", "", nil)
	require.Error(t, err)
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(svc *Service) *gin.Engine {
		router := gin.New()
		router.GET("/protected", svc.GinMiddleware(), func(c *gin.Context) {
			authCtx, ok := FromGinContext(c)
			require.True(t, ok)
			c.JSON(http.StatusOK, authCtx)
		})
		router.GET("/operator", svc.GinMiddleware(), RequireOperator(), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		return router
	}

	t.Run("bearer JWT accepted", func(t *testing.T) {
		svc, _ := newTestService(t)
		router := newRouter(svc)
		token, err := svc.GenerateJWT("T1", "agent-1", "")
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing credential rejected", func(t *testing.T) {
		svc, _ := newTestService(t)
		router := newRouter(svc)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("standard tier blocked from operator route", func(t *testing.T) {
		svc, _ := newTestService(t)
		router := newRouter(svc)
		token, err := svc.GenerateJWT("T1", "agent-1", TierStandard)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/operator", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("operator tier passes operator route", func(t *testing.T) {
		svc, _ := newTestService(t)
		router := newRouter(svc)
		token, err := svc.GenerateJWT("T1", "reviewer-1", TierOperator)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/operator", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
