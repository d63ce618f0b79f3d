package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader is the header carrying an API key credential
const APIKeyHeader = "X-API-Key"

// contextKey is the gin context key holding the resolved AuthContext
const contextKey = "hivemind_auth"

// GinMiddleware authenticates every request. Bearer tokens that look like
// hm_ keys validate as API keys, anything else as a JWT; the X-API-Key
// header is the fallback for clients that cannot set Authorization.
func (s *Service) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authCtx, err := s.resolve(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(contextKey, authCtx)
		c.Next()
	}
}

// RequireOperator gates reviewer-facing routes. Must run after GinMiddleware.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		authCtx, ok := FromGinContext(c)
		if !ok || !authCtx.IsOperator() {
			// A non-operator learns nothing about the route beyond its name
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}

func (s *Service) resolve(c *gin.Context) (*AuthContext, error) {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		credential := strings.TrimPrefix(header, "Bearer ")
		if strings.HasPrefix(credential, KeyPrefix) {
			return s.ValidateAPIKey(c.Request.Context(), credential)
		}
		return s.ValidateJWT(c.Request.Context(), credential)
	}

	if key := c.GetHeader(APIKeyHeader); key != "" {
		return s.ValidateAPIKey(c.Request.Context(), key)
	}

	// SSE clients (EventSource) cannot set headers, so the credential is
	// also accepted as a query parameter. resolve is shared by every route,
	// so the fallback applies beyond the stream.
	if key := c.Query("api_key"); key != "" {
		return s.ValidateAPIKey(c.Request.Context(), key)
	}

	return nil, ErrNoCredential
}

// FromGinContext extracts the AuthContext set by GinMiddleware
func FromGinContext(c *gin.Context) (*AuthContext, bool) {
	value, exists := c.Get(contextKey)
	if !exists {
		return nil, false
	}
	authCtx, ok := value.(*AuthContext)
	return authCtx, ok
}
