package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dtrunner/pkg/auth"
)

const (
	// APIKeyHeaderKey carries the API key.
	APIKeyHeaderKey = "X-API-Key"
	// ContextPrincipalKey is the gin context key holding the caller.
	ContextPrincipalKey = "principal"
)

// Auth rejects requests that carry no valid API key. The key may come in
// X-API-Key or as an "Authorization: Bearer" token.
func Auth(store auth.KeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(APIKeyHeaderKey)
		if key == "" {
			if parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				key = strings.TrimSpace(parts[1])
			}
		}

		info, err := store.ValidateKey(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
				"hint":  "provide an X-API-Key header",
			})
			return
		}
		principal := info.Principal()
		c.Set(ContextPrincipalKey, &principal)
		c.Next()
	}
}

// PrincipalFromContext returns the caller Auth stored, if any.
func PrincipalFromContext(c *gin.Context) (*auth.Principal, bool) {
	value, exists := c.Get(ContextPrincipalKey)
	if !exists {
		return nil, false
	}
	p, ok := value.(*auth.Principal)
	return p, ok
}

// RequireRole lets through callers whose role includes required. Without
// Auth in front of it, every request passes.
func RequireRole(required auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFromContext(c)
		if !ok {
			c.Next()
			return
		}
		if !p.Role.HasPermission(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"required": required,
				"current":  p.Role,
			})
			return
		}
		c.Next()
	}
}
