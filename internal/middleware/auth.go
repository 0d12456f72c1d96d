// Tenant authentication middleware for the HTTP surface.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/apex-build/orchestrator/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireAuth validates the bearer token and injects tenant_id/role into
// the Gin context. Runs without an authenticated tenant are rejected at
// this boundary; internal (non-HTTP) callers pass tenant_id directly.
func RequireAuth(authService *auth.TenantAuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header is required",
				"code":  "AUTH_HEADER_MISSING",
			})
			c.Abort()
			return
		}

		token, err := extractBearerToken(authHeader)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
				"code":  "INVALID_AUTH_HEADER",
			})
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			var code string
			switch err {
			case auth.ErrTokenExpired:
				code = "TOKEN_EXPIRED"
			case auth.ErrTokenBlacklisted:
				code = "TOKEN_REVOKED"
			default:
				code = "INVALID_TOKEN"
			}

			c.JSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
				"code":  code,
			})
			c.Abort()
			return
		}

		c.Set("tenant_id", claims.TenantID)
		c.Set("role", claims.Role)
		c.Set("raw_token", token)

		c.Next()
	}
}

// RequireRole checks that the authenticated tenant's token carries role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantRole, exists := c.Get("role")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "role not found in context",
				"code":  "ROLE_NOT_FOUND",
			})
			c.Abort()
			return
		}

		if tenantRole != role {
			c.JSON(http.StatusForbidden, gin.H{
				"error":         "insufficient permissions",
				"code":          "INSUFFICIENT_PERMISSIONS",
				"required_role": role,
				"role":          tenantRole,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// extractBearerToken extracts the token from a "Bearer <token>" header.
func extractBearerToken(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errors.New("invalid authorization header format: expected 'Bearer <token>'")
	}

	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if token == "" {
		return "", errors.New("token cannot be empty")
	}

	return token, nil
}

// TenantID extracts the authenticated tenant_id from the Gin context.
func TenantID(c *gin.Context) (string, bool) {
	tenantID, exists := c.Get("tenant_id")
	if !exists {
		return "", false
	}
	id, ok := tenantID.(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// RawToken retrieves the raw bearer token from context, for revocation.
func RawToken(c *gin.Context) (string, bool) {
	token, exists := c.Get("raw_token")
	if !exists {
		return "", false
	}
	t, ok := token.(string)
	return t, ok
}
