package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentledger/internal/logging"
)

// ContextKeyPrincipal is the gin context key holding the verified Principal.
const ContextKeyPrincipal = "authPrincipal"

// Middleware verifies an Authorization bearer token when present and stores
// the principal in both the gin context and the request context. Requests
// without a token pass through; RequireAuth rejects them.
func Middleware(m *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		p, err := m.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or expired bearer token.",
			})
			return
		}
		c.Set(ContextKeyPrincipal, *p)
		ctx := WithPrincipal(c.Request.Context(), *p)
		ctx = logging.WithUserID(ctx, p.UserID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAuth rejects requests without a verified principal.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects principals whose role is not listed.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Your role cannot perform this action.",
		})
	}
}

// GetPrincipal returns the verified principal for the request.
func GetPrincipal(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// UserKey is a ratelimit.Config.KeyFunc keyed by the verified user id.
func UserKey(c *gin.Context) string {
	if p, ok := GetPrincipal(c); ok {
		return "user:" + p.UserID
	}
	return ""
}
