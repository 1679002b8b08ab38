package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/clipstream/backend/internal/auth"
	"github.com/clipstream/backend/pkg/response"
)

const (
	// ContextUserID is the gin context key for the caller's user ID.
	ContextUserID = "user_id"
	// ContextUserRole is the gin context key for the caller's role.
	ContextUserRole = "user_role"
)

// JWT returns a middleware that validates the bearer token and puts the
// caller's identity in the gin context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			response.Unauthorized(c, "missing or invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, claims.Role)
		c.Next()
	}
}
