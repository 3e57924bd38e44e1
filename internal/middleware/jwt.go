package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/recording-ingester/internal/auth"
	"github.com/aura-webinar/recording-ingester/pkg/response"
)

const (
	// ContextOperator is the key for the operator name in gin context.
	ContextOperator = "operator"
	// ContextOperatorRole is the key for the operator role in gin context.
	ContextOperatorRole = "operator_role"
)

// JWT returns a middleware that validates the bearer token and sets the operator in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(strings.TrimSpace(parts[1]))
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextOperator, claims.Subject)
		c.Set(ContextOperatorRole, claims.Role)
		c.Next()
	}
}
