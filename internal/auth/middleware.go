package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyOperator is the gin context key holding the authenticated
// operator's name.
const ContextKeyOperator = "authOperator"

// Middleware authenticates the Authorization or X-API-Key header when
// present and stores the operator name in the context. It never rejects.
func Middleware(o *Operators) gin.HandlerFunc {
	return func(c *gin.Context) {
		if o.Enabled() {
			token := c.GetHeader("Authorization")
			if token == "" {
				token = c.GetHeader("X-API-Key")
			}
			if token != "" {
				if name, err := o.Authenticate(token); err == nil {
					c.Set(ContextKeyOperator, name)
				}
			}
		}
		c.Next()
	}
}

// RequireOperator rejects unauthenticated requests. With no operators
// configured every request passes.
func RequireOperator(o *Operators) gin.HandlerFunc {
	return func(c *gin.Context) {
		if o.Enabled() && OperatorName(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Operator token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// OperatorName returns the authenticated operator, or "".
func OperatorName(c *gin.Context) string {
	v, ok := c.Get(ContextKeyOperator)
	if !ok {
		return ""
	}
	name, _ := v.(string)
	return name
}
