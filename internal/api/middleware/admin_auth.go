package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AdminAuth guards the admin surface with a static token, accepted from
// either X-Admin-Token or an Authorization bearer. Comparison is
// constant-time. An empty configured token rejects everything; the
// server additionally skips registering admin routes in that case.
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": "admin API disabled"})
			return
		}

		presented := c.GetHeader("X-Admin-Token")
		if presented == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid admin token"})
			return
		}
		c.Next()
	}
}
