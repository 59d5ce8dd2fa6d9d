package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// IPAllowlist returns a middleware that only allows requests from specified IPs.
// If the list is empty, all IPs are allowed. Used on the admin endpoints.
func IPAllowlist(ips []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(ips))
	for _, ip := range ips {
		allowed[ip] = true
	}
	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}
		if !allowed[c.ClientIP()] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "access denied"})
			return
		}
		c.Next()
	}
}
