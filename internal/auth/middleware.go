package auth

import (
	"net/http"
	"strings"

	"callsim/pkg/logger"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// RequireAPIKey accepts "Authorization: Bearer <key>" for any key in keys and
// stores the key as the request's tenant.
func RequireAPIKey(keys []string) gin.HandlerFunc {
	valid := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			valid[k] = struct{}{}
		}
	}
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Missing or invalid Authorization header"})
			return
		}
		key := strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
		if _, ok := valid[key]; !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Invalid API key"})
			return
		}

		c.Request = c.Request.WithContext(WithTenant(c.Request.Context(), key))
		c.Set(logger.TenantKey, key)
		c.Next()
	}
}
