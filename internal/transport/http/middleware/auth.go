package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fashion-similarity/internal/pkg/jwtutil"
	"fashion-similarity/internal/transport/http/response"
)

const ContextSubjectKey = "subject"

// Auth accepts either the static API token or, when jwtSecret is set, an
// HS256 token signed with it. With neither configured every request fails
// with 500.
func Auth(apiToken, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiToken == "" && jwtSecret == "" {
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "server token is not configured")
			c.Abort()
			return
		}

		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "missing authorization header")
			c.Abort()
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid authorization scheme")
			c.Abort()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
		if apiToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(apiToken)) == 1 {
			c.Set(ContextSubjectKey, "api-token")
			c.Next()
			return
		}

		if jwtSecret != "" {
			if claims, err := jwtutil.ParseToken(jwtSecret, token); err == nil {
				c.Set(ContextSubjectKey, claims.Subject)
				c.Next()
				return
			}
		}

		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid or expired token")
		c.Abort()
	}
}
