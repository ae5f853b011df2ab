package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	jwtsvc "pulse/internal/pkg/jwt"
	"pulse/internal/pkg/response"
)

// JWTAuth validates the caller's token and stores user_id and role in the gin context.
// The token comes from "Authorization: Bearer <token>" or, for clients that cannot set
// headers (media elements, websockets, EventSource), from the ?token= query parameter.
func JWTAuth(jwt *jwtsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, code, msg := extractToken(c)
		if tokenStr == "" {
			response.AbortError(c, http.StatusUnauthorized, code, msg)
			return
		}

		claims, err := jwt.ValidateToken(tokenStr)
		if err != nil {
			response.AbortError(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)

		c.Next()
	}
}

func extractToken(c *gin.Context) (token, code, msg string) {
	h := c.GetHeader("Authorization")
	if h == "" {
		if q := strings.TrimSpace(c.Query("token")); q != "" {
			return q, "", ""
		}
		return "", "AUTH_HEADER_MISSING", "Missing Authorization header"
	}

	if !strings.HasPrefix(h, "Bearer ") {
		return "", "INVALID_AUTH_FORMAT", "Invalid Authorization header"
	}

	token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	if token == "" {
		return "", "INVALID_AUTH_FORMAT", "Empty token"
	}
	return token, "", ""
}
