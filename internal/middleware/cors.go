package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:5173",
}

// AllowedOrigins merges the local development origins with extra ones.
func AllowedOrigins(extra []string) map[string]bool {
	allowed := make(map[string]bool, len(defaultOrigins)+len(extra))
	for _, o := range defaultOrigins {
		allowed[o] = true
	}
	for _, o := range extra {
		o = strings.TrimSpace(o)
		if o != "" {
			allowed[o] = true
		}
	}
	return allowed
}

// OriginChecker is the websocket CheckOrigin counterpart of CORS. Requests without an
// Origin header (non-browser clients) pass.
func OriginChecker(allowed map[string]bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

func CORS(allowed map[string]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		// Reflect allowed origins so credentials work.
		if origin != "" && allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Content-Length, Authorization, Accept, Origin, Range, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods",
			"GET, HEAD, POST, DELETE, OPTIONS")
		// Players read these to seek.
		c.Writer.Header().Set("Access-Control-Expose-Headers",
			"Content-Range, Content-Length, Accept-Ranges, X-Asset-Status")
		c.Writer.Header().Set("Access-Control-Max-Age", "600")

		// Preflight ends before JWT/role middleware.
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
