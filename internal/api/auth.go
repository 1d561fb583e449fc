package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────
// Bearer Token Authentication Middleware
//
// The token is handed in explicitly by the binary (no env lookups in this
// package). If set, all wallet-mutating routes require:
//   Authorization: Bearer <token>
//
// Public endpoints (health, the WebSocket stream) are excluded by not
// mounting this middleware on them.
// ──────────────────────────────────────────────────────────────────

// AuthMiddleware returns a Gin middleware validating bearer tokens against
// the given token. An empty token allows all requests (dev mode) — this is
// logged loudly because the wallet API hands out addresses and freezes coins.
func AuthMiddleware(token string) gin.HandlerFunc {
	if token == "" {
		log.Println("[SECURITY WARNING] API auth token is not set. " +
			"All wallet endpoints are publicly accessible. " +
			"Configure a strong token before exposing this service.")
	}

	return func(c *gin.Context) {
		// If no token is configured, skip auth (development mode)
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
				"hint":  "Use: Authorization: Bearer <token>",
			})
			c.Abort()
			return
		}

		// Parse "Bearer <token>"
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid Authorization header format"})
			c.Abort()
			return
		}

		// Constant-time comparison to prevent timing-based token enumeration.
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Invalid or expired token",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
