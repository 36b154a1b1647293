package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates a bearer token against API_AUTH_TOKEN. In
// production this sits behind an upstream gateway that terminates real
// authentication; this middleware is the placeholder for deployments
// that front the engine directly.
//
// If API_AUTH_TOKEN is unset, all requests are allowed (dev mode).
func AuthMiddleware() gin.HandlerFunc {
	token := os.Getenv("API_AUTH_TOKEN")

	if token == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[API] WARNING: API_AUTH_TOKEN is not set in release mode; all protected endpoints are publicly accessible")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid Authorization header format"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
