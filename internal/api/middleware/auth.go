// Package middleware carries the gin middleware for the gateway surface.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth enforces the shared gateway key. The key may arrive as a
// Bearer token, x-api-key, x-goog-api-key, or the key query parameter.
// An empty configured key leaves the gateway open.
func APIKeyAuth(requiredKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if requiredKey == "" {
			c.Next()
			return
		}
		if extractKey(c) != requiredKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "authentication_error",
					"message": "invalid or missing api key",
				},
			})
			return
		}
		c.Next()
	}
}

func extractKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return strings.TrimSpace(auth[len("bearer "):])
		}
		return strings.TrimSpace(auth)
	}
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	if key := c.GetHeader("x-goog-api-key"); key != "" {
		return key
	}
	return c.Query("key")
}

// CORS answers preflight requests and opens the gateway to browser callers.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, x-goog-api-key, anthropic-version")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
