package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramSecretMiddleware 校验 setWebhook 时配置的 secret_token；secret 为空时不校验
func TelegramSecretMiddleware(secret string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		if !equalToken(c.GetHeader(TelegramSecretHeader), secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "invalid telegram secret token",
			})
			return
		}
		c.Next()
	}
}

// BearerAuthMiddleware requires "Authorization: Bearer <token>". An empty
// expected token means the endpoint is not configured and every call gets 500.
func BearerAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "Not configured",
				"message": "callback token is not set",
			})
			return
		}
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "missing bearer token",
			})
			return
		}
		if !equalToken(strings.TrimSpace(parts[1]), token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "invalid bearer token",
			})
			return
		}
		c.Next()
	}
}

func equalToken(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
