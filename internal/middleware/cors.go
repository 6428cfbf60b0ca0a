package middleware

import (
	"net/http"
	"strings"

	"fmsdesk/internal/config"

	"github.com/gin-gonic/gin"
)

// CORSMiddleware 根据 security.cors 写入跨域头；OPTIONS 预检直接 204
func CORSMiddleware(cc config.CORSConfig) gin.HandlerFunc {
	if !cc.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	origins := cc.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := strings.Join(cc.AllowedMethods, ", ")
	headers := strings.Join(cc.AllowedHeaders, ", ")

	return func(c *gin.Context) {
		if origin := allowOrigin(origins, c.GetHeader("Origin")); origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		if methods != "" {
			c.Header("Access-Control-Allow-Methods", methods)
		}
		if headers != "" {
			c.Header("Access-Control-Allow-Headers", headers)
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func allowOrigin(allowed []string, origin string) string {
	for _, o := range allowed {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}
