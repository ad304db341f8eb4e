package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/coleleavitt/claude-code-proxy/core"
	"github.com/coleleavitt/claude-code-proxy/models"
)

// corsMiddleware CORS 中间件，放行 Anthropic 客户端会带的自定义头
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, x-api-key, anthropic-version")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// clientAuthMiddleware 客户端鉴权。配置了 anthropic_api_key 才生效，
// 支持 x-api-key 和 Authorization Bearer 两种携带方式。
func clientAuthMiddleware(cfg *core.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "OPTIONS" {
			c.Next()
			return
		}

		// Claude 客户端用 x-api-key，OpenAI 风格客户端用 Bearer
		token := c.GetHeader("x-api-key")
		if token == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				token = authHeader[7:]
			}
		}

		if !cfg.ValidateClientKey(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				models.NewClaudeError("authentication_error", "Invalid API key"))
			return
		}

		c.Next()
	}
}

// requestLoggerMiddleware 访问日志中间件，只记录出错的请求
func requestLoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		statusCode := c.Writer.Status()
		if statusCode < 400 {
			return
		}

		entry := log.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    statusCode,
			"latency":   time.Since(start).String(),
			"client_ip": c.ClientIP(),
		})
		if statusCode >= 500 {
			entry.Error("Server error")
		} else {
			entry.Warn("Client error")
		}
	}
}
