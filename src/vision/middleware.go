package vision

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const requestIDKey = "request_id"

// RequestIDMiddleware 沿用合法的 X-Request-Id，否则生成新的 uuid
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-Id")
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-Id", requestID)
		c.Next()
	}
}

// RequestID 返回当前请求的ID
func RequestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// FloodGuard 进程级的请求速率保护，在认证之前拒绝突发流量；limiter 为 nil 时不限制
func FloodGuard(limiter *rate.Limiter, metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || limiter.Allow() {
			c.Next()
			return
		}
		metrics.floodRejected()
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Error: "Too many requests"})
	}
}

// CORSMiddleware 添加CORS头
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Headers", "authorization, content-type, device-id, x-app-secret, x-request-id")
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST")
		c.Header("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-Request-Id")
		c.Next()
	}
}

// NewEngine 创建带公共中间件的 gin 引擎
func NewEngine(metrics *Metrics, guard *rate.Limiter) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), metrics.Middleware(), RequestIDMiddleware(), CORSMiddleware(), FloodGuard(guard, metrics))
	return engine
}
