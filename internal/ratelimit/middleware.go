package ratelimit

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Middleware は指定ルートにIP単位のレート制限を適用するミドルウェアを返します。
// perMinute が0以下の場合は制限を行いません。
func Middleware(limiter Limiter, route string, perMinute int, logger *log.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = log.Default()
	}
	return func(c *gin.Context) {
		if limiter == nil || perMinute <= 0 {
			c.Next()
			return
		}

		key := route + ":" + c.ClientIP()
		result, err := limiter.Allow(c.Request.Context(), key, perMinute)
		if err != nil {
			logger.Printf("rate limit check failed route=%s: %v", route, err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "レート制限の判定に失敗しました。",
			})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))

		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエストが多すぎます。しばらく待ってから再試行してください。",
			})
			return
		}

		c.Next()
	}
}
