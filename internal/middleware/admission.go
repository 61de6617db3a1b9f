package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"nutri-advisor-go/internal/admission"
	"nutri-advisor-go/pkg/log"
)

// Admission 按 AdmissionKey 限流，超限返回 429 与 Retry-After。
// 限流后端出错时放行，不因限流故障拒绝服务。
func Admission(limiter admission.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		decision, err := limiter.Allow(c.Request.Context(), AdmissionKey(c))
		if err != nil {
			log.Warnf("[Admission] 限流后端不可用，放行请求: %v", err)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    http.StatusTooManyRequests,
				"message": "请求过于频繁，请稍后重试",
				"data":    gin.H{"retry_after_ms": decision.RetryAfter.Milliseconds()},
			})
			return
		}
		c.Next()
	}
}

// RequestTimeout 为请求上下文设置超时，下游阶段据此提前结束。
func RequestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
