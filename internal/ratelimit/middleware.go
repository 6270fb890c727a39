package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yudhap/blastgate/internal/rules"
)

// Middleware limits API requests per client IP using the shared limiter.
// The rule is derived from server config rather than the admin-edited
// ruleset, so the API shield cannot be turned off by a bad rule edit.
func Middleware(limiter *Limiter, requestsPerMinute, burstSize int) gin.HandlerFunc {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burstSize <= 0 {
		burstSize = requestsPerMinute
	}
	// Capacity is the burst size; the window is sized so the bucket refills
	// at requestsPerMinute overall.
	windowSeconds := burstSize * 60 / requestsPerMinute
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	rule := &rules.RateLimitRule{
		ID:            "api-shield",
		Name:          "API requests per client IP",
		ContextType:   rules.ContextIP,
		MaxRequests:   burstSize,
		WindowSeconds: windowSeconds,
		Algorithm:     rules.AlgoTokenBucket,
		Action:        rules.LimitBlock,
		IsActive:      true,
	}

	return func(c *gin.Context) {
		key := BuildKey(rules.ContextIP, c.ClientIP(), "api")
		result, err := limiter.CheckWithRule(c.Request.Context(), key, rule, 1)
		if err != nil {
			// The shield failing must not take the API down with it.
			c.Next()
			return
		}
		if !result.Allowed {
			c.Header("Retry-After", retryAfterSeconds(result.RetryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "Too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
