package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// rateLimiter is a sliding-window per-client limiter.
type rateLimiter struct {
	mu          sync.Mutex
	requests    map[string][]time.Time
	maxRequests int
	window      time.Duration
}

func newRateLimiter(maxRequests int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		requests:    make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      window,
	}
}

// isAllowed reports whether a request from clientID passes and how many
// requests remain in the current window.
func (rl *rateLimiter) isAllowed(clientID string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	reqs := rl.requests[clientID]
	valid := reqs[:0]
	for _, t := range reqs {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.maxRequests {
		rl.requests[clientID] = valid
		return false, 0
	}

	valid = append(valid, now)
	rl.requests[clientID] = valid
	return true, rl.maxRequests - len(valid)
}

// RateLimit limits requests per client IP over a one-minute window.
// maxPerMinute <= 0 disables the limiter.
func RateLimit(maxPerMinute int) gin.HandlerFunc {
	if maxPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newRateLimiter(maxPerMinute, time.Minute)

	return func(c *gin.Context) {
		allowed, remaining := limiter.isAllowed(c.ClientIP())
		c.Header("X-RateLimit-Limit", strconv.Itoa(maxPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "rate_limit_error",
					"message": "too many requests",
				},
			})
			return
		}
		c.Next()
	}
}
