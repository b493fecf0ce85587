package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/ratelimit"
)

// RequestLogger logs one line per request with latency and status.
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("Request", map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
	}
}

// RateLimitMiddleware applies the composite limiter to requests that carry a
// tenant. Denials map to 429 with Retry-After and the X-RateLimit-* headers;
// requests without X-Project-ID pass through untouched.
func RateLimitMiddleware(limiter *ratelimit.RateLimiter, logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.GetHeader("X-Project-ID")
		if projectID == "" {
			c.Next()
			return
		}

		decision, err := limiter.Check(c.Request.Context(), ratelimit.Request{
			ProjectID: projectID,
			UserID:    c.GetHeader("X-User-ID"),
			IP:        c.ClientIP(),
			Endpoint:  c.Request.URL.Path,
			Write:     c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead,
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			reset := time.Now().Add(decision.Reset).Unix()
			c.Header("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
			c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+0.999)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"scope":       string(decision.Kind),
				"retry_after": decision.RetryAfter.Seconds(),
			})
			return
		}
		if decision.FailedOpen {
			logger.Warn("Rate limit failed open", map[string]interface{}{
				"project_id": projectID,
				"path":       c.Request.URL.Path,
			})
		}
		c.Next()
	}
}
