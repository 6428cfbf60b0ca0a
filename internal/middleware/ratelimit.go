package middleware

import (
	"net/http"
	"sync"
	"time"

	"fmsdesk/internal/config"
	appmetrics "fmsdesk/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket is a simple token bucket used for per-client rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64 // tokens per second
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm // default burst equals a minute worth
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

// RateLimitMiddleware enables per-IP rate limiting from cfg.Security.RateLimiting.
// Whitelisted IPs bypass the limiter. If disabled, it no-ops.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	return rateLimit(cfg.Security.RateLimiting, time.Now)
}

func rateLimit(rl config.RateLimitingConfig, now func() time.Time) gin.HandlerFunc {
	if !rl.Enabled || rl.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	whitelist := make(map[string]struct{}, len(rl.WhitelistIPs))
	for _, ip := range rl.WhitelistIPs {
		whitelist[ip] = struct{}{}
	}
	var (
		mu      sync.Mutex
		buckets = make(map[string]*tokenBucket)
	)
	getBucket := func(key string) *tokenBucket {
		mu.Lock()
		defer mu.Unlock()
		if b, ok := buckets[key]; ok {
			return b
		}
		b := newBucket(rl.RequestsPerMinute, rl.Burst, now())
		buckets[key] = b
		return b
	}
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if _, ok := whitelist[key]; ok {
			c.Next()
			return
		}
		if !getBucket(key).allow(now()) {
			prefix := c.FullPath()
			if prefix == "" {
				prefix = "global"
			}
			appmetrics.IncRateLimitDrop(prefix)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
