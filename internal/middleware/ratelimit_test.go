package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fmsdesk/internal/config"
	appmetrics "fmsdesk/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func limitedRouter(h gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(h)
	r.POST("/functions/v1/executor-telegram", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doFrom(r *gin.Engine, ip string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/functions/v1/executor-telegram", nil)
	req.RemoteAddr = ip + ":12345"
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := &config.Config{}
	r := limitedRouter(RateLimitMiddleware(cfg))
	for i := 0; i < 50; i++ {
		assert.Equal(t, http.StatusOK, doFrom(r, "10.0.0.1"))
	}
}

func TestRateLimit_BurstThenRefill(t *testing.T) {
	appmetrics.Reset()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := limitedRouter(rateLimit(config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		Burst:             3,
	}, clock))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, doFrom(r, "10.0.0.1"), "request %d", i)
	}
	assert.Equal(t, http.StatusTooManyRequests, doFrom(r, "10.0.0.1"))

	// 其他客户端有独立的桶
	assert.Equal(t, http.StatusOK, doFrom(r, "10.0.0.2"))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, doFrom(r, "10.0.0.1"))

	total, by := appmetrics.RateLimitSnapshot()
	assert.Equal(t, uint64(1), total)
	assert.Equal(t, uint64(1), by["/functions/v1/executor-telegram"])
}

func TestRateLimit_Whitelist(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := limitedRouter(rateLimit(config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		Burst:             1,
		WhitelistIPs:      []string{"149.154.160.1"},
	}, func() time.Time { return now }))

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, doFrom(r, "149.154.160.1"))
	}
	assert.Equal(t, http.StatusOK, doFrom(r, "10.0.0.9"))
	assert.Equal(t, http.StatusTooManyRequests, doFrom(r, "10.0.0.9"))
}
