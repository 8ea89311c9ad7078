package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	l := New(cfg)
	l.clock = func() time.Time { return now }
	return l, &now
}

func TestLimiterAllow(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("client1"), "request %d within burst", i+1)
	}
	assert.False(t, l.Allow("client1"), "burst exhausted")
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	assert.True(t, l.Allow("b"), "clients have separate buckets")
}

func TestLimiterTokenReplenishment(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	assert.True(t, l.Allow("c"))
	assert.False(t, l.Allow("c"))

	*now = now.Add(1100 * time.Millisecond)
	assert.True(t, l.Allow("c"), "one token per second at 60 rpm")
}

func TestLimiterPrune(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})

	l.Allow("idle")
	*now = now.Add(30 * time.Second)
	l.Allow("active")
	*now = now.Add(45 * time.Second)

	assert.Equal(t, 1, l.Prune())
	assert.Len(t, l.clients, 1)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Positive(t, cfg.RequestsPerMinute)
	assert.Positive(t, cfg.BurstSize)

	l := New(Config{})
	assert.Equal(t, cfg.RequestsPerMinute, l.cfg.RequestsPerMinute)
	assert.Equal(t, 1, l.cfg.BurstSize)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(Config{RequestsPerMinute: 30, BurstSize: 1})

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}
