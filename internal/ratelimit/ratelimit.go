// Package ratelimit provides per-client rate limiting middleware for the API.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// IdleTTL drops a client's bucket after this long without requests.
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		IdleTTL:           5 * time.Minute,
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*client
	pruned  time.Time
	clock   func() time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &Limiter{
		cfg:     cfg,
		clients: make(map[string]*client),
		clock:   time.Now,
	}
}

// Allow reports whether a request from key may proceed now.
func (l *Limiter) Allow(key string) bool {
	now := l.clock()

	l.mu.Lock()
	if now.Sub(l.pruned) > l.cfg.IdleTTL {
		l.pruneLocked(now)
	}
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMinute)/60), l.cfg.BurstSize)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// Prune drops buckets idle longer than IdleTTL and returns how many it
// removed. A dropped client starts again with a full burst.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(l.clock())
}

func (l *Limiter) pruneLocked(now time.Time) int {
	l.pruned = now
	cutoff := now.Add(-l.cfg.IdleTTL)
	n := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			n++
		}
	}
	return n
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := strconv.Itoa(max(1, 60/l.cfg.RequestsPerMinute))
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
