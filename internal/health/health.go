// Package health reports liveness and readiness of the engine and the
// resources it depends on.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	started  time.Time
	timeout  time.Duration
}

// NewRegistry creates a registry whose checks share a 3s deadline.
func NewRegistry() *Registry {
	return &Registry{started: time.Now(), timeout: 3 * time.Second}
}

// Register adds a checker. Checkers run in registration order.
func (r *Registry) Register(check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, check)
	r.mu.Unlock()
}

// CheckAll runs every checker and reports whether all are healthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	healthy := true
	statuses := make([]Status, len(checkers))
	for i, check := range checkers {
		statuses[i] = check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Live handles /health/live: the process is up.
func (r *Registry) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready handles /health/ready and /health: 200 when every check passes,
// 503 otherwise.
func (r *Registry) Ready(c *gin.Context) {
	healthy, statuses := r.CheckAll(c.Request.Context())
	code, status := http.StatusOK, "healthy"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "unhealthy"
	}
	c.JSON(code, gin.H{
		"status": status,
		"uptime": time.Since(r.started).Round(time.Second).String(),
		"checks": statuses,
	})
}

// Running reports unhealthy while isRunning returns false.
func Running(name string, isRunning func() bool) Checker {
	return func(ctx context.Context) Status {
		if isRunning() {
			return Status{Name: name, Healthy: true}
		}
		return Status{Name: name, Healthy: false, Detail: "not running"}
	}
}

// Database pings db.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		stats := db.Stats()
		return Status{Name: "database", Healthy: true, Detail: "open=" + strconv.Itoa(stats.OpenConnections)}
	}
}
