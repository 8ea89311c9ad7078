// Package metrics provides Prometheus instrumentation for the autonomy engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autonomy"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts routed actions by outcome and deciding rule.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total routing decisions by outcome and rule.",
		},
		[]string{"outcome", "rule"},
	)

	// InvalidActionsTotal counts actions rejected at validation by field.
	InvalidActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_actions_total",
			Help:      "Total actions that could not be assessed, by offending field.",
		},
		[]string{"field"},
	)

	// RiskScore observes assessed risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Distribution of assessed risk scores.",
		Buckets:   []float64{10, 25, 40, 50, 60, 70, 80, 90, 100},
	})

	// ClassificationDuration observes classify+route latency.
	ClassificationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "classification_duration_seconds",
		Help:      "Time spent classifying and routing an action.",
		Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01},
	})

	// ApprovalItems tracks queue items by status: pending now, terminal
	// states since start.
	ApprovalItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approval_items",
			Help:      "Approval items by status (pending currently, terminal states since start).",
		},
		[]string{"status"},
	)

	// ApprovalResolutionsTotal counts terminal transitions.
	ApprovalResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_resolutions_total",
			Help:      "Total approval queue items reaching a terminal status.",
		},
		[]string{"status"},
	)

	// ApprovalWaitDuration observes time from enqueue to resolution.
	ApprovalWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "approval_wait_seconds",
		Help:      "Time from enqueue to resolution in seconds.",
		Buckets:   []float64{10, 60, 300, 900, 3600, 14400, 43200, 86400},
	})

	// UsageCount and UsageValue mirror today's per-category counters.
	UsageCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "usage_count",
		Help: "Executed or approved actions today by category.",
	}, []string{"category"})
	UsageValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "usage_value",
		Help: "Estimated value executed or approved today by category.",
	}, []string{"category"})

	// NotificationsDroppedTotal counts events a subscriber was too slow to take.
	NotificationsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Total events dropped because a subscriber buffer was full.",
		},
		[]string{"sink"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// CircuitTransitionsTotal counts circuit breaker state changes.
	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuitbreaker",
			Name:      "state_transitions_total",
			Help:      "Circuit breaker state transitions by breaker, from-state, and to-state.",
		},
		[]string{"breaker", "from_state", "to_state"},
	)

	// EngineRunning is 1 while the engine accepts actions.
	EngineRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "engine_running",
		Help:      "1 when the engine is running, 0 when stopped.",
	})

	// AutonomyLevel reports the configured autonomy level.
	AutonomyLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "level",
		Help:      "Configured autonomy level (1-4).",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		InvalidActionsTotal,
		RiskScore,
		ClassificationDuration,
		ApprovalItems,
		ApprovalResolutionsTotal,
		ApprovalWaitDuration,
		UsageCount,
		UsageValue,
		NotificationsDroppedTotal,
		WebhookDeliveriesTotal,
		CircuitTransitionsTotal,
		EngineRunning,
		AutonomyLevel,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern keeps label cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
