// Package metrics provides Prometheus instrumentation for the admission plane.
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

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blastgate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "blastgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AdmissionDecisionsTotal counts send-admission verdicts by gate and outcome.
	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blastgate",
			Name:      "admission_decisions_total",
			Help:      "Total admission decisions by gate (scoring, ratelimit, revenue) and outcome.",
		},
		[]string{"gate", "outcome"},
	)

	// RiskEventsTotal counts recorded risk events by event type.
	RiskEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blastgate",
			Name:      "risk_events_total",
			Help:      "Total risk events recorded by event type.",
		},
		[]string{"event_type"},
	)

	// SuspensionsTotal counts suspension transitions by suspension type.
	SuspensionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blastgate",
			Name:      "suspensions_total",
			Help:      "Total entity suspensions by type (temporary, permanent).",
		},
		[]string{"type"},
	)

	// RateLimitActionsTotal counts rate-limit enforcement by action taken.
	RateLimitActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blastgate",
			Name:      "ratelimit_actions_total",
			Help:      "Total rate limit checks that matched a rule, by action (allow, block, throttle, warn).",
		},
		[]string{"action"},
	)

	// DeductionsTotal counts revenue guard deductions by result.
	DeductionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blastgate",
			Name:      "deductions_total",
			Help:      "Total revenue guard deductions by result (committed, replayed, insufficient, failed).",
		},
		[]string{"result"},
	)

	// RollbacksTotal counts compensating credits issued after dispatch failures.
	RollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blastgate",
		Name:      "rollbacks_total",
		Help:      "Total compensating credits issued after dispatch failures.",
	})

	// RollbackFailuresTotal counts compensating credits that themselves failed.
	// Any increment here means money was taken without service rendered and
	// must page someone.
	RollbackFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blastgate",
		Name:      "rollback_failures_total",
		Help:      "Total failed compensating credits (funds debited, dispatch failed, refund failed).",
	})

	// DispatchDuration observes the duration of dispatch callables inside
	// charge-and-execute.
	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "blastgate",
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of dispatch callables invoked by the revenue guard.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// ActiveSuspensions tracks entities currently suspended.
	ActiveSuspensions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "blastgate",
		Name:      "active_suspensions",
		Help:      "Number of entities currently suspended.",
	})

	// RulesetVersion exports the currently loaded rule configuration version.
	RulesetVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "blastgate",
		Name:      "ruleset_version",
		Help:      "Version of the currently loaded rule configuration.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "blastgate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "blastgate", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "blastgate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "blastgate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AdmissionDecisionsTotal,
		RiskEventsTotal,
		SuspensionsTotal,
		RateLimitActionsTotal,
		DeductionsTotal,
		RollbacksTotal,
		RollbackFailuresTotal,
		DispatchDuration,
		ActiveSuspensions,
		RulesetVersion,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
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
