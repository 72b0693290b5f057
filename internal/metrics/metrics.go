// Package metrics provides Prometheus instrumentation for the platform.
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
			Namespace: "mentorpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentorpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowsLockedTotal counts escrows created on payment confirmation.
	EscrowsLockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mentorpay",
		Name:      "escrows_locked_total",
		Help:      "Total escrows locked.",
	})

	// EscrowsReleasedTotal counts escrows released to the achiever.
	EscrowsReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mentorpay",
		Name:      "escrows_released_total",
		Help:      "Total escrows released (funds split to achiever and platform).",
	})

	// EscrowsRefundedTotal counts escrows refunded to the aspirant.
	EscrowsRefundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mentorpay",
		Name:      "escrows_refunded_total",
		Help:      "Total escrows refunded.",
	})

	// SessionTransitionsTotal counts session state transitions by target status.
	SessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentorpay",
			Name:      "session_transitions_total",
			Help:      "Total session state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// SettlementDistributionRetries counts settle attempts deferred to a later tick.
	SettlementDistributionRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mentorpay",
		Name:      "session_distribution_retries_total",
		Help:      "Total deferred payment distributions retried on a later timer tick.",
	})

	// PayoutsTotal counts withdrawal request transitions by resulting status.
	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentorpay",
			Name:      "payouts_total",
			Help:      "Total withdrawal request transitions by resulting status.",
		},
		[]string{"status"},
	)

	// SettlementsIngestedTotal counts gateway settlement records by outcome.
	SettlementsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentorpay",
			Name:      "settlements_ingested_total",
			Help:      "Total gateway settlement records ingested by outcome.",
		},
		[]string{"outcome"},
	)

	// WebhookEventsTotal counts verified inbound webhook events by type.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentorpay",
			Name:      "webhook_events_total",
			Help:      "Total verified inbound webhook events by type.",
		},
		[]string{"event"},
	)

	// WebhookRejectedTotal counts webhooks rejected before dispatch.
	WebhookRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mentorpay",
		Name:      "webhook_rejected_total",
		Help:      "Total inbound webhooks rejected (bad signature or payload).",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mentorpay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mentorpay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mentorpay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mentorpay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowsLockedTotal,
		EscrowsReleasedTotal,
		EscrowsRefundedTotal,
		SessionTransitionsTotal,
		SettlementDistributionRetries,
		PayoutsTotal,
		SettlementsIngestedTotal,
		WebhookEventsTotal,
		WebhookRejectedTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime
// goroutine count into Prometheus gauges. Call in a goroutine; exits when
// ctx is done.
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
