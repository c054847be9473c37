// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskguard"

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

	// VelocityChecksTotal counts limiter checks by action and outcome
	// (allowed, limited, unknown_action, error).
	VelocityChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "velocity_checks_total",
			Help:      "Velocity limiter checks by action and result.",
		},
		[]string{"action", "result"},
	)

	// SignalsTotal counts appended fraud signals.
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Fraud signals recorded by source and validity.",
		},
		[]string{"source", "valid"},
	)

	// VerdictsTotal counts gate decisions.
	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Decision gate verdicts by verdict and sensitivity.",
		},
		[]string{"verdict", "sensitive"},
	)

	// DecisionDuration observes end-to-end gate latency.
	DecisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "decision_duration_seconds",
		Help:      "Decision gate evaluation latency in seconds.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})

	// RiskScores observes computed risk scores.
	RiskScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Distribution of recomputed risk scores.",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// ScoreRecomputesTotal counts recomputations by trigger
	// (miss, stale, forced, sampled).
	ScoreRecomputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_recomputes_total",
			Help:      "Risk score recomputations by trigger.",
		},
		[]string{"trigger"},
	)

	// StoreErrorsTotal counts backend failures by store.
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Backend store errors by store.",
		},
		[]string{"store"},
	)

	// NotificationsTotal counts admin notifications by result
	// (sent, failed, dropped).
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Admin notifications by result.",
		},
		[]string{"result"},
	)

	// NotificationQueueDepth tracks queued, undelivered notifications.
	NotificationQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notification_queue_depth",
		Help:      "Admin notifications waiting for delivery.",
	})

	// PolicyReloadsTotal counts policy hot reloads by result.
	PolicyReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_reloads_total",
			Help:      "Risk policy reloads by result.",
		},
		[]string{"result"},
	)

	// RetentionPrunedTotal counts rows removed by the retention sweeper.
	RetentionPrunedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_pruned_total",
			Help:      "Rows pruned by the retention sweeper by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		VelocityChecksTotal,
		SignalsTotal,
		VerdictsTotal,
		DecisionDuration,
		RiskScores,
		ScoreRecomputesTotal,
		StoreErrorsTotal,
		NotificationsTotal,
		NotificationQueueDepth,
		PolicyReloadsTotal,
		RetentionPrunedTotal,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, keeps subject ids out of labels
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

// BoolLabel renders a bool as a metric label value.
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
