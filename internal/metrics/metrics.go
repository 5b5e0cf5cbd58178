// Package metrics provides Prometheus instrumentation for the decision service.
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

// latencyBuckets covers the sub-second decision budget.
var latencyBuckets = []float64{.001, .0025, .005, .01, .02, .04, .06, .08, .1, .12, .15, .25, .5, 1}

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auroraguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "auroraguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   latencyBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts decisions by outcome and precedence path.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auroraguard",
			Name:      "decisions_total",
			Help:      "Total decisions by outcome and precedence path.",
		},
		[]string{"outcome", "path"},
	)

	// DecisionDuration observes end-to-end engine latency.
	DecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "auroraguard",
			Name:      "decision_duration_seconds",
			Help:      "Decision engine latency in seconds by precedence path.",
			Buckets:   latencyBuckets,
		},
		[]string{"path"},
	)

	// DegradationsTotal counts degraded sub-calls by tag.
	DegradationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auroraguard",
			Name:      "degradations_total",
			Help:      "Total degradations recorded on decisions, by tag.",
		},
		[]string{"tag"},
	)

	// BudgetExceededTotal counts decisions that hit the overall deadline.
	BudgetExceededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "auroraguard",
		Name:      "decision_budget_exceeded_total",
		Help:      "Decisions that reached the overall deadline before scoring finished.",
	})

	// RuleHitsTotal counts fired rules.
	RuleHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auroraguard",
			Name:      "rule_hits_total",
			Help:      "Total rule hits by rule ID.",
		},
		[]string{"rule"},
	)

	// DependencyDuration observes external call latency by dependency and result.
	DependencyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "auroraguard",
			Name:      "dependency_duration_seconds",
			Help:      "Feature store and scorer call latency by result.",
			Buckets:   latencyBuckets,
		},
		[]string{"dependency", "result"},
	)

	// GateRejectionsTotal counts calls rejected by a saturated gate.
	GateRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auroraguard",
			Name:      "gate_rejections_total",
			Help:      "Calls rejected because a dependency gate was saturated.",
		},
		[]string{"gate"},
	)

	// CalibrationCurve exposes the loaded curve version as a labelled 1.
	CalibrationCurve = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "auroraguard",
			Name:      "calibration_curve_info",
			Help:      "Loaded calibration curve version (value is always 1).",
		},
		[]string{"version"},
	)

	// EventsPublishedTotal counts decision events handed to sinks by result.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auroraguard",
			Name:      "decision_events_total",
			Help:      "Decision events delivered to sinks by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// ActiveWebSocketClients tracks connected decision stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "auroraguard",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected decision stream clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "auroraguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "auroraguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "auroraguard", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "auroraguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		DecisionDuration,
		DegradationsTotal,
		BudgetExceededTotal,
		RuleHitsTotal,
		DependencyDuration,
		GateRejectionsTotal,
		CalibrationCurve,
		EventsPublishedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// ObserveDependency records one external call.
func ObserveDependency(dependency, result string, elapsed time.Duration) {
	DependencyDuration.WithLabelValues(dependency, result).Observe(elapsed.Seconds())
}

// SetCalibrationCurve replaces the exported curve version.
func SetCalibrationCurve(version string) {
	CalibrationCurve.Reset()
	CalibrationCurve.WithLabelValues(version).Set(1)
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
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
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
