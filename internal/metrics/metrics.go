// Package metrics provides Prometheus instrumentation for the fraud scoring service.
package metrics

import (
	"database/sql"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraudproof"

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

	// --- Scoring ---

	// ScoringRequestsTotal counts scoring calls by domain and outcome
	// (success, unknown_domain, transform_error, feature_mismatch, classifier_error).
	ScoringRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_requests_total",
			Help:      "Total scoring calls by domain and outcome.",
		},
		[]string{"domain", "outcome"},
	)

	// ScoringDuration observes transform plus classifier latency.
	ScoringDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scoring_duration_seconds",
			Help:      "Feature transform and classifier latency in seconds.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"domain"},
	)

	// FraudScores observes the distribution of calibrated scores.
	FraudScores = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fraud_score",
			Help:      "Calibrated fraud scores by domain.",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"domain"},
	)

	// LoadedModels tracks the number of registered domain classifiers.
	LoadedModels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "loaded_models",
		Help:      "Number of domain classifiers in the registry.",
	})

	// RecordsTotal counts audit record writes by result (stored, duplicate, error).
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_records_total",
			Help:      "Audit record writes by result.",
		},
		[]string{"result"},
	)

	// --- Anchoring ---

	// AnchorsTotal counts anchoring outcomes by status
	// (submitted, confirmed, failed, skipped, dropped).
	AnchorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anchors_total",
			Help:      "Ledger anchoring outcomes by status.",
		},
		[]string{"status"},
	)

	// AnchorQueueDepth tracks jobs waiting for an anchoring worker.
	AnchorQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "anchor_queue_depth",
		Help:      "Anchoring jobs waiting for a worker.",
	})

	// AnchorConfirmDuration observes time from submission to receipt.
	AnchorConfirmDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "anchor_confirm_duration_seconds",
		Help:      "Time from transaction submission to receipt in seconds.",
		Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
	})

	// NonceRetriesTotal counts sends retried after a nonce conflict.
	NonceRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anchor_nonce_retries_total",
		Help:      "Ledger sends retried with a fresh nonce.",
	})

	// ChainReadsTotal counts ledger reads by result (found, absent, error).
	ChainReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_reads_total",
			Help:      "Ledger event reads by result.",
		},
		[]string{"result"},
	)

	// VerificationsTotal counts record verifications by status.
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Audit record verifications by status.",
		},
		[]string{"status"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by route.",
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ScoringRequestsTotal,
		ScoringDuration,
		FraudScores,
		LoadedModels,
		RecordsTotal,
		AnchorsTotal,
		AnchorQueueDepth,
		AnchorConfirmDuration,
		NonceRetriesTotal,
		ChainReadsTotal,
		VerificationsTotal,
		ActiveWebSocketClients,
		RateLimitedTotal,
	)
}

// RegisterDBStats exports the connection pool statistics of db, labelled
// with dbName. Registering the same name twice is not an error.
func RegisterDBStats(db *sql.DB, dbName string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, dbName))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
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
