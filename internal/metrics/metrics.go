// Package metrics exports Prometheus collectors for the verification engine
// and its collaborators.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/etrap-labs/etrap-go/pkg/etrap"
)

var (
	etrapVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etrap_verifications_total",
		Help: "Total transaction verifications by outcome.",
	}, []string{"outcome"})

	etrapVerificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "etrap_verification_duration_seconds",
		Help:    "End-to-end verification duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	etrapCacheEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etrap_cache_events_total",
		Help: "Batch metadata cache lookups by result.",
	}, []string{"result"})

	etrapRPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "etrap_rpc_duration_seconds",
		Help:    "Ledger RPC view call duration in seconds by contract method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	etrapRPCRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etrap_rpc_retries_total",
		Help: "Ledger RPC calls that needed at least one retry, by contract method.",
	}, []string{"method"})

	etrapStorageFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "etrap_storage_fetch_duration_seconds",
		Help:    "Batch contents fetch duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	etrapRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etrap_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	etrapRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "etrap_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Observer bridges the engine's metric hooks onto the Prometheus collectors.
// A single instance is shared by all components.
type Observer struct{}

var _ etrap.Observer = Observer{}

func (Observer) VerificationDone(outcome etrap.Outcome, d time.Duration) {
	etrapVerificationsTotal.WithLabelValues(string(outcome)).Inc()
	etrapVerificationDuration.Observe(d.Seconds())
}

func (Observer) CacheHit()  { etrapCacheEventsTotal.WithLabelValues("hit").Inc() }
func (Observer) CacheMiss() { etrapCacheEventsTotal.WithLabelValues("miss").Inc() }

// ObserveRPC records one ledger view call. Wire it as the near client's
// observer.
func (Observer) ObserveRPC(method string, d time.Duration, err error, retried bool) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	etrapRPCDuration.WithLabelValues(method, status).Observe(d.Seconds())
	if retried {
		etrapRPCRetriesTotal.WithLabelValues(method).Inc()
	}
}

// ObserveStorageFetch records one batch contents fetch. Wire it as the
// objstore client's observer.
func (Observer) ObserveStorageFetch(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	etrapStorageFetchDuration.WithLabelValues(status).Observe(d.Seconds())
}

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		etrapRequestsTotal.WithLabelValues(method, path, status).Inc()
		etrapRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
