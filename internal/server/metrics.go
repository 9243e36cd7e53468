package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	xyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xychain_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	xyRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xychain_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	xyAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xychain_entries_appended_total",
		Help: "Total chain entries appended.",
	})

	xyVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xychain_verifications_total",
		Help: "Total chain verifications by outcome.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records
// per-request metrics.
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

		xyRequestsTotal.WithLabelValues(method, path, status).Inc()
		xyRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records a successful entry append.
func RecordAppend() {
	xyAppendsTotal.Inc()
}

// RecordVerification records a verification walk and its outcome.
func RecordVerification(valid bool) {
	if valid {
		xyVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		xyVerificationsTotal.WithLabelValues("broken").Inc()
	}
}
