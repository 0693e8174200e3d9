package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mcpServersTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mcp_servers_total",
		Help: "Registered MCP servers by status.",
	}, []string{"status"})

	mcpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	mcpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcp_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	mcpRegistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_registrations_total",
		Help: "Registration attempts by result.",
	}, []string{"result"})

	mcpEgressDenialsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp_egress_denials_total",
		Help: "URLs denied by the egress validator.",
	})

	mcpHandshakeDegradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp_handshake_degraded_total",
		Help: "Handshakes that fell back to the synthetic minimal response.",
	})

	mcpHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_health_checks_total",
		Help: "Health check probes by result.",
	}, []string{"result"})
)

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

		mcpRequestsTotal.WithLabelValues(method, path, status).Inc()
		mcpRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordRegistration records a registration attempt outcome.
func RecordRegistration(result string) {
	mcpRegistrationsTotal.WithLabelValues(result).Inc()
}

// RecordEgressDenial records a URL denied by the egress validator.
func RecordEgressDenial() {
	mcpEgressDenialsTotal.Inc()
}

// RecordHandshakeDegraded records a handshake that used the minimal fallback.
func RecordHandshakeDegraded() {
	mcpHandshakeDegradedTotal.Inc()
}

// RecordHealthCheck records a health check probe result.
func RecordHealthCheck(success bool) {
	if success {
		mcpHealthChecksTotal.WithLabelValues("success").Inc()
	} else {
		mcpHealthChecksTotal.WithLabelValues("failure").Inc()
	}
}

// SetServersGauge sets the server count gauge for a given status.
func SetServersGauge(status string, count float64) {
	mcpServersTotal.WithLabelValues(status).Set(count)
}
