package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"eventsync-backend/pkg/metrics"
)

// PrometheusMiddleware is a Gin middleware that records HTTP metrics
type PrometheusMiddleware struct {
	metrics *metrics.Metrics
}

// NewPrometheusMiddleware creates a new Prometheus middleware
func NewPrometheusMiddleware(m *metrics.Metrics) *PrometheusMiddleware {
	return &PrometheusMiddleware{
		metrics: m,
	}
}

// Handler returns the Gin middleware handler
func (p *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p.metrics.RequestsInFlight.Inc()
		defer p.metrics.RequestsInFlight.Dec()

		start := time.Now()

		c.Next()

		duration := time.Since(start)
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		p.metrics.RequestsTotal.WithLabelValues(
			c.Request.Method, path, statusLabel(c.Writer.Status())).Inc()
		p.metrics.RequestDuration.WithLabelValues(
			c.Request.Method, path).Observe(duration.Seconds())
	}
}

// MetricsHandler returns the Prometheus scrape endpoint handler
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(metrics.Handler())
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return strconv.Itoa(statusCode)
	}
}
