// Package middleware provides the Gin HTTP middleware of the audit service:
// request/response logging with correlation and redaction, request ids,
// Prometheus metrics, rate limiting and query-API authentication.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/auditcore/auditcore/internal/telemetry"
)

// noRoute labels requests that matched no route, keeping unknown paths out of
// the label set.
const noRoute = "<no-route>"

// MetricsMiddleware observes http_requests_total and
// http_request_duration_seconds, labelled by the matched route template.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = noRoute
		}
		status := strconv.Itoa(c.Writer.Status())
		telemetry.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())
	}
}
