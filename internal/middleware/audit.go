package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"payment-gateway/internal/metrics"
)

// RequestLogger logs every request and feeds the HTTP metrics. Query
// strings are dropped; shopper-return callbacks carry provider tokens.
func RequestLogger(logger *logrus.Logger, m *metrics.Metrics) gin.HandlerFunc {
	entry := logger.WithField("component", "http")

	return func(c *gin.Context) {
		start := time.Now()
		if m != nil {
			m.HTTPRequestsInFlight.Inc()
		}

		c.Next()

		if m != nil {
			m.HTTPRequestsInFlight.Dec()
		}
		duration := time.Since(start)
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if m != nil {
			m.RecordHTTPRequest(c.Request.Method, path, status, duration)
		}

		fields := logrus.Fields{
			"method":      c.Request.Method,
			"path":        path,
			"status":      status,
			"duration_ms": duration.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"request_id":  c.GetString("requestID"),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		switch {
		case status >= 500:
			entry.WithFields(fields).Error("Request failed")
		case status >= 400:
			entry.WithFields(fields).Warn("Request rejected")
		default:
			entry.WithFields(fields).Info("Request handled")
		}
	}
}
