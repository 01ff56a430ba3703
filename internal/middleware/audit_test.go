package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"payment-gateway/internal/metrics"
)

func TestRequestLoggerFeedsHTTPMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := metrics.New("audit_test")
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	router := gin.New()
	router.Use(RequestLogger(logger, m))
	router.GET("/ping", func(c *gin.Context) {
		// The gauge covers the request while the handler runs.
		assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsInFlight))
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.HTTPRequestsInFlight))
	counter := m.HTTPRequestsTotal.WithLabelValues("GET", "/ping", "2xx")
	assert.Equal(t, 1.0, testutil.ToFloat64(counter))
}

func TestRequestLoggerWithoutMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	router := gin.New()
	router.Use(RequestLogger(logger, nil))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
