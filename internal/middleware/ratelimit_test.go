package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestTokenBucketExhausts(t *testing.T) {
	limiter := NewRateLimiter(1, 2)

	assert.True(t, limiter.Allow(nil, "10.0.0.1"))
	assert.True(t, limiter.Allow(nil, "10.0.0.1"))
	assert.False(t, limiter.Allow(nil, "10.0.0.1"))

	// A different key has its own bucket.
	assert.True(t, limiter.Allow(nil, "10.0.0.2"))
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(NewRateLimiter(1, 1)))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestNewPaymentRateLimitsDefaultsToTokenBuckets(t *testing.T) {
	limits := NewPaymentRateLimits(nil)

	assert.IsType(t, &RateLimiter{}, limits.CreatePayment)
	assert.IsType(t, &RateLimiter{}, limits.RefundRequest)
	assert.IsType(t, &RateLimiter{}, limits.APIGeneral)
	assert.IsType(t, &RateLimiter{}, limits.Webhook)
}
