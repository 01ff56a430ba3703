package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"payment-gateway/internal/models"
	"payment-gateway/internal/repository"
)

// HealthHandler serves the liveness probe and the operational snapshot
type HealthHandler struct {
	store     repository.PaymentStore
	startedAt time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store repository.PaymentStore) *HealthHandler {
	return &HealthHandler{
		store:     store,
		startedAt: time.Now(),
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Metrics handles GET /health/metrics. Store failures degrade individual
// fields; the endpoint itself stays up.
func (h *HealthHandler) Metrics(c *gin.Context) {
	ctx := c.Request.Context()

	response := models.HealthMetricsResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		DBConnected:   h.store.Ping(ctx) == nil,
		VolumeLast24h: decimal.Zero,
	}

	if counts, err := h.store.CountPaymentsByStatus(ctx); err == nil {
		response.StatusCounts = counts
	} else {
		response.StatusCounts = map[string]int64{}
	}
	if pending, err := h.store.CountPendingByProvider(ctx); err == nil {
		response.PendingByProvider = pending
	} else {
		response.PendingByProvider = map[string]int64{}
	}
	if volume, err := h.store.SumVolumeSince(ctx, time.Now().Add(-24*time.Hour)); err == nil {
		response.VolumeLast24h = volume
	}

	if !response.DBConnected {
		response.Status = "degraded"
	}

	c.JSON(http.StatusOK, response)
}
