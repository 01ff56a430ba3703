package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"payment-gateway/internal/models"
	"payment-gateway/internal/services"
)

// WebhookHandler handles provider webhook endpoints
type WebhookHandler struct {
	service *services.WebhookService
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(service *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		service: service,
	}
}

// HandleStripeWebhook handles POST /api/payments/stripe/webhook
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Missing signature",
			Message: "Stripe-Signature header is required",
		})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Failed to read request body",
			Message: err.Error(),
		})
		return
	}

	if err := h.service.ProcessStripeWebhook(c.Request.Context(), body, signature, c.Request.Header); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Webhook processed successfully",
	})
}

// HandlePayPalWebhook handles POST /api/payments/paypal/webhook
func (h *WebhookHandler) HandlePayPalWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Failed to read request body",
			Message: err.Error(),
		})
		return
	}

	if err := h.service.ProcessPayPalWebhook(c.Request.Context(), body, c.Request.Header); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Webhook processed successfully",
	})
}
