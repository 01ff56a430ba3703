package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"payment-gateway/internal/apperrors"
	"payment-gateway/internal/models"
	"payment-gateway/internal/repository"
	"payment-gateway/internal/services"
)

// PaymentHandler handles the merchant-facing payment endpoints
type PaymentHandler struct {
	service *services.PaymentService
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(service *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		service: service,
	}
}

// Create handles POST /api/payments
func (h *PaymentHandler) Create(c *gin.Context) {
	var req models.PaymentCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	idempotencyKey := c.GetHeader("Idempotency-Key")

	response, err := h.service.Create(c.Request.Context(), &req, idempotencyKey)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, response)
}

// List handles GET /api/payments
func (h *PaymentHandler) List(c *gin.Context) {
	filters := repository.ListFilters{
		Provider: c.Query("provider"),
		Status:   models.PaymentStatus(strings.ToUpper(c.Query("status"))),
		Token:    c.Query("token"),
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error:   "Invalid request",
				Message: "limit must be a non-negative integer",
			})
			return
		}
		filters.Limit = limit
	}

	start, err := parseDateParam(c.Query("start_date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Invalid request",
			Message: "start_date must be RFC3339 or YYYY-MM-DD",
		})
		return
	}
	end, err := parseDateParam(c.Query("end_date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Invalid request",
			Message: "end_date must be RFC3339 or YYYY-MM-DD",
		})
		return
	}
	filters.Start = start
	filters.End = end

	payments, err := h.service.List(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"count":    len(payments),
	})
}

// ReturnCallback handles GET and POST /api/payments/tbk/return. Webpay posts
// token_ws on success and TBK_TOKEN when the shopper aborts at the bank;
// Stripe and PayPal come back on a GET carrying token (plus paypal_cancel
// when the shopper backed out of the wallet).
func (h *PaymentHandler) ReturnCallback(c *gin.Context) {
	tokenWS := returnParam(c, "token_ws")
	abortToken := returnParam(c, "TBK_TOKEN")
	plainToken := returnParam(c, "token")
	paypalCancel := returnParam(c, "paypal_cancel") == "true"

	token := tokenWS
	if token == "" {
		token = plainToken
	}
	if token == "" {
		token = abortToken
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Invalid request",
			Message: "no payment token in callback",
		})
		return
	}

	aborted := (abortToken != "" && tokenWS == "") || paypalCancel

	var payment *models.Payment
	var err error
	if aborted {
		payment, err = h.service.Cancel(c.Request.Context(), token)
	} else {
		payment, err = h.service.Commit(c.Request.Context(), token)
	}

	if err != nil {
		if apperrors.IsNotFound(err) {
			respondError(c, err)
			return
		}
		// The commit failed but the attempt exists; route the shopper to
		// the merchant failure page rather than a bare error body.
		payment, lookupErr := h.service.ByToken(c.Request.Context(), token)
		if lookupErr != nil {
			respondError(c, err)
			return
		}
		h.finishReturn(c, payment, models.ReturnResult{
			Status:   models.StatusFailed,
			BuyOrder: payment.BuyOrder,
			Token:    token,
		})
		return
	}

	h.finishReturn(c, payment, models.ReturnResult{
		Status:   payment.Status,
		BuyOrder: payment.BuyOrder,
		Token:    token,
	})
}

// finishReturn answers the shopper: a 303 to the merchant URL matching the
// outcome, or JSON when the merchant asked for it or configured no URL.
func (h *PaymentHandler) finishReturn(c *gin.Context, payment *models.Payment, result models.ReturnResult) {
	var target string
	switch result.Status {
	case models.StatusAuthorized:
		target = payment.SuccessURL
	case models.StatusCanceled:
		target = payment.CancelURL
	default:
		target = payment.FailureURL
	}

	wantsJSON := returnParam(c, "format") == "json"
	if wantsJSON || target == "" {
		c.JSON(http.StatusOK, result)
		return
	}

	result.RedirectURL = appendReturnParams(target, result)
	c.Redirect(http.StatusSeeOther, result.RedirectURL)
}

// Redirect handles GET /api/payments/redirect
func (h *PaymentHandler) Redirect(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Invalid request",
			Message: "token query parameter is required",
		})
		return
	}

	info, err := h.service.Redirect(c.Request.Context(), token)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

// Pending handles GET /api/payments/pending
func (h *PaymentHandler) Pending(c *gin.Context) {
	payments, err := h.service.Pending(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"count":    len(payments),
	})
}

// Refund handles POST /api/payments/refund
func (h *PaymentHandler) Refund(c *gin.Context) {
	var req models.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	response, err := h.service.Refund(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, response)
}

// respondError maps a service error to its HTTP status and error body.
func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetStatusCode(err), models.ErrorResponse{
		Error:   err.Error(),
		Code:    apperrors.GetCode(err),
		Message: "",
	})
}

// returnParam reads a callback parameter from the query string or, on the
// POST leg, the form body.
func returnParam(c *gin.Context, name string) string {
	if v := c.Query(name); v != "" {
		return v
	}
	return c.PostForm(name)
}

// appendReturnParams adds status and buy_order to the merchant URL.
func appendReturnParams(target string, result models.ReturnResult) string {
	parsed, err := url.Parse(target)
	if err != nil {
		return target
	}
	query := parsed.Query()
	query.Set("status", string(result.Status))
	if result.BuyOrder != "" {
		query.Set("buy_order", result.BuyOrder)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// parseDateParam accepts RFC3339 timestamps or plain YYYY-MM-DD dates.
func parseDateParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
