package models

import "github.com/shopspring/decimal"

// PaymentCreateRequest represents a merchant request to start a payment
type PaymentCreateRequest struct {
	BuyOrder     string          `json:"buy_order" binding:"required"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency" binding:"required"`
	PaymentType  PaymentType     `json:"payment_type"`
	CommerceID   string          `json:"commerce_id"`
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	CustomerRUT  string          `json:"customer_rut"`
	ReturnURL    string          `json:"return_url"`
	SuccessURL   string          `json:"success_url"`
	FailureURL   string          `json:"failure_url"`
	CancelURL    string          `json:"cancel_url"`
	CompanyID    int64           `json:"company_id" binding:"required"`
	CompanyToken string          `json:"company_token" binding:"required"`
	Provider     string          `json:"provider"` // optional override of the configured default
	Context      JSONB           `json:"context"`
}

// RedirectInfo tells the merchant how to send the shopper to the provider.
// The bank-redirect provider expects a POST with token_ws; hosted checkout
// and wallet providers use a plain GET.
type RedirectInfo struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	FormFields map[string]string `json:"form_fields,omitempty"`
	Token      string            `json:"token"`
}

// PaymentCreateResponse represents the response to a create request
type PaymentCreateResponse struct {
	ID       int64         `json:"id"`
	Status   PaymentStatus `json:"status"`
	Redirect RedirectInfo  `json:"redirect"`
	Token    string        `json:"token"`
	BuyOrder string        `json:"buy_order"`
}

// RefundRequest represents a merchant refund request
type RefundRequest struct {
	Token        string           `json:"token" binding:"required"`
	Amount       *decimal.Decimal `json:"amount"`
	CompanyID    int64            `json:"company_id" binding:"required"`
	CompanyToken string           `json:"company_token" binding:"required"`
	Reason       string           `json:"reason"`
}

// RefundResponse represents the response to a refund request
type RefundResponse struct {
	PaymentID        int64           `json:"payment_id"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	RefundStatus     RefundStatus    `json:"refund_status"`
	Amount           decimal.Decimal `json:"amount"`
	ProviderRefundID string          `json:"provider_refund_id,omitempty"`
}

// ReturnResult carries the outcome of a shopper-return callback to the
// HTTP layer, which decides between a 303 redirect and a JSON body.
type ReturnResult struct {
	Status      PaymentStatus `json:"status"`
	BuyOrder    string        `json:"buy_order,omitempty"`
	Token       string        `json:"token,omitempty"`
	RedirectURL string        `json:"-"`
}

// HealthMetricsResponse represents the operational snapshot served by the
// metrics endpoint
type HealthMetricsResponse struct {
	Status            string           `json:"status"`
	UptimeSeconds     int64            `json:"uptime_seconds"`
	DBConnected       bool             `json:"db_connected"`
	StatusCounts      map[string]int64 `json:"status_counts"`
	PendingByProvider map[string]int64 `json:"pending_by_provider"`
	VolumeLast24h     decimal.Decimal  `json:"volume_last_24h"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}
