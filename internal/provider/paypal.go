package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"payment-gateway/internal/config"
	"payment-gateway/internal/models"
	"payment-gateway/internal/money"
)

// ============================================================================
// PayPal Checkout Gateway (Orders v2)
// ============================================================================

var _ Provider = (*PayPalProvider)(nil)

// PayPalProvider implements the Provider interface against the PayPal
// Orders v2 API. The order id doubles as the payment token.
type PayPalProvider struct {
	clientID     string
	clientSecret string
	baseURL      string
	webhookID    string
	httpClient   *http.Client
	events       *EventLogger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalProvider creates a PayPal Checkout adapter.
func NewPayPalProvider(cfg *config.Config, events *EventLogger) (*PayPalProvider, error) {
	if cfg.PayPalClientID == "" || cfg.PayPalClientSecret == "" {
		return nil, fmt.Errorf("PayPal client ID and secret are required")
	}

	return &PayPalProvider{
		clientID:     cfg.PayPalClientID,
		clientSecret: cfg.PayPalClientSecret,
		baseURL:      cfg.PayPalBaseURL,
		webhookID:    cfg.PayPalWebhookID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		events: events,
	}, nil
}

func (p *PayPalProvider) Name() models.Provider { return models.ProviderPayPal }

// getAccessToken obtains an OAuth2 access token, reusing the cached one
// while it is still valid.
func (p *PayPalProvider) getAccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	url := p.baseURL + "/v1/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}

	auth := base64.StdEncoding.EncodeToString([]byte(p.clientID + ":" + p.clientSecret))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("failed to get access token: %s - %s", resp.Status, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	// Cache with a buffer so a token is never used right at expiry.
	p.accessToken = tokenResp.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-60) * time.Second)

	return p.accessToken, nil
}

// PayPal Orders v2 API types
type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalPurchaseUnitRequest struct {
	ReferenceID string       `json:"reference_id,omitempty"`
	Amount      paypalAmount `json:"amount"`
}

type paypalAppContext struct {
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
	UserAction string `json:"user_action,omitempty"`
}

type paypalOrderRequest struct {
	Intent             string                      `json:"intent"`
	PurchaseUnits      []paypalPurchaseUnitRequest `json:"purchase_units"`
	ApplicationContext *paypalAppContext           `json:"application_context,omitempty"`
}

type paypalLink struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type paypalReceivableBreakdown struct {
	GrossAmount paypalAmount `json:"gross_amount"`
	PayPalFee   paypalAmount `json:"paypal_fee"`
	NetAmount   paypalAmount `json:"net_amount"`
}

type paypalCapture struct {
	ID                        string                     `json:"id"`
	Status                    string                     `json:"status"`
	Amount                    paypalAmount               `json:"amount"`
	SellerReceivableBreakdown *paypalReceivableBreakdown `json:"seller_receivable_breakdown,omitempty"`
	CreateTime                string                     `json:"create_time"`
	UpdateTime                string                     `json:"update_time"`
}

type paypalPurchaseUnit struct {
	ReferenceID string       `json:"reference_id"`
	Amount      paypalAmount `json:"amount"`
	Payments    struct {
		Captures []paypalCapture `json:"captures"`
	} `json:"payments"`
}

type paypalOrderResponse struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	Links         []paypalLink         `json:"links"`
	PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
	Payer         struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
}

type paypalRefundResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Amount paypalAmount `json:"amount"`
}

// doJSON performs one authenticated PayPal call and records it as a
// provider event. HTTP statuses >= 400 come back as an error alongside the
// body so callers can downgrade coded failures.
func (p *PayPalProvider) doJSON(ctx context.Context, op models.Operation, method, path, token string, payload interface{}) ([]byte, int, error) {
	accessToken, err := p.getAccessToken(ctx)
	if err != nil {
		return nil, 0, err
	}

	var reqBody []byte
	if payload != nil {
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal PayPal request: %w", err)
		}
	}

	url := p.baseURL + path
	var reader io.Reader
	if reqBody != nil {
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create PayPal request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.events.Record(ctx, OutboundCall{
			Provider:       models.ProviderPayPal,
			Operation:      op,
			Token:          token,
			URL:            url,
			RequestHeaders: flattenHeaders(req.Header),
			RequestBody:    string(reqBody),
			Err:            err,
			StartedAt:      started,
		})
		return nil, 0, fmt.Errorf("PayPal request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	p.events.Record(ctx, OutboundCall{
		Provider:        models.ProviderPayPal,
		Operation:       op,
		Token:           token,
		URL:             url,
		RequestHeaders:  flattenHeaders(req.Header),
		RequestBody:     string(reqBody),
		ResponseStatus:  resp.StatusCode,
		ResponseHeaders: flattenHeaders(resp.Header),
		ResponseBody:    string(body),
		StartedAt:       started,
	})

	if resp.StatusCode >= 400 {
		return body, resp.StatusCode, fmt.Errorf("PayPal call failed: %s - %s", resp.Status, string(body))
	}
	return body, resp.StatusCode, nil
}

// Create opens a CAPTURE-intent order and returns the approve link. A
// response without an approve link is a hard failure.
func (p *PayPalProvider) Create(ctx context.Context, payment *models.Payment, returnURL string) (*CreateResult, error) {
	cancelURL := payment.CancelURL
	if cancelURL == "" {
		cancelURL = returnURL
	}

	orderReq := paypalOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []paypalPurchaseUnitRequest{
			{
				ReferenceID: payment.BuyOrder,
				Amount: paypalAmount{
					CurrencyCode: strings.ToUpper(payment.Currency),
					Value:        money.FormatAmount(payment.Amount, payment.Currency),
				},
			},
		},
		ApplicationContext: &paypalAppContext{
			ReturnURL:  returnURL,
			CancelURL:  cancelURL,
			UserAction: "PAY_NOW",
		},
	}

	body, _, err := p.doJSON(ctx, models.OperationCreate, http.MethodPost, "/v2/checkout/orders", "", orderReq)
	if err != nil {
		return nil, err
	}

	var order paypalOrderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("PayPal order response missing id")
	}

	var approveURL string
	for _, link := range order.Links {
		if link.Rel == "approve" {
			approveURL = link.Href
			break
		}
	}
	if approveURL == "" {
		return nil, fmt.Errorf("PayPal approve URL not found")
	}

	payment.ProviderMetadata = payment.ProviderMetadata.MergedWith(models.JSONB{
		"paypal_order_id": order.ID,
		"buy_order":       payment.BuyOrder,
	})

	return &CreateResult{RedirectURL: approveURL, Token: order.ID}, nil
}

// Commit captures the approved order. PayPal rejections come back as HTTP
// errors and map to a failed response code rather than a transport error.
func (p *PayPalProvider) Commit(ctx context.Context, token string) (*CommitResult, error) {
	body, status, err := p.doJSON(ctx, models.OperationCommit, http.MethodPost, "/v2/checkout/orders/"+token+"/capture", token, map[string]interface{}{})
	if err != nil {
		if status >= 400 {
			return &CommitResult{ResponseCode: -1, ProviderStatus: capturedStatus(body)}, nil
		}
		return nil, err
	}

	var order paypalOrderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to decode capture response: %w", err)
	}

	responseCode := -1
	if order.Status == "COMPLETED" {
		responseCode = 0
	}

	commit := &CommitResult{
		ResponseCode:   responseCode,
		ProviderStatus: order.Status,
		Metadata: models.JSONB{
			"paypal_order_id": order.ID,
			"paypal_status":   order.Status,
		},
	}
	if order.Payer.EmailAddress != "" {
		commit.Metadata["payer_email"] = order.Payer.EmailAddress
	}

	if capture := latestCapture(&order, ""); capture != nil {
		commit.ChargeID = capture.ID
		commit.AuthorizationCode = capture.ID
		commit.Metadata["paypal_capture_id"] = capture.ID
		if capture.SellerReceivableBreakdown != nil {
			commit.Deposit = breakdownToDeposit(capture)
		}
	}
	if commit.AuthorizationCode == "" {
		commit.AuthorizationCode = order.ID
	}

	return commit, nil
}

// Status reads the order without side effects.
func (p *PayPalProvider) Status(ctx context.Context, token string) (*models.PaymentStatus, error) {
	body, _, err := p.doJSON(ctx, models.OperationStatus, http.MethodGet, "/v2/checkout/orders/"+token, token, nil)
	if err != nil {
		return nil, err
	}

	var order paypalOrderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}

	return mapPayPalOrderStatus(&order), nil
}

// Refund refunds the latest completed capture of the order. A nil amount
// refunds the capture in full.
func (p *PayPalProvider) Refund(ctx context.Context, token string, amount *decimal.Decimal) (*RefundResult, error) {
	body, _, err := p.doJSON(ctx, models.OperationStatus, http.MethodGet, "/v2/checkout/orders/"+token, token, nil)
	if err != nil {
		return nil, err
	}

	var order paypalOrderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}

	capture := latestCapture(&order, "COMPLETED")
	if capture == nil {
		return &RefundResult{
			OK:     false,
			Status: "NO_CAPTURES",
			Error:  "order has no completed capture to refund",
		}, nil
	}

	var payload interface{} = map[string]interface{}{}
	currency := capture.Amount.CurrencyCode
	if amount != nil {
		payload = map[string]interface{}{
			"amount": paypalAmount{
				CurrencyCode: currency,
				Value:        money.FormatAmount(*amount, currency),
			},
		}
	}

	body, _, err = p.doJSON(ctx, models.OperationRefund, http.MethodPost, "/v2/payments/captures/"+capture.ID+"/refund", token, payload)
	if err != nil {
		return nil, err
	}

	var refundResp paypalRefundResponse
	if err := json.Unmarshal(body, &refundResp); err != nil {
		return nil, fmt.Errorf("failed to decode refund response: %w", err)
	}

	ok := refundResp.Status == "COMPLETED" || refundResp.Status == "PENDING"

	refunded := decimal.Zero
	if amount != nil {
		refunded = *amount
	}
	if refundResp.Amount.Value != "" {
		if parsed, parseErr := decimal.NewFromString(refundResp.Amount.Value); parseErr == nil {
			refunded = parsed
		}
	}

	result := &RefundResult{
		OK:               ok,
		Amount:           refunded,
		ProviderRefundID: refundResp.ID,
		Status:           refundResp.Status,
		Payload: models.JSONB{
			"id":         refundResp.ID,
			"status":     refundResp.Status,
			"capture_id": capture.ID,
			"amount":     refundResp.Amount.Value,
			"currency":   refundResp.Amount.CurrencyCode,
		},
	}
	if !ok {
		result.Error = fmt.Sprintf("PayPal refund ended in status %q", refundResp.Status)
	}
	return result, nil
}

// paypalVerifyRequest is the verify-webhook-signature API body.
type paypalVerifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// VerifyWebhook checks an inbound webhook against PayPal's
// verify-webhook-signature API. It returns true only when PayPal answers
// verification_status SUCCESS.
func (p *PayPalProvider) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) (bool, error) {
	if p.webhookID == "" {
		return false, fmt.Errorf("PayPal webhook id not configured")
	}

	verifyReq := paypalVerifyRequest{
		AuthAlgo:         headers.Get("Paypal-Auth-Algo"),
		CertURL:          headers.Get("Paypal-Cert-Url"),
		TransmissionID:   headers.Get("Paypal-Transmission-Id"),
		TransmissionSig:  headers.Get("Paypal-Transmission-Sig"),
		TransmissionTime: headers.Get("Paypal-Transmission-Time"),
		WebhookID:        p.webhookID,
		WebhookEvent:     json.RawMessage(body),
	}

	respBody, _, err := p.doJSON(ctx, models.OperationStatus, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", verifyReq)
	if err != nil {
		return false, err
	}

	var verifyResp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.Unmarshal(respBody, &verifyResp); err != nil {
		return false, fmt.Errorf("failed to decode verification response: %w", err)
	}

	return verifyResp.VerificationStatus == "SUCCESS", nil
}

// latestCapture returns the most recent capture across purchase units,
// optionally restricted to one status. Recency follows update_time, then
// create_time, then position.
func latestCapture(order *paypalOrderResponse, status string) *paypalCapture {
	var latest *paypalCapture
	var latestKey string
	for i := range order.PurchaseUnits {
		captures := order.PurchaseUnits[i].Payments.Captures
		for j := range captures {
			capture := &captures[j]
			if status != "" && capture.Status != status {
				continue
			}
			key := capture.UpdateTime
			if key == "" {
				key = capture.CreateTime
			}
			if latest == nil || key >= latestKey {
				latest = capture
				latestKey = key
			}
		}
	}
	return latest
}

func breakdownToDeposit(capture *paypalCapture) *DepositInfo {
	breakdown := capture.SellerReceivableBreakdown
	deposit := &DepositInfo{
		CaptureID: capture.ID,
		Currency:  breakdown.GrossAmount.CurrencyCode,
	}
	if v, err := decimal.NewFromString(breakdown.GrossAmount.Value); err == nil {
		deposit.GrossAmount = v
	}
	if v, err := decimal.NewFromString(breakdown.PayPalFee.Value); err == nil {
		deposit.ProviderFee = v
	}
	if v, err := decimal.NewFromString(breakdown.NetAmount.Value); err == nil {
		deposit.NetAmount = v
	}
	return deposit
}

// capturedStatus pulls the status field out of an error body when PayPal
// rejects a capture with a structured response.
func capturedStatus(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var resp struct {
		Status string `json:"status"`
		Name   string `json:"name"`
	}
	if json.Unmarshal(body, &resp) != nil {
		return ""
	}
	if resp.Status != "" {
		return resp.Status
	}
	return resp.Name
}

// mapPayPalOrderStatus maps an order plus its captures onto a local
// status. Refunded captures win over the order status.
func mapPayPalOrderStatus(order *paypalOrderResponse) *models.PaymentStatus {
	for i := range order.PurchaseUnits {
		for _, capture := range order.PurchaseUnits[i].Payments.Captures {
			if capture.Status == "REFUNDED" || capture.Status == "PARTIALLY_REFUNDED" {
				return statusPtr(models.StatusRefunded)
			}
		}
	}

	switch order.Status {
	case "COMPLETED":
		return statusPtr(models.StatusAuthorized)
	case "VOIDED", "CANCELLED":
		return statusPtr(models.StatusCanceled)
	default:
		return statusPtr(models.StatusPending)
	}
}
