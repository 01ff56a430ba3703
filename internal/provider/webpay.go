package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payment-gateway/internal/config"
	"payment-gateway/internal/models"
	"payment-gateway/internal/money"
)

// ============================================================================
// Webpay Plus Gateway (Transbank, Chile)
// ============================================================================

var _ Provider = (*WebpayProvider)(nil)

// WebpayProvider implements the Provider interface against the Transbank
// Webpay Plus REST API (bank-redirect flow, integer CLP amounts).
type WebpayProvider struct {
	apiKeyID     string
	apiKeySecret string
	host         string
	apiBase      string
	httpClient   *http.Client
	events       *EventLogger
}

// NewWebpayProvider creates a Webpay Plus adapter from the gateway config.
func NewWebpayProvider(cfg *config.Config, events *EventLogger) *WebpayProvider {
	return &WebpayProvider{
		apiKeyID:     cfg.TbkAPIKeyID,
		apiKeySecret: cfg.TbkAPIKeySecret,
		host:         cfg.TbkHost,
		apiBase:      cfg.TbkAPIBase,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		events: events,
	}
}

func (p *WebpayProvider) Name() models.Provider { return models.ProviderWebpay }

// Webpay REST API types
type webpayCreateRequest struct {
	BuyOrder  string `json:"buy_order"`
	SessionID string `json:"session_id"`
	Amount    int64  `json:"amount"`
	ReturnURL string `json:"return_url"`
}

type webpayCreateResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

type webpayCardDetail struct {
	CardNumber string `json:"card_number"`
}

type webpayTransactionResponse struct {
	VCI                string            `json:"vci"`
	Amount             decimal.Decimal   `json:"amount"`
	Status             string            `json:"status"`
	BuyOrder           string            `json:"buy_order"`
	SessionID          string            `json:"session_id"`
	CardDetail         *webpayCardDetail `json:"card_detail"`
	AccountingDate     string            `json:"accounting_date"`
	TransactionDate    string            `json:"transaction_date"`
	AuthorizationCode  string            `json:"authorization_code"`
	PaymentTypeCode    string            `json:"payment_type_code"`
	ResponseCode       *int              `json:"response_code"`
	InstallmentsNumber int               `json:"installments_number"`
	InstallmentsAmount decimal.Decimal   `json:"installments_amount"`
}

type webpayRefundRequest struct {
	Amount int64 `json:"amount"`
}

type webpayRefundResponse struct {
	Type              string          `json:"type"`
	AuthorizationCode string          `json:"authorization_code"`
	ResponseCode      *int            `json:"response_code"`
	NullifiedAmount   decimal.Decimal `json:"nullified_amount"`
	Balance           decimal.Decimal `json:"balance"`
}

// do performs one Webpay REST call and records it as a provider event.
// The returned body is the raw response; HTTP statuses >= 400 come back as
// an error alongside the body so callers can inspect coded rejections.
func (p *WebpayProvider) do(ctx context.Context, op models.Operation, method, path, token string, payload interface{}) ([]byte, error) {
	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal webpay request: %w", err)
		}
	}

	url := p.host + p.apiBase + path
	var reader io.Reader
	if reqBody != nil {
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create webpay request: %w", err)
	}
	req.Header.Set("Tbk-Api-Key-Id", p.apiKeyID)
	req.Header.Set("Tbk-Api-Key-Secret", p.apiKeySecret)
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.events.Record(ctx, OutboundCall{
			Provider:       models.ProviderWebpay,
			Operation:      op,
			Token:          token,
			URL:            url,
			RequestHeaders: flattenHeaders(req.Header),
			RequestBody:    string(reqBody),
			Err:            err,
			StartedAt:      started,
		})
		return nil, fmt.Errorf("webpay request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	p.events.Record(ctx, OutboundCall{
		Provider:        models.ProviderWebpay,
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
		return body, fmt.Errorf("webpay call failed: %s - %s", resp.Status, string(body))
	}
	return body, nil
}

// Create starts a Webpay Plus transaction and returns the bank redirect.
// The shopper is sent to the returned URL with the token posted as token_ws.
func (p *WebpayProvider) Create(ctx context.Context, payment *models.Payment, returnURL string) (*CreateResult, error) {
	amount := money.ToMinorUnits(payment.Amount, payment.Currency)

	sessionID := uuid.NewString()
	if payment.ID != 0 {
		sessionID = strconv.FormatInt(payment.ID, 10)
	}

	body, err := p.do(ctx, models.OperationCreate, http.MethodPost, "/transactions", "", webpayCreateRequest{
		BuyOrder:  payment.BuyOrder,
		SessionID: sessionID,
		Amount:    amount,
		ReturnURL: returnURL,
	})
	if err != nil {
		return nil, err
	}

	var created webpayCreateResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("failed to decode webpay create response: %w", err)
	}
	if created.Token == "" || created.URL == "" {
		return nil, fmt.Errorf("webpay create response missing token or url")
	}

	payment.ProviderMetadata = payment.ProviderMetadata.MergedWith(models.JSONB{
		"session_id": sessionID,
		"buy_order":  payment.BuyOrder,
	})

	return &CreateResult{RedirectURL: created.URL, Token: created.Token}, nil
}

// Commit finalizes the transaction after the shopper returns from the bank.
// A coded rejection from Webpay is surfaced as the response code, never as
// a transport error.
func (p *WebpayProvider) Commit(ctx context.Context, token string) (*CommitResult, error) {
	body, err := p.do(ctx, models.OperationCommit, http.MethodPut, "/transactions/"+token, token, nil)
	if err != nil {
		// Rejected commits can come back as HTTP errors carrying a
		// response_code in the body.
		var rejected webpayTransactionResponse
		if len(body) > 0 && json.Unmarshal(body, &rejected) == nil && rejected.ResponseCode != nil {
			return &CommitResult{
				ResponseCode:   *rejected.ResponseCode,
				ProviderStatus: rejected.Status,
			}, nil
		}
		return nil, err
	}

	var result webpayTransactionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode webpay commit response: %w", err)
	}

	return p.buildCommitResult(&result), nil
}

func (p *WebpayProvider) buildCommitResult(result *webpayTransactionResponse) *CommitResult {
	responseCode := -1
	if result.ResponseCode != nil {
		responseCode = *result.ResponseCode
	}

	commit := &CommitResult{
		ResponseCode:      responseCode,
		AuthorizationCode: result.AuthorizationCode,
		ProviderStatus:    result.Status,
		Metadata: models.JSONB{
			"vci":              result.VCI,
			"accounting_date":  result.AccountingDate,
			"transaction_date": result.TransactionDate,
		},
	}

	if result.PaymentTypeCode != "" || result.InstallmentsNumber > 0 {
		contract := &ContractInfo{
			PaymentTypeCode:    result.PaymentTypeCode,
			InstallmentsNumber: result.InstallmentsNumber,
			InstallmentsAmount: result.InstallmentsAmount,
		}
		if result.CardDetail != nil {
			contract.CardLastFour = lastFour(result.CardDetail.CardNumber)
		}
		commit.Contract = contract
	}

	return commit
}

// Status reads the transaction without side effects.
func (p *WebpayProvider) Status(ctx context.Context, token string) (*models.PaymentStatus, error) {
	body, err := p.do(ctx, models.OperationStatus, http.MethodGet, "/transactions/"+token, token, nil)
	if err != nil {
		// Status reads are best effort; an unknown or expired token maps
		// to no local status.
		return nil, nil
	}

	var result webpayTransactionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, nil
	}

	return mapWebpayStatus(result.Status), nil
}

// Refund reverses or nullifies the transaction. Webpay requires an explicit
// positive amount; callers default it to the full payment amount.
func (p *WebpayProvider) Refund(ctx context.Context, token string, amount *decimal.Decimal) (*RefundResult, error) {
	if amount == nil || !amount.IsPositive() {
		return &RefundResult{
			OK:     false,
			Status: "INVALID_AMOUNT",
			Error:  "refund amount must be positive",
		}, nil
	}

	minor := money.ToMinorUnits(*amount, "CLP")

	body, err := p.do(ctx, models.OperationRefund, http.MethodPost, "/transactions/"+token+"/refunds", token, webpayRefundRequest{Amount: minor})
	if err != nil {
		return nil, err
	}

	var result webpayRefundResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode webpay refund response: %w", err)
	}

	ok := result.Type == "REVERSED" || result.Type == "NULLIFIED"
	if result.ResponseCode != nil && *result.ResponseCode == 0 {
		ok = true
	}

	refunded := *amount
	if !result.NullifiedAmount.IsZero() {
		refunded = result.NullifiedAmount
	}

	refund := &RefundResult{
		OK:               ok,
		Amount:           refunded,
		ProviderRefundID: result.AuthorizationCode,
		Status:           result.Type,
		Payload: models.JSONB{
			"type":               result.Type,
			"authorization_code": result.AuthorizationCode,
			"nullified_amount":   result.NullifiedAmount.String(),
			"balance":            result.Balance.String(),
		},
	}
	if result.ResponseCode != nil {
		refund.Payload["response_code"] = *result.ResponseCode
	}
	if !ok {
		refund.Error = fmt.Sprintf("webpay refund rejected with type %q", result.Type)
	}
	return refund, nil
}

// mapWebpayStatus maps Transbank status strings onto local payment
// statuses. Unknown strings map to nil.
func mapWebpayStatus(status string) *models.PaymentStatus {
	switch strings.ToUpper(status) {
	case "AUTHORIZED":
		return statusPtr(models.StatusAuthorized)
	case "FAILED":
		return statusPtr(models.StatusFailed)
	case "REVERSED", "NULLIFIED":
		return statusPtr(models.StatusRefunded)
	case "INITIALIZED":
		return statusPtr(models.StatusPending)
	default:
		return nil
	}
}

func lastFour(cardNumber string) string {
	if len(cardNumber) <= 4 {
		return cardNumber
	}
	return cardNumber[len(cardNumber)-4:]
}
