package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/refund"

	"payment-gateway/internal/config"
	"payment-gateway/internal/models"
	"payment-gateway/internal/money"
)

// ============================================================================
// Stripe Checkout Gateway
// ============================================================================

var _ Provider = (*StripeProvider)(nil)

// StripeProvider implements the Provider interface on top of Stripe hosted
// Checkout Sessions. The session id doubles as the payment token.
type StripeProvider struct {
	secretKey string
	events    *EventLogger
}

// NewStripeProvider creates a Stripe Checkout adapter.
func NewStripeProvider(cfg *config.Config, events *EventLogger) (*StripeProvider, error) {
	if cfg.StripeSecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	return &StripeProvider{
		secretKey: cfg.StripeSecretKey,
		events:    events,
	}, nil
}

func (p *StripeProvider) Name() models.Provider { return models.ProviderStripe }

// Create opens a Checkout Session in payment mode with a single line item
// named after the buy order.
func (p *StripeProvider) Create(ctx context.Context, payment *models.Payment, returnURL string) (*CreateResult, error) {
	stripe.Key = p.secretKey

	unitAmount := money.ToMinorUnits(payment.Amount, payment.Currency)

	successURL := payment.SuccessURL
	if successURL == "" {
		successURL = returnURL
	}
	cancelURL := payment.CancelURL
	if cancelURL == "" {
		cancelURL = returnURL
	}

	metadata := map[string]string{
		"buy_order": payment.BuyOrder,
	}
	if payment.CompanyID != 0 {
		metadata["company_id"] = fmt.Sprintf("%d", payment.CompanyID)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(payment.Currency)),
					UnitAmount: stripe.Int64(unitAmount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(payment.BuyOrder),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
	}
	params.Context = ctx

	started := time.Now()
	sess, err := session.New(params)
	p.recordCall(ctx, models.OperationCreate, "", "/v1/checkout/sessions", map[string]interface{}{
		"buy_order":   payment.BuyOrder,
		"currency":    payment.Currency,
		"unit_amount": unitAmount,
	}, sessionSummary(sess), started, err)
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe checkout session: %w", err)
	}
	if sess.URL == "" || sess.ID == "" {
		return nil, fmt.Errorf("stripe session response missing id or url")
	}

	payment.ProviderMetadata = payment.ProviderMetadata.MergedWith(models.JSONB{
		"checkout_session_id": sess.ID,
		"buy_order":           payment.BuyOrder,
	})

	return &CreateResult{RedirectURL: sess.URL, Token: sess.ID}, nil
}

// Commit retrieves the session with its payment intent expanded and maps
// the pair onto a response code.
func (p *StripeProvider) Commit(ctx context.Context, token string) (*CommitResult, error) {
	sess, err := p.retrieveSession(ctx, models.OperationCommit, token)
	if err != nil {
		return nil, err
	}

	pi := sess.PaymentIntent
	responseCode := -1
	if (pi != nil && pi.Status == stripe.PaymentIntentStatusSucceeded) || sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		responseCode = 0
	}

	commit := &CommitResult{
		ResponseCode:   responseCode,
		ProviderStatus: string(sess.PaymentStatus),
		Metadata:       models.JSONB{},
	}

	if pi != nil {
		commit.PaymentIntentID = pi.ID
		commit.ProviderStatus = string(pi.Status)
		commit.Metadata["payment_intent_id"] = pi.ID
		commit.Metadata["payment_intent_status"] = string(pi.Status)
		if pi.LatestCharge != nil {
			commit.ChargeID = pi.LatestCharge.ID
		}
	}
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		commit.Metadata["customer_email"] = sess.CustomerDetails.Email
	}

	// Authorization code prefers the balance transaction, then the charge,
	// then the intent id.
	switch {
	case pi != nil && pi.LatestCharge != nil && pi.LatestCharge.BalanceTransaction != nil && pi.LatestCharge.BalanceTransaction.ID != "":
		commit.AuthorizationCode = pi.LatestCharge.BalanceTransaction.ID
	case commit.ChargeID != "":
		commit.AuthorizationCode = commit.ChargeID
	case commit.PaymentIntentID != "":
		commit.AuthorizationCode = commit.PaymentIntentID
	}

	if aux := sessionAuxAmounts(sess); aux != nil {
		commit.AuxAmounts = aux
	}

	return commit, nil
}

// Status reads the session and reports AUTHORIZED once paid, PENDING
// otherwise.
func (p *StripeProvider) Status(ctx context.Context, token string) (*models.PaymentStatus, error) {
	sess, err := p.retrieveSession(ctx, models.OperationStatus, token)
	if err != nil {
		return nil, err
	}

	pi := sess.PaymentIntent
	if (pi != nil && pi.Status == stripe.PaymentIntentStatusSucceeded) || sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		return statusPtr(models.StatusAuthorized), nil
	}
	return statusPtr(models.StatusPending), nil
}

// Refund refunds the session's payment intent. A nil amount refunds the
// full charge.
func (p *StripeProvider) Refund(ctx context.Context, token string, amount *decimal.Decimal) (*RefundResult, error) {
	stripe.Key = p.secretKey

	sess, err := p.retrieveSession(ctx, models.OperationRefund, token)
	if err != nil {
		return nil, err
	}
	if sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
		return &RefundResult{
			OK:     false,
			Status: "NO_PAYMENT_INTENT",
			Error:  "checkout session has no payment intent to refund",
		}, nil
	}

	currency := strings.ToUpper(string(sess.Currency))
	if sess.PaymentIntent.Currency != "" {
		currency = strings.ToUpper(string(sess.PaymentIntent.Currency))
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(sess.PaymentIntent.ID),
	}
	params.Context = ctx
	if amount != nil {
		params.Amount = stripe.Int64(money.ToMinorUnits(*amount, currency))
	}

	started := time.Now()
	r, err := refund.New(params)
	p.recordCall(ctx, models.OperationRefund, token, "/v1/refunds", map[string]interface{}{
		"payment_intent": sess.PaymentIntent.ID,
	}, refundSummary(r), started, err)
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe refund: %w", err)
	}

	ok := r.Status == stripe.RefundStatusSucceeded || r.Status == stripe.RefundStatusPending
	result := &RefundResult{
		OK:               ok,
		Amount:           money.FromMinorUnits(r.Amount, currency),
		ProviderRefundID: r.ID,
		Status:           string(r.Status),
		Payload: models.JSONB{
			"id":     r.ID,
			"status": string(r.Status),
			"amount": r.Amount,
		},
	}
	if !ok {
		result.Error = fmt.Sprintf("stripe refund ended in status %q", r.Status)
	}
	return result, nil
}

// retrieveSession fetches the checkout session with the payment intent
// expanded and records the call.
func (p *StripeProvider) retrieveSession(ctx context.Context, op models.Operation, token string) (*stripe.CheckoutSession, error) {
	stripe.Key = p.secretKey

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")

	started := time.Now()
	sess, err := session.Get(token, params)
	p.recordCall(ctx, op, token, "/v1/checkout/sessions/"+token, nil, sessionSummary(sess), started, err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve stripe checkout session: %w", err)
	}
	return sess, nil
}

// recordCall logs one SDK roundtrip as a provider event. The SDK owns the
// transport, so snapshots carry call summaries rather than raw bodies.
func (p *StripeProvider) recordCall(ctx context.Context, op models.Operation, token, path string, request, response map[string]interface{}, started time.Time, err error) {
	call := OutboundCall{
		Provider:  models.ProviderStripe,
		Operation: op,
		Token:     token,
		URL:       path,
		Err:       err,
		StartedAt: started,
	}
	if request != nil {
		if raw, marshalErr := json.Marshal(request); marshalErr == nil {
			call.RequestBody = string(raw)
		}
	}
	if response != nil {
		if raw, marshalErr := json.Marshal(response); marshalErr == nil {
			call.ResponseBody = string(raw)
		}
	}
	p.events.Record(ctx, call)
}

func sessionSummary(sess *stripe.CheckoutSession) map[string]interface{} {
	if sess == nil {
		return nil
	}
	summary := map[string]interface{}{
		"id":             sess.ID,
		"status":         string(sess.Status),
		"payment_status": string(sess.PaymentStatus),
	}
	if sess.PaymentIntent != nil {
		summary["payment_intent_id"] = sess.PaymentIntent.ID
		summary["payment_intent_status"] = string(sess.PaymentIntent.Status)
	}
	return summary
}

func refundSummary(r *stripe.Refund) map[string]interface{} {
	if r == nil {
		return nil
	}
	return map[string]interface{}{
		"id":     r.ID,
		"status": string(r.Status),
		"amount": r.Amount,
	}
}

// sessionAuxAmounts extracts the checkout amount breakdown when Stripe
// reports one.
func sessionAuxAmounts(sess *stripe.CheckoutSession) *AuxAmounts {
	if sess == nil || sess.TotalDetails == nil {
		return nil
	}
	currency := strings.ToUpper(string(sess.Currency))
	aux := &AuxAmounts{
		Subtotal: money.FromMinorUnits(sess.AmountSubtotal, currency),
		Tax:      money.FromMinorUnits(sess.TotalDetails.AmountTax, currency),
		Shipping: money.FromMinorUnits(sess.TotalDetails.AmountShipping, currency),
		Discount: money.FromMinorUnits(sess.TotalDetails.AmountDiscount, currency),
		Currency: currency,
	}
	if aux.Subtotal.IsZero() && aux.Tax.IsZero() && aux.Shipping.IsZero() && aux.Discount.IsZero() {
		return nil
	}
	return aux
}
