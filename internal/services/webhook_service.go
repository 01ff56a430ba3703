package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"payment-gateway/internal/apperrors"
	"payment-gateway/internal/config"
	"payment-gateway/internal/events"
	"payment-gateway/internal/metrics"
	"payment-gateway/internal/models"
	"payment-gateway/internal/money"
	"payment-gateway/internal/repository"
)

// PayPalVerifier checks an inbound webhook against PayPal's
// verify-webhook-signature API. The PayPal adapter implements it.
type PayPalVerifier interface {
	VerifyWebhook(ctx context.Context, headers http.Header, body []byte) (bool, error)
}

// WebhookService ingests provider webhooks: verify the signature, record the
// event in the inbox (the dedup surface), and route by event type. Once the
// signature checks out and the inbox row is in, handler errors are logged
// and swallowed so the provider never enters a retry storm.
type WebhookService struct {
	store          repository.PaymentStore
	payments       *PaymentService
	cfg            *config.Config
	paypalVerifier PayPalVerifier
	publisher      *events.Publisher
	metrics        *metrics.Metrics
	logger         *logrus.Entry
}

// NewWebhookService creates a new webhook service. paypalVerifier may be nil
// when PayPal is not configured; PayPal webhooks are then rejected.
func NewWebhookService(store repository.PaymentStore, payments *PaymentService, cfg *config.Config, paypalVerifier PayPalVerifier, publisher *events.Publisher, m *metrics.Metrics, logger *logrus.Logger) *WebhookService {
	return &WebhookService{
		store:          store,
		payments:       payments,
		cfg:            cfg,
		paypalVerifier: paypalVerifier,
		publisher:      publisher,
		metrics:        m,
		logger:         logger.WithField("component", "webhook_service"),
	}
}

// ==================== Stripe ====================

// ProcessStripeWebhook verifies the Stripe-Signature header, records the
// event, and dispatches it. Signature failures surface as InvalidInput (400);
// anything after a successful inbox insert resolves to nil so the endpoint
// answers 200.
func (s *WebhookService) ProcessStripeWebhook(ctx context.Context, body []byte, signature string, headers http.Header) error {
	event, err := webhook.ConstructEvent(body, signature, s.cfg.StripeWebhookSecret)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordWebhookEvent(string(models.ProviderStripe), "unknown", "invalid_signature")
		}
		return apperrors.InvalidInput("Invalid webhook")
	}

	fresh, err := s.recordInbox(ctx, models.ProviderStripe, event.ID, string(event.Type), headers, event.Data.Raw)
	if err != nil {
		return apperrors.Transient("failed to record webhook event", err)
	}
	if !fresh {
		s.logger.WithFields(logrus.Fields{
			"provider": models.ProviderStripe,
			"event_id": event.ID,
		}).Info("Webhook already processed, skipping")
		return nil
	}

	s.dispatchStripe(ctx, &event)
	return nil
}

// dispatchStripe routes one verified, fresh Stripe event. Handler errors are
// logged; the inbox row is the retry anchor for the operator.
func (s *WebhookService) dispatchStripe(ctx context.Context, event *stripe.Event) {
	eventType := string(event.Type)
	var err error

	switch {
	case eventType == "checkout.session.expired":
		err = s.handleStripeSessionTerminal(ctx, event.Data.Raw, models.StatusCanceled, "checkout session expired")
	case strings.HasPrefix(eventType, "checkout.session."):
		err = s.handleStripeSessionEvent(ctx, event.Data.Raw)
	case eventType == "charge.refunded" || eventType == "charge.refund.updated" || eventType == "charge.refund.created":
		err = s.handleStripeChargeRefund(ctx, eventType, event.Data.Raw)
	case strings.HasPrefix(eventType, "charge.dispute."):
		err = s.handleStripeDispute(ctx, eventType, event.Data.Raw)
	case eventType == "payment_intent.canceled":
		err = s.handleStripeIntentTerminal(ctx, event.Data.Raw, models.StatusCanceled, "payment intent canceled")
	case eventType == "payment_intent.payment_failed":
		err = s.handleStripeIntentTerminal(ctx, event.Data.Raw, models.StatusFailed, "payment intent failed")
	default:
		s.logger.WithField("event_type", eventType).Debug("Unhandled stripe event type")
	}

	outcome := "processed"
	if err != nil {
		outcome = "error"
		s.logger.WithFields(logrus.Fields{
			"provider":   models.ProviderStripe,
			"event_type": eventType,
		}).WithError(err).Warn("Stripe webhook handler failed")
	}
	if s.metrics != nil {
		s.metrics.RecordWebhookEvent(string(models.ProviderStripe), eventType, outcome)
	}
}

// handleStripeSessionEvent commits the session named by a checkout.session.*
// event. The session id is the payment token.
func (s *WebhookService) handleStripeSessionEvent(ctx context.Context, raw json.RawMessage) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}
	if sess.ID == "" {
		return fmt.Errorf("checkout session event carries no session id")
	}

	_, err := s.payments.Commit(ctx, sess.ID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return fmt.Errorf("no payment for checkout session %s", sess.ID)
		}
		return fmt.Errorf("commit from webhook failed: %w", err)
	}
	return nil
}

// handleStripeSessionTerminal moves the payment behind an expired session to
// a terminal status.
func (s *WebhookService) handleStripeSessionTerminal(ctx context.Context, raw json.RawMessage, to models.PaymentStatus, reason string) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}
	if sess.ID == "" {
		return fmt.Errorf("checkout session event carries no session id")
	}
	return s.transition(ctx, models.ProviderStripe, sess.ID, to, reason)
}

// handleStripeIntentTerminal resolves the token behind a payment intent and
// moves the payment to a terminal status.
func (s *WebhookService) handleStripeIntentTerminal(ctx context.Context, raw json.RawMessage, to models.PaymentStatus, reason string) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return fmt.Errorf("failed to parse payment intent: %w", err)
	}

	token, err := s.resolveStripeToken(ctx, pi.ID, pi.Metadata)
	if err != nil {
		return err
	}
	return s.transition(ctx, models.ProviderStripe, token, to, reason)
}

// handleStripeChargeRefund records a refund reported by Stripe.
// charge.refunded carries the Charge with its cumulative amount_refunded;
// charge.refund.created/updated carry the Refund object itself. The payment
// moves to REFUNDED on charge.refunded, or once the recorded refunds cover
// the full amount. A refund id already recorded under another event type
// inserts no second row.
func (s *WebhookService) handleStripeChargeRefund(ctx context.Context, eventType string, raw json.RawMessage) error {
	var (
		intentID         string
		chargeID         string
		providerRefundID string
		currency         string
		amountMinor      int64
		metadata         map[string]string
	)

	if eventType == "charge.refunded" {
		var charge stripe.Charge
		if err := json.Unmarshal(raw, &charge); err != nil {
			return fmt.Errorf("failed to parse charge: %w", err)
		}
		if charge.PaymentIntent != nil {
			intentID = charge.PaymentIntent.ID
		}
		chargeID = charge.ID
		currency = strings.ToUpper(string(charge.Currency))
		amountMinor = charge.AmountRefunded
		metadata = charge.Metadata
		if charge.Refunds != nil && len(charge.Refunds.Data) > 0 {
			providerRefundID = charge.Refunds.Data[0].ID
		}
	} else {
		var stripeRefund stripe.Refund
		if err := json.Unmarshal(raw, &stripeRefund); err != nil {
			return fmt.Errorf("failed to parse refund: %w", err)
		}
		if stripeRefund.PaymentIntent != nil {
			intentID = stripeRefund.PaymentIntent.ID
		}
		if stripeRefund.Charge != nil {
			chargeID = stripeRefund.Charge.ID
		}
		providerRefundID = stripeRefund.ID
		currency = strings.ToUpper(string(stripeRefund.Currency))
		amountMinor = stripeRefund.Amount
		metadata = stripeRefund.Metadata
	}

	token, err := s.resolveStripeToken(ctx, intentID, metadata)
	if err != nil {
		return err
	}
	payment, err := s.store.GetPaymentByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to look up payment for token %s: %w", token, err)
	}

	if currency == "" {
		currency = payment.Currency
	}
	refunded := money.FromMinorUnits(amountMinor, currency)
	if !refunded.IsPositive() {
		if eventType != "charge.refunded" {
			return fmt.Errorf("refund event carries no positive amount")
		}
		refunded = payment.Amount
	}

	refund := &models.Refund{
		PaymentID:        payment.ID,
		Provider:         models.ProviderStripe,
		Amount:           refunded,
		Status:           models.RefundSucceeded,
		ProviderRefundID: providerRefundID,
		Reason:           eventType,
		Payload: models.JSONB{
			"charge_id":         chargeID,
			"payment_intent_id": intentID,
			"amount":            amountMinor,
			"currency":          currency,
		},
	}
	duplicate := false
	if providerRefundID != "" {
		if exists, lookupErr := s.store.RefundExistsByProviderID(ctx, models.ProviderStripe, providerRefundID); lookupErr == nil && exists {
			duplicate = true
		}
	}
	if !duplicate {
		if err := s.store.CreateRefund(ctx, refund); err != nil {
			s.logger.WithField("payment_id", payment.ID).WithError(err).Warn("Failed to persist webhook refund row")
		}
	}

	if eventType != "charge.refunded" {
		total, sumErr := s.store.SumRefundedAmount(ctx, payment.ID)
		if sumErr != nil {
			return fmt.Errorf("failed to sum recorded refunds: %w", sumErr)
		}
		if total.LessThan(payment.Amount) {
			return nil
		}
	}

	if err := s.transition(ctx, models.ProviderStripe, token, models.StatusRefunded, eventType); err != nil {
		return err
	}
	if updated, lookupErr := s.store.GetPaymentByToken(ctx, token); lookupErr == nil {
		s.publisher.PublishPaymentRefunded(ctx, updated, refund)
	}
	return nil
}

// handleStripeDispute upserts the dispute row and adjusts the payment:
// opening or losing a dispute fails it, winning it restores AUTHORIZED.
func (s *WebhookService) handleStripeDispute(ctx context.Context, eventType string, raw json.RawMessage) error {
	var dispute stripe.Dispute
	if err := json.Unmarshal(raw, &dispute); err != nil {
		return fmt.Errorf("failed to parse dispute: %w", err)
	}
	if dispute.ID == "" {
		return fmt.Errorf("dispute event carries no dispute id")
	}

	var intentID string
	if dispute.PaymentIntent != nil {
		intentID = dispute.PaymentIntent.ID
	}
	token, err := s.resolveStripeToken(ctx, intentID, dispute.Metadata)
	if err != nil {
		return err
	}
	payment, err := s.store.GetPaymentByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to look up payment for token %s: %w", token, err)
	}

	currency := strings.ToUpper(string(dispute.Currency))
	if currency == "" {
		currency = payment.Currency
	}

	row := &models.Dispute{
		PaymentID:         payment.ID,
		Provider:          models.ProviderStripe,
		ProviderDisputeID: dispute.ID,
		Status:            string(dispute.Status),
		Amount:            money.FromMinorUnits(dispute.Amount, currency),
		Reason:            string(dispute.Reason),
		Payload: models.JSONB{
			"event_type":        eventType,
			"payment_intent_id": intentID,
			"status":            string(dispute.Status),
		},
	}
	if dispute.Created > 0 {
		opened := time.Unix(dispute.Created, 0).UTC()
		row.OpenedAt = &opened
	}
	if eventType == "charge.dispute.closed" {
		closed := time.Now().UTC()
		row.ClosedAt = &closed
	}
	if err := s.store.UpsertDispute(ctx, row); err != nil {
		s.logger.WithField("payment_id", payment.ID).WithError(err).Warn("Failed to upsert dispute row")
	}

	switch eventType {
	case "charge.dispute.created", "charge.dispute.updated", "charge.dispute.funds_withdrawn":
		return s.transition(ctx, models.ProviderStripe, token, models.StatusFailed, eventType)
	case "charge.dispute.funds_reinstated":
		return s.transition(ctx, models.ProviderStripe, token, models.StatusAuthorized, eventType)
	case "charge.dispute.closed":
		switch dispute.Status {
		case stripe.DisputeStatusWon, "warning_closed":
			return s.transition(ctx, models.ProviderStripe, token, models.StatusAuthorized, "dispute won")
		case stripe.DisputeStatusLost, "warning_lost":
			return s.transition(ctx, models.ProviderStripe, token, models.StatusFailed, "dispute lost")
		}
	}
	return nil
}

// resolveStripeToken finds the checkout token behind a Stripe object: the
// recorded payment intent first, the merchant buy_order metadata as a
// fallback. The metadata company_id narrows the fallback but is merchant
// supplied, so it never widens it.
func (s *WebhookService) resolveStripeToken(ctx context.Context, paymentIntentID string, metadata map[string]string) (string, error) {
	if paymentIntentID != "" {
		token, err := s.store.GetTokenByPaymentIntent(ctx, paymentIntentID)
		if err == nil {
			return token, nil
		}
	}

	buyOrder := metadata["buy_order"]
	if buyOrder == "" {
		return "", fmt.Errorf("cannot resolve payment: no intent match and no buy_order metadata")
	}
	var companyID int64
	if raw := metadata["company_id"]; raw != "" {
		fmt.Sscanf(raw, "%d", &companyID)
	}
	token, err := s.store.GetLatestTokenByBuyOrder(ctx, buyOrder, companyID)
	if err != nil {
		return "", fmt.Errorf("cannot resolve payment for buy_order %s: %w", buyOrder, err)
	}
	return token, nil
}

// ==================== PayPal ====================

// paypalEvent is the envelope shared by PayPal webhook notifications.
type paypalEvent struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
}

// paypalResource covers the resource shapes the gateway routes on: orders,
// captures, refunds, and disputes share the envelope below.
type paypalResource struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount struct {
		CurrencyCode string `json:"currency_code"`
		Value        string `json:"value"`
	} `json:"amount"`
	Links             []paypalResourceLink `json:"links"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID   string `json:"order_id"`
			CaptureID string `json:"capture_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`

	// Dispute fields
	DisputeID             string `json:"dispute_id"`
	Reason                string `json:"reason"`
	DisputeLifecycleStage string `json:"dispute_life_cycle_stage"`
	DisputeAmount         struct {
		CurrencyCode string `json:"currency_code"`
		Value        string `json:"value"`
	} `json:"dispute_amount"`
	DisputedTransactions []struct {
		SellerTransactionID string `json:"seller_transaction_id"`
	} `json:"disputed_transactions"`
	DisputeOutcome struct {
		OutcomeCode string `json:"outcome_code"`
	} `json:"dispute_outcome"`
}

type paypalResourceLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

// ProcessPayPalWebhook verifies the transmission signature against PayPal's
// verification API, records the event, and dispatches it.
func (s *WebhookService) ProcessPayPalWebhook(ctx context.Context, body []byte, headers http.Header) error {
	if s.paypalVerifier == nil {
		return apperrors.InvalidInput("PayPal webhooks are not configured")
	}

	verified, err := s.paypalVerifier.VerifyWebhook(ctx, headers, body)
	if err != nil || !verified {
		if s.metrics != nil {
			s.metrics.RecordWebhookEvent(string(models.ProviderPayPal), "unknown", "invalid_signature")
		}
		if err != nil {
			s.logger.WithError(err).Warn("PayPal webhook verification call failed")
		}
		return apperrors.InvalidInput("Invalid webhook")
	}

	var event paypalEvent
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" {
		return apperrors.InvalidInput("Invalid webhook payload")
	}

	fresh, err := s.recordInbox(ctx, models.ProviderPayPal, event.ID, event.EventType, headers, event.Resource)
	if err != nil {
		return apperrors.Transient("failed to record webhook event", err)
	}
	if !fresh {
		s.logger.WithFields(logrus.Fields{
			"provider": models.ProviderPayPal,
			"event_id": event.ID,
		}).Info("Webhook already processed, skipping")
		return nil
	}

	s.dispatchPayPal(ctx, &event)
	return nil
}

// dispatchPayPal routes one verified, fresh PayPal event.
func (s *WebhookService) dispatchPayPal(ctx context.Context, event *paypalEvent) {
	var resource paypalResource
	if err := json.Unmarshal(event.Resource, &resource); err != nil {
		s.logger.WithField("event_type", event.EventType).WithError(err).Warn("Failed to parse PayPal resource")
		if s.metrics != nil {
			s.metrics.RecordWebhookEvent(string(models.ProviderPayPal), event.EventType, "error")
		}
		return
	}

	var err error
	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		err = s.handlePayPalOrderApproved(ctx, &resource)
	case "PAYMENT.CAPTURE.REFUNDED", "PAYMENT.CAPTURE.PARTIALLY_REFUNDED":
		err = s.handlePayPalCaptureRefund(ctx, event.EventType, &resource)
	case "CHECKOUT.ORDER.CANCELLED", "PAYMENT.CAPTURE.CANCELLED":
		err = s.handlePayPalTerminal(ctx, &resource, models.StatusCanceled, event.EventType)
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.REVERSED":
		err = s.handlePayPalTerminal(ctx, &resource, models.StatusFailed, event.EventType)
	default:
		if strings.HasPrefix(event.EventType, "CUSTOMER.DISPUTE.") {
			err = s.handlePayPalDispute(ctx, event.EventType, &resource)
		} else {
			s.logger.WithField("event_type", event.EventType).Debug("Unhandled PayPal event type")
		}
	}

	outcome := "processed"
	if err != nil {
		outcome = "error"
		s.logger.WithFields(logrus.Fields{
			"provider":   models.ProviderPayPal,
			"event_type": event.EventType,
		}).WithError(err).Warn("PayPal webhook handler failed")
	}
	if s.metrics != nil {
		s.metrics.RecordWebhookEvent(string(models.ProviderPayPal), event.EventType, outcome)
	}
}

// handlePayPalOrderApproved captures the approved order; the order id is the
// payment token.
func (s *WebhookService) handlePayPalOrderApproved(ctx context.Context, resource *paypalResource) error {
	if resource.ID == "" {
		return fmt.Errorf("approved order event carries no order id")
	}
	_, err := s.payments.Commit(ctx, resource.ID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return fmt.Errorf("no payment for PayPal order %s", resource.ID)
		}
		return fmt.Errorf("capture from webhook failed: %w", err)
	}
	return nil
}

// handlePayPalCaptureRefund records the refund reported on a capture and
// moves the payment to REFUNDED.
func (s *WebhookService) handlePayPalCaptureRefund(ctx context.Context, eventType string, resource *paypalResource) error {
	token, payment, err := s.resolvePayPalPayment(ctx, resource)
	if err != nil {
		return err
	}

	amount := payment.Amount
	if resource.Amount.Value != "" {
		if parsed, parseErr := decimal.NewFromString(resource.Amount.Value); parseErr == nil && parsed.IsPositive() {
			amount = parsed
		}
	}

	refund := &models.Refund{
		PaymentID:        payment.ID,
		Provider:         models.ProviderPayPal,
		Amount:           amount,
		Status:           models.RefundCompleted,
		ProviderRefundID: resource.ID,
		Reason:           eventType,
		Payload: models.JSONB{
			"refund_id":  resource.ID,
			"status":     resource.Status,
			"amount":     resource.Amount.Value,
			"currency":   resource.Amount.CurrencyCode,
			"capture_id": paypalCaptureID(resource),
		},
	}
	duplicate := false
	if resource.ID != "" {
		if exists, lookupErr := s.store.RefundExistsByProviderID(ctx, models.ProviderPayPal, resource.ID); lookupErr == nil && exists {
			duplicate = true
		}
	}
	if !duplicate {
		if err := s.store.CreateRefund(ctx, refund); err != nil {
			s.logger.WithField("payment_id", payment.ID).WithError(err).Warn("Failed to persist webhook refund row")
		}
	}

	if err := s.transition(ctx, models.ProviderPayPal, token, models.StatusRefunded, eventType); err != nil {
		return err
	}
	if updated, lookupErr := s.store.GetPaymentByToken(ctx, token); lookupErr == nil {
		s.publisher.PublishPaymentRefunded(ctx, updated, refund)
	}
	return nil
}

// handlePayPalTerminal moves the payment behind a cancelled or denied
// capture/order to a terminal status.
func (s *WebhookService) handlePayPalTerminal(ctx context.Context, resource *paypalResource, to models.PaymentStatus, reason string) error {
	token, _, err := s.resolvePayPalPayment(ctx, resource)
	if err != nil {
		return err
	}
	return s.transition(ctx, models.ProviderPayPal, token, to, reason)
}

// handlePayPalDispute upserts the dispute row and adjusts the payment:
// opened disputes fail it, a seller-favour resolution restores AUTHORIZED,
// any other resolution fails it.
func (s *WebhookService) handlePayPalDispute(ctx context.Context, eventType string, resource *paypalResource) error {
	disputeID := resource.DisputeID
	if disputeID == "" {
		disputeID = resource.ID
	}
	if disputeID == "" {
		return fmt.Errorf("dispute event carries no dispute id")
	}

	var captureID string
	if len(resource.DisputedTransactions) > 0 {
		captureID = resource.DisputedTransactions[0].SellerTransactionID
	}
	if captureID == "" {
		captureID = paypalCaptureID(resource)
	}
	token, err := s.store.GetTokenByPayPalCapture(ctx, captureID)
	if err != nil {
		return fmt.Errorf("cannot resolve payment for dispute %s: %w", disputeID, err)
	}
	payment, err := s.store.GetPaymentByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to look up payment for token %s: %w", token, err)
	}

	resolved := eventType == "CUSTOMER.DISPUTE.RESOLVED"

	status := resource.Status
	if status == "" {
		status = resource.DisputeLifecycleStage
	}
	if resolved {
		status = "RESOLVED"
	}

	row := &models.Dispute{
		PaymentID:         payment.ID,
		Provider:          models.ProviderPayPal,
		ProviderDisputeID: disputeID,
		Status:            status,
		Reason:            resource.Reason,
		Payload: models.JSONB{
			"event_type":   eventType,
			"capture_id":   captureID,
			"outcome_code": resource.DisputeOutcome.OutcomeCode,
		},
	}
	if v, parseErr := decimal.NewFromString(resource.DisputeAmount.Value); parseErr == nil {
		row.Amount = v
	}
	now := time.Now().UTC()
	if eventType == "CUSTOMER.DISPUTE.CREATED" {
		row.OpenedAt = &now
	}
	if resolved {
		row.ClosedAt = &now
	}
	if err := s.store.UpsertDispute(ctx, row); err != nil {
		s.logger.WithField("payment_id", payment.ID).WithError(err).Warn("Failed to upsert dispute row")
	}

	if resolved {
		if resource.DisputeOutcome.OutcomeCode == "RESOLVED_SELLER_FAVOUR" {
			return s.transition(ctx, models.ProviderPayPal, token, models.StatusAuthorized, "dispute resolved in seller favour")
		}
		return s.transition(ctx, models.ProviderPayPal, token, models.StatusFailed, "dispute resolved against seller")
	}
	return s.transition(ctx, models.ProviderPayPal, token, models.StatusFailed, eventType)
}

// resolvePayPalPayment finds the payment behind a capture-shaped resource.
// The related order id is the token itself when present; otherwise the
// capture id is matched against the recorded provider metadata.
func (s *WebhookService) resolvePayPalPayment(ctx context.Context, resource *paypalResource) (string, *models.Payment, error) {
	if orderID := resource.SupplementaryData.RelatedIDs.OrderID; orderID != "" {
		if payment, err := s.store.GetPaymentByToken(ctx, orderID); err == nil {
			return orderID, payment, nil
		}
	}

	captureID := paypalCaptureID(resource)
	if captureID == "" {
		return "", nil, fmt.Errorf("cannot resolve payment: no order or capture reference in resource")
	}
	token, err := s.store.GetTokenByPayPalCapture(ctx, captureID)
	if err != nil {
		return "", nil, fmt.Errorf("cannot resolve payment for capture %s: %w", captureID, err)
	}
	payment, err := s.store.GetPaymentByToken(ctx, token)
	if err != nil {
		return "", nil, fmt.Errorf("failed to look up payment for token %s: %w", token, err)
	}
	return token, payment, nil
}

// paypalCaptureID extracts the capture id from a resource: the related_ids
// field wins, the rel=up link is the fallback. On refund resources the up
// link points at /v2/payments/captures/{id}.
func paypalCaptureID(resource *paypalResource) string {
	if id := resource.SupplementaryData.RelatedIDs.CaptureID; id != "" {
		return id
	}
	for _, link := range resource.Links {
		if link.Rel != "up" {
			continue
		}
		if idx := strings.LastIndex(link.Href, "/"); idx >= 0 && idx < len(link.Href)-1 {
			return link.Href[idx+1:]
		}
	}
	return ""
}

// ==================== Shared helpers ====================

// recordInbox inserts the webhook into the dedup inbox. The boolean is
// false for redeliveries, which insert nothing.
func (s *WebhookService) recordInbox(ctx context.Context, provider models.Provider, eventID, eventType string, headers http.Header, payload json.RawMessage) (bool, error) {
	entry := &models.WebhookInboxEntry{
		Provider:           provider,
		EventID:            eventID,
		EventType:          eventType,
		VerificationStatus: models.VerificationSuccess,
		Headers:            inboxHeaders(headers),
		Payload:            models.JSONB{},
	}
	if len(payload) > 0 {
		var parsed models.JSONB
		if err := json.Unmarshal(payload, &parsed); err == nil {
			entry.Payload = parsed
		} else {
			entry.Payload = models.JSONB{"raw": string(payload)}
		}
	}
	return s.store.InsertWebhookInboxEntry(ctx, entry)
}

// transition moves a payment and emits the matching lifecycle event. A
// transition the lifecycle table rejects leaves the row alone; the store
// returns it unchanged.
func (s *WebhookService) transition(ctx context.Context, provider models.Provider, token string, to models.PaymentStatus, reason string) error {
	before, err := s.store.GetPaymentByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to look up payment for token %s: %w", token, err)
	}

	updated, err := s.store.UpdateStatusByToken(ctx, provider, token, to, repository.StatusUpdate{
		StatusReason: reason,
	})
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}

	if updated.Status != before.Status {
		switch updated.Status {
		case models.StatusAuthorized:
			s.publisher.PublishPaymentAuthorized(ctx, updated)
		case models.StatusFailed:
			s.publisher.PublishPaymentFailed(ctx, updated)
		case models.StatusCanceled:
			s.publisher.PublishPaymentCanceled(ctx, updated)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"payment_id": updated.ID,
		"provider":   provider,
		"from":       before.Status,
		"to":         updated.Status,
		"reason":     reason,
	}).Info("Webhook payment transition")
	return nil
}

// inboxHeaders flattens the provider headers recorded on the inbox row.
// Values of secret-bearing headers are masked.
func inboxHeaders(headers http.Header) models.JSONB {
	out := models.JSONB{}
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		if lower == "authorization" || lower == "cookie" || strings.HasSuffix(lower, "_secret") {
			out[name] = "***"
			continue
		}
		out[name] = values[0]
	}
	return out
}
