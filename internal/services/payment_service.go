package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payment-gateway/internal/apperrors"
	"payment-gateway/internal/config"
	"payment-gateway/internal/events"
	"payment-gateway/internal/metrics"
	"payment-gateway/internal/models"
	"payment-gateway/internal/money"
	"payment-gateway/internal/provider"
	"payment-gateway/internal/repository"
)

// maxListLimit caps the list endpoint page size.
const maxListLimit = 500

// PaymentService orchestrates payment attempts across the configured
// providers: create, commit on shopper return, cancel, refresh, and refund.
type PaymentService struct {
	store     repository.PaymentStore
	registry  *provider.Registry
	cfg       *config.Config
	publisher *events.Publisher
	metrics   *metrics.Metrics
	logger    *logrus.Entry
}

// NewPaymentService creates a new payment service. publisher and m may be
// nil; lifecycle events and counters are then skipped.
func NewPaymentService(store repository.PaymentStore, registry *provider.Registry, cfg *config.Config, publisher *events.Publisher, m *metrics.Metrics, logger *logrus.Logger) *PaymentService {
	return &PaymentService{
		store:     store,
		registry:  registry,
		cfg:       cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger.WithField("component", "payment_service"),
	}
}

// Create starts a payment attempt. The provider is the request override or
// the configured default; Webpay only accepts CLP. Tenancy is validated
// before the idempotency lookup, and a replayed key returns the prior
// attempt without a provider round-trip. A provider failure aborts before
// any row is written.
func (s *PaymentService) Create(ctx context.Context, req *models.PaymentCreateRequest, idempotencyKey string) (*models.PaymentCreateResponse, error) {
	if strings.TrimSpace(req.BuyOrder) == "" {
		return nil, apperrors.InvalidInput("buy_order is required")
	}
	if err := money.Validate(req.Amount, req.Currency); err != nil {
		return nil, apperrors.InvalidInput(err.Error())
	}

	adapter, err := s.resolveProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	providerName := adapter.Name()

	if providerName == models.ProviderWebpay && !strings.EqualFold(req.Currency, "CLP") {
		return nil, apperrors.InvalidInput("unsupported currency for Webpay")
	}

	if _, err := s.store.ValidateCompany(ctx, req.CompanyID, req.CompanyToken); err != nil {
		if errors.Is(err, repository.ErrInvalidCredentials) {
			return nil, apperrors.Unauthenticated("invalid company credentials")
		}
		return nil, apperrors.Transient("failed to validate company", err)
	}

	if idempotencyKey != "" {
		prior, err := s.store.GetPaymentByIdempotencyKey(ctx, req.CompanyID, idempotencyKey)
		if err == nil && prior.Token != "" && prior.RedirectURL != "" {
			s.logger.WithFields(logrus.Fields{
				"company_id":      req.CompanyID,
				"idempotency_key": idempotencyKey,
				"payment_id":      prior.ID,
			}).Info("Replaying create for existing idempotency key")
			return buildCreateResponse(prior), nil
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.Transient("failed to check idempotency key", err)
		}
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = s.cfg.ReturnURL
	}

	payment := &models.Payment{
		CompanyID:        req.CompanyID,
		BuyOrder:         req.BuyOrder,
		Provider:         providerName,
		Amount:           req.Amount,
		Currency:         strings.ToUpper(req.Currency),
		Status:           models.StatusPending,
		PaymentType:      req.PaymentType,
		CommerceID:       req.CommerceID,
		ProductID:        req.ProductID,
		ProductName:      req.ProductName,
		CustomerRUT:      req.CustomerRUT,
		ReturnURL:        returnURL,
		SuccessURL:       req.SuccessURL,
		FailureURL:       req.FailureURL,
		CancelURL:        req.CancelURL,
		ProviderMetadata: models.JSONB{},
		Context:          req.Context,
	}
	if providerName == models.ProviderWebpay {
		payment.Environment = models.Environment(s.cfg.TbkEnvironment)
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		payment.IdempotencyKey = &key
	}

	result, err := adapter.Create(ctx, payment, returnURL)
	if err != nil {
		return nil, apperrors.Provider("payment provider rejected the create request", err)
	}
	payment.Token = result.Token
	payment.RedirectURL = result.RedirectURL

	if err := s.store.CreatePayment(ctx, payment); err != nil {
		// A concurrent create with the same key loses the unique-index race;
		// serve it the winner's row.
		if idempotencyKey != "" {
			if prior, lookupErr := s.store.GetPaymentByIdempotencyKey(ctx, req.CompanyID, idempotencyKey); lookupErr == nil && prior.Token != "" && prior.RedirectURL != "" {
				return buildCreateResponse(prior), nil
			}
		}
		return nil, apperrors.Transient("failed to persist payment", err)
	}

	if s.metrics != nil {
		s.metrics.RecordPaymentCreated(string(providerName))
	}
	s.publisher.PublishPaymentCreated(ctx, payment)

	s.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"provider":   providerName,
		"buy_order":  payment.BuyOrder,
		"amount":     payment.Amount,
		"currency":   payment.Currency,
	}).Info("Payment created")

	return buildCreateResponse(payment), nil
}

// Commit finalizes a payment attempt after the shopper returned from the
// provider. response_code 0 maps to AUTHORIZED, anything else to FAILED.
// Contract, deposit, and checkout-amount details reported alongside the
// commit are stored best-effort.
func (s *PaymentService) Commit(ctx context.Context, token string) (*models.Payment, error) {
	payment, adapter, err := s.paymentAndAdapter(ctx, token)
	if err != nil {
		return nil, err
	}

	result, err := adapter.Commit(ctx, token)
	if err != nil {
		return nil, apperrors.Provider("provider commit failed", err)
	}

	to := models.StatusFailed
	if result.Authorized() {
		to = models.StatusAuthorized
	}

	metadata := models.JSONB{}
	for k, v := range result.Metadata {
		metadata[k] = v
	}
	if result.PaymentIntentID != "" {
		metadata["payment_intent_id"] = result.PaymentIntentID
	}
	if result.ChargeID != "" {
		metadata["charge_id"] = result.ChargeID
	}
	if len(metadata) > 0 {
		if err := s.store.MergeProviderMetadata(ctx, payment.Provider, token, metadata); err != nil {
			s.logger.WithField("payment_id", payment.ID).WithError(err).Warn("Failed to merge provider metadata")
		}
	}

	responseCode := result.ResponseCode
	updated, err := s.store.UpdateStatusByToken(ctx, payment.Provider, token, to, repository.StatusUpdate{
		ResponseCode:      &responseCode,
		StatusReason:      result.ProviderStatus,
		AuthorizationCode: result.AuthorizationCode,
	})
	if err != nil {
		return nil, apperrors.Transient("failed to update payment status", err)
	}

	s.recordCommitBookkeeping(ctx, updated, result)

	if s.metrics != nil {
		s.metrics.RecordCommit(string(updated.Provider), string(updated.Status))
	}
	s.publishStatusChange(ctx, payment.Status, updated)

	s.logger.WithFields(logrus.Fields{
		"payment_id":    updated.ID,
		"provider":      updated.Provider,
		"status":        updated.Status,
		"response_code": result.ResponseCode,
	}).Info("Payment committed")

	return updated, nil
}

// Cancel marks a payment CANCELED without calling the provider. The return
// callback uses it when the shopper aborted.
func (s *PaymentService) Cancel(ctx context.Context, token string) (*models.Payment, error) {
	payment, err := s.getPaymentByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateStatusByToken(ctx, payment.Provider, token, models.StatusCanceled, repository.StatusUpdate{
		StatusReason: "canceled by shopper",
	})
	if err != nil {
		return nil, apperrors.Transient("failed to update payment status", err)
	}

	s.publishStatusChange(ctx, payment.Status, updated)

	s.logger.WithFields(logrus.Fields{
		"payment_id": updated.ID,
		"provider":   updated.Provider,
		"status":     updated.Status,
	}).Info("Payment canceled")

	return updated, nil
}

// Status returns the provider-reported status without touching local state.
// Providers without a readable status return nil.
func (s *PaymentService) Status(ctx context.Context, token string) (*models.PaymentStatus, error) {
	_, adapter, err := s.paymentAndAdapter(ctx, token)
	if err != nil {
		return nil, err
	}

	status, err := adapter.Status(ctx, token)
	if err != nil {
		return nil, apperrors.Provider("provider status lookup failed", err)
	}
	return status, nil
}

// Refresh reconciles local state from the provider. Webpay exposes no
// read-only status in this configuration, so refreshing a Webpay payment
// performs the commit; the other providers use a direct status lookup.
func (s *PaymentService) Refresh(ctx context.Context, token string) (*models.Payment, error) {
	payment, adapter, err := s.paymentAndAdapter(ctx, token)
	if err != nil {
		return nil, err
	}

	if payment.Provider == models.ProviderWebpay {
		return s.Commit(ctx, token)
	}

	status, err := adapter.Status(ctx, token)
	if err != nil {
		return nil, apperrors.Provider("provider status lookup failed", err)
	}
	if status == nil || *status == payment.Status {
		return payment, nil
	}

	updated, err := s.store.UpdateStatusByToken(ctx, payment.Provider, token, *status, repository.StatusUpdate{
		StatusReason: "reconciled from provider",
	})
	if err != nil {
		return nil, apperrors.Transient("failed to update payment status", err)
	}

	s.publishStatusChange(ctx, payment.Status, updated)

	s.logger.WithFields(logrus.Fields{
		"payment_id": updated.ID,
		"provider":   updated.Provider,
		"from":       payment.Status,
		"to":         updated.Status,
	}).Info("Payment refreshed from provider")

	return updated, nil
}

// Refund sends a refund to the provider after re-checking tenancy. A Webpay
// refund with no amount defaults to the full payment amount. Failed provider
// calls still leave a FAILED refund row for audit and never change the
// payment status.
func (s *PaymentService) Refund(ctx context.Context, req *models.RefundRequest) (*models.RefundResponse, error) {
	if _, err := s.store.ValidateCompany(ctx, req.CompanyID, req.CompanyToken); err != nil {
		if errors.Is(err, repository.ErrInvalidCredentials) {
			return nil, apperrors.Unauthenticated("invalid company credentials")
		}
		return nil, apperrors.Transient("failed to validate company", err)
	}

	payment, err := s.getPaymentByToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if payment.CompanyID != req.CompanyID {
		return nil, apperrors.Forbidden("payment belongs to another company")
	}

	adapter, err := s.registry.ForPayment(payment)
	if err != nil {
		return nil, apperrors.NotFound("provider " + string(payment.Provider))
	}

	amount := req.Amount
	if amount == nil && payment.Provider == models.ProviderWebpay {
		full := payment.Amount
		amount = &full
	}
	if amount != nil {
		if !amount.IsPositive() {
			return nil, apperrors.InvalidInput("refund amount must be positive")
		}
		refunded, err := s.store.SumRefundedAmount(ctx, payment.ID)
		if err != nil {
			return nil, apperrors.Transient("failed to sum prior refunds", err)
		}
		if refunded.Add(*amount).GreaterThan(payment.Amount) {
			return nil, apperrors.InvalidInput("refund exceeds payment amount")
		}
	}

	result, err := adapter.Refund(ctx, req.Token, amount)
	if err != nil {
		s.writeFailedRefund(ctx, payment, amount, req.Reason, err.Error(), nil)
		if s.metrics != nil {
			s.metrics.RecordRefund(string(payment.Provider), string(models.RefundFailed))
		}
		return nil, apperrors.Provider("provider refund failed", err)
	}

	if !result.OK {
		s.writeFailedRefund(ctx, payment, amount, req.Reason, result.Error, result.Payload)
		if s.metrics != nil {
			s.metrics.RecordRefund(string(payment.Provider), string(models.RefundFailed))
		}
		s.logger.WithFields(logrus.Fields{
			"payment_id": payment.ID,
			"provider":   payment.Provider,
			"status":     result.Status,
		}).Warn("Provider declined refund")
		return &models.RefundResponse{
			PaymentID:     payment.ID,
			PaymentStatus: payment.Status,
			RefundStatus:  models.RefundFailed,
			Amount:        refundRowAmount(payment, amount, result),
		}, nil
	}

	rowStatus := models.RefundSucceeded
	if strings.EqualFold(result.Status, "pending") {
		rowStatus = models.RefundPending
	}

	refund := &models.Refund{
		PaymentID:        payment.ID,
		Provider:         payment.Provider,
		Amount:           refundRowAmount(payment, amount, result),
		Status:           rowStatus,
		ProviderRefundID: result.ProviderRefundID,
		Reason:           req.Reason,
		Payload:          result.Payload,
	}
	if err := s.store.CreateRefund(ctx, refund); err != nil {
		s.logger.WithField("payment_id", payment.ID).WithError(err).Warn("Failed to persist refund row")
	}

	updated, err := s.store.UpdateStatusByToken(ctx, payment.Provider, req.Token, models.StatusRefunded, repository.StatusUpdate{
		StatusReason: "refunded",
	})
	if err != nil {
		return nil, apperrors.Transient("failed to update payment status", err)
	}

	if s.metrics != nil {
		s.metrics.RecordRefund(string(payment.Provider), string(rowStatus))
	}
	s.publisher.PublishPaymentRefunded(ctx, updated, refund)

	s.logger.WithFields(logrus.Fields{
		"payment_id":         payment.ID,
		"provider":           payment.Provider,
		"amount":             refund.Amount,
		"provider_refund_id": refund.ProviderRefundID,
	}).Info("Payment refunded")

	return &models.RefundResponse{
		PaymentID:        updated.ID,
		PaymentStatus:    updated.Status,
		RefundStatus:     rowStatus,
		Amount:           refund.Amount,
		ProviderRefundID: refund.ProviderRefundID,
	}, nil
}

// List returns payments newest-first. A token filter short-circuits to a
// single lookup; the page size is clamped to maxListLimit.
func (s *PaymentService) List(ctx context.Context, filters repository.ListFilters) ([]models.Payment, error) {
	if filters.Limit > maxListLimit {
		filters.Limit = maxListLimit
	}

	if filters.Token != "" {
		payment, err := s.store.GetPaymentByToken(ctx, filters.Token)
		if errors.Is(err, repository.ErrNotFound) {
			return []models.Payment{}, nil
		}
		if err != nil {
			return nil, apperrors.Transient("failed to look up payment", err)
		}
		return []models.Payment{*payment}, nil
	}

	payments, err := s.store.ListPayments(ctx, filters)
	if err != nil {
		return nil, apperrors.Transient("failed to list payments", err)
	}
	return payments, nil
}

// Pending returns payments still waiting on the shopper.
func (s *PaymentService) Pending(ctx context.Context) ([]models.Payment, error) {
	payments, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, apperrors.Transient("failed to list pending payments", err)
	}
	return payments, nil
}

// Redirect re-issues the stored redirect for a pending attempt so the
// merchant can send the shopper back to the provider.
func (s *PaymentService) Redirect(ctx context.Context, token string) (*models.RedirectInfo, error) {
	payment, err := s.getPaymentByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.StatusPending {
		return nil, apperrors.InvalidInput(fmt.Sprintf("payment is %s, not PENDING", payment.Status))
	}

	info := redirectInfoFor(payment)
	return &info, nil
}

// ==================== Helpers ====================

// resolveProvider picks the adapter for a create request: the override when
// present, the configured default otherwise. An unrecognized override is an
// input error; a recognized but unconfigured provider is absent.
func (s *PaymentService) resolveProvider(override string) (provider.Provider, error) {
	if override == "" {
		adapter, err := s.registry.Default()
		if err != nil {
			return nil, apperrors.Internal("default provider is not configured", err)
		}
		return adapter, nil
	}

	name, ok := models.ResolveProvider(override)
	if !ok {
		return nil, apperrors.InvalidInput(fmt.Sprintf("Unknown provider %q", override))
	}
	adapter, err := s.registry.Get(string(name))
	if err != nil {
		return nil, apperrors.NotFound("provider " + string(name))
	}
	return adapter, nil
}

// ByToken fetches a payment by its provider token.
func (s *PaymentService) ByToken(ctx context.Context, token string) (*models.Payment, error) {
	return s.getPaymentByToken(ctx, token)
}

func (s *PaymentService) getPaymentByToken(ctx context.Context, token string) (*models.Payment, error) {
	if token == "" {
		return nil, apperrors.InvalidInput("token is required")
	}
	payment, err := s.store.GetPaymentByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("payment")
		}
		return nil, apperrors.Transient("failed to look up payment", err)
	}
	return payment, nil
}

func (s *PaymentService) paymentAndAdapter(ctx context.Context, token string) (*models.Payment, provider.Provider, error) {
	payment, err := s.getPaymentByToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	adapter, err := s.registry.ForPayment(payment)
	if err != nil {
		return nil, nil, apperrors.NotFound("provider " + string(payment.Provider))
	}
	return payment, adapter, nil
}

// recordCommitBookkeeping persists the contract, deposit, and aux-amount
// details a commit reported. These writes never fail the commit.
func (s *PaymentService) recordCommitBookkeeping(ctx context.Context, payment *models.Payment, result *provider.CommitResult) {
	if result.Contract != nil {
		contract := &models.PaymentContract{
			PaymentID:          payment.ID,
			PaymentTypeCode:    result.Contract.PaymentTypeCode,
			InstallmentsNumber: result.Contract.InstallmentsNumber,
			InstallmentsAmount: result.Contract.InstallmentsAmount,
			CardLastFour:       result.Contract.CardLastFour,
		}
		if err := s.store.CreatePaymentContract(ctx, contract); err != nil {
			s.logger.WithField("payment_id", payment.ID).WithError(err).Warn("Failed to persist payment contract")
		}
	}

	if result.Deposit != nil {
		info := &models.PaymentDepositInfo{
			PaymentID:   payment.ID,
			CaptureID:   result.Deposit.CaptureID,
			GrossAmount: result.Deposit.GrossAmount,
			ProviderFee: result.Deposit.ProviderFee,
			NetAmount:   result.Deposit.NetAmount,
			Currency:    result.Deposit.Currency,
		}
		if err := s.store.CreatePaymentDepositInfo(ctx, info); err != nil {
			s.logger.WithField("payment_id", payment.ID).WithError(err).Warn("Failed to persist deposit info")
		}
	}

	if result.AuxAmounts != nil {
		aux := &models.PaymentAuxAmount{
			PaymentID:      payment.ID,
			AmountSubtotal: result.AuxAmounts.Subtotal,
			AmountTax:      result.AuxAmounts.Tax,
			AmountShipping: result.AuxAmounts.Shipping,
			AmountDiscount: result.AuxAmounts.Discount,
			Currency:       result.AuxAmounts.Currency,
		}
		if err := s.store.CreatePaymentAuxAmount(ctx, aux); err != nil {
			s.logger.WithField("payment_id", payment.ID).WithError(err).Warn("Failed to persist aux amounts")
		}
	}
}

// writeFailedRefund leaves an audit row for a refund the provider rejected.
func (s *PaymentService) writeFailedRefund(ctx context.Context, payment *models.Payment, amount *decimal.Decimal, reason, errMessage string, payload models.JSONB) {
	rowAmount := payment.Amount
	if amount != nil {
		rowAmount = *amount
	}
	if payload == nil {
		payload = models.JSONB{}
	}
	if errMessage != "" {
		payload["error"] = errMessage
	}
	refund := &models.Refund{
		PaymentID: payment.ID,
		Provider:  payment.Provider,
		Amount:    rowAmount,
		Status:    models.RefundFailed,
		Reason:    reason,
		Payload:   payload,
	}
	if err := s.store.CreateRefund(ctx, refund); err != nil {
		s.logger.WithField("payment_id", payment.ID).WithError(err).Warn("Failed to persist failed-refund row")
	}
}

// publishStatusChange emits the lifecycle event matching a transition that
// actually moved the payment.
func (s *PaymentService) publishStatusChange(ctx context.Context, from models.PaymentStatus, payment *models.Payment) {
	if payment == nil || payment.Status == from {
		return
	}
	switch payment.Status {
	case models.StatusAuthorized:
		s.publisher.PublishPaymentAuthorized(ctx, payment)
	case models.StatusFailed:
		s.publisher.PublishPaymentFailed(ctx, payment)
	case models.StatusCanceled:
		s.publisher.PublishPaymentCanceled(ctx, payment)
	}
}

// refundRowAmount picks the amount recorded on a refund row: the provider's
// confirmed figure when present, the requested amount otherwise, the full
// payment as a last resort.
func refundRowAmount(payment *models.Payment, requested *decimal.Decimal, result *provider.RefundResult) decimal.Decimal {
	if result != nil && result.Amount.IsPositive() {
		return result.Amount
	}
	if requested != nil {
		return *requested
	}
	return payment.Amount
}

// redirectInfoFor composes the merchant-facing redirect. Webpay expects the
// shopper POSTed with token_ws; hosted checkout and wallet providers take a
// plain GET.
func redirectInfoFor(payment *models.Payment) models.RedirectInfo {
	info := models.RedirectInfo{
		URL:    payment.RedirectURL,
		Method: http.MethodGet,
		Token:  payment.Token,
	}
	if payment.Provider == models.ProviderWebpay {
		info.Method = http.MethodPost
		info.FormFields = map[string]string{"token_ws": payment.Token}
	}
	return info
}

func buildCreateResponse(payment *models.Payment) *models.PaymentCreateResponse {
	return &models.PaymentCreateResponse{
		ID:       payment.ID,
		Status:   payment.Status,
		Redirect: redirectInfoFor(payment),
		Token:    payment.Token,
		BuyOrder: payment.BuyOrder,
	}
}
