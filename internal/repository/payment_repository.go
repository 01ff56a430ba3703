package repository

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payment-gateway/internal/models"
)

// PaymentRepository handles payment data operations
type PaymentRepository struct {
	db *gorm.DB
}

var _ PaymentStore = (*PaymentRepository)(nil)

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// ==================== Payment Methods ====================

// CreatePayment inserts a payment attempt and upserts its payment order in
// one transaction. The order keeps the latest expected amount and currency;
// the payment row gets the order's id.
func (r *PaymentRepository) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order := models.PaymentOrder{
			CompanyID: payment.CompanyID,
			BuyOrder:  payment.BuyOrder,
			Amount:    payment.Amount,
			Currency:  payment.Currency,
			Status:    models.OrderOpen,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "company_id"}, {Name: "buy_order"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"amount":     payment.Amount,
				"currency":   payment.Currency,
				"updated_at": time.Now().UTC(),
			}),
		}).Create(&order).Error; err != nil {
			return err
		}

		payment.PaymentOrderID = &order.ID
		return tx.Create(payment).Error
	})
}

// GetPaymentByToken gets a payment by its provider-issued token
func (r *PaymentRepository) GetPaymentByToken(ctx context.Context, token string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).Where("token = ?", token).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByID gets a payment by its internal id
func (r *PaymentRepository) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).First(&payment, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByIdempotencyKey gets the most recent payment recorded under
// (company_id, idempotency_key)
func (r *PaymentRepository) GetPaymentByIdempotencyKey(ctx context.Context, companyID int64, key string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ? AND company_id = ?", key, companyID).
		Order("created_at DESC").
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// UpdateStatusByToken transitions a payment under a row lock. Transitions
// not permitted by the lifecycle table leave the row untouched and return
// it as-is. Outcome columns only overwrite when the incoming value is set;
// first_authorized_at is written once. Reaching AUTHORIZED or REFUNDED also
// marks the payment order COMPLETED.
func (r *PaymentRepository) UpdateStatusByToken(ctx context.Context, provider models.Provider, token string, to models.PaymentStatus, upd StatusUpdate) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("provider = ? AND token = ?", provider, token).
			First(&payment).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if !models.CanTransition(payment.Status, to) {
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":     to,
			"updated_at": now,
		}
		if upd.ResponseCode != nil {
			updates["response_code"] = *upd.ResponseCode
		}
		if upd.StatusReason != "" {
			updates["status_reason"] = upd.StatusReason
		}
		if upd.AuthorizationCode != "" {
			updates["authorization_code"] = upd.AuthorizationCode
		}
		switch to {
		case models.StatusAuthorized:
			if payment.FirstAuthorizedAt == nil {
				updates["first_authorized_at"] = now
			}
		case models.StatusFailed:
			updates["failed_at"] = now
		case models.StatusCanceled:
			updates["canceled_at"] = now
		case models.StatusRefunded:
			updates["refunded_at"] = now
		}

		if err := tx.Model(&models.Payment{}).
			Where("provider = ? AND token = ?", provider, token).
			Updates(updates).Error; err != nil {
			return err
		}

		if (to == models.StatusAuthorized || to == models.StatusRefunded) && payment.PaymentOrderID != nil {
			if err := tx.Model(&models.PaymentOrder{}).
				Where("id = ?", *payment.PaymentOrderID).
				Updates(map[string]interface{}{
					"status":     models.OrderCompleted,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}
		}

		return tx.Where("provider = ? AND token = ?", provider, token).First(&payment).Error
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// MergeProviderMetadata layers new keys over the stored provider metadata.
// Existing keys not present in the update survive.
func (r *PaymentRepository) MergeProviderMetadata(ctx context.Context, provider models.Provider, token string, metadata models.JSONB) error {
	if len(metadata) == 0 {
		return nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("provider = ? AND token = ?", provider, token).
		Updates(map[string]interface{}{
			"provider_metadata": gorm.Expr("COALESCE(provider_metadata, '{}'::jsonb) || ?::jsonb", string(raw)),
			"updated_at":        time.Now().UTC(),
		}).Error
}

// ListPayments lists payments newest-first with optional filters
func (r *PaymentRepository) ListPayments(ctx context.Context, filters ListFilters) ([]models.Payment, error) {
	query := r.db.WithContext(ctx).Model(&models.Payment{})
	if filters.Provider != "" {
		query = query.Where("provider = ?", filters.Provider)
	}
	if filters.Status != "" {
		query = query.Where("status = ?", filters.Status)
	}
	if filters.Start != nil {
		query = query.Where("created_at >= ?", *filters.Start)
	}
	if filters.End != nil {
		query = query.Where("created_at <= ?", *filters.End)
	}
	if filters.Token != "" {
		query = query.Where("token = ?", filters.Token)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 200
	}

	var payments []models.Payment
	err := query.Order("created_at DESC").Limit(limit).Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

// ListPending lists PENDING payments newest-first
func (r *PaymentRepository) ListPending(ctx context.Context) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("status = ?", models.StatusPending).
		Order("created_at DESC").
		Limit(200).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

// ==================== Token Resolution ====================

// GetTokenByPaymentIntent resolves the newest checkout token recorded for a
// Stripe payment intent
func (r *PaymentRepository) GetTokenByPaymentIntent(ctx context.Context, paymentIntentID string) (string, error) {
	if paymentIntentID == "" {
		return "", ErrNotFound
	}
	var token string
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Select("token").
		Where("provider = ? AND provider_metadata ->> 'payment_intent_id' = ?", models.ProviderStripe, paymentIntentID).
		Order("created_at DESC").
		Limit(1).
		Scan(&token).Error
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNotFound
	}
	return token, nil
}

// GetTokenByPayPalCapture resolves the newest order token recorded for a
// PayPal capture id
func (r *PaymentRepository) GetTokenByPayPalCapture(ctx context.Context, captureID string) (string, error) {
	if captureID == "" {
		return "", ErrNotFound
	}
	var token string
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Select("token").
		Where("provider = ? AND provider_metadata ->> 'paypal_capture_id' = ?", models.ProviderPayPal, captureID).
		Order("created_at DESC").
		Limit(1).
		Scan(&token).Error
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNotFound
	}
	return token, nil
}

// GetLatestTokenByBuyOrder resolves the newest Stripe token for a buy order.
// companyID 0 skips the tenancy filter.
func (r *PaymentRepository) GetLatestTokenByBuyOrder(ctx context.Context, buyOrder string, companyID int64) (string, error) {
	if buyOrder == "" {
		return "", ErrNotFound
	}
	query := r.db.WithContext(ctx).Model(&models.Payment{}).
		Select("token").
		Where("provider = ? AND buy_order = ?", models.ProviderStripe, buyOrder)
	if companyID != 0 {
		query = query.Where("company_id = ?", companyID)
	}
	var token string
	err := query.Order("created_at DESC").Limit(1).Scan(&token).Error
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNotFound
	}
	return token, nil
}

// ==================== Refund and Dispute Methods ====================

// CreateRefund inserts a refund row. confirmed_at is stamped when the
// provider already settled the refund.
func (r *PaymentRepository) CreateRefund(ctx context.Context, refund *models.Refund) error {
	if !refund.Amount.IsPositive() {
		return errors.New("refund amount must be positive")
	}
	if refund.Status == "" {
		refund.Status = models.RefundRequested
	}
	if refund.ConfirmedAt == nil && (refund.Status == models.RefundSucceeded || refund.Status == models.RefundCompleted) {
		now := time.Now().UTC()
		refund.ConfirmedAt = &now
	}
	return r.db.WithContext(ctx).Create(refund).Error
}

// RefundExistsByProviderID reports whether a provider refund id was already
// recorded. Webhook handlers use it to keep a refund redelivered under a
// different event type to a single row.
func (r *PaymentRepository) RefundExistsByProviderID(ctx context.Context, provider models.Provider, providerRefundID string) (bool, error) {
	if providerRefundID == "" {
		return false, nil
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Refund{}).
		Where("provider = ? AND provider_refund_id = ?", provider, providerRefundID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SumRefundedAmount sums the settled refund amounts for a payment
func (r *PaymentRepository) SumRefundedAmount(ctx context.Context, paymentID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.WithContext(ctx).Model(&models.Refund{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("payment_id = ? AND status IN ?", paymentID, []models.RefundStatus{models.RefundSucceeded, models.RefundCompleted}).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// UpsertDispute inserts or updates a dispute on (provider,
// provider_dispute_id). Columns only move forward: a redelivered event with
// missing fields cannot blank out what an earlier one recorded.
func (r *PaymentRepository) UpsertDispute(ctx context.Context, dispute *models.Dispute) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "provider"}, {Name: "provider_dispute_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"payment_id": dispute.PaymentID,
			"status":     gorm.Expr("CASE WHEN EXCLUDED.status <> '' THEN EXCLUDED.status ELSE dispute.status END"),
			"amount":     gorm.Expr("CASE WHEN EXCLUDED.amount <> 0 THEN EXCLUDED.amount ELSE dispute.amount END"),
			"reason":     gorm.Expr("CASE WHEN EXCLUDED.reason <> '' THEN EXCLUDED.reason ELSE dispute.reason END"),
			"opened_at":  gorm.Expr("COALESCE(EXCLUDED.opened_at, dispute.opened_at)"),
			"closed_at":  gorm.Expr("COALESCE(EXCLUDED.closed_at, dispute.closed_at)"),
			"payload":    gorm.Expr("CASE WHEN EXCLUDED.payload <> '{}'::jsonb THEN EXCLUDED.payload ELSE dispute.payload END"),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(dispute).Error
}

// ==================== Webhook Inbox Methods ====================

// InsertWebhookInboxEntry records a received webhook. The boolean is false
// when the (provider, event_id) pair was seen before; redeliveries insert
// nothing.
func (r *PaymentRepository) InsertWebhookInboxEntry(ctx context.Context, entry *models.WebhookInboxEntry) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
		DoNothing: true,
	}).Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ==================== Provider Event Log ====================

// CreateProviderEvent appends a provider traffic log row
func (r *PaymentRepository) CreateProviderEvent(ctx context.Context, event *models.ProviderEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// ResolvePaymentIDByToken returns the payment id for a token, or nil when
// no payment carries it yet
func (r *PaymentRepository) ResolvePaymentIDByToken(ctx context.Context, token string) *int64 {
	if token == "" {
		return nil
	}
	var payment models.Payment
	err := r.db.WithContext(ctx).Select("id").Where("token = ?", token).First(&payment).Error
	if err != nil {
		return nil
	}
	return &payment.ID
}

// ==================== Company Methods ====================

// GetCompany gets a company by id
func (r *PaymentRepository) GetCompany(ctx context.Context, companyID int64) (*models.Company, error) {
	var company models.Company
	err := r.db.WithContext(ctx).First(&company, "id = ?", companyID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &company, nil
}

// ValidateCompany checks merchant credentials. Unknown, inactive, and
// token-mismatched companies all fail identically; the comparison is
// constant-time.
func (r *PaymentRepository) ValidateCompany(ctx context.Context, companyID int64, token string) (*models.Company, error) {
	if token == "" {
		return nil, ErrInvalidCredentials
	}
	company, err := r.GetCompany(ctx, companyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !company.Active {
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(company.APIToken), []byte(token)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return company, nil
}

// ==================== Commit Bookkeeping ====================

// CreatePaymentContract stores card/installment details from a commit
func (r *PaymentRepository) CreatePaymentContract(ctx context.Context, contract *models.PaymentContract) error {
	return r.db.WithContext(ctx).Create(contract).Error
}

// CreatePaymentDepositInfo stores the provider settlement breakdown
func (r *PaymentRepository) CreatePaymentDepositInfo(ctx context.Context, info *models.PaymentDepositInfo) error {
	return r.db.WithContext(ctx).Create(info).Error
}

// CreatePaymentAuxAmount stores checkout amount components
func (r *PaymentRepository) CreatePaymentAuxAmount(ctx context.Context, aux *models.PaymentAuxAmount) error {
	return r.db.WithContext(ctx).Create(aux).Error
}

// ==================== Operational Metrics ====================

type statusCountRow struct {
	Status string
	Count  int64
}

// CountPaymentsByStatus returns row counts grouped by status
func (r *PaymentRepository) CountPaymentsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []statusCountRow
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

type providerCountRow struct {
	Provider string
	Count    int64
}

// CountPendingByProvider returns PENDING row counts grouped by provider
func (r *PaymentRepository) CountPendingByProvider(ctx context.Context) (map[string]int64, error) {
	var rows []providerCountRow
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Select("provider, COUNT(*) AS count").
		Where("status = ?", models.StatusPending).
		Group("provider").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Provider] = row.Count
	}
	return counts, nil
}

// SumVolumeSince sums the authorized payment volume created after the given
// time
func (r *PaymentRepository) SumVolumeSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("created_at >= ? AND status IN ?", since, []models.PaymentStatus{models.StatusAuthorized, models.StatusRefunded}).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// Ping checks database connectivity
func (r *PaymentRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
