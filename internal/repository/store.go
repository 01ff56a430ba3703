package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"payment-gateway/internal/models"
)

// Store errors
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidCredentials = errors.New("invalid company credentials")
)

// ListFilters narrows the payment list query. Zero values mean "no filter";
// Limit falls back to 200 rows.
type ListFilters struct {
	Provider string
	Status   models.PaymentStatus
	Start    *time.Time
	End      *time.Time
	Token    string
	Limit    int
}

// StatusUpdate carries the optional provider outcome columns written
// alongside a status transition. Nil/empty values keep the stored ones.
type StatusUpdate struct {
	ResponseCode      *int
	StatusReason      string
	AuthorizationCode string
}

// PaymentStore is the persistence surface used by the orchestration service
// and the HTTP handlers. PaymentRepository implements it over PostgreSQL;
// MemoryStore implements it for deployments without a database.
type PaymentStore interface {
	// Payments
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByToken(ctx context.Context, token string) (*models.Payment, error)
	GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentByIdempotencyKey(ctx context.Context, companyID int64, key string) (*models.Payment, error)
	UpdateStatusByToken(ctx context.Context, provider models.Provider, token string, to models.PaymentStatus, upd StatusUpdate) (*models.Payment, error)
	MergeProviderMetadata(ctx context.Context, provider models.Provider, token string, metadata models.JSONB) error
	ListPayments(ctx context.Context, filters ListFilters) ([]models.Payment, error)
	ListPending(ctx context.Context) ([]models.Payment, error)

	// Token resolution for webhook payloads
	GetTokenByPaymentIntent(ctx context.Context, paymentIntentID string) (string, error)
	GetTokenByPayPalCapture(ctx context.Context, captureID string) (string, error)
	GetLatestTokenByBuyOrder(ctx context.Context, buyOrder string, companyID int64) (string, error)

	// Refunds and disputes
	CreateRefund(ctx context.Context, refund *models.Refund) error
	SumRefundedAmount(ctx context.Context, paymentID int64) (decimal.Decimal, error)
	RefundExistsByProviderID(ctx context.Context, provider models.Provider, providerRefundID string) (bool, error)
	UpsertDispute(ctx context.Context, dispute *models.Dispute) error

	// Webhook inbox; the boolean is false when (provider, event_id) was
	// already recorded
	InsertWebhookInboxEntry(ctx context.Context, entry *models.WebhookInboxEntry) (bool, error)

	// Provider event log
	CreateProviderEvent(ctx context.Context, event *models.ProviderEvent) error
	ResolvePaymentIDByToken(ctx context.Context, token string) *int64

	// Companies
	GetCompany(ctx context.Context, companyID int64) (*models.Company, error)
	ValidateCompany(ctx context.Context, companyID int64, token string) (*models.Company, error)

	// Commit bookkeeping
	CreatePaymentContract(ctx context.Context, contract *models.PaymentContract) error
	CreatePaymentDepositInfo(ctx context.Context, info *models.PaymentDepositInfo) error
	CreatePaymentAuxAmount(ctx context.Context, aux *models.PaymentAuxAmount) error

	// Operational metrics
	CountPaymentsByStatus(ctx context.Context) (map[string]int64, error)
	CountPendingByProvider(ctx context.Context) (map[string]int64, error)
	SumVolumeSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
	Ping(ctx context.Context) error
}
