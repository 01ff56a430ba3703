package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment represents one attempt at paying an order through one provider.
// The provider-issued token is unique per provider and resolves the attempt
// on return callbacks and webhooks.
type Payment struct {
	ID             int64    `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentOrderID *int64   `gorm:"index:idx_payment_order_ref" json:"payment_order_id,omitempty"`
	CompanyID      int64    `gorm:"not null;index:idx_payment_company;uniqueIndex:idx_payment_company_idem" json:"company_id"`
	BuyOrder       string   `gorm:"type:varchar(255);not null;index:idx_payment_buy_order" json:"buy_order"`
	Provider       Provider `gorm:"type:varchar(20);not null;uniqueIndex:idx_payment_provider_token" json:"provider"`
	Token          string   `gorm:"type:varchar(255);uniqueIndex:idx_payment_provider_token" json:"token"`

	Amount   decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	Currency string          `gorm:"type:varchar(3);not null" json:"currency"`

	Status PaymentStatus `gorm:"type:varchar(20);not null;index:idx_payment_status" json:"status"`

	// Merchant metadata
	PaymentType PaymentType `gorm:"type:varchar(20)" json:"payment_type,omitempty"`
	CommerceID  string      `gorm:"type:varchar(255)" json:"commerce_id,omitempty"`
	ProductID   string      `gorm:"type:varchar(255)" json:"product_id,omitempty"`
	ProductName string      `gorm:"type:varchar(255)" json:"product_name,omitempty"`
	CustomerRUT string      `gorm:"type:varchar(20)" json:"customer_rut,omitempty"`
	Environment Environment `gorm:"type:varchar(10)" json:"environment,omitempty"`

	// Redirect state
	RedirectURL string `gorm:"type:text" json:"redirect_url,omitempty"`
	ReturnURL   string `gorm:"type:text" json:"return_url,omitempty"`
	SuccessURL  string `gorm:"type:text" json:"success_url,omitempty"`
	FailureURL  string `gorm:"type:text" json:"failure_url,omitempty"`
	CancelURL   string `gorm:"type:text" json:"cancel_url,omitempty"`

	// Provider outcome
	ResponseCode      *int   `json:"response_code,omitempty"`
	StatusReason      string `gorm:"type:text" json:"status_reason,omitempty"`
	AuthorizationCode string `gorm:"type:varchar(255)" json:"authorization_code,omitempty"`

	// Open key/value state written by adapters (payment_intent_id,
	// paypal_capture_id, token_ws, checkout_session_id, ...). Updates merge,
	// they never replace.
	ProviderMetadata JSONB `gorm:"type:jsonb" json:"provider_metadata,omitempty"`
	Context          JSONB `gorm:"type:jsonb" json:"context,omitempty"`

	IdempotencyKey *string `gorm:"type:varchar(255);uniqueIndex:idx_payment_company_idem" json:"idempotency_key,omitempty"`

	CreatedAt         time.Time  `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
	FirstAuthorizedAt *time.Time `json:"first_authorized_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`
	RefundedAt        *time.Time `json:"refunded_at,omitempty"`
}

// TableName specifies the table name for Payment
func (Payment) TableName() string {
	return "payment"
}

// PaymentOrder groups payment attempts per (company_id, buy_order) and
// carries the expected amount. It is upserted on every payment save and
// marked COMPLETED when an attempt authorizes or refunds.
type PaymentOrder struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	CompanyID int64           `gorm:"not null;uniqueIndex:idx_payment_order_company_buy_order" json:"company_id"`
	BuyOrder  string          `gorm:"type:varchar(255);not null;uniqueIndex:idx_payment_order_company_buy_order" json:"buy_order"`
	Amount    decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	Currency  string          `gorm:"type:varchar(3);not null" json:"currency"`
	Status    OrderStatus     `gorm:"type:varchar(20);not null;default:'OPEN'" json:"status"`
	CreatedAt time.Time       `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time       `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for PaymentOrder
func (PaymentOrder) TableName() string {
	return "payment_order"
}

// Company represents a merchant tenant. API calls carry the company id and
// token; validation compares tokens in constant time.
type Company struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string    `gorm:"type:varchar(255);not null" json:"name"`
	ContactEmail string    `gorm:"type:varchar(255)" json:"contact_email,omitempty"`
	APIToken     string    `gorm:"type:varchar(255);not null" json:"-"`
	Active       bool      `gorm:"default:true" json:"active"`
	CreatedAt    time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for Company
func (Company) TableName() string {
	return "company"
}

// Refund represents one refund attempt against a payment. Failed provider
// calls still produce a row with status FAILED for audit.
type Refund struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID        int64           `gorm:"not null;index:idx_refund_payment" json:"payment_id"`
	Provider         Provider        `gorm:"type:varchar(20);not null" json:"provider"`
	Amount           decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	Status           RefundStatus    `gorm:"type:varchar(20);not null" json:"status"`
	ProviderRefundID string          `gorm:"type:varchar(255)" json:"provider_refund_id,omitempty"`
	Reason           string          `gorm:"type:text" json:"reason,omitempty"`
	Payload          JSONB           `gorm:"type:jsonb" json:"payload,omitempty"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
	CreatedAt        time.Time       `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName specifies the table name for Refund
func (Refund) TableName() string {
	return "refund"
}

// Dispute represents a chargeback or wallet dispute, upserted on
// (provider, provider_dispute_id) as webhook events arrive.
type Dispute struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID         int64           `gorm:"not null;index:idx_dispute_payment" json:"payment_id"`
	Provider          Provider        `gorm:"type:varchar(20);not null;uniqueIndex:idx_dispute_provider_dispute" json:"provider"`
	ProviderDisputeID string          `gorm:"type:varchar(255);not null;uniqueIndex:idx_dispute_provider_dispute" json:"provider_dispute_id"`
	Status            string          `gorm:"type:varchar(50);not null" json:"status"`
	Amount            decimal.Decimal `gorm:"type:numeric(18,2)" json:"amount"`
	Reason            string          `gorm:"type:text" json:"reason,omitempty"`
	OpenedAt          *time.Time      `json:"opened_at,omitempty"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	Payload           JSONB           `gorm:"type:jsonb" json:"payload,omitempty"`
	CreatedAt         time.Time       `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for Dispute
func (Dispute) TableName() string {
	return "dispute"
}

// ProviderEvent is an append-only log of provider traffic. Request headers
// are masked before the row is built; payload columns never carry secrets.
type ProviderEvent struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID       *int64    `gorm:"index:idx_provider_event_payment" json:"payment_id,omitempty"`
	Provider        Provider  `gorm:"type:varchar(20);not null" json:"provider"`
	Direction       Direction `gorm:"type:varchar(10);not null" json:"direction"`
	Operation       Operation `gorm:"type:varchar(10);not null" json:"operation"`
	RequestURL      string    `gorm:"type:text" json:"request_url,omitempty"`
	RequestHeaders  JSONB     `gorm:"type:jsonb" json:"request_headers,omitempty"`
	RequestBody     string    `gorm:"type:text" json:"request_body,omitempty"`
	ResponseStatus  int       `json:"response_status,omitempty"`
	ResponseHeaders JSONB     `gorm:"type:jsonb" json:"response_headers,omitempty"`
	ResponseBody    string    `gorm:"type:text" json:"response_body,omitempty"`
	ErrorMessage    string    `gorm:"type:text" json:"error_message,omitempty"`
	LatencyMS       int64     `json:"latency_ms"`
	CreatedAt       time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName specifies the table name for ProviderEvent
func (ProviderEvent) TableName() string {
	return "provider_event_log"
}

// WebhookInboxEntry is the webhook dedup surface. The unique
// (provider, event_id) pair lets redeliveries insert-nothing and ensures
// at-most-once side effects per event.
type WebhookInboxEntry struct {
	ID                 int64              `gorm:"primaryKey;autoIncrement" json:"id"`
	Provider           Provider           `gorm:"type:varchar(20);not null;uniqueIndex:idx_webhook_inbox_provider_event" json:"provider"`
	EventID            string             `gorm:"type:varchar(255);not null;uniqueIndex:idx_webhook_inbox_provider_event" json:"event_id"`
	EventType          string             `gorm:"type:varchar(100)" json:"event_type,omitempty"`
	VerificationStatus VerificationStatus `gorm:"type:varchar(10);not null" json:"verification_status"`
	Headers            JSONB              `gorm:"type:jsonb" json:"headers,omitempty"`
	Payload            JSONB              `gorm:"type:jsonb" json:"payload,omitempty"`
	RelatedPaymentID   *int64             `json:"related_payment_id,omitempty"`
	ReceivedAt         time.Time          `gorm:"default:CURRENT_TIMESTAMP" json:"received_at"`
}

// TableName specifies the table name for WebhookInboxEntry
func (WebhookInboxEntry) TableName() string {
	return "webhook_inbox"
}

// PaymentContract stores card-level commit details reported by the
// bank-redirect provider: installment plan and the masked card number.
type PaymentContract struct {
	ID                 int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID          int64           `gorm:"not null;index:idx_payment_contract_payment" json:"payment_id"`
	PaymentTypeCode    string          `gorm:"type:varchar(10)" json:"payment_type_code,omitempty"`
	InstallmentsNumber int             `json:"installments_number"`
	InstallmentsAmount decimal.Decimal `gorm:"type:numeric(18,2)" json:"installments_amount"`
	CardLastFour       string          `gorm:"type:varchar(4)" json:"card_last_four,omitempty"`
	CreatedAt          time.Time       `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName specifies the table name for PaymentContract
func (PaymentContract) TableName() string {
	return "payment_contract"
}

// PaymentDepositInfo stores the provider's settlement breakdown for a
// captured payment: gross amount, provider fee, and net deposit.
type PaymentDepositInfo struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID   int64           `gorm:"not null;index:idx_payment_deposit_payment" json:"payment_id"`
	CaptureID   string          `gorm:"type:varchar(255)" json:"capture_id,omitempty"`
	GrossAmount decimal.Decimal `gorm:"type:numeric(18,2)" json:"gross_amount"`
	ProviderFee decimal.Decimal `gorm:"type:numeric(18,2)" json:"provider_fee"`
	NetAmount   decimal.Decimal `gorm:"type:numeric(18,2)" json:"net_amount"`
	Currency    string          `gorm:"type:varchar(3)" json:"currency,omitempty"`
	CreatedAt   time.Time       `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName specifies the table name for PaymentDepositInfo
func (PaymentDepositInfo) TableName() string {
	return "payment_deposit_info"
}

// PaymentAuxAmount stores checkout amount components (tax, shipping,
// discount) when the hosted-checkout provider reports them.
type PaymentAuxAmount struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID      int64           `gorm:"not null;index:idx_payment_aux_payment" json:"payment_id"`
	AmountSubtotal decimal.Decimal `gorm:"type:numeric(18,2)" json:"amount_subtotal"`
	AmountTax      decimal.Decimal `gorm:"type:numeric(18,2)" json:"amount_tax"`
	AmountShipping decimal.Decimal `gorm:"type:numeric(18,2)" json:"amount_shipping"`
	AmountDiscount decimal.Decimal `gorm:"type:numeric(18,2)" json:"amount_discount"`
	Currency       string          `gorm:"type:varchar(3)" json:"currency,omitempty"`
	CreatedAt      time.Time       `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName specifies the table name for PaymentAuxAmount
func (PaymentAuxAmount) TableName() string {
	return "payment_aux_amount"
}
