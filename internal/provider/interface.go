// Package provider contains the adapters that talk to the external payment
// processors. All adapters implement the same capability set: create a
// redirect, commit (capture) on shopper return, read status, and refund.
// Adapters convert between the gateway's major-unit decimals and each
// processor's amount convention, and log every outbound call.
package provider

import (
	"context"

	"github.com/shopspring/decimal"

	"payment-gateway/internal/models"
)

// CreateResult is the provider's answer to a create call: where to send the
// shopper and the token that identifies the attempt from here on.
type CreateResult struct {
	RedirectURL string
	Token       string
}

// ContractInfo carries card and installment details reported on commit.
type ContractInfo struct {
	PaymentTypeCode    string
	InstallmentsNumber int
	InstallmentsAmount decimal.Decimal
	CardLastFour       string
}

// DepositInfo carries the settlement breakdown reported on capture.
type DepositInfo struct {
	CaptureID   string
	GrossAmount decimal.Decimal
	ProviderFee decimal.Decimal
	NetAmount   decimal.Decimal
	Currency    string
}

// AuxAmounts carries checkout amount components reported by hosted
// checkout sessions.
type AuxAmounts struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
	Currency string
}

// CommitResult is the provider's answer to a commit call. ResponseCode 0
// means the payment authorized; anything else is a failure code surfaced
// from the provider. Metadata is merged into the payment's provider
// metadata by the service. Contract, Deposit and AuxAmounts are optional
// bookkeeping extras.
type CommitResult struct {
	ResponseCode      int
	AuthorizationCode string
	PaymentIntentID   string
	ChargeID          string
	ProviderStatus    string
	Metadata          models.JSONB
	Contract          *ContractInfo
	Deposit           *DepositInfo
	AuxAmounts        *AuxAmounts
}

// Authorized reports whether the commit ended in an authorized payment.
func (r *CommitResult) Authorized() bool {
	return r.ResponseCode == 0
}

// RefundResult is the provider's answer to a refund call. OK false with a
// Status explains why (for example NO_CAPTURES); Error carries the provider
// message when the call itself failed.
type RefundResult struct {
	OK               bool
	Amount           decimal.Decimal
	ProviderRefundID string
	Status           string
	Payload          models.JSONB
	Error            string
}

// Provider is the capability set every payment processor adapter
// implements. Amount unit conversion is the adapter's concern; callers
// always pass major-unit decimals. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Name returns the canonical provider identifier.
	Name() models.Provider

	// Create starts a payment attempt and returns the shopper redirect.
	// Adapters may write bookkeeping keys into payment.ProviderMetadata.
	Create(ctx context.Context, payment *models.Payment, returnURL string) (*CreateResult, error)

	// Commit finalizes the attempt identified by token.
	Commit(ctx context.Context, token string) (*CommitResult, error)

	// Status reads the provider-side status without side effects. A nil
	// status means the provider state does not map to a local one.
	Status(ctx context.Context, token string) (*models.PaymentStatus, error)

	// Refund reverses up to the captured amount. A nil amount requests a
	// full refund where the provider supports it.
	Refund(ctx context.Context, token string, amount *decimal.Decimal) (*RefundResult, error)
}

func statusPtr(s models.PaymentStatus) *models.PaymentStatus {
	return &s
}
