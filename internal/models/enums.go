package models

// Provider identifies an external payment processor
type Provider string

const (
	ProviderWebpay Provider = "webpay"
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
)

// ProviderAliases maps accepted request spellings to canonical providers.
// "transbank" is the legacy name some merchant integrations still send.
var ProviderAliases = map[string]Provider{
	"webpay":    ProviderWebpay,
	"transbank": ProviderWebpay,
	"stripe":    ProviderStripe,
	"paypal":    ProviderPayPal,
}

// ResolveProvider normalizes a request-supplied provider name. The boolean
// is false for unknown names.
func ResolveProvider(name string) (Provider, bool) {
	p, ok := ProviderAliases[name]
	return p, ok
}

// PaymentStatus represents the payment attempt lifecycle status
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "PENDING"
	StatusAuthorized PaymentStatus = "AUTHORIZED"
	StatusFailed     PaymentStatus = "FAILED"
	StatusCanceled   PaymentStatus = "CANCELED"
	StatusRefunded   PaymentStatus = "REFUNDED"
	StatusToConfirm  PaymentStatus = "TO_CONFIRM"
	StatusAbandoned  PaymentStatus = "ABANDONED"
)

// allowedTransitions is the payment lifecycle table. A status missing from
// the outer map has no outgoing transitions. AUTHORIZED may still move to
// FAILED (dispute lost) or REFUNDED; FAILED may recover to AUTHORIZED when
// a dispute is won or funds are reinstated.
var allowedTransitions = map[PaymentStatus]map[PaymentStatus]bool{
	StatusPending: {
		StatusAuthorized: true,
		StatusFailed:     true,
		StatusCanceled:   true,
		StatusToConfirm:  true,
		StatusAbandoned:  true,
	},
	StatusAuthorized: {
		StatusFailed:   true,
		StatusRefunded: true,
	},
	StatusFailed: {
		StatusAuthorized: true,
	},
}

// CanTransition reports whether a payment may move from one status to
// another. Disallowed transitions are treated as no-ops by the store, not
// as errors.
func CanTransition(from, to PaymentStatus) bool {
	return allowedTransitions[from][to]
}

// IsTerminal reports whether no transition leaves the status.
func (s PaymentStatus) IsTerminal() bool {
	return len(allowedTransitions[s]) == 0
}

// PaymentType represents the card family requested by the merchant
type PaymentType string

const (
	PaymentTypeCredit  PaymentType = "credit"
	PaymentTypeDebit   PaymentType = "debit"
	PaymentTypePrepaid PaymentType = "prepaid"
)

// OrderStatus represents the PaymentOrder lifecycle
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderCompleted OrderStatus = "COMPLETED"
)

// RefundStatus represents the refund row status
type RefundStatus string

const (
	RefundRequested RefundStatus = "REQUESTED"
	RefundPending   RefundStatus = "PENDING"
	RefundSucceeded RefundStatus = "SUCCEEDED"
	RefundCompleted RefundStatus = "COMPLETED"
	RefundFailed    RefundStatus = "FAILED"
)

// Direction marks whether a provider event was sent or received
type Direction string

const (
	DirectionOutbound Direction = "OUTBOUND"
	DirectionInbound  Direction = "INBOUND"
)

// Operation identifies the provider call being logged
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationCommit Operation = "COMMIT"
	OperationStatus Operation = "STATUS"
	OperationRefund Operation = "REFUND"
)

// VerificationStatus records the webhook signature check outcome
type VerificationStatus string

const (
	VerificationSuccess VerificationStatus = "SUCCESS"
	VerificationFailure VerificationStatus = "FAILURE"
	VerificationUnknown VerificationStatus = "UNKNOWN"
)

// Environment selects provider integration endpoints
type Environment string

const (
	EnvironmentTest Environment = "test"
	EnvironmentLive Environment = "live"
)
