package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"payment-gateway/internal/models"
)

// MemoryStore is the dev-only store used when no database is configured.
// Tenant validation accepts any non-empty company token in this mode.
type MemoryStore struct {
	mu sync.RWMutex

	payments    map[int64]models.Payment
	byToken     map[string]int64
	byIdem      map[idemKey]int64
	orders      map[orderKey]models.PaymentOrder
	refunds     []models.Refund
	disputes    map[disputeKey]models.Dispute
	inbox       map[inboxKey]models.WebhookInboxEntry
	events      []models.ProviderEvent
	contracts   []models.PaymentContract
	deposits    []models.PaymentDepositInfo
	auxAmounts  []models.PaymentAuxAmount
	nextID      int64
	nextOrderID int64
}

type idemKey struct {
	companyID int64
	key       string
}

type orderKey struct {
	companyID int64
	buyOrder  string
}

type disputeKey struct {
	provider  models.Provider
	disputeID string
}

type inboxKey struct {
	provider models.Provider
	eventID  string
}

var _ PaymentStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[int64]models.Payment),
		byToken:  make(map[string]int64),
		byIdem:   make(map[idemKey]int64),
		orders:   make(map[orderKey]models.PaymentOrder),
		disputes: make(map[disputeKey]models.Dispute),
		inbox:    make(map[inboxKey]models.WebhookInboxEntry),
	}
}

// CreatePayment assigns ids and indexes the payment by token and
// idempotency key
func (s *MemoryStore) CreatePayment(_ context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	ok := orderKey{companyID: payment.CompanyID, buyOrder: payment.BuyOrder}
	order, exists := s.orders[ok]
	if !exists {
		s.nextOrderID++
		order = models.PaymentOrder{
			ID:        s.nextOrderID,
			CompanyID: payment.CompanyID,
			BuyOrder:  payment.BuyOrder,
			Status:    models.OrderOpen,
			CreatedAt: now,
		}
	}
	order.Amount = payment.Amount
	order.Currency = payment.Currency
	order.UpdatedAt = now
	s.orders[ok] = order

	s.nextID++
	payment.ID = s.nextID
	payment.PaymentOrderID = &order.ID
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now

	s.payments[payment.ID] = *payment
	if payment.Token != "" {
		s.byToken[payment.Token] = payment.ID
	}
	if payment.IdempotencyKey != nil && *payment.IdempotencyKey != "" {
		s.byIdem[idemKey{companyID: payment.CompanyID, key: *payment.IdempotencyKey}] = payment.ID
	}
	return nil
}

// GetPaymentByToken gets a payment by token
func (s *MemoryStore) GetPaymentByToken(_ context.Context, token string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	payment := s.payments[id]
	return &payment, nil
}

// GetPaymentByID gets a payment by internal id
func (s *MemoryStore) GetPaymentByID(_ context.Context, id int64) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payment, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &payment, nil
}

// GetPaymentByIdempotencyKey gets the payment recorded under
// (company_id, idempotency_key)
func (s *MemoryStore) GetPaymentByIdempotencyKey(_ context.Context, companyID int64, key string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byIdem[idemKey{companyID: companyID, key: key}]
	if !ok {
		return nil, ErrNotFound
	}
	payment := s.payments[id]
	return &payment, nil
}

// UpdateStatusByToken transitions a payment following the lifecycle table
func (s *MemoryStore) UpdateStatusByToken(_ context.Context, provider models.Provider, token string, to models.PaymentStatus, upd StatusUpdate) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	payment := s.payments[id]
	if payment.Provider != provider {
		return nil, ErrNotFound
	}

	if !models.CanTransition(payment.Status, to) {
		return &payment, nil
	}

	now := time.Now().UTC()
	payment.Status = to
	payment.UpdatedAt = now
	if upd.ResponseCode != nil {
		payment.ResponseCode = upd.ResponseCode
	}
	if upd.StatusReason != "" {
		payment.StatusReason = upd.StatusReason
	}
	if upd.AuthorizationCode != "" {
		payment.AuthorizationCode = upd.AuthorizationCode
	}
	switch to {
	case models.StatusAuthorized:
		if payment.FirstAuthorizedAt == nil {
			payment.FirstAuthorizedAt = &now
		}
	case models.StatusFailed:
		payment.FailedAt = &now
	case models.StatusCanceled:
		payment.CanceledAt = &now
	case models.StatusRefunded:
		payment.RefundedAt = &now
	}
	s.payments[id] = payment

	if to == models.StatusAuthorized || to == models.StatusRefunded {
		ok := orderKey{companyID: payment.CompanyID, buyOrder: payment.BuyOrder}
		if order, exists := s.orders[ok]; exists {
			order.Status = models.OrderCompleted
			order.UpdatedAt = now
			s.orders[ok] = order
		}
	}

	return &payment, nil
}

// MergeProviderMetadata layers new keys over the stored metadata
func (s *MemoryStore) MergeProviderMetadata(_ context.Context, provider models.Provider, token string, metadata models.JSONB) error {
	if len(metadata) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil
	}
	payment := s.payments[id]
	if payment.Provider != provider {
		return nil
	}
	payment.ProviderMetadata = payment.ProviderMetadata.MergedWith(metadata)
	payment.UpdatedAt = time.Now().UTC()
	s.payments[id] = payment
	return nil
}

// ListPayments lists payments newest-first with optional filters
func (s *MemoryStore) ListPayments(_ context.Context, filters ListFilters) ([]models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payments []models.Payment
	for _, payment := range s.payments {
		if filters.Provider != "" && string(payment.Provider) != filters.Provider {
			continue
		}
		if filters.Status != "" && payment.Status != filters.Status {
			continue
		}
		if filters.Start != nil && payment.CreatedAt.Before(*filters.Start) {
			continue
		}
		if filters.End != nil && payment.CreatedAt.After(*filters.End) {
			continue
		}
		if filters.Token != "" && payment.Token != filters.Token {
			continue
		}
		payments = append(payments, payment)
	}

	sortNewestFirst(payments)

	limit := filters.Limit
	if limit <= 0 {
		limit = 200
	}
	if len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}

// ListPending lists PENDING payments newest-first
func (s *MemoryStore) ListPending(ctx context.Context) ([]models.Payment, error) {
	return s.ListPayments(ctx, ListFilters{Status: models.StatusPending})
}

// GetTokenByPaymentIntent resolves a token via stored provider metadata
func (s *MemoryStore) GetTokenByPaymentIntent(_ context.Context, paymentIntentID string) (string, error) {
	return s.findTokenByMetadata(models.ProviderStripe, "payment_intent_id", paymentIntentID)
}

// GetTokenByPayPalCapture resolves a token via stored provider metadata
func (s *MemoryStore) GetTokenByPayPalCapture(_ context.Context, captureID string) (string, error) {
	return s.findTokenByMetadata(models.ProviderPayPal, "paypal_capture_id", captureID)
}

func (s *MemoryStore) findTokenByMetadata(provider models.Provider, key, value string) (string, error) {
	if value == "" {
		return "", ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Payment
	for _, payment := range s.payments {
		if payment.Provider != provider || payment.ProviderMetadata.GetString(key) != value {
			continue
		}
		p := payment
		if best == nil || p.CreatedAt.After(best.CreatedAt) {
			best = &p
		}
	}
	if best == nil {
		return "", ErrNotFound
	}
	return best.Token, nil
}

// GetLatestTokenByBuyOrder resolves the newest Stripe token for a buy order
func (s *MemoryStore) GetLatestTokenByBuyOrder(_ context.Context, buyOrder string, companyID int64) (string, error) {
	if buyOrder == "" {
		return "", ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Payment
	for _, payment := range s.payments {
		if payment.Provider != models.ProviderStripe || payment.BuyOrder != buyOrder {
			continue
		}
		if companyID != 0 && payment.CompanyID != companyID {
			continue
		}
		p := payment
		if best == nil || p.CreatedAt.After(best.CreatedAt) {
			best = &p
		}
	}
	if best == nil {
		return "", ErrNotFound
	}
	return best.Token, nil
}

// CreateRefund appends a refund row
func (s *MemoryStore) CreateRefund(_ context.Context, refund *models.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if refund.Status == "" {
		refund.Status = models.RefundRequested
	}
	if refund.ConfirmedAt == nil && (refund.Status == models.RefundSucceeded || refund.Status == models.RefundCompleted) {
		now := time.Now().UTC()
		refund.ConfirmedAt = &now
	}
	refund.ID = int64(len(s.refunds) + 1)
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}
	s.refunds = append(s.refunds, *refund)
	return nil
}

// RefundExistsByProviderID reports whether a provider refund id was already
// recorded. Webhook handlers use it to keep a refund redelivered under a
// different event type to a single row.
func (s *MemoryStore) RefundExistsByProviderID(_ context.Context, provider models.Provider, providerRefundID string) (bool, error) {
	if providerRefundID == "" {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, refund := range s.refunds {
		if refund.Provider == provider && refund.ProviderRefundID == providerRefundID {
			return true, nil
		}
	}
	return false, nil
}

// SumRefundedAmount sums settled refund amounts for a payment
func (s *MemoryStore) SumRefundedAmount(_ context.Context, paymentID int64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, refund := range s.refunds {
		if refund.PaymentID != paymentID {
			continue
		}
		if refund.Status == models.RefundSucceeded || refund.Status == models.RefundCompleted {
			total = total.Add(refund.Amount)
		}
	}
	return total, nil
}

// UpsertDispute inserts or merges a dispute keyed by
// (provider, provider_dispute_id)
func (s *MemoryStore) UpsertDispute(_ context.Context, dispute *models.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := disputeKey{provider: dispute.Provider, disputeID: dispute.ProviderDisputeID}
	now := time.Now().UTC()
	existing, ok := s.disputes[key]
	if !ok {
		dispute.ID = int64(len(s.disputes) + 1)
		dispute.CreatedAt = now
		dispute.UpdatedAt = now
		s.disputes[key] = *dispute
		return nil
	}

	existing.PaymentID = dispute.PaymentID
	if dispute.Status != "" {
		existing.Status = dispute.Status
	}
	if !dispute.Amount.IsZero() {
		existing.Amount = dispute.Amount
	}
	if dispute.Reason != "" {
		existing.Reason = dispute.Reason
	}
	if dispute.OpenedAt != nil {
		existing.OpenedAt = dispute.OpenedAt
	}
	if dispute.ClosedAt != nil {
		existing.ClosedAt = dispute.ClosedAt
	}
	if len(dispute.Payload) > 0 {
		existing.Payload = dispute.Payload
	}
	existing.UpdatedAt = now
	s.disputes[key] = existing
	*dispute = existing
	return nil
}

// InsertWebhookInboxEntry records a webhook; false means it was a redelivery
func (s *MemoryStore) InsertWebhookInboxEntry(_ context.Context, entry *models.WebhookInboxEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inboxKey{provider: entry.Provider, eventID: entry.EventID}
	if _, exists := s.inbox[key]; exists {
		return false, nil
	}
	entry.ID = int64(len(s.inbox) + 1)
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	s.inbox[key] = *entry
	return true, nil
}

// CreateProviderEvent appends a provider traffic log row
func (s *MemoryStore) CreateProviderEvent(_ context.Context, event *models.ProviderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.ID = int64(len(s.events) + 1)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, *event)
	return nil
}

// ResolvePaymentIDByToken returns the payment id for a token, or nil
func (s *MemoryStore) ResolvePaymentIDByToken(_ context.Context, token string) *int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil
	}
	return &id
}

// GetCompany synthesizes an offline company; there is no company table in
// this mode
func (s *MemoryStore) GetCompany(_ context.Context, companyID int64) (*models.Company, error) {
	return &models.Company{
		ID:     companyID,
		Name:   "offline-company",
		Active: true,
	}, nil
}

// ValidateCompany accepts any non-empty token. Dev-only behavior; real
// deployments configure the database and get tenant enforcement.
func (s *MemoryStore) ValidateCompany(ctx context.Context, companyID int64, token string) (*models.Company, error) {
	if token == "" {
		return nil, ErrInvalidCredentials
	}
	return s.GetCompany(ctx, companyID)
}

// CreatePaymentContract stores card/installment details from a commit
func (s *MemoryStore) CreatePaymentContract(_ context.Context, contract *models.PaymentContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	contract.ID = int64(len(s.contracts) + 1)
	s.contracts = append(s.contracts, *contract)
	return nil
}

// CreatePaymentDepositInfo stores the provider settlement breakdown
func (s *MemoryStore) CreatePaymentDepositInfo(_ context.Context, info *models.PaymentDepositInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.ID = int64(len(s.deposits) + 1)
	s.deposits = append(s.deposits, *info)
	return nil
}

// CreatePaymentAuxAmount stores checkout amount components
func (s *MemoryStore) CreatePaymentAuxAmount(_ context.Context, aux *models.PaymentAuxAmount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	aux.ID = int64(len(s.auxAmounts) + 1)
	s.auxAmounts = append(s.auxAmounts, *aux)
	return nil
}

// CountPaymentsByStatus returns row counts grouped by status
func (s *MemoryStore) CountPaymentsByStatus(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, payment := range s.payments {
		counts[string(payment.Status)]++
	}
	return counts, nil
}

// CountPendingByProvider returns PENDING row counts grouped by provider
func (s *MemoryStore) CountPendingByProvider(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, payment := range s.payments {
		if payment.Status == models.StatusPending {
			counts[string(payment.Provider)]++
		}
	}
	return counts, nil
}

// SumVolumeSince sums the authorized payment volume created after the given
// time
func (s *MemoryStore) SumVolumeSince(_ context.Context, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, payment := range s.payments {
		if payment.CreatedAt.Before(since) {
			continue
		}
		if payment.Status == models.StatusAuthorized || payment.Status == models.StatusRefunded {
			total = total.Add(payment.Amount)
		}
	}
	return total, nil
}

// Ping always succeeds; there is no backing connection
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func sortNewestFirst(payments []models.Payment) {
	sort.Slice(payments, func(i, j int) bool {
		if payments[i].CreatedAt.Equal(payments[j].CreatedAt) {
			return payments[i].ID > payments[j].ID
		}
		return payments[i].CreatedAt.After(payments[j].CreatedAt)
	})
}
