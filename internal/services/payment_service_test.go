package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-gateway/internal/apperrors"
	"payment-gateway/internal/config"
	"payment-gateway/internal/models"
	"payment-gateway/internal/provider"
	"payment-gateway/internal/repository"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newServiceTest wires a payment service over the in-memory store with the
// Webpay adapter pointed at the given fake.
func newServiceTest(t *testing.T, handler http.Handler) (*PaymentService, *repository.MemoryStore) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := testLogger()
	store := repository.NewMemoryStore()
	cfg := &config.Config{
		DefaultProvider: "webpay",
		TbkAPIKeyID:     "597055555532",
		TbkAPIKeySecret: "597055555532",
		TbkHost:         server.URL,
		TbkAPIBase:      "",
		TbkEnvironment:  "test",
		ReturnURL:       "http://localhost:8000/api/payments/tbk/return",
	}
	registry := provider.NewRegistry(cfg, provider.NewEventLogger(store, nil, logger), logger)
	return NewPaymentService(store, registry, cfg, nil, nil, logger), store
}

func createRequest() *models.PaymentCreateRequest {
	return &models.PaymentCreateRequest{
		BuyOrder:     "order-1",
		Amount:       decimal.NewFromInt(15000),
		Currency:     "CLP",
		CompanyID:    1,
		CompanyToken: "demo-token",
		SuccessURL:   "https://shop.example/ok",
		FailureURL:   "https://shop.example/fail",
		CancelURL:    "https://shop.example/cancel",
	}
}

// webpayFake serves the create and commit legs of the bank flow.
func webpayFake(createToken string, commitResponseCode int) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"token": createToken,
			"url":   "https://webpay3gint.transbank.cl/webpayserver/initTransaction",
		})
	})
	mux.HandleFunc("/transactions/"+createToken, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":             "AUTHORIZED",
			"buy_order":          "order-1",
			"authorization_code": "1213",
			"response_code":      commitResponseCode,
		})
	})
	return mux
}

func TestCreatePayment(t *testing.T) {
	svc, store := newServiceTest(t, webpayFake("tok-1", 0))

	resp, err := svc.Create(context.Background(), createRequest(), "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, resp.Status)
	assert.Equal(t, "tok-1", resp.Token)
	assert.Equal(t, "order-1", resp.BuyOrder)
	assert.Equal(t, http.MethodPost, resp.Redirect.Method)
	assert.Equal(t, "tok-1", resp.Redirect.FormFields["token_ws"])

	stored, err := store.GetPaymentByToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, models.ProviderWebpay, stored.Provider)
	assert.Equal(t, models.Environment("test"), stored.Environment)
}

func TestCreateRejectsNonCLPOnWebpay(t *testing.T) {
	svc, _ := newServiceTest(t, http.NewServeMux())

	req := createRequest()
	req.Currency = "USD"

	_, err := svc.Create(context.Background(), req, "")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apperrors.GetStatusCode(err))
	assert.Contains(t, err.Error(), "unsupported currency for Webpay")
}

func TestCreateRejectsUnknownProvider(t *testing.T) {
	svc, _ := newServiceTest(t, http.NewServeMux())

	req := createRequest()
	req.Provider = "bitcoin"

	_, err := svc.Create(context.Background(), req, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Unknown provider "bitcoin"`)
}

func TestCreateRejectsEmptyCompanyToken(t *testing.T) {
	svc, _ := newServiceTest(t, http.NewServeMux())

	req := createRequest()
	req.CompanyToken = ""

	_, err := svc.Create(context.Background(), req, "")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, apperrors.GetStatusCode(err))
}

func TestCreateIdempotencyReplay(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-idem", "url": "https://bank"})
	})

	svc, _ := newServiceTest(t, mux)

	first, err := svc.Create(context.Background(), createRequest(), "key-1")
	require.NoError(t, err)

	second, err := svc.Create(context.Background(), createRequest(), "key-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCommitAuthorizes(t *testing.T) {
	svc, store := newServiceTest(t, webpayFake("tok-1", 0))

	_, err := svc.Create(context.Background(), createRequest(), "")
	require.NoError(t, err)

	updated, err := svc.Commit(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAuthorized, updated.Status)
	assert.Equal(t, "1213", updated.AuthorizationCode)
	require.NotNil(t, updated.ResponseCode)
	assert.Equal(t, 0, *updated.ResponseCode)
	assert.NotNil(t, updated.FirstAuthorizedAt)

	stored, err := store.GetPaymentByToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAuthorized, stored.Status)
}

func TestCommitRejectionFails(t *testing.T) {
	svc, _ := newServiceTest(t, webpayFake("tok-1", -1))

	_, err := svc.Create(context.Background(), createRequest(), "")
	require.NoError(t, err)

	updated, err := svc.Commit(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)
}

func TestCommitUnknownToken(t *testing.T) {
	svc, _ := newServiceTest(t, http.NewServeMux())

	_, err := svc.Commit(context.Background(), "tok-missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCancel(t *testing.T) {
	svc, _ := newServiceTest(t, webpayFake("tok-1", 0))

	_, err := svc.Create(context.Background(), createRequest(), "")
	require.NoError(t, err)

	updated, err := svc.Cancel(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, updated.Status)
	assert.NotNil(t, updated.CanceledAt)

	// CANCELED is terminal; a late commit attempt must not resurrect it.
	after, err := svc.Commit(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, after.Status)
}

func TestRefundFullAmount(t *testing.T) {
	mux := webpayFake("tok-1", 0)
	mux.HandleFunc("/transactions/tok-1/refunds", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Amount int64 `json:"amount"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(15000), req.Amount)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type":               "NULLIFIED",
			"response_code":      0,
			"authorization_code": "987654",
			"nullified_amount":   15000,
		})
	})

	svc, store := newServiceTest(t, mux)

	_, err := svc.Create(context.Background(), createRequest(), "")
	require.NoError(t, err)
	_, err = svc.Commit(context.Background(), "tok-1")
	require.NoError(t, err)

	// No amount: Webpay defaults to the full payment.
	resp, err := svc.Refund(context.Background(), &models.RefundRequest{
		Token:        "tok-1",
		CompanyID:    1,
		CompanyToken: "demo-token",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRefunded, resp.PaymentStatus)
	assert.Equal(t, models.RefundSucceeded, resp.RefundStatus)
	assert.Equal(t, "987654", resp.ProviderRefundID)
	assert.True(t, resp.Amount.Equal(decimal.NewFromInt(15000)))

	refunded, err := store.SumRefundedAmount(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.True(t, refunded.Equal(decimal.NewFromInt(15000)))
}

func TestRefundRejectsOverAmount(t *testing.T) {
	svc, _ := newServiceTest(t, webpayFake("tok-1", 0))

	_, err := svc.Create(context.Background(), createRequest(), "")
	require.NoError(t, err)
	_, err = svc.Commit(context.Background(), "tok-1")
	require.NoError(t, err)

	over := decimal.NewFromInt(20000)
	_, err = svc.Refund(context.Background(), &models.RefundRequest{
		Token:        "tok-1",
		Amount:       &over,
		CompanyID:    1,
		CompanyToken: "demo-token",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refund exceeds payment amount")
}

func TestRefundRejectsForeignCompany(t *testing.T) {
	svc, _ := newServiceTest(t, webpayFake("tok-1", 0))

	_, err := svc.Create(context.Background(), createRequest(), "")
	require.NoError(t, err)

	_, err = svc.Refund(context.Background(), &models.RefundRequest{
		Token:        "tok-1",
		CompanyID:    2,
		CompanyToken: "demo-token",
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, apperrors.GetStatusCode(err))
}

func TestRefundDeclinedLeavesAuditRow(t *testing.T) {
	mux := webpayFake("tok-1", 0)
	mux.HandleFunc("/transactions/tok-1/refunds", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"type": "DENIED"})
	})

	svc, store := newServiceTest(t, mux)

	_, err := svc.Create(context.Background(), createRequest(), "")
	require.NoError(t, err)
	_, err = svc.Commit(context.Background(), "tok-1")
	require.NoError(t, err)

	resp, err := svc.Refund(context.Background(), &models.RefundRequest{
		Token:        "tok-1",
		CompanyID:    1,
		CompanyToken: "demo-token",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RefundFailed, resp.RefundStatus)
	assert.Equal(t, models.StatusAuthorized, resp.PaymentStatus)

	// The declined refund never counts toward the refunded total.
	refunded, err := store.SumRefundedAmount(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.True(t, refunded.IsZero())

	stored, err := store.GetPaymentByToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAuthorized, stored.Status)
}

func TestListByToken(t *testing.T) {
	svc, _ := newServiceTest(t, webpayFake("tok-1", 0))

	_, err := svc.Create(context.Background(), createRequest(), "")
	require.NoError(t, err)

	payments, err := svc.List(context.Background(), repository.ListFilters{Token: "tok-1"})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "tok-1", payments[0].Token)

	payments, err = svc.List(context.Background(), repository.ListFilters{Token: "tok-unknown"})
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestRedirectRequiresPending(t *testing.T) {
	svc, _ := newServiceTest(t, webpayFake("tok-1", 0))

	_, err := svc.Create(context.Background(), createRequest(), "")
	require.NoError(t, err)

	info, err := svc.Redirect(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, info.Method)
	assert.Equal(t, "tok-1", info.FormFields["token_ws"])

	_, err = svc.Commit(context.Background(), "tok-1")
	require.NoError(t, err)

	_, err = svc.Redirect(context.Background(), "tok-1")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apperrors.GetStatusCode(err))
}
