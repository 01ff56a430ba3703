package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-gateway/internal/config"
	"payment-gateway/internal/models"
)

func newWebpayTest(t *testing.T, handler http.Handler) (*WebpayProvider, *stubEventStore) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := &stubEventStore{}
	cfg := &config.Config{
		TbkAPIKeyID:     "597055555532",
		TbkAPIKeySecret: "597055555532",
		TbkHost:         server.URL,
		TbkAPIBase:      "",
	}
	return NewWebpayProvider(cfg, newTestEventLogger(store)), store
}

func webpayTestPayment() *models.Payment {
	return &models.Payment{
		ID:       7,
		BuyOrder: "order-1234",
		Amount:   decimal.NewFromInt(15000),
		Currency: "CLP",
	}
}

func TestWebpayCreate(t *testing.T) {
	var received webpayCreateRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "597055555532", r.Header.Get("Tbk-Api-Key-Id"))
		assert.Equal(t, "597055555532", r.Header.Get("Tbk-Api-Key-Secret"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(map[string]string{
			"token": "tok-abc",
			"url":   "https://webpay3gint.transbank.cl/webpayserver/initTransaction",
		})
	})

	p, store := newWebpayTest(t, mux)
	payment := webpayTestPayment()

	result, err := p.Create(context.Background(), payment, "https://merchant.example/return")
	require.NoError(t, err)

	assert.Equal(t, "tok-abc", result.Token)
	assert.Equal(t, "https://webpay3gint.transbank.cl/webpayserver/initTransaction", result.RedirectURL)

	assert.Equal(t, "order-1234", received.BuyOrder)
	assert.Equal(t, "7", received.SessionID)
	assert.Equal(t, int64(15000), received.Amount)
	assert.Equal(t, "https://merchant.example/return", received.ReturnURL)

	assert.Equal(t, "7", payment.ProviderMetadata["session_id"])
	assert.Equal(t, "order-1234", payment.ProviderMetadata["buy_order"])

	events := store.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, models.OperationCreate, events[0].Operation)
	assert.Equal(t, "***", events[0].RequestHeaders["Tbk-Api-Key-Secret"])
}

func TestWebpayCreateMintsSessionIDWhenUnassigned(t *testing.T) {
	var received webpayCreateRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(map[string]string{"token": "tok", "url": "https://bank"})
	})

	p, _ := newWebpayTest(t, mux)
	payment := webpayTestPayment()
	payment.ID = 0

	_, err := p.Create(context.Background(), payment, "https://merchant.example/return")
	require.NoError(t, err)
	assert.NotEmpty(t, received.SessionID)
	assert.NotEqual(t, "0", received.SessionID)
}

func TestWebpayCreateMissingTokenOrURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"url": "https://bank"})
	})

	p, _ := newWebpayTest(t, mux)

	_, err := p.Create(context.Background(), webpayTestPayment(), "https://merchant.example/return")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing token or url")
}

func TestWebpayCommitAuthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions/tok-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"vci":                 "TSY",
			"amount":              15000,
			"status":              "AUTHORIZED",
			"buy_order":           "order-1234",
			"authorization_code":  "1213",
			"payment_type_code":   "VN",
			"response_code":       0,
			"installments_number": 3,
			"installments_amount": 5000,
			"card_detail":         map[string]string{"card_number": "XXXXXXXXXXXX6623"},
			"transaction_date":    "2026-08-24T12:00:00Z",
		})
	})

	p, _ := newWebpayTest(t, mux)

	result, err := p.Commit(context.Background(), "tok-1")
	require.NoError(t, err)

	assert.True(t, result.Authorized())
	assert.Equal(t, 0, result.ResponseCode)
	assert.Equal(t, "1213", result.AuthorizationCode)
	assert.Equal(t, "AUTHORIZED", result.ProviderStatus)

	require.NotNil(t, result.Contract)
	assert.Equal(t, "VN", result.Contract.PaymentTypeCode)
	assert.Equal(t, 3, result.Contract.InstallmentsNumber)
	assert.True(t, result.Contract.InstallmentsAmount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, "6623", result.Contract.CardLastFour)
}

func TestWebpayCommitDefaultsResponseCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions/tok-2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "FAILED"})
	})

	p, _ := newWebpayTest(t, mux)

	result, err := p.Commit(context.Background(), "tok-2")
	require.NoError(t, err)
	assert.Equal(t, -1, result.ResponseCode)
	assert.False(t, result.Authorized())
}

func TestWebpayCommitRejectedWithCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions/tok-3", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"response_code": -96,
			"status":        "FAILED",
		})
	})

	p, _ := newWebpayTest(t, mux)

	result, err := p.Commit(context.Background(), "tok-3")
	require.NoError(t, err)
	assert.Equal(t, -96, result.ResponseCode)
	assert.False(t, result.Authorized())
}

func TestWebpayCommitTransportFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions/tok-4", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	})

	p, _ := newWebpayTest(t, mux)

	_, err := p.Commit(context.Background(), "tok-4")
	require.Error(t, err)
}

func TestWebpayStatusMapping(t *testing.T) {
	tests := []struct {
		tbkStatus string
		want      *models.PaymentStatus
	}{
		{"AUTHORIZED", statusPtr(models.StatusAuthorized)},
		{"FAILED", statusPtr(models.StatusFailed)},
		{"REVERSED", statusPtr(models.StatusRefunded)},
		{"NULLIFIED", statusPtr(models.StatusRefunded)},
		{"INITIALIZED", statusPtr(models.StatusPending)},
		{"initialized", statusPtr(models.StatusPending)},
		{"SOMETHING_ELSE", nil},
	}

	for _, tt := range tests {
		t.Run(tt.tbkStatus, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/transactions/tok-s", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				json.NewEncoder(w).Encode(map[string]string{"status": tt.tbkStatus})
			})

			p, _ := newWebpayTest(t, mux)

			status, err := p.Status(context.Background(), "tok-s")
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, status)
			} else {
				require.NotNil(t, status)
				assert.Equal(t, *tt.want, *status)
			}
		})
	}
}

func TestWebpayStatusErrorsAreBestEffort(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions/tok-gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error_message":"transaction not found"}`))
	})

	p, _ := newWebpayTest(t, mux)

	status, err := p.Status(context.Background(), "tok-gone")
	assert.NoError(t, err)
	assert.Nil(t, status)
}

func TestWebpayRefund(t *testing.T) {
	t.Run("rejects missing amount without calling the API", func(t *testing.T) {
		p, store := newWebpayTest(t, http.NewServeMux())

		result, err := p.Refund(context.Background(), "tok-r", nil)
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.Equal(t, "INVALID_AMOUNT", result.Status)
		assert.Empty(t, store.recorded())
	})

	t.Run("accepts a reversal", func(t *testing.T) {
		var received webpayRefundRequest
		mux := http.NewServeMux()
		mux.HandleFunc("/transactions/tok-r/refunds", func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			json.NewEncoder(w).Encode(map[string]interface{}{"type": "REVERSED"})
		})

		p, _ := newWebpayTest(t, mux)
		amount := decimal.NewFromInt(15000)

		result, err := p.Refund(context.Background(), "tok-r", &amount)
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.Equal(t, "REVERSED", result.Status)
		assert.Equal(t, int64(15000), received.Amount)
		assert.True(t, result.Amount.Equal(amount))
	})

	t.Run("accepts a nullification with response code", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/transactions/tok-n/refunds", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"type":               "NULLIFIED",
				"response_code":      0,
				"authorization_code": "123456",
				"nullified_amount":   5000,
				"balance":            10000,
			})
		})

		p, _ := newWebpayTest(t, mux)
		amount := decimal.NewFromInt(5000)

		result, err := p.Refund(context.Background(), "tok-n", &amount)
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.Equal(t, "123456", result.ProviderRefundID)
		assert.True(t, result.Amount.Equal(decimal.NewFromInt(5000)))
	})

	t.Run("rejects an unknown refund type", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/transactions/tok-x/refunds", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"type": "DENIED"})
		})

		p, _ := newWebpayTest(t, mux)
		amount := decimal.NewFromInt(100)

		result, err := p.Refund(context.Background(), "tok-x", &amount)
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.NotEmpty(t, result.Error)
	})
}
