package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-gateway/internal/config"
	"payment-gateway/internal/models"
)

func newPayPalTest(t *testing.T, mux *http.ServeMux) (*PayPalProvider, *stubEventStore) {
	t.Helper()

	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-access-token",
			"expires_in":   3600,
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	store := &stubEventStore{}
	cfg := &config.Config{
		PayPalClientID:     "client-id",
		PayPalClientSecret: "client-secret",
		PayPalBaseURL:      server.URL,
		PayPalWebhookID:    "wh-123",
	}
	p, err := NewPayPalProvider(cfg, newTestEventLogger(store))
	require.NoError(t, err)
	return p, store
}

func TestPayPalProviderRequiresCredentials(t *testing.T) {
	_, err := NewPayPalProvider(&config.Config{}, newTestEventLogger(&stubEventStore{}))
	require.Error(t, err)
}

func TestPayPalCreate(t *testing.T) {
	var received paypalOrderRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-access-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "ORDER-1",
			"status": "CREATED",
			"links": []map[string]string{
				{"href": "https://api/self", "rel": "self"},
				{"href": "https://paypal.example/approve/ORDER-1", "rel": "approve"},
			},
		})
	})

	p, _ := newPayPalTest(t, mux)
	payment := &models.Payment{
		BuyOrder: "order-77",
		Amount:   decimal.RequireFromString("10.50"),
		Currency: "USD",
	}

	result, err := p.Create(context.Background(), payment, "https://merchant.example/return")
	require.NoError(t, err)

	assert.Equal(t, "ORDER-1", result.Token)
	assert.Equal(t, "https://paypal.example/approve/ORDER-1", result.RedirectURL)

	assert.Equal(t, "CAPTURE", received.Intent)
	require.Len(t, received.PurchaseUnits, 1)
	assert.Equal(t, "order-77", received.PurchaseUnits[0].ReferenceID)
	assert.Equal(t, "USD", received.PurchaseUnits[0].Amount.CurrencyCode)
	assert.Equal(t, "10.50", received.PurchaseUnits[0].Amount.Value)
	require.NotNil(t, received.ApplicationContext)
	assert.Equal(t, "PAY_NOW", received.ApplicationContext.UserAction)
	assert.Equal(t, "https://merchant.example/return", received.ApplicationContext.ReturnURL)
	assert.Equal(t, "https://merchant.example/return", received.ApplicationContext.CancelURL)

	assert.Equal(t, "ORDER-1", payment.ProviderMetadata["paypal_order_id"])
}

func TestPayPalCreateUsesCancelURL(t *testing.T) {
	var received paypalOrderRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "ORDER-2",
			"links": []map[string]string{{"href": "https://paypal/approve", "rel": "approve"}},
		})
	})

	p, _ := newPayPalTest(t, mux)
	payment := &models.Payment{
		BuyOrder:  "order-78",
		Amount:    decimal.NewFromInt(2500),
		Currency:  "CLP",
		CancelURL: "https://merchant.example/cart",
	}

	_, err := p.Create(context.Background(), payment, "https://merchant.example/return")
	require.NoError(t, err)
	assert.Equal(t, "https://merchant.example/cart", received.ApplicationContext.CancelURL)
	assert.Equal(t, "2500", received.PurchaseUnits[0].Amount.Value)
}

func TestPayPalCreateMissingApproveLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "ORDER-3",
			"links": []map[string]string{{"href": "https://api/self", "rel": "self"}},
		})
	})

	p, _ := newPayPalTest(t, mux)
	payment := &models.Payment{BuyOrder: "o", Amount: decimal.NewFromInt(1), Currency: "USD"}

	_, err := p.Create(context.Background(), payment, "https://merchant.example/return")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approve URL not found")
}

func TestPayPalCommitCompleted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/checkout/orders/ORDER-1/capture", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "ORDER-1",
			"status": "COMPLETED",
			"payer":  map[string]string{"email_address": "buyer@example.com"},
			"purchase_units": []map[string]interface{}{
				{
					"payments": map[string]interface{}{
						"captures": []map[string]interface{}{
							{
								"id":     "CAP-9",
								"status": "COMPLETED",
								"amount": map[string]string{"currency_code": "USD", "value": "10.50"},
								"seller_receivable_breakdown": map[string]interface{}{
									"gross_amount": map[string]string{"currency_code": "USD", "value": "10.50"},
									"paypal_fee":   map[string]string{"currency_code": "USD", "value": "0.64"},
									"net_amount":   map[string]string{"currency_code": "USD", "value": "9.86"},
								},
							},
						},
					},
				},
			},
		})
	})

	p, _ := newPayPalTest(t, mux)

	result, err := p.Commit(context.Background(), "ORDER-1")
	require.NoError(t, err)

	assert.True(t, result.Authorized())
	assert.Equal(t, "CAP-9", result.ChargeID)
	assert.Equal(t, "CAP-9", result.AuthorizationCode)
	assert.Equal(t, "COMPLETED", result.ProviderStatus)
	assert.Equal(t, "CAP-9", result.Metadata["paypal_capture_id"])
	assert.Equal(t, "buyer@example.com", result.Metadata["payer_email"])

	require.NotNil(t, result.Deposit)
	assert.Equal(t, "CAP-9", result.Deposit.CaptureID)
	assert.True(t, result.Deposit.GrossAmount.Equal(decimal.RequireFromString("10.50")))
	assert.True(t, result.Deposit.ProviderFee.Equal(decimal.RequireFromString("0.64")))
	assert.True(t, result.Deposit.NetAmount.Equal(decimal.RequireFromString("9.86")))
}

func TestPayPalCommitNotCompleted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/checkout/orders/ORDER-2/capture", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "ORDER-2", "status": "PENDING"})
	})

	p, _ := newPayPalTest(t, mux)

	result, err := p.Commit(context.Background(), "ORDER-2")
	require.NoError(t, err)
	assert.Equal(t, -1, result.ResponseCode)
}

func TestPayPalCommitRejectionIsSoftFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/checkout/orders/ORDER-3/capture", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{"name": "UNPROCESSABLE_ENTITY"})
	})

	p, _ := newPayPalTest(t, mux)

	result, err := p.Commit(context.Background(), "ORDER-3")
	require.NoError(t, err)
	assert.Equal(t, -1, result.ResponseCode)
	assert.Equal(t, "UNPROCESSABLE_ENTITY", result.ProviderStatus)
}

func TestPayPalStatusMapping(t *testing.T) {
	tests := []struct {
		name          string
		orderStatus   string
		captureStatus string
		want          models.PaymentStatus
	}{
		{"completed maps to authorized", "COMPLETED", "COMPLETED", models.StatusAuthorized},
		{"refunded capture wins", "COMPLETED", "REFUNDED", models.StatusRefunded},
		{"partial refund wins", "COMPLETED", "PARTIALLY_REFUNDED", models.StatusRefunded},
		{"voided maps to canceled", "VOIDED", "", models.StatusCanceled},
		{"cancelled maps to canceled", "CANCELLED", "", models.StatusCanceled},
		{"created maps to pending", "CREATED", "", models.StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/v2/checkout/orders/ORDER-S", func(w http.ResponseWriter, r *http.Request) {
				order := map[string]interface{}{"id": "ORDER-S", "status": tt.orderStatus}
				if tt.captureStatus != "" {
					order["purchase_units"] = []map[string]interface{}{
						{
							"payments": map[string]interface{}{
								"captures": []map[string]interface{}{
									{"id": "CAP-1", "status": tt.captureStatus},
								},
							},
						},
					}
				}
				json.NewEncoder(w).Encode(order)
			})

			p, _ := newPayPalTest(t, mux)

			status, err := p.Status(context.Background(), "ORDER-S")
			require.NoError(t, err)
			require.NotNil(t, status)
			assert.Equal(t, tt.want, *status)
		})
	}
}

func TestPayPalRefund(t *testing.T) {
	t.Run("refunds the latest completed capture", func(t *testing.T) {
		var refundBody map[string]interface{}
		mux := http.NewServeMux()
		mux.HandleFunc("/v2/checkout/orders/ORDER-R", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id":     "ORDER-R",
				"status": "COMPLETED",
				"purchase_units": []map[string]interface{}{
					{
						"payments": map[string]interface{}{
							"captures": []map[string]interface{}{
								{
									"id":          "CAP-OLD",
									"status":      "COMPLETED",
									"amount":      map[string]string{"currency_code": "USD", "value": "10.50"},
									"update_time": "2026-08-01T00:00:00Z",
								},
								{
									"id":          "CAP-NEW",
									"status":      "COMPLETED",
									"amount":      map[string]string{"currency_code": "USD", "value": "10.50"},
									"update_time": "2026-08-20T00:00:00Z",
								},
								{
									"id":          "CAP-DENIED",
									"status":      "DECLINED",
									"amount":      map[string]string{"currency_code": "USD", "value": "10.50"},
									"update_time": "2026-08-21T00:00:00Z",
								},
							},
						},
					},
				},
			})
		})
		mux.HandleFunc("/v2/payments/captures/CAP-NEW/refund", func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&refundBody))
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id":     "REF-1",
				"status": "COMPLETED",
				"amount": map[string]string{"currency_code": "USD", "value": "5.25"},
			})
		})

		p, _ := newPayPalTest(t, mux)
		amount := decimal.RequireFromString("5.25")

		result, err := p.Refund(context.Background(), "ORDER-R", &amount)
		require.NoError(t, err)

		assert.True(t, result.OK)
		assert.Equal(t, "REF-1", result.ProviderRefundID)
		assert.True(t, result.Amount.Equal(amount))

		requested, ok := refundBody["amount"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "5.25", requested["value"])
		assert.Equal(t, "USD", requested["currency_code"])
	})

	t.Run("full refund sends no amount", func(t *testing.T) {
		var rawBody string
		mux := http.NewServeMux()
		mux.HandleFunc("/v2/checkout/orders/ORDER-F", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id": "ORDER-F",
				"purchase_units": []map[string]interface{}{
					{
						"payments": map[string]interface{}{
							"captures": []map[string]interface{}{
								{"id": "CAP-1", "status": "COMPLETED", "amount": map[string]string{"currency_code": "CLP", "value": "2500"}},
							},
						},
					},
				},
			})
		})
		mux.HandleFunc("/v2/payments/captures/CAP-1/refund", func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			rawBody = string(raw)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id":     "REF-2",
				"status": "PENDING",
				"amount": map[string]string{"currency_code": "CLP", "value": "2500"},
			})
		})

		p, _ := newPayPalTest(t, mux)

		result, err := p.Refund(context.Background(), "ORDER-F", nil)
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.JSONEq(t, "{}", rawBody)
		assert.True(t, result.Amount.Equal(decimal.NewFromInt(2500)))
	})

	t.Run("no completed captures", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/v2/checkout/orders/ORDER-N", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"id": "ORDER-N", "status": "CREATED"})
		})

		p, _ := newPayPalTest(t, mux)

		result, err := p.Refund(context.Background(), "ORDER-N", nil)
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.Equal(t, "NO_CAPTURES", result.Status)
	})
}

func TestPayPalVerifyWebhook(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   bool
	}{
		{"verified", "SUCCESS", true},
		{"rejected", "FAILURE", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var received paypalVerifyRequest
			mux := http.NewServeMux()
			mux.HandleFunc("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
				json.NewEncoder(w).Encode(map[string]string{"verification_status": tt.answer})
			})

			p, _ := newPayPalTest(t, mux)

			headers := http.Header{}
			headers.Set("Paypal-Auth-Algo", "SHA256withRSA")
			headers.Set("Paypal-Cert-Url", "https://api.paypal.com/cert")
			headers.Set("Paypal-Transmission-Id", "tx-1")
			headers.Set("Paypal-Transmission-Sig", "sig")
			headers.Set("Paypal-Transmission-Time", "2026-08-24T12:00:00Z")

			ok, err := p.VerifyWebhook(context.Background(), headers, []byte(`{"id":"WH-1"}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)

			assert.Equal(t, "wh-123", received.WebhookID)
			assert.Equal(t, "tx-1", received.TransmissionID)
			assert.JSONEq(t, `{"id":"WH-1"}`, string(received.WebhookEvent))
		})
	}
}

func TestPayPalVerifyWebhookRequiresWebhookID(t *testing.T) {
	mux := http.NewServeMux()
	p, _ := newPayPalTest(t, mux)
	p.webhookID = ""

	_, err := p.VerifyWebhook(context.Background(), http.Header{}, []byte(`{}`))
	require.Error(t, err)
}

func TestPayPalTokenIsCached(t *testing.T) {
	tokenCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/checkout/orders/ORDER-C", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "ORDER-C", "status": "CREATED"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 3600})
	})

	cfg := &config.Config{
		PayPalClientID:     "client-id",
		PayPalClientSecret: "client-secret",
		PayPalBaseURL:      server.URL,
	}
	p, err := NewPayPalProvider(cfg, newTestEventLogger(&stubEventStore{}))
	require.NoError(t, err)

	_, err = p.Status(context.Background(), "ORDER-C")
	require.NoError(t, err)
	_, err = p.Status(context.Background(), "ORDER-C")
	require.NoError(t, err)

	assert.Equal(t, 1, tokenCalls)
}
