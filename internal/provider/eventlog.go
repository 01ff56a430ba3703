package provider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"payment-gateway/internal/metrics"
	"payment-gateway/internal/models"
)

// EventStore is the slice of the store the event logger needs.
type EventStore interface {
	CreateProviderEvent(ctx context.Context, event *models.ProviderEvent) error
	ResolvePaymentIDByToken(ctx context.Context, token string) *int64
}

// EventLogger records every outbound provider call as a provider_event_log
// row. Recording is secondary bookkeeping: failures are logged and never
// propagated to the caller.
type EventLogger struct {
	store   EventStore
	metrics *metrics.Metrics
	logger  *logrus.Entry
}

// NewEventLogger creates an event logger backed by the given store. m may be
// nil; provider-call metrics are then skipped.
func NewEventLogger(store EventStore, m *metrics.Metrics, logger *logrus.Logger) *EventLogger {
	return &EventLogger{
		store:   store,
		metrics: m,
		logger:  logger.WithField("component", "provider_events"),
	}
}

// OutboundCall describes one request/response pair against a provider API.
type OutboundCall struct {
	Provider        models.Provider
	Operation       models.Operation
	Token           string
	URL             string
	RequestHeaders  map[string]string
	RequestBody     string
	ResponseStatus  int
	ResponseHeaders map[string]string
	ResponseBody    string
	Err             error
	StartedAt       time.Time
}

// Record persists the call. Headers are masked before storage so secrets
// never reach the database.
func (l *EventLogger) Record(ctx context.Context, call OutboundCall) {
	if l == nil {
		return
	}

	if l.metrics != nil {
		outcome := "success"
		if call.Err != nil {
			outcome = "error"
		}
		l.metrics.RecordProviderRequest(string(call.Provider), string(call.Operation), outcome, time.Since(call.StartedAt))
	}

	if l.store == nil {
		return
	}

	event := &models.ProviderEvent{
		Provider:        call.Provider,
		Direction:       models.DirectionOutbound,
		Operation:       call.Operation,
		RequestURL:      call.URL,
		RequestHeaders:  maskHeaders(call.RequestHeaders),
		RequestBody:     call.RequestBody,
		ResponseStatus:  call.ResponseStatus,
		ResponseHeaders: maskHeaders(call.ResponseHeaders),
		ResponseBody:    call.ResponseBody,
		LatencyMS:       time.Since(call.StartedAt).Milliseconds(),
		CreatedAt:       time.Now().UTC(),
	}
	if call.Err != nil {
		event.ErrorMessage = call.Err.Error()
	}
	if call.Token != "" {
		event.PaymentID = l.store.ResolvePaymentIDByToken(ctx, call.Token)
	}

	if err := l.store.CreateProviderEvent(ctx, event); err != nil {
		l.logger.WithFields(logrus.Fields{
			"provider":  call.Provider,
			"operation": call.Operation,
			"error":     err.Error(),
		}).Warn("Failed to record provider event")
	}
}

// maskHeaders copies headers, replacing secret-bearing values with ***.
// Authorization, the Webpay API key secret and anything ending in _secret
// are masked.
func maskHeaders(headers map[string]string) models.JSONB {
	if len(headers) == 0 {
		return models.JSONB{}
	}
	masked := make(models.JSONB, len(headers))
	for name, value := range headers {
		if isSecretHeader(name) {
			masked[name] = "***"
		} else {
			masked[name] = value
		}
	}
	return masked
}

func isSecretHeader(name string) bool {
	lower := strings.ToLower(name)
	if lower == "authorization" || lower == "tbk-api-key-secret" {
		return true
	}
	return strings.HasSuffix(lower, "_secret")
}

// flattenHeaders converts an http.Header into the single-valued form stored
// on provider events.
func flattenHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	flat := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) > 0 {
			flat[name] = values[0]
		}
	}
	return flat
}
