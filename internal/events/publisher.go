// Package events publishes payment lifecycle events to NATS JetStream so
// downstream services (accounting, notifications) can react without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payment-gateway/internal/models"
)

const (
	streamName = "PAYMENT_EVENTS"

	SubjectPaymentCreated    = "payment.created"
	SubjectPaymentAuthorized = "payment.authorized"
	SubjectPaymentFailed     = "payment.failed"
	SubjectPaymentCanceled   = "payment.canceled"
	SubjectPaymentRefunded   = "payment.refunded"
)

// PaymentEvent is the JSON payload carried on every payment.* subject.
type PaymentEvent struct {
	EventID      string               `json:"event_id"`
	EventType    string               `json:"event_type"`
	PaymentID    int64                `json:"payment_id"`
	CompanyID    int64                `json:"company_id"`
	BuyOrder     string               `json:"buy_order"`
	Provider     models.Provider      `json:"provider"`
	Status       models.PaymentStatus `json:"status"`
	Amount       decimal.Decimal      `json:"amount"`
	Currency     string               `json:"currency"`
	RefundID     int64                `json:"refund_id,omitempty"`
	RefundAmount *decimal.Decimal     `json:"refund_amount,omitempty"`
	OccurredAt   time.Time            `json:"occurred_at"`
}

// Publisher emits payment lifecycle events. A nil *Publisher is valid and
// drops every event; deployments without NATS_URL run that way.
type Publisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Entry
}

// NewPublisher connects to NATS and ensures the payment stream exists.
func NewPublisher(natsURL string, logger *logrus.Logger) (*Publisher, error) {
	if natsURL == "" {
		return nil, fmt.Errorf("NATS URL is required")
	}

	conn, err := nats.Connect(natsURL,
		nats.Name("payment-gateway-publisher"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	if _, err := js.StreamInfo(streamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{"payment.>"},
			MaxAge:   7 * 24 * time.Hour,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to ensure PAYMENT_EVENTS stream")
		}
	}

	return &Publisher{
		conn:   conn,
		js:     js,
		logger: logger.WithField("component", "events.publisher"),
	}, nil
}

// PublishPaymentCreated publishes a payment.created event.
func (p *Publisher) PublishPaymentCreated(ctx context.Context, payment *models.Payment) error {
	return p.publish(ctx, SubjectPaymentCreated, buildEvent(SubjectPaymentCreated, payment))
}

// PublishPaymentAuthorized publishes a payment.authorized event.
func (p *Publisher) PublishPaymentAuthorized(ctx context.Context, payment *models.Payment) error {
	return p.publish(ctx, SubjectPaymentAuthorized, buildEvent(SubjectPaymentAuthorized, payment))
}

// PublishPaymentFailed publishes a payment.failed event.
func (p *Publisher) PublishPaymentFailed(ctx context.Context, payment *models.Payment) error {
	return p.publish(ctx, SubjectPaymentFailed, buildEvent(SubjectPaymentFailed, payment))
}

// PublishPaymentCanceled publishes a payment.canceled event.
func (p *Publisher) PublishPaymentCanceled(ctx context.Context, payment *models.Payment) error {
	return p.publish(ctx, SubjectPaymentCanceled, buildEvent(SubjectPaymentCanceled, payment))
}

// PublishPaymentRefunded publishes a payment.refunded event carrying the
// refund row details alongside the payment.
func (p *Publisher) PublishPaymentRefunded(ctx context.Context, payment *models.Payment, refund *models.Refund) error {
	event := buildEvent(SubjectPaymentRefunded, payment)
	if refund != nil {
		event.RefundID = refund.ID
		amount := refund.Amount
		event.RefundAmount = &amount
	}
	return p.publish(ctx, SubjectPaymentRefunded, event)
}

// IsConnected returns true if connected to NATS.
func (p *Publisher) IsConnected() bool {
	return p != nil && p.conn != nil && p.conn.IsConnected()
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}

func buildEvent(eventType string, payment *models.Payment) PaymentEvent {
	return PaymentEvent{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		PaymentID:  payment.ID,
		CompanyID:  payment.CompanyID,
		BuyOrder:   payment.BuyOrder,
		Provider:   payment.Provider,
		Status:     payment.Status,
		Amount:     payment.Amount,
		Currency:   payment.Currency,
		OccurredAt: time.Now().UTC(),
	}
}

func (p *Publisher) publish(ctx context.Context, subject string, event PaymentEvent) error {
	if p == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", subject, err)
	}

	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		p.logger.WithFields(logrus.Fields{
			"subject":    subject,
			"payment_id": event.PaymentID,
		}).WithError(err).Error("Failed to publish payment event")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"subject":    subject,
		"payment_id": event.PaymentID,
		"status":     event.Status,
	}).Debug("Published payment event")
	return nil
}
