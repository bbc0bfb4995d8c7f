package payments

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

// Processor event types understood by the webhook.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
	EventPaymentFailed     = "payment_intent.payment_failed"
)

// WebhookEvent is the part of a processor webhook the service reads.
type WebhookEvent struct {
	Type string `json:"type" validate:"required"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// Confirmation maps the event to a relay trigger. ok is false for event
// types the service ignores.
func (e WebhookEvent) Confirmation() (c Confirmation, ok bool) {
	switch e.Type {
	case EventCheckoutCompleted:
		return Confirmation{PaymentID: e.Data.Object.ID, Status: StatusSuccessful}, true
	case EventCheckoutExpired:
		return Confirmation{PaymentID: e.Data.Object.ID, Status: StatusExpired}, true
	case EventPaymentFailed:
		return Confirmation{PaymentID: e.Data.Object.Metadata["checkout_session_id"], Status: StatusFailed}, true
	}
	return Confirmation{}, false
}

// Webhooks turns processor callbacks into relay work. Completed checkouts go
// through payment_exchange so the relay consumer owns the transition;
// expired and failed sessions are applied directly.
type Webhooks struct {
	store     *Store
	relay     *Relay
	publisher broker.Publisher
	logger    *zap.Logger
}

// NewWebhooks wires a Webhooks.
func NewWebhooks(store *Store, relay *Relay, publisher broker.Publisher, logger *zap.Logger) *Webhooks {
	return &Webhooks{store: store, relay: relay, publisher: publisher, logger: logger}
}

// Handle processes one webhook event.
func (w *Webhooks) Handle(ctx context.Context, ev WebhookEvent) error {
	c, ok := ev.Confirmation()
	if !ok {
		w.logger.Info("unhandled webhook event", zap.String("type", ev.Type))
		return nil
	}
	log := w.logger.With(zap.String("type", ev.Type), zap.String("payment_id", c.PaymentID))
	if c.PaymentID == "" {
		log.Warn("webhook event carries no checkout session id")
		return nil
	}
	if c.Status != StatusSuccessful {
		return w.relay.Confirm(ctx, c)
	}

	rec, err := w.store.Get(ctx, c.PaymentID)
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}
	if rec == nil {
		log.Warn("no payment for completed checkout")
		return nil
	}
	n := Notification{
		PaymentID:      rec.PaymentID,
		Status:         StatusSuccessful,
		UserID:         orders.UserID(rec.UserID),
		VoucherID:      rec.VoucherID,
		VoucherValue:   rec.VoucherValue,
		OriginalAmount: rec.OriginalAmount,
	}
	if err := w.publisher.Publish(ctx, broker.PaymentExchange, broker.RoutingPaymentSuccess, n); err != nil {
		return fmt.Errorf("publish payment notification: %w", err)
	}
	log.Info("payment notification published")
	return nil
}
