// Package fulfillment holds the consumers bound to the fulfillment
// broadcaster. Each consumer owns a durable queue and applies its effect at
// most once per payment, keyed in the idempotency ledger.
package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/idempotency"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/metrics"
)

// Consumer names. They prefix ledger keys and downstream idempotency keys.
const (
	ConsumerStock     = "stock"
	ConsumerCart      = "cart"
	ConsumerDelivery  = "delivery"
	ConsumerPurchases = "purchases"
	ConsumerEmail     = "email"
)

// Results reported to metrics.
const (
	resultApplied   = "applied"
	resultDuplicate = "duplicate"
	resultDeferred  = "deferred"
	resultMalformed = "malformed"
	resultFailed    = "failed"
)

// Event is a message whose effect is keyed on a payment.
type Event interface {
	Validate() error
	EventKey() string
}

// Ledger records which consumer applied which payment.
type Ledger interface {
	Claim(ctx context.Context, consumer, paymentID string) (idempotency.Outcome, error)
	MarkDone(ctx context.Context, consumer, paymentID string) error
	MarkFailed(ctx context.Context, consumer, paymentID, note string) error
	Reserve(ctx context.Context, key, note string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
}

// ApplyFunc performs the consumer's effect under the consumer's claim on one
// payment.
type ApplyFunc[E Event] func(ctx context.Context, ev E, step Step) error

// Step is a consumer's claim on one payment. Effects made of several
// downstream calls checkpoint each part so a retried step resumes instead of
// repeating what already happened.
type Step struct {
	consumer  string
	paymentID string
	ledger    Ledger
	logger    *zap.Logger
}

// Key is stable across redeliveries and is forwarded to collaborators.
func (s Step) Key() string { return idempotency.Key(s.consumer, s.paymentID) }

func (s Step) partID(part string) string { return s.paymentID + ":" + part }

// Once runs fn at most once for the named part. fn receives the part's own
// idempotency key.
func (s Step) Once(ctx context.Context, part string, fn func(key string) error) error {
	id := s.partID(part)
	outcome, err := s.ledger.Claim(ctx, s.consumer, id)
	if err != nil {
		return fmt.Errorf("claim %s: %w", part, err)
	}
	switch outcome {
	case idempotency.Done:
		s.logger.Debug("part already applied", zap.String("part", part))
		return nil
	case idempotency.InFlight:
		return broker.RetryLater(fmt.Errorf("part %s is claimed by another attempt", part))
	}

	if err := fn(idempotency.Key(s.consumer, id)); err != nil {
		if merr := s.ledger.MarkFailed(ctx, s.consumer, id, err.Error()); merr != nil {
			s.logger.Error("mark part failed", zap.String("part", part), zap.Error(merr))
		}
		return err
	}
	if err := s.ledger.MarkDone(ctx, s.consumer, id); err != nil {
		s.logger.Error("mark part done", zap.String("part", part), zap.Error(err))
	}
	return nil
}

// Recall returns the value recorded for the named part. On first use it calls
// produce and records the result before returning it.
func (s Step) Recall(ctx context.Context, part string, produce func() (json.RawMessage, error)) (json.RawMessage, error) {
	key := idempotency.Key(s.consumer, s.partID(part))
	rec, err := s.ledger.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("recall %s: %w", part, err)
	}
	if rec != nil {
		s.logger.Debug("part recalled", zap.String("part", part))
		return noteValue(rec.Note), nil
	}

	v, err := produce()
	if err != nil {
		return nil, err
	}
	stored, err := s.ledger.Reserve(ctx, key, string(v))
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", part, err)
	}
	if !stored {
		s.logger.Warn("part recorded by another attempt", zap.String("part", part))
	}
	return v, nil
}

func noteValue(note string) json.RawMessage {
	if note == "" {
		return nil
	}
	return json.RawMessage(note)
}

// Consumer decodes E from a delivery and applies it once per payment.
type Consumer[E Event] struct {
	name   string
	ledger Ledger
	apply  ApplyFunc[E]
	logger *zap.Logger
}

func NewConsumer[E Event](name string, ledger Ledger, apply ApplyFunc[E], logger *zap.Logger) *Consumer[E] {
	return &Consumer[E]{name: name, ledger: ledger, apply: apply, logger: logger.With(zap.String("consumer", name))}
}

// Name returns the consumer name.
func (c *Consumer[E]) Name() string { return c.name }

// Handle is a broker.Handler. Duplicates are acked without effect. A payment
// claimed by a live attempt is returned as broker.ErrRetryLater so the
// delivery is requeued until the claim completes or its lease runs out. A
// failed effect is marked in the ledger and returned so the delivery is
// dead-lettered.
func (c *Consumer[E]) Handle(ctx context.Context, d amqp.Delivery) error {
	var ev E
	if err := broker.DecodeJSON(d, &ev); err != nil {
		metrics.FulfillmentMessage(c.name, resultMalformed)
		return err
	}
	if err := ev.Validate(); err != nil {
		metrics.FulfillmentMessage(c.name, resultMalformed)
		return broker.Malformed(err)
	}

	paymentID := ev.EventKey()
	log := c.logger.With(zap.String("payment_id", paymentID))

	outcome, err := c.ledger.Claim(ctx, c.name, paymentID)
	if err != nil {
		metrics.FulfillmentMessage(c.name, resultFailed)
		return fmt.Errorf("%s: claim %s: %w", c.name, paymentID, err)
	}
	switch outcome {
	case idempotency.Done:
		log.Info("duplicate delivery skipped")
		metrics.FulfillmentMessage(c.name, resultDuplicate)
		return nil
	case idempotency.InFlight:
		log.Info("payment claimed by another attempt, deferring")
		metrics.FulfillmentMessage(c.name, resultDeferred)
		return broker.RetryLater(fmt.Errorf("%s: %s is in flight", c.name, paymentID))
	}

	step := Step{consumer: c.name, paymentID: paymentID, ledger: c.ledger, logger: log}
	if err := c.apply(ctx, ev, step); err != nil {
		if merr := c.ledger.MarkFailed(ctx, c.name, paymentID, err.Error()); merr != nil {
			log.Error("mark failed", zap.Error(merr))
		}
		switch {
		case errors.Is(err, broker.ErrMalformed):
			metrics.FulfillmentMessage(c.name, resultMalformed)
			return err
		case errors.Is(err, broker.ErrRetryLater):
			metrics.FulfillmentMessage(c.name, resultDeferred)
		default:
			metrics.FulfillmentMessage(c.name, resultFailed)
		}
		return fmt.Errorf("%s: %w", c.name, err)
	}

	if err := c.ledger.MarkDone(ctx, c.name, paymentID); err != nil {
		// The effect is applied; a redelivery after the lease is absorbed by
		// the part checkpoints and the downstream idempotency key.
		log.Error("mark done", zap.Error(err))
	}
	log.Info("fulfillment step applied")
	metrics.FulfillmentMessage(c.name, resultApplied)
	return nil
}
