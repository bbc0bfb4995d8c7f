package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrMalformed marks a delivery that can never be processed. It is acked and dropped.
var ErrMalformed = errors.New("malformed message")

// Malformed wraps err as ErrMalformed.
func Malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

// ErrRetryLater marks a delivery that cannot be processed yet but must not be
// lost. It is requeued after the client's retry interval.
var ErrRetryLater = errors.New("retry later")

// RetryLater wraps err as ErrRetryLater.
func RetryLater(err error) error {
	return fmt.Errorf("%w: %v", ErrRetryLater, err)
}

// DecodeJSON unmarshals the delivery body, reporting failures as ErrMalformed.
func DecodeJSON(d amqp.Delivery, v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return Malformed(err)
	}
	return nil
}

// Handler processes one delivery. Returning nil acks it.
type Handler func(ctx context.Context, d amqp.Delivery) error

// DeadLetterSink stores a delivery whose handler failed.
type DeadLetterSink interface {
	Send(ctx context.Context, queue string, d amqp.Delivery, cause error) error
}

var errConnectionLost = errors.New("broker connection lost")

// Consume runs h over queue until ctx is cancelled. topology is declared on
// every connect; queue must exist afterwards or Consume fails with
// ErrQueueNotFound. The first connect is bounded by the client's retry
// settings and fails with ErrBrokerUnavailable. Once consuming, a lost
// connection is re-established without bound, one retry round per interval,
// and consumption resumes. It returns nil when ctx is done.
func (c *Client) Consume(ctx context.Context, topology Topology, queue string, h Handler) error {
	log := c.logger.With(zap.String("queue", queue), zap.String("exchange", topology.Exchange.Name))
	connected := false
	for {
		sess, err := c.Connect(ctx, topology)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !connected || !errors.Is(err, ErrBrokerUnavailable) {
				return err
			}
			log.Warn("reconnect round failed, retrying", zap.Error(err))
			if err := c.sleep(ctx, c.settings.RetryInterval); err != nil {
				return nil
			}
			continue
		}
		connected = true

		err = c.consumeSession(ctx, sess, queue, h, log)
		_ = sess.Close()

		switch {
		case ctx.Err() != nil:
			log.Info("consumer stopped")
			return nil
		case errors.Is(err, errConnectionLost):
			log.Warn("connection lost, reconnecting")
		default:
			return err
		}
	}
}

func (c *Client) consumeSession(ctx context.Context, sess *Session, queue string, h Handler, log *zap.Logger) error {
	if _, err := sess.ch.QueueDeclarePassive(queue, true, false, false, false, nil); err != nil {
		var aerr *amqp.Error
		if errors.As(err, &aerr) && aerr.Code == amqp.NotFound {
			return fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
		}
		return fmt.Errorf("inspect queue %s: %w", queue, err)
	}
	if c.settings.Prefetch > 0 {
		if err := sess.ch.Qos(c.settings.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}

	closed := sess.ch.NotifyClose(make(chan *amqp.Error, 1))
	tag := queue + "-" + uuid.NewString()[:8]
	deliveries, err := sess.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	log.Info("consuming", zap.String("consumer_tag", tag))

	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr := <-closed:
			if aerr != nil && aerr.Code == amqp.NotFound {
				return fmt.Errorf("%w: %s: %s", ErrQueueNotFound, queue, aerr.Reason)
			}
			return errConnectionLost
		case d, ok := <-deliveries:
			if !ok {
				return errConnectionLost
			}
			c.dispatch(ctx, queue, d, h, log)
		}
	}
}

// dispatch runs h and settles the delivery exactly once.
func (c *Client) dispatch(ctx context.Context, queue string, d amqp.Delivery, h Handler, log *zap.Logger) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
	ctx, span := otel.Tracer("broker").Start(ctx, "consume "+queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", queue),
			attribute.String("messaging.message_id", d.MessageId),
		),
	)
	defer span.End()

	log = log.With(
		zap.String("routing_key", d.RoutingKey),
		zap.String("message_id", d.MessageId),
		zap.Bool("redelivered", d.Redelivered),
	)

	err := safeHandle(ctx, d, h)
	switch {
	case err == nil:
		c.settle(queue, OutcomeAcked, d.Ack(false), log)
	case errors.Is(err, ErrMalformed):
		log.Warn("dropping malformed message", zap.Error(err), zap.ByteString("body", d.Body))
		c.settle(queue, OutcomeMalformed, d.Ack(false), log)
	case errors.Is(err, ErrRetryLater):
		log.Info("requeueing delivery", zap.Error(err))
		_ = c.sleep(ctx, c.settings.RetryInterval)
		c.settle(queue, OutcomeRequeued, d.Nack(false, true), log)
	default:
		span.RecordError(err)
		log.Error("handler failed", zap.Error(err))
		if c.sink != nil {
			serr := c.sink.Send(ctx, queue, d, err)
			if serr == nil {
				c.settle(queue, OutcomeDeadLettered, d.Ack(false), log)
				return
			}
			log.Error("dead-letter sink failed", zap.Error(serr))
		}
		c.settle(queue, OutcomeRejected, d.Nack(false, false), log)
	}
}

func (c *Client) settle(queue, outcome string, err error, log *zap.Logger) {
	if err != nil {
		log.Error("settle delivery failed", zap.String("outcome", outcome), zap.Error(err))
		return
	}
	c.observe(queue, outcome)
}

func safeHandle(ctx context.Context, d amqp.Delivery, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}
