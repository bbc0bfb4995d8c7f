package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Publisher publishes a JSON message to an exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, v any) error
}

// Publish JSON-encodes v and publishes it as a persistent message. It returns
// once the broker has confirmed the message.
func (s *Session) Publish(ctx context.Context, exchange, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.PublishBody(ctx, exchange, routingKey, body, "")
}

// PublishBody publishes an already encoded JSON body and waits for the
// broker's confirm. An empty messageID gets a fresh one.
func (s *Session) PublishBody(ctx context.Context, exchange, routingKey string, body []byte, messageID string) error {
	if messageID == "" {
		messageID = uuid.NewString()
	}
	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    s.now().UTC(),
		Body:         body,
	}
	confirm, err := s.ch.PublishConfirmed(ctx, exchange, routingKey, msg)
	if err != nil {
		return fmt.Errorf("publish to %s (%s): %w", exchange, routingKey, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm from %s (%s): %w", exchange, routingKey, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s (%s) message %s", ErrPublishNacked, exchange, routingKey, messageID)
	}
	s.logger.Debug("message published",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
		zap.String("message_id", messageID),
	)
	return nil
}

// ReconnectingPublisher holds one session and reopens it when a publish
// finds the connection gone. Safe for concurrent use.
type ReconnectingPublisher struct {
	client     *Client
	topologies []Topology

	mu      sync.Mutex
	session *Session
}

// NewPublisher returns a publisher that declares topologies on every (re)connect.
func (c *Client) NewPublisher(topologies ...Topology) *ReconnectingPublisher {
	return &ReconnectingPublisher{client: c, topologies: topologies}
}

// Publish publishes v, reconnecting first if needed. A failed publish drops the
// session so the next call reconnects.
func (p *ReconnectingPublisher) Publish(ctx context.Context, exchange, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.PublishBody(ctx, exchange, routingKey, body, "")
}

// PublishBody is Publish for an encoded body.
func (p *ReconnectingPublisher) PublishBody(ctx context.Context, exchange, routingKey string, body []byte, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session.Closed() {
		sess, err := p.client.Connect(ctx, p.topologies...)
		if err != nil {
			return err
		}
		p.session = sess
	}
	if err := p.session.PublishBody(ctx, exchange, routingKey, body, messageID); err != nil {
		_ = p.session.Close()
		p.session = nil
		return err
	}
	return nil
}

// Close releases the current session.
func (p *ReconnectingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.session.Close()
	p.session = nil
	return err
}

// headerCarrier adapts AMQP headers to an OpenTelemetry TextMapCarrier.
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c headerCarrier) Set(key, value string) { c[key] = value }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
