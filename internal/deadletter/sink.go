// Package deadletter parks deliveries whose handler failed on an SQS queue
// and replays them onto the broker.
package deadletter

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Message attribute names.
const (
	AttrExchange   = "exchange"
	AttrRoutingKey = "routing_key"
	AttrQueue      = "queue"
	AttrError      = "error"
	AttrMessageID  = "message_id"
)

const maxErrorLen = 1024

// Sender puts a message on a queue. *aws.Publisher satisfies it.
type Sender interface {
	Send(ctx context.Context, body string, attributes map[string]string) (string, error)
}

// SQSSink is a broker.DeadLetterSink backed by SQS.
type SQSSink struct {
	sender Sender
	logger *zap.Logger
}

func NewSQSSink(sender Sender, logger *zap.Logger) *SQSSink {
	return &SQSSink{sender: sender, logger: logger}
}

// Send stores the delivery body unchanged, with where it came from and why it failed.
func (s *SQSSink) Send(ctx context.Context, queue string, d amqp.Delivery, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
		if len(reason) > maxErrorLen {
			reason = reason[:maxErrorLen]
		}
	}
	id, err := s.sender.Send(ctx, string(d.Body), map[string]string{
		AttrExchange:   d.Exchange,
		AttrRoutingKey: d.RoutingKey,
		AttrQueue:      queue,
		AttrError:      reason,
		AttrMessageID:  d.MessageId,
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", queue, err)
	}
	s.logger.Warn("delivery dead-lettered",
		zap.String("queue", queue),
		zap.String("message_id", d.MessageId),
		zap.String("sqs_message_id", id),
	)
	return nil
}
