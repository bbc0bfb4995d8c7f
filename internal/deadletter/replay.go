package deadletter

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"
)

// Republisher publishes an encoded body. *broker.ReconnectingPublisher satisfies it.
type Republisher interface {
	PublishBody(ctx context.Context, exchange, routingKey string, body []byte, messageID string) error
}

// Replayer moves dead letters back to the exchange they were first published to.
type Replayer struct {
	publisher Republisher
	logger    *zap.Logger
}

func NewReplayer(publisher Republisher, logger *zap.Logger) *Replayer {
	return &Replayer{publisher: publisher, logger: logger}
}

// Handle replays an SQS batch in order. The first failure is returned so the
// Lambda runtime retries the batch.
func (r *Replayer) Handle(ctx context.Context, ev events.SQSEvent) error {
	r.logger.Info("replaying dead letters", zap.Int("records", len(ev.Records)))
	for _, rec := range ev.Records {
		if err := r.replay(ctx, rec); err != nil {
			r.logger.Error("replay failed", zap.String("sqs_message_id", rec.MessageId), zap.Error(err))
			return err
		}
	}
	return nil
}

func (r *Replayer) replay(ctx context.Context, rec events.SQSMessage) error {
	exchange := attribute(rec, AttrExchange)
	if exchange == "" {
		return fmt.Errorf("dead letter %s has no %s attribute", rec.MessageId, AttrExchange)
	}
	key := attribute(rec, AttrRoutingKey)
	if err := r.publisher.PublishBody(ctx, exchange, key, []byte(rec.Body), attribute(rec, AttrMessageID)); err != nil {
		return fmt.Errorf("republish %s: %w", rec.MessageId, err)
	}
	r.logger.Info("dead letter replayed",
		zap.String("exchange", exchange),
		zap.String("routing_key", key),
		zap.String("queue", attribute(rec, AttrQueue)),
	)
	return nil
}

func attribute(rec events.SQSMessage, name string) string {
	a, ok := rec.MessageAttributes[name]
	if !ok || a.StringValue == nil {
		return ""
	}
	return *a.StringValue
}
