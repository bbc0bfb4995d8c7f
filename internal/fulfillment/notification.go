package fulfillment

import (
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/clients"
)

// RoutingWelcome is the notification_exchange key of welcome emails.
const RoutingWelcome = "email.welcome"

// Notification is a user notification published on notification_exchange.
type Notification struct {
	Email   string          `json:"email"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Notifications consumes notification_email_queue.
type Notifications struct {
	mailer Mailer
	logger *zap.Logger
}

func NewNotifications(mailer Mailer, logger *zap.Logger) *Notifications {
	return &Notifications{mailer: mailer, logger: logger}
}

// Handle sends welcome emails. Other routing keys are acked with a warning.
func (n *Notifications) Handle(ctx context.Context, d amqp.Delivery) error {
	if d.RoutingKey != RoutingWelcome {
		n.logger.Warn("unhandled routing key", zap.String("routing_key", d.RoutingKey))
		return nil
	}
	var msg Notification
	if err := broker.DecodeJSON(d, &msg); err != nil {
		return err
	}
	if msg.Email == "" {
		return broker.Malformed(errors.New("notification has no email"))
	}

	var data struct {
		Name string `json:"name"`
	}
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &data)
	}
	if data.Name == "" {
		data.Name = "User"
	}

	key := d.MessageId
	if key != "" {
		key = RoutingWelcome + ":" + key
	}
	return n.mailer.Send(ctx, clients.Email{
		Template: clients.TemplateWelcome,
		To:       msg.Email,
		Name:     data.Name,
		Message:  msg.Message,
		Data:     msg.Data,
	}, key)
}
