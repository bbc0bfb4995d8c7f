// Package rewards routes gameplay events to wallet credits and mission
// progress, discarding events it has already dispatched.
package rewards

import (
	"context"
	"errors"
	"fmt"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

// Event types.
const (
	TradeInSuccess   = "TRADE_IN_SUCCESS"
	EcoPurchase      = "ECO_PURCHASE"
	MissionCompleted = "MISSION_COMPLETED"
)

// ErrUnknownType is returned for an event type with no routing key.
var ErrUnknownType = errors.New("unknown reward event type")

// Event is a message on events.topic.
type Event struct {
	Type         string        `json:"type"`
	UserID       orders.UserID `json:"user_id"`
	RewardPoints int           `json:"reward_points,omitempty"`
	PaymentID    string        `json:"payment_id,omitempty"`
	TradeID      string        `json:"trade_id,omitempty"`
	MissionID    string        `json:"mission_id,omitempty"`
}

// Key is the dedup key of the event: type and user.
func (e Event) Key() string { return e.Type + "_" + e.UserID.String() }

// Correlation is the payment, trade or mission the event is about, if any.
func (e Event) Correlation() string {
	switch {
	case e.PaymentID != "":
		return e.PaymentID
	case e.TradeID != "":
		return e.TradeID
	default:
		return e.MissionID
	}
}

// CorrelatedKey is Key narrowed to the correlation id when there is one.
func (e Event) CorrelatedKey() string {
	if c := e.Correlation(); c != "" {
		return e.Key() + "_" + c
	}
	return e.Key()
}

// RoutingKey maps an event type to its events.topic routing key.
func RoutingKey(eventType string) (string, error) {
	switch eventType {
	case TradeInSuccess:
		return broker.RoutingTradeInSuccess, nil
	case EcoPurchase:
		return broker.RoutingEcoPurchase, nil
	case MissionCompleted:
		return broker.RoutingMissionCompleted, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, eventType)
}

// Emitter publishes reward events.
type Emitter struct {
	publisher broker.Publisher
}

func NewEmitter(publisher broker.Publisher) *Emitter {
	return &Emitter{publisher: publisher}
}

// Emit publishes ev to events.topic under its type's routing key.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	key, err := RoutingKey(ev.Type)
	if err != nil {
		return err
	}
	if ev.UserID == "" {
		return errors.New("reward event has no user_id")
	}
	return e.publisher.Publish(ctx, broker.EventsExchange, key, ev)
}
