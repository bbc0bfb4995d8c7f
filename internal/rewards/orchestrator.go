package rewards

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/metrics"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

// TradeInPoints is the wallet credit for a successful trade-in.
const TradeInPoints = 50

// Orchestrator outcomes reported to metrics.
const (
	outcomeDispatched = "dispatched"
	outcomeDiscarded  = "discarded"
	outcomeMalformed  = "malformed"
	outcomeIgnored    = "ignored"
)

// WalletCrediter credits reward points.
type WalletCrediter interface {
	Credit(ctx context.Context, userID orders.UserID, points int, idempotencyKey string) error
}

// MissionTracker reports and advances mission progress.
type MissionTracker interface {
	ShouldUpdate(ctx context.Context, userID orders.UserID, eventType string) (bool, error)
	Update(ctx context.Context, userID orders.UserID, eventType, idempotencyKey string) error
}

// Orchestrator consumes reward_orchestrator.queue and reward_orchestrator.purchase.
type Orchestrator struct {
	dedup     Deduper
	wallet    WalletCrediter
	missions  MissionTracker
	correlate bool
	logger    *zap.Logger
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithCorrelatedKeys adds the event's payment, trade or mission id to the
// dedup key, so repeat purchases by one user are each rewarded.
func WithCorrelatedKeys() Option { return func(o *Orchestrator) { o.correlate = true } }

func NewOrchestrator(dedup Deduper, wallet WalletCrediter, missions MissionTracker, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{dedup: dedup, wallet: wallet, missions: missions, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleTopic handles one events.topic delivery.
func (o *Orchestrator) HandleTopic(ctx context.Context, d amqp.Delivery) error {
	var ev Event
	if err := broker.DecodeJSON(d, &ev); err != nil {
		metrics.RewardEvent("unknown", outcomeMalformed)
		return err
	}
	if ev.Type == "" || ev.UserID == "" {
		metrics.RewardEvent("unknown", outcomeMalformed)
		return broker.Malformed(errors.New("reward event needs type and user_id"))
	}
	return o.Process(ctx, ev)
}

// HandlePurchase turns a Completion Event into ECO_PURCHASE.
func (o *Orchestrator) HandlePurchase(ctx context.Context, d amqp.Delivery) error {
	var ce orders.CompletionEvent
	if err := broker.DecodeJSON(d, &ce); err != nil {
		metrics.RewardEvent(EcoPurchase, outcomeMalformed)
		return err
	}
	user := ce.Customer()
	if user == "" {
		metrics.RewardEvent(EcoPurchase, outcomeMalformed)
		return broker.Malformed(errors.New("completion event has no user id"))
	}
	return o.Process(ctx, Event{Type: EcoPurchase, UserID: user, PaymentID: ce.PaymentID})
}

// Process dispatches ev unless its key was seen before. Collaborator failures
// are logged; the key stays claimed and the event is not dispatched again.
func (o *Orchestrator) Process(ctx context.Context, ev Event) error {
	log := o.logger.With(zap.String("type", ev.Type), zap.Stringer("user_id", ev.UserID))
	if _, err := RoutingKey(ev.Type); err != nil {
		log.Warn("ignoring reward event")
		metrics.RewardEvent(ev.Type, outcomeIgnored)
		return nil
	}

	key := ev.Key()
	if o.correlate {
		key = ev.CorrelatedKey()
	}
	first, err := o.dedup.Claim(ctx, key)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", key, err)
	}
	if !first {
		log.Warn("duplicate reward event discarded", zap.String("key", key))
		metrics.RewardEvent(ev.Type, outcomeDiscarded)
		return nil
	}

	o.dispatch(ctx, ev, key, log)
	metrics.RewardEvent(ev.Type, outcomeDispatched)
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, ev Event, key string, log *zap.Logger) {
	switch ev.Type {
	case TradeInSuccess:
		o.credit(ctx, ev.UserID, TradeInPoints, key, log)
		o.advanceMission(ctx, ev, key, log)
	case EcoPurchase:
		o.advanceMission(ctx, ev, key, log)
	case MissionCompleted:
		o.credit(ctx, ev.UserID, ev.RewardPoints, key, log)
	}
}

func (o *Orchestrator) credit(ctx context.Context, user orders.UserID, points int, key string, log *zap.Logger) {
	if err := o.wallet.Credit(ctx, user, points, key+":wallet"); err != nil {
		log.Error("wallet credit failed", zap.Int("points", points), zap.Error(err))
		return
	}
	log.Info("wallet credited", zap.Int("points", points))
}

func (o *Orchestrator) advanceMission(ctx context.Context, ev Event, key string, log *zap.Logger) {
	ok, err := o.missions.ShouldUpdate(ctx, ev.UserID, ev.Type)
	if err != nil {
		log.Warn("mission eligibility check failed", zap.Error(err))
		return
	}
	if !ok {
		log.Info("no joined mission for event")
		return
	}
	if err := o.missions.Update(ctx, ev.UserID, ev.Type, key+":mission"); err != nil {
		log.Error("mission update failed", zap.Error(err))
		return
	}
	log.Info("mission progress updated")
}
