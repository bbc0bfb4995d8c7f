package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/metrics"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

// ProfileFetcher loads the user details attached to a Completion Event.
type ProfileFetcher interface {
	Profile(ctx context.Context, userID orders.UserID) (*orders.UserDetails, error)
}

// Relay applies payment confirmations and broadcasts the Completion Event
// exactly once per payment that becomes successful.
type Relay struct {
	store     *Store
	profiles  ProfileFetcher
	publisher broker.Publisher
	lease     time.Duration
	logger    *zap.Logger
}

// NewRelay wires a Relay. lease bounds how long a publisher may hold the
// completion claim before another confirmation may take it over.
func NewRelay(store *Store, profiles ProfileFetcher, publisher broker.Publisher, lease time.Duration, logger *zap.Logger) *Relay {
	return &Relay{store: store, profiles: profiles, publisher: publisher, lease: lease, logger: logger}
}

// HandleNotification consumes payment_queue.
func (r *Relay) HandleNotification(ctx context.Context, d amqp.Delivery) error {
	var n Notification
	if err := broker.DecodeJSON(d, &n); err != nil {
		return err
	}
	if n.PaymentID == "" {
		return broker.Malformed(errors.New("missing paymentID"))
	}
	if n.Status == "" {
		n.Status = StatusSuccessful
	}
	err := r.Confirm(ctx, Confirmation{PaymentID: n.PaymentID, Status: n.Status})
	if errors.Is(err, errUnsupportedStatus) {
		return broker.Malformed(err)
	}
	return err
}

var errUnsupportedStatus = errors.New("unsupported payment status")

// Confirm applies c. An unknown payment is logged and ignored. Only the
// transition that moves the record to successful, or a retry after that
// transition's publish was lost, publishes a Completion Event.
func (r *Relay) Confirm(ctx context.Context, c Confirmation) error {
	log := r.logger.With(zap.String("payment_id", c.PaymentID), zap.String("status", c.Status))
	if !Terminal(c.Status) {
		return fmt.Errorf("%w: %q", errUnsupportedStatus, c.Status)
	}

	rec, err := r.store.Get(ctx, c.PaymentID)
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}
	if rec == nil {
		log.Warn("orphaned payment confirmation")
		return nil
	}

	if rec.Status == StatusPending {
		err := r.store.Transition(ctx, c.PaymentID, StatusPending, c.Status)
		switch {
		case err == nil:
			rec.Status = c.Status
			metrics.PaymentTransition(c.Status)
			log.Info("payment status updated")
		case errors.Is(err, ErrStatusMismatch):
			if rec, err = r.store.Get(ctx, c.PaymentID); err != nil {
				return fmt.Errorf("reload payment: %w", err)
			}
			if rec == nil {
				log.Warn("payment disappeared during confirmation")
				return nil
			}
		default:
			return fmt.Errorf("transition payment: %w", err)
		}
	}

	if rec.Status != c.Status {
		log.Warn("confirmation ignored, payment already final", zap.String("current", rec.Status))
		return nil
	}
	if rec.Status != StatusSuccessful {
		return nil
	}
	return r.publishCompletion(ctx, rec, log)
}

func (r *Relay) publishCompletion(ctx context.Context, rec *Record, log *zap.Logger) error {
	if rec.CompletionState == CompletionPublished {
		log.Info("duplicate confirmation, completion already published")
		return nil
	}

	event, err := r.buildEvent(ctx, rec)
	if err != nil {
		return err
	}

	claimed, err := r.store.ClaimCompletion(ctx, rec.PaymentID, r.lease)
	if err != nil {
		return err
	}
	if !claimed {
		current, err := r.store.Get(ctx, rec.PaymentID)
		if err != nil {
			return fmt.Errorf("reload payment: %w", err)
		}
		if current != nil && current.CompletionState == CompletionPublished {
			log.Info("completion published by another relay")
			return nil
		}
		// The holder may still fail and release, or stop before marking the
		// event published. Keep the notification until its lease is decided.
		log.Info("completion claimed by another relay, deferring")
		return broker.RetryLater(fmt.Errorf("completion of %s is held by another relay", rec.PaymentID))
	}

	if err := r.publisher.Publish(ctx, broker.PlaceOrderExchange, "", event); err != nil {
		if rerr := r.store.ReleaseCompletion(ctx, rec.PaymentID); rerr != nil {
			log.Error("release completion claim", zap.Error(rerr))
		}
		return fmt.Errorf("publish completion event: %w", err)
	}
	metrics.CompletionPublished()
	log.Info("completion event published", zap.Int("products", len(event.Products)))

	if err := r.store.MarkCompletionPublished(ctx, rec.PaymentID); err != nil {
		log.Error("mark completion published", zap.Error(err))
	}
	return nil
}

func (r *Relay) buildEvent(ctx context.Context, rec *Record) (orders.CompletionEvent, error) {
	cart, err := rec.Cart()
	if err != nil {
		return orders.CompletionEvent{}, fmt.Errorf("decode stored cart: %w", err)
	}
	lines, err := cart.Lines()
	if err != nil {
		return orders.CompletionEvent{}, fmt.Errorf("read stored cart: %w", err)
	}

	userID := orders.UserID(rec.UserID)
	details := orders.UserDetails{Profile: orders.Profile{UserID: userID}}
	if r.profiles != nil {
		got, err := r.profiles.Profile(ctx, userID)
		if err != nil {
			return orders.CompletionEvent{}, fmt.Errorf("load profile: %w", err)
		}
		if got != nil {
			details = *got
			if details.Profile.UserID == "" {
				details.Profile.UserID = userID
			}
		}
	}

	return orders.CompletionEvent{
		Message:     orders.CompletionMessage,
		PaymentID:   rec.PaymentID,
		UserID:      userID,
		UserDetails: details,
		Cart:        cart,
		Products:    orders.Quantities(lines),
	}, nil
}
