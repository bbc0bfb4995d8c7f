package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/clients"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/purchases"
)

// StockReducer decrements product stock.
type StockReducer interface {
	ReduceStock(ctx context.Context, item orders.ProductQuantity, idempotencyKey string) error
}

// CartClearer empties a user's cart.
type CartClearer interface {
	Clear(ctx context.Context, userID orders.UserID, idempotencyKey string) error
}

// DeliveryBooker books a parcel delivery.
type DeliveryBooker interface {
	CreateOrder(ctx context.Context, receiver, origin orders.Profile, idempotencyKey string) (json.RawMessage, error)
}

// PurchaseRecorder stores the purchase history.
type PurchaseRecorder interface {
	Record(ctx context.Context, p purchases.Purchase) (bool, error)
}

// Recommender feeds purchases to the recommendation service.
type Recommender interface {
	RecordPurchase(ctx context.Context, userID orders.UserID, products []orders.ProductQuantity, idempotencyKey string) error
}

// Mailer sends email.
type Mailer interface {
	Send(ctx context.Context, e clients.Email, idempotencyKey string) error
}

// ReduceStock decrements stock once per product line. Each line is its own
// ledger part, so a retry after a partial failure skips the lines already
// reduced.
func ReduceStock(products StockReducer) ApplyFunc[orders.CompletionEvent] {
	return func(ctx context.Context, ev orders.CompletionEvent, step Step) error {
		for _, p := range ev.Products {
			if p.ProductID == 0 || p.Stock < 1 {
				return broker.Malformed(fmt.Errorf("invalid stock line %+v", p))
			}
		}
		for _, p := range ev.Products {
			err := step.Once(ctx, strconv.FormatInt(p.ProductID, 10), func(key string) error {
				return products.ReduceStock(ctx, p, key)
			})
			if err != nil {
				return fmt.Errorf("reduce stock of %d: %w", p.ProductID, err)
			}
		}
		return nil
	}
}

// ClearCart empties the buyer's cart.
func ClearCart(carts CartClearer) ApplyFunc[orders.CompletionEvent] {
	return func(ctx context.Context, ev orders.CompletionEvent, step Step) error {
		return carts.Clear(ctx, ev.Customer(), step.Key())
	}
}

// BookDelivery books the parcel from origin to the buyer and asks the email
// consumer for the order confirmation. The booked order is recorded before
// the trigger is published so a failed publish is retried without booking
// again.
func BookDelivery(delivery DeliveryBooker, publisher broker.Publisher, origin orders.Profile) ApplyFunc[orders.CompletionEvent] {
	return func(ctx context.Context, ev orders.CompletionEvent, step Step) error {
		receiver := ev.UserDetails.Profile
		if receiver.Address == "" {
			return broker.Malformed(errors.New("buyer profile has no address"))
		}
		if receiver.UserID == "" {
			receiver.UserID = ev.Customer()
		}
		order, err := step.Recall(ctx, "booked", func() (json.RawMessage, error) {
			order, err := delivery.CreateOrder(ctx, receiver, origin, step.Key())
			if err != nil {
				return nil, fmt.Errorf("create delivery order: %w", err)
			}
			return order, nil
		})
		if err != nil {
			return err
		}
		trigger := orders.OrderEmail{
			Message:     ev.Message,
			PaymentID:   ev.PaymentID,
			UserDetails: ev.UserDetails,
			Cart:        ev.Cart,
			Delivery:    order,
		}
		if err := publisher.Publish(ctx, broker.EmailExchange, broker.RoutingSendEmail, trigger); err != nil {
			return fmt.Errorf("publish email trigger: %w", err)
		}
		return nil
	}
}

// RecordPurchase stores the purchase and, when a recommender is set, feeds it.
func RecordPurchase(repo PurchaseRecorder, recommender Recommender, logger *zap.Logger) ApplyFunc[orders.CompletionEvent] {
	return func(ctx context.Context, ev orders.CompletionEvent, step Step) error {
		if len(ev.Products) == 0 {
			return broker.Malformed(errors.New("completion event lists no products"))
		}
		written, err := repo.Record(ctx, purchases.Purchase{
			PaymentID: ev.PaymentID,
			UserID:    ev.Customer(),
			Products:  ev.Products,
			Cart:      ev.Cart,
		})
		if err != nil {
			return fmt.Errorf("record purchase: %w", err)
		}
		if !written {
			logger.Debug("purchase row existed", zap.String("payment_id", ev.PaymentID))
		}
		if recommender == nil {
			return nil
		}
		return recommender.RecordPurchase(ctx, ev.Customer(), ev.Products, step.Key())
	}
}

// SendOrderEmail sends one order confirmation.
func SendOrderEmail(mailer Mailer) ApplyFunc[orders.OrderEmail] {
	return func(ctx context.Context, m orders.OrderEmail, step Step) error {
		data, err := json.Marshal(struct {
			PaymentID string              `json:"payment_id"`
			Cart      orders.CartSnapshot `json:"cart"`
			Delivery  json.RawMessage     `json:"delivery,omitempty"`
		}{m.PaymentID, m.Cart, m.Delivery})
		if err != nil {
			return fmt.Errorf("encode email data: %w", err)
		}
		profile := m.UserDetails.Profile
		return mailer.Send(ctx, clients.Email{
			Template: clients.TemplateOrderConfirmation,
			To:       profile.Email,
			Name:     profile.Name,
			Message:  "Your order has been confirmed and is on its way.",
			Data:     data,
		}, step.Key())
	}
}
