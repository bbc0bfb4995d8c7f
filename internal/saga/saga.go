// Package saga starts the order saga: it reads the live cart, builds the
// order intent and opens a payment session. It never publishes; the saga
// continues when the payment is confirmed.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/clients"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/metrics"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

const (
	msgCartUnavailable = "Failed to retrieve cart or cart is empty"
	msgPaymentFailed   = "Payment failed"
	msgAwaitingPayment = "Awaiting payment"
)

// CartFetcher reads a user's live cart.
type CartFetcher interface {
	Get(ctx context.Context, userID orders.UserID) (*clients.CartResponse, error)
}

// SessionCreator opens a payment session.
type SessionCreator interface {
	CreateSession(ctx context.Context, req clients.PaymentRequest) (*clients.PaymentResponse, error)
}

// PlaceOrderInput is a place_order request.
type PlaceOrderInput struct {
	UserID       orders.UserID
	VoucherID    string
	VoucherValue *decimal.Decimal
}

// Result is the place_order answer. Code doubles as the HTTP status.
type Result struct {
	Code           int                 `json:"code"`
	Message        string              `json:"message"`
	OrderDetails   orders.CartSnapshot `json:"order_details,omitempty"`
	PaymentDetails json.RawMessage     `json:"payment_details,omitempty"`
	CartResult     json.RawMessage     `json:"cart_result,omitempty"`
	PaymentResult  json.RawMessage     `json:"payment_result,omitempty"`
}

// Initiator runs the synchronous part of the saga.
type Initiator struct {
	carts    CartFetcher
	payments SessionCreator
	currency string
	logger   *zap.Logger
}

func NewInitiator(carts CartFetcher, payments SessionCreator, currency string, logger *zap.Logger) *Initiator {
	return &Initiator{carts: carts, payments: payments, currency: currency, logger: logger}
}

// PlaceOrder returns 201 only when both the cart read and the payment session
// succeed. A cart that cannot be read or is empty is a 400; a payment session
// without an id is a 500.
func (i *Initiator) PlaceOrder(ctx context.Context, in PlaceOrderInput) Result {
	res := i.placeOrder(ctx, in)
	metrics.OrderPlaced(res.Code)
	return res
}

func (i *Initiator) placeOrder(ctx context.Context, in PlaceOrderInput) Result {
	log := i.logger.With(zap.String("user_id", in.UserID.String()))

	cart, err := i.carts.Get(ctx, in.UserID)
	if err != nil || cart.Code != http.StatusOK || len(cart.Cart) == 0 {
		log.Warn("cart unavailable", zap.Error(err))
		return Result{Code: http.StatusBadRequest, Message: msgCartUnavailable, CartResult: upstreamBody(cartRaw(cart), err)}
	}

	var voucher *orders.Voucher
	if in.VoucherID != "" && in.VoucherValue != nil {
		voucher = &orders.Voucher{ID: in.VoucherID, Value: *in.VoucherValue}
	}
	intent, err := orders.NewIntent(in.UserID, cart.Cart, cart.TotalPrice, voucher)
	if err != nil {
		log.Warn("cart rejected", zap.Error(err))
		return Result{Code: http.StatusBadRequest, Message: msgCartUnavailable, CartResult: upstreamBody(cart.Raw, err)}
	}

	req := clients.PaymentRequest{
		UserID:   intent.UserID,
		Amount:   json.Number(intent.Amount.StringFixed(2)),
		Currency: i.currency,
		Cart:     intent.Cart,
	}
	if intent.Voucher != nil {
		req.VoucherID = intent.Voucher.ID
		req.VoucherValue = json.Number(intent.Voucher.Value.String())
		req.OriginalAmount = json.Number(intent.Total.StringFixed(2))
	}

	session, err := i.payments.CreateSession(ctx, req)
	if err != nil || session.PaymentID == "" {
		log.Error("payment session not created", zap.Error(err))
		var raw json.RawMessage
		if session != nil {
			raw = session.Raw
		}
		return Result{
			Code:          http.StatusInternalServerError,
			Message:       msgPaymentFailed,
			CartResult:    cart.Raw,
			PaymentResult: upstreamBody(raw, err),
		}
	}

	log.Info("order awaiting payment",
		zap.String("payment_id", session.PaymentID),
		zap.String("amount", intent.Amount.StringFixed(2)),
	)
	return Result{
		Code:           http.StatusCreated,
		Message:        msgAwaitingPayment,
		OrderDetails:   intent.Cart,
		PaymentDetails: session.Raw,
	}
}

func cartRaw(c *clients.CartResponse) json.RawMessage {
	if c == nil {
		return nil
	}
	return c.Raw
}

// upstreamBody returns raw when it is a JSON document, otherwise an error
// object in the shape collaborators use.
func upstreamBody(raw json.RawMessage, err error) json.RawMessage {
	if len(raw) > 0 && json.Valid(raw) {
		return raw
	}
	body := map[string]any{"code": http.StatusInternalServerError}
	if err != nil {
		var up *clients.UpstreamError
		if errors.As(err, &up) {
			body["code"] = up.StatusCode
		}
		body["message"] = err.Error()
	}
	out, _ := json.Marshal(body)
	return out
}
