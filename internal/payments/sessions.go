package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

// SessionRequest is the body of POST /payment.
type SessionRequest struct {
	UserID         orders.UserID
	Amount         decimal.Decimal
	Currency       string
	Cart           orders.CartSnapshot
	VoucherID      string
	VoucherValue   *decimal.Decimal
	OriginalAmount *decimal.Decimal
}

// Session is the payment session handed back to the saga initiator.
type Session struct {
	PaymentID  string `json:"paymentID"`
	SessionURL string `json:"stripe_session_url"`
}

// Sessions creates pending payment records.
type Sessions struct {
	store       *Store
	checkoutURL string
	newID       func() string
}

// NewSessions returns a Sessions issuing checkout links under checkoutURL.
func NewSessions(store *Store, checkoutURL string) *Sessions {
	return &Sessions{
		store:       store,
		checkoutURL: strings.TrimRight(checkoutURL, "/"),
		newID:       func() string { return "cs_" + strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// Create persists a pending record holding the cart snapshot.
func (s *Sessions) Create(ctx context.Context, req SessionRequest) (*Session, error) {
	cart := req.Cart
	if cart == nil {
		cart = orders.CartSnapshot{}
	}
	cartJSON, err := json.Marshal(cart)
	if err != nil {
		return nil, fmt.Errorf("marshal cart: %w", err)
	}

	id := s.newID()
	rec := Record{
		PaymentID:   id,
		UserID:      req.UserID.String(),
		Amount:      req.Amount.StringFixed(2),
		Currency:    req.Currency,
		Status:      StatusPending,
		CartDetails: string(cartJSON),
		SessionURL:  s.checkoutURL + "/" + id,
	}
	if req.VoucherID != "" {
		rec.VoucherID = req.VoucherID
		if req.VoucherValue != nil {
			rec.VoucherValue = req.VoucherValue.String()
		}
		if req.OriginalAmount != nil {
			rec.OriginalAmount = req.OriginalAmount.StringFixed(2)
		}
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	return &Session{PaymentID: id, SessionURL: rec.SessionURL}, nil
}
