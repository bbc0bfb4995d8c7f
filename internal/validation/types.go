package validation

import (
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

// PlaceOrderRequest is the payload for POST /place_order.
type PlaceOrderRequest struct {
	UserID       orders.UserID    `json:"userID" validate:"required"`
	VoucherID    string           `json:"voucherId,omitempty"`
	VoucherValue *decimal.Decimal `json:"voucherValue,omitempty" validate:"required_with=VoucherID"`
}

// CreatePaymentRequest is the payload for POST /payment.
type CreatePaymentRequest struct {
	UserID         orders.UserID       `json:"userID" validate:"required"`
	Amount         decimal.Decimal     `json:"amount"`
	Currency       string              `json:"currency" validate:"required,len=3"`
	Cart           orders.CartSnapshot `json:"cart" validate:"required,min=1"`
	VoucherID      string              `json:"voucherId,omitempty"`
	VoucherValue   *decimal.Decimal    `json:"voucherValue,omitempty" validate:"required_with=VoucherID"`
	OriginalAmount *decimal.Decimal    `json:"originalAmount,omitempty" validate:"required_with=VoucherID"`
}
