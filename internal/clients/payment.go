package clients

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

// PaymentRequest is the body of POST /payment. Amounts travel as JSON numbers.
type PaymentRequest struct {
	UserID         orders.UserID       `json:"userID"`
	Amount         json.Number         `json:"amount"`
	Currency       string              `json:"currency"`
	Cart           orders.CartSnapshot `json:"cart"`
	VoucherID      string              `json:"voucherId,omitempty"`
	VoucherValue   json.Number         `json:"voucherValue,omitempty"`
	OriginalAmount json.Number         `json:"originalAmount,omitempty"`
}

// PaymentResponse is the payment session returned by the Payment service.
type PaymentResponse struct {
	PaymentID  string `json:"paymentID"`
	SessionURL string `json:"stripe_session_url"`

	Raw json.RawMessage `json:"-"`
}

// Payment talks to the Payment service.
type Payment struct{ base }

func NewPayment(baseURL string, opts Options) *Payment {
	return &Payment{newBase("payment", baseURL, opts)}
}

// CreateSession requests a payment session for an order intent.
func (p *Payment) CreateSession(ctx context.Context, req PaymentRequest) (*PaymentResponse, error) {
	var out PaymentResponse
	raw, err := p.do(ctx, call{method: http.MethodPost, path: "/payment", body: req}, &out)
	out.Raw = raw
	if err != nil {
		return &out, err
	}
	return &out, nil
}
