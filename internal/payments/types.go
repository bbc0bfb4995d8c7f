package payments

import (
	"encoding/json"
	"time"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

// Payment statuses. successful, failed and expired are terminal.
const (
	StatusPending    = "pending"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
)

// Completion publication states.
const (
	CompletionPublishing = "publishing"
	CompletionPublished  = "published"
)

// Terminal reports whether status admits no further transition.
func Terminal(status string) bool {
	switch status {
	case StatusSuccessful, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Record is the item stored in the payments DynamoDB table.
type Record struct {
	PaymentID      string    `dynamodbav:"payment_id" json:"paymentID"` // PK
	UserID         string    `dynamodbav:"user_id" json:"userID"`
	Amount         string    `dynamodbav:"amount" json:"amount"`
	Currency       string    `dynamodbav:"currency" json:"currency"`
	Status         string    `dynamodbav:"status" json:"payment_status"`
	CartDetails    string    `dynamodbav:"cart_details" json:"cart_details"` // JSON cart snapshot
	SessionURL     string    `dynamodbav:"session_url,omitempty" json:"stripe_session_url,omitempty"`
	VoucherID      string    `dynamodbav:"voucher_id,omitempty" json:"voucherId,omitempty"`
	VoucherValue   string    `dynamodbav:"voucher_value,omitempty" json:"voucherValue,omitempty"`
	OriginalAmount string    `dynamodbav:"original_amount,omitempty" json:"originalAmount,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at" json:"updated_at"`

	CompletionState      string `dynamodbav:"completion_state,omitempty" json:"-"`
	CompletionLeaseUntil int64  `dynamodbav:"completion_lease_until,omitempty" json:"-"` // epoch seconds
}

// Cart decodes the stored cart snapshot.
func (r Record) Cart() (orders.CartSnapshot, error) {
	var cart orders.CartSnapshot
	if r.CartDetails == "" {
		return orders.CartSnapshot{}, nil
	}
	if err := json.Unmarshal([]byte(r.CartDetails), &cart); err != nil {
		return nil, err
	}
	return cart, nil
}

// Confirmation is the relay trigger: an out-of-band verdict for one payment session.
type Confirmation struct {
	PaymentID string
	Status    string
}

// Notification is published on payment_exchange when the processor reports a
// completed checkout.
type Notification struct {
	PaymentID      string        `json:"paymentID"`
	Status         string        `json:"status"`
	UserID         orders.UserID `json:"userID"`
	VoucherID      string        `json:"voucherId,omitempty"`
	VoucherValue   string        `json:"voucherValue,omitempty"`
	OriginalAmount string        `json:"originalAmount,omitempty"`
}
