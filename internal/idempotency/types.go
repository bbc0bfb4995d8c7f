package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Outcome is the result of claiming a key.
type Outcome int

const (
	// Claimed means the caller owns the key and must apply its effect.
	Claimed Outcome = iota
	// Done means the effect was already applied.
	Done
	// InFlight means another worker holds an unexpired lease on the key.
	InFlight
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case Done:
		return "done"
	case InFlight:
		return "in_flight"
	}
	return "unknown"
}

// Record is the shape persisted in the idempotency DynamoDB table.
type Record struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	Consumer       string    `dynamodbav:"consumer,omitempty"`
	PaymentID      string    `dynamodbav:"payment_id,omitempty"`
	LeaseUntil     int64     `dynamodbav:"lease_until,omitempty"` // epoch seconds, IN_PROGRESS only
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// Key builds the ledger key of one consumer's effect for one payment. It is
// also sent downstream as the Idempotency-Key header.
func Key(consumer, paymentID string) string {
	return consumer + ":" + paymentID
}
