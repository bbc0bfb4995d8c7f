// Package orders holds the order-fulfillment message shapes shared by the
// saga initiator, the payment relay and the fulfillment consumers.
package orders

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

// CompletionMessage tags a Completion Event.
const CompletionMessage = "complete transaction"

// UserID is a user identifier that may arrive as a JSON number or string.
// Numeric ids are written back as numbers.
type UserID string

func (u UserID) String() string { return string(u) }

// MarshalJSON writes numeric ids unquoted.
func (u UserID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(u), 10, 64); err == nil {
		return []byte(u), nil
	}
	return json.Marshal(string(u))
}

// UnmarshalJSON accepts numbers and strings.
func (u *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*u = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*u = UserID(n.String())
	return nil
}

// CartSnapshot is the cart as returned by the Cart service, keyed by product id.
// Item bodies are kept verbatim so downstream services see every attribute.
type CartSnapshot map[string]json.RawMessage

// UnmarshalJSON treats null and an empty list as an empty cart.
func (c *CartSnapshot) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte("[]")) {
		*c = CartSnapshot{}
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("cart snapshot: %w", err)
	}
	*c = m
	return nil
}

// CartLine is the part of a cart item the saga reads.
type CartLine struct {
	ProductID int64
	Quantity  int
	Price     decimal.Decimal
}

type cartItem struct {
	ProductID json.Number     `json:"productId"`
	Quantity  json.Number     `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Lines decodes every item, ordered by product id. The map key is used when
// an item carries no productId.
func (c CartSnapshot) Lines() ([]CartLine, error) {
	lines := make([]CartLine, 0, len(c))
	for key, raw := range c {
		var it cartItem
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, fmt.Errorf("cart item %s: %w", key, err)
		}
		idText := it.ProductID.String()
		if idText == "" {
			idText = key
		}
		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cart item %s: product id %q: %w", key, idText, err)
		}
		qty, err := strconv.Atoi(it.Quantity.String())
		if err != nil || qty < 1 {
			return nil, fmt.Errorf("cart item %s: invalid quantity %q", key, it.Quantity)
		}
		lines = append(lines, CartLine{ProductID: id, Quantity: qty, Price: it.Price})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines, nil
}

// ProductQuantity is one stock reduction.
type ProductQuantity struct {
	ProductID int64 `json:"productId"`
	Stock     int   `json:"stock"`
}

// Quantities converts cart lines into stock reductions.
func Quantities(lines []CartLine) []ProductQuantity {
	out := make([]ProductQuantity, 0, len(lines))
	for _, l := range lines {
		out = append(out, ProductQuantity{ProductID: l.ProductID, Stock: l.Quantity})
	}
	return out
}

// Profile is the user profile attached to a Completion Event.
type Profile struct {
	UserID  UserID `json:"user_id"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// UserDetails wraps the profile the way the Profile service returns it.
type UserDetails struct {
	Profile Profile `json:"profile"`
}

// CompletionEvent is broadcast once per payment that reaches successful.
type CompletionEvent struct {
	Message     string            `json:"message"`
	PaymentID   string            `json:"payment_id"`
	UserID      UserID            `json:"userID"`
	UserDetails UserDetails       `json:"user_details"`
	Cart        CartSnapshot      `json:"cart"`
	Products    []ProductQuantity `json:"products"`
}

// Validate reports missing fields a consumer cannot work without.
func (e CompletionEvent) Validate() error {
	if e.Message != CompletionMessage {
		return fmt.Errorf("unexpected message %q", e.Message)
	}
	if e.PaymentID == "" {
		return fmt.Errorf("missing payment_id")
	}
	if e.Customer() == "" {
		return fmt.Errorf("missing user id")
	}
	return nil
}

// Customer returns the profile user id, falling back to userID.
func (e CompletionEvent) Customer() UserID {
	if e.UserDetails.Profile.UserID != "" {
		return e.UserDetails.Profile.UserID
	}
	return e.UserID
}

// EventKey is the payment the event belongs to.
func (e CompletionEvent) EventKey() string { return e.PaymentID }

// OrderEmail asks the email consumer for an order confirmation once the
// delivery is booked.
type OrderEmail struct {
	Message     string          `json:"message"`
	PaymentID   string          `json:"payment_id"`
	UserDetails UserDetails     `json:"user_details"`
	Cart        CartSnapshot    `json:"cart"`
	Delivery    json.RawMessage `json:"delivery"`
}

// Validate reports missing fields the email consumer needs.
func (m OrderEmail) Validate() error {
	if m.PaymentID == "" {
		return fmt.Errorf("missing payment_id")
	}
	if m.UserDetails.Profile.Email == "" {
		return fmt.Errorf("missing recipient email")
	}
	return nil
}

// EventKey is the payment the email confirms.
func (m OrderEmail) EventKey() string { return m.PaymentID }
