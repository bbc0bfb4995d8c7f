package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

const orderDetails = "Sustainamart Order"

type deliveryOrder struct {
	OrderDetails     string        `json:"orderDetails"`
	FromAddressLine1 string        `json:"fromAddressLine1"`
	FromAddressLine2 *string       `json:"fromAddressLine2"`
	FromZipCode      string        `json:"fromZipCode"`
	ToAddressLine1   string        `json:"toAddressLine1"`
	ToAddressLine2   *string       `json:"toAddressLine2"`
	ToZipCode        string        `json:"toZipCode"`
	UserID           orders.UserID `json:"userId"`
}

// Delivery talks to the delivery partner.
type Delivery struct {
	base
	apiKey string
}

func NewDelivery(baseURL, apiKey string, opts Options) *Delivery {
	return &Delivery{base: newBase("delivery", baseURL, opts), apiKey: apiKey}
}

// CreateOrder books a delivery from origin to receiver and returns the
// partner's order object.
func (d *Delivery) CreateOrder(ctx context.Context, receiver, origin orders.Profile, idempotencyKey string) (json.RawMessage, error) {
	headers := map[string]string{"X-User-Id": receiver.UserID.String()}
	if d.apiKey != "" {
		headers["X-Api-Key"] = d.apiKey
	}
	body := map[string]deliveryOrder{"order": {
		OrderDetails:     orderDetails,
		FromAddressLine1: origin.Address,
		FromZipCode:      zipCode(origin.Address),
		ToAddressLine1:   receiver.Address,
		ToZipCode:        zipCode(receiver.Address),
		UserID:           receiver.UserID,
	}}

	var out struct {
		Order json.RawMessage `json:"order"`
	}
	if _, err := d.do(ctx, call{
		method:         http.MethodPost,
		path:           "/order",
		body:           body,
		idempotencyKey: idempotencyKey,
		headers:        headers,
	}, &out); err != nil {
		return nil, err
	}
	if len(out.Order) == 0 || string(out.Order) == "null" {
		return nil, errors.New("delivery: response carries no order")
	}
	return out.Order, nil
}

// zipCode takes the trailing six-digit group of a Singapore address.
func zipCode(address string) string {
	digits := 0
	for i := len(address) - 1; i >= 0; i-- {
		c := address[i]
		if c >= '0' && c <= '9' {
			digits++
			if digits == 6 {
				return address[i : i+6]
			}
			continue
		}
		digits = 0
	}
	return ""
}
