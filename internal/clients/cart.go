package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

// CartResponse is GET /cart/{user_id}.
type CartResponse struct {
	Code       int                 `json:"code"`
	Cart       orders.CartSnapshot `json:"cart"`
	TotalPrice decimal.Decimal     `json:"total_price"`

	// Raw is the body exactly as received.
	Raw json.RawMessage `json:"-"`
}

// Cart talks to the Cart service.
type Cart struct{ base }

func NewCart(baseURL string, opts Options) *Cart {
	return &Cart{newBase("cart", baseURL, opts)}
}

// Get returns the live cart of userID. A non-2xx answer is an *UpstreamError
// whose body is also returned in CartResponse.Raw.
func (c *Cart) Get(ctx context.Context, userID orders.UserID) (*CartResponse, error) {
	var out CartResponse
	raw, err := c.do(ctx, call{method: http.MethodGet, path: "/cart/" + url.PathEscape(userID.String())}, &out)
	out.Raw = raw
	if err != nil {
		return &out, err
	}
	return &out, nil
}

// Clear empties the cart of userID.
func (c *Cart) Clear(ctx context.Context, userID orders.UserID, idempotencyKey string) error {
	_, err := c.do(ctx, call{
		method:         http.MethodDelete,
		path:           "/cart/clear/" + url.PathEscape(userID.String()),
		idempotencyKey: idempotencyKey,
	}, nil)
	return err
}
