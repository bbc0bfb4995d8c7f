package clients

import (
	"context"
	"net/http"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

// Product talks to the Product service.
type Product struct{ base }

func NewProduct(baseURL string, opts Options) *Product {
	return &Product{newBase("product", baseURL, opts)}
}

// ReduceStock decrements stock for one product.
func (p *Product) ReduceStock(ctx context.Context, item orders.ProductQuantity, idempotencyKey string) error {
	_, err := p.do(ctx, call{
		method:         http.MethodPatch,
		path:           "/reducestock/",
		body:           item,
		idempotencyKey: idempotencyKey,
	}, nil)
	return err
}
