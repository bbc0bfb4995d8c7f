package clients

import (
	"context"
	"net/http"
	"net/url"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

// Wallet talks to the Wallet service.
type Wallet struct{ base }

func NewWallet(baseURL string, opts Options) *Wallet {
	return &Wallet{newBase("wallet", baseURL, opts)}
}

// Credit adds points to the wallet of userID.
func (w *Wallet) Credit(ctx context.Context, userID orders.UserID, points int, idempotencyKey string) error {
	_, err := w.do(ctx, call{
		method: http.MethodPost,
		path:   "/wallet/credit",
		body: struct {
			UserID string `json:"user_id"`
			Points int    `json:"points"`
		}{userID.String(), points},
		idempotencyKey: idempotencyKey,
	}, nil)
	return err
}

// Mission talks to the Mission service.
type Mission struct{ base }

func NewMission(baseURL string, opts Options) *Mission {
	return &Mission{newBase("mission", baseURL, opts)}
}

// ShouldUpdate reports whether userID has joined a mission for eventType.
func (m *Mission) ShouldUpdate(ctx context.Context, userID orders.UserID, eventType string) (bool, error) {
	var out struct {
		ShouldUpdate bool `json:"should_update"`
	}
	path := "/mission/check/" + url.PathEscape(userID.String()) + "/" + url.PathEscape(eventType)
	if _, err := m.do(ctx, call{method: http.MethodGet, path: path}, &out); err != nil {
		return false, err
	}
	return out.ShouldUpdate, nil
}

// Update records mission progress for eventType.
func (m *Mission) Update(ctx context.Context, userID orders.UserID, eventType, idempotencyKey string) error {
	_, err := m.do(ctx, call{
		method: http.MethodPost,
		path:   "/mission/update",
		body: struct {
			UserID    string `json:"user_id"`
			EventType string `json:"event_type"`
		}{userID.String(), eventType},
		idempotencyKey: idempotencyKey,
	}, nil)
	return err
}

// Recommendation talks to the Recommendation service.
type Recommendation struct{ base }

func NewRecommendation(baseURL string, opts Options) *Recommendation {
	return &Recommendation{newBase("recommendation", baseURL, opts)}
}

// RecordPurchase stores a purchase for future recommendations.
func (r *Recommendation) RecordPurchase(ctx context.Context, userID orders.UserID, products []orders.ProductQuantity, idempotencyKey string) error {
	_, err := r.do(ctx, call{
		method: http.MethodPost,
		path:   "/purchase",
		body: struct {
			UserID   orders.UserID            `json:"user_id"`
			Products []orders.ProductQuantity `json:"products"`
		}{userID, products},
		idempotencyKey: idempotencyKey,
	}, nil)
	return err
}
