package payments

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

type published struct {
	Exchange string
	Key      string
	Body     []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.msgs = append(f.msgs, published{Exchange: exchange, Key: routingKey, Body: body})
	return nil
}

func (f *fakePublisher) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

type fakeProfiles struct {
	details *orders.UserDetails
	err     error
}

func (f fakeProfiles) Profile(ctx context.Context, userID orders.UserID) (*orders.UserDetails, error) {
	return f.details, f.err
}
