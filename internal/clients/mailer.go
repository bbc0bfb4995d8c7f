package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// Mail templates.
const (
	TemplateOrderConfirmation = "order_confirmation"
	TemplateWelcome           = "welcome"
)

// Email is one message for the mail gateway.
type Email struct {
	Template string          `json:"template"`
	To       string          `json:"to"`
	Name     string          `json:"name,omitempty"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Mailer talks to the mail gateway.
type Mailer struct{ base }

func NewMailer(baseURL string, opts Options) *Mailer {
	return &Mailer{newBase("mailer", baseURL, opts)}
}

// Send delivers e. The gateway drops repeats of idempotencyKey.
func (m *Mailer) Send(ctx context.Context, e Email, idempotencyKey string) error {
	if e.To == "" {
		return errors.New("mailer: missing recipient")
	}
	_, err := m.do(ctx, call{
		method:         http.MethodPost,
		path:           "/send",
		body:           e,
		idempotencyKey: idempotencyKey,
	}, nil)
	return err
}
