package clients

import (
	"context"
	"net/http"
	"net/url"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

// Profiles talks to the Profile service.
type Profiles struct{ base }

func NewProfiles(baseURL string, opts Options) *Profiles {
	return &Profiles{newBase("profile", baseURL, opts)}
}

// Profile returns the user details of userID.
func (p *Profiles) Profile(ctx context.Context, userID orders.UserID) (*orders.UserDetails, error) {
	var out orders.UserDetails
	if _, err := p.do(ctx, call{method: http.MethodGet, path: "/profile/" + url.PathEscape(userID.String())}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
