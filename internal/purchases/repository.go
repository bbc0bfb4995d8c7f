// Package purchases keeps the purchase history written by the fulfillment
// broadcaster's purchase consumer. One row per payment.
package purchases

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

// ErrNotMigrated is returned when the purchases table does not exist.
var ErrNotMigrated = errors.New("purchases table missing")

const undefinedTable = "42P01"

const schema = `
CREATE TABLE IF NOT EXISTS purchases (
	payment_id VARCHAR(255) PRIMARY KEY,
	user_id VARCHAR(255) NOT NULL,
	products JSONB NOT NULL,
	cart JSONB NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS purchases_user_id_idx ON purchases (user_id);
`

// Purchase is one completed order.
type Purchase struct {
	PaymentID string
	UserID    orders.UserID
	Products  []orders.ProductQuantity
	Cart      orders.CartSnapshot
	CreatedAt time.Time
}

// Repository stores purchases in Postgres.
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewRepository(db *sql.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Open connects to Postgres and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Migrate creates the purchases table if it doesn't exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// Record inserts p unless a purchase for the same payment exists. It reports
// whether a row was written.
func (r *Repository) Record(ctx context.Context, p Purchase) (bool, error) {
	products, err := json.Marshal(p.Products)
	if err != nil {
		return false, fmt.Errorf("marshal products: %w", err)
	}
	cart := p.Cart
	if cart == nil {
		cart = orders.CartSnapshot{}
	}
	cartJSON, err := json.Marshal(cart)
	if err != nil {
		return false, fmt.Errorf("marshal cart: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO purchases (payment_id, user_id, products, cart) VALUES ($1, $2, $3, $4) ON CONFLICT (payment_id) DO NOTHING`,
		p.PaymentID, p.UserID.String(), products, cartJSON,
	)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		r.logger.Info("purchase already recorded", zap.String("payment_id", p.PaymentID))
	}
	return n > 0, nil
}

// ListByUser returns the purchases of userID, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID orders.UserID) ([]Purchase, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT payment_id, user_id, products, cart, created_at FROM purchases WHERE user_id = $1 ORDER BY created_at DESC`,
		userID.String(),
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		var (
			p                  Purchase
			user               string
			products, cartJSON []byte
		)
		if err := rows.Scan(&p.PaymentID, &user, &products, &cartJSON, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		p.UserID = orders.UserID(user)
		if err := json.Unmarshal(products, &p.Products); err != nil {
			return nil, fmt.Errorf("decode products of %s: %w", p.PaymentID, err)
		}
		if err := json.Unmarshal(cartJSON, &p.Cart); err != nil {
			return nil, fmt.Errorf("decode cart of %s: %w", p.PaymentID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == undefinedTable {
		return fmt.Errorf("%w: %s", ErrNotMigrated, pqErr.Message)
	}
	return fmt.Errorf("purchases query: %w", err)
}
