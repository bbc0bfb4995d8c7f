package purchases

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"go.uber.org/zap/zaptest"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
)

func setupRepositoryTest(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRepository(db, zaptest.NewLogger(t)), mock
}

func samplePurchase() Purchase {
	return Purchase{
		PaymentID: "cs_1",
		UserID:    "101",
		Products:  []orders.ProductQuantity{{ProductID: 11, Stock: 2}},
		Cart:      orders.CartSnapshot{"11": []byte(`{"productId":11,"quantity":2}`)},
	}
}

func TestRecord_InsertsOnce(t *testing.T) {
	repo, mock := setupRepositoryTest(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO purchases .* ON CONFLICT \\(payment_id\\) DO NOTHING").
		WithArgs("cs_1", "101", []byte(`[{"productId":11,"stock":2}]`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO purchases").
		WithArgs("cs_1", "101", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	written, err := repo.Record(ctx, samplePurchase())
	if err != nil || !written {
		t.Fatalf("expected first insert to write, got %v (%v)", written, err)
	}
	written, err = repo.Record(ctx, samplePurchase())
	if err != nil || written {
		t.Fatalf("expected duplicate insert to be skipped, got %v (%v)", written, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestRecord_MissingTable(t *testing.T) {
	repo, mock := setupRepositoryTest(t)
	mock.ExpectExec("INSERT INTO purchases").
		WillReturnError(&pq.Error{Code: undefinedTable, Message: `relation "purchases" does not exist`})

	_, err := repo.Record(context.Background(), samplePurchase())
	if !errors.Is(err, ErrNotMigrated) {
		t.Fatalf("expected ErrNotMigrated, got %v", err)
	}
}

func TestListByUser(t *testing.T) {
	repo, mock := setupRepositoryTest(t)
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT payment_id, user_id, products, cart, created_at FROM purchases WHERE user_id = \\$1").
		WithArgs("101").
		WillReturnRows(sqlmock.NewRows([]string{"payment_id", "user_id", "products", "cart", "created_at"}).
			AddRow("cs_1", "101", []byte(`[{"productId":11,"stock":2}]`), []byte(`{"11":{"quantity":2}}`), created))

	got, err := repo.ListByUser(context.Background(), "101")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 1 || got[0].PaymentID != "cs_1" || got[0].Products[0].Stock != 2 {
		t.Fatalf("unexpected purchases %+v", got)
	}
	if _, ok := got[0].Cart["11"]; !ok {
		t.Fatalf("cart not decoded: %+v", got[0].Cart)
	}
}

func TestMigrate(t *testing.T) {
	repo, mock := setupRepositoryTest(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS purchases").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}
