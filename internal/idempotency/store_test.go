package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/aws/awstest"
)

const table = "idempotency-table"

func newTestStore() (*Store, *awstest.Dynamo, *time.Time) {
	mock := awstest.NewDynamo().WithTable(table, "idempotency_key")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(mock, table, 48*time.Hour, 30*time.Second, WithClock(func() time.Time { return now }))
	return s, mock, &now
}

func TestClaim_MarkDone_IsNotClaimedAgain(t *testing.T) {
	s, mock, _ := newTestStore()
	ctx := context.Background()

	got, err := s.Claim(ctx, "stock", "cs_1")
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if got != Claimed {
		t.Fatalf("expected claimed, got %s", got)
	}

	// second claim inside the lease sees the first worker
	got, err = s.Claim(ctx, "stock", "cs_1")
	if err != nil {
		t.Fatalf("second Claim error: %v", err)
	}
	if got != InFlight {
		t.Fatalf("expected in_flight, got %s", got)
	}

	if err := s.MarkDone(ctx, "stock", "cs_1"); err != nil {
		t.Fatalf("MarkDone error: %v", err)
	}
	item := mock.Item(table, "stock:cs_1")
	if st, ok := item["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusDone {
		t.Fatalf("status not updated to DONE, got %+v", item["status"])
	}

	got, err = s.Claim(ctx, "stock", "cs_1")
	if err != nil {
		t.Fatalf("third Claim error: %v", err)
	}
	if got != Done {
		t.Fatalf("expected done, got %s", got)
	}
}

func TestClaim_KeysAreScopedByConsumer(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()
	for _, consumer := range []string{"stock", "cart", "delivery"} {
		got, err := s.Claim(ctx, consumer, "cs_2")
		if err != nil || got != Claimed {
			t.Fatalf("%s: expected claimed, got %s (%v)", consumer, got, err)
		}
	}
}

func TestClaim_AfterFailureOrExpiredLease(t *testing.T) {
	s, _, now := newTestStore()
	ctx := context.Background()

	if got, _ := s.Claim(ctx, "cart", "cs_3"); got != Claimed {
		t.Fatalf("expected claimed, got %s", got)
	}
	if err := s.MarkFailed(ctx, "cart", "cs_3", "cart service 503"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}
	rec, err := s.Get(ctx, "cart:cs_3")
	if err != nil || rec == nil {
		t.Fatalf("Get: %v %v", rec, err)
	}
	if rec.Status != StatusFailed || rec.Note != "cart service 503" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if got, _ := s.Claim(ctx, "cart", "cs_3"); got != Claimed {
		t.Fatalf("failed key should be claimable, got %s", got)
	}

	// worker died holding the claim
	if got, _ := s.Claim(ctx, "cart", "cs_3"); got != InFlight {
		t.Fatalf("expected in_flight, got %s", got)
	}
	*now = now.Add(time.Minute)
	if got, _ := s.Claim(ctx, "cart", "cs_3"); got != Claimed {
		t.Fatalf("expired lease should be taken over, got %s", got)
	}
}

func TestMarkDone_MissingKey(t *testing.T) {
	s, _, _ := newTestStore()
	err := s.MarkDone(context.Background(), "stock", "cs_none")
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}

func TestReserve(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	first, err := s.Reserve(ctx, "TRADE_IN_SUCCESS_7", "reward")
	if err != nil || !first {
		t.Fatalf("expected first reservation, got %v (%v)", first, err)
	}
	first, err = s.Reserve(ctx, "TRADE_IN_SUCCESS_7", "reward")
	if err != nil || first {
		t.Fatalf("expected duplicate reservation, got %v (%v)", first, err)
	}
	rec, _ := s.Get(ctx, "TRADE_IN_SUCCESS_7")
	if rec == nil || rec.Status != StatusDone {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _, _ := newTestStore()
	rec, err := s.Get(context.Background(), "nope")
	if err != nil || rec != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", rec, err)
	}
}

func TestClaim_ClientError(t *testing.T) {
	s, mock, _ := newTestStore()
	mock.Err = errors.New("throttled")
	if _, err := s.Claim(context.Background(), "stock", "cs_4"); err == nil {
		t.Fatalf("expected error")
	}
}
