package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/aws/awstest"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/clients"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/idempotency"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/purchases"
)

const completionBody = `{
	"message": "complete transaction",
	"payment_id": "cs_1",
	"userID": 101,
	"user_details": {"profile": {"user_id": 101, "name": "Ada", "email": "ada@example.com", "address": "1 Jurong West 680456"}},
	"cart": {"11": {"productId": 11, "quantity": 2, "price": 10.0}},
	"products": [{"productId": 11, "stock": 2}]
}`

func newLedger() *idempotency.Store {
	db := awstest.NewDynamo().WithTable("idempotency", "idempotency_key")
	return idempotency.NewStore(db, "idempotency", time.Hour, 30*time.Second)
}

func newClockedLedger() (*idempotency.Store, *time.Time) {
	db := awstest.NewDynamo().WithTable("idempotency", "idempotency_key")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return idempotency.NewStore(db, "idempotency", time.Hour, 30*time.Second,
		idempotency.WithClock(func() time.Time { return now })), &now
}

func delivery(body string) amqp.Delivery {
	return amqp.Delivery{Body: []byte(body), MessageId: "m-1"}
}

type stockCall struct {
	item orders.ProductQuantity
	key  string
}

type fakeProducts struct {
	mu     sync.Mutex
	calls  []stockCall
	err    error
	failOn int64 // when set, err only applies to this product
}

func (f *fakeProducts) ReduceStock(ctx context.Context, item orders.ProductQuantity, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil && (f.failOn == 0 || f.failOn == item.ProductID) {
		return f.err
	}
	f.calls = append(f.calls, stockCall{item, key})
	return nil
}

type fakeCarts struct{ cleared []orders.UserID }

func (f *fakeCarts) Clear(ctx context.Context, userID orders.UserID, key string) error {
	f.cleared = append(f.cleared, userID)
	return nil
}

type fakeDelivery struct {
	receivers []orders.Profile
	err       error
}

func (f *fakeDelivery) CreateOrder(ctx context.Context, receiver, origin orders.Profile, key string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.receivers = append(f.receivers, receiver)
	return json.RawMessage(`{"id":99}`), nil
}

type publishedMsg struct {
	exchange, key string
	body          []byte
}

type fakePublisher struct {
	msgs []publishedMsg
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, key string, v any) error {
	if f.err != nil {
		return f.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.msgs = append(f.msgs, publishedMsg{exchange, key, b})
	return nil
}

type fakeRepo struct{ rows map[string]purchases.Purchase }

func (f *fakeRepo) Record(ctx context.Context, p purchases.Purchase) (bool, error) {
	if _, ok := f.rows[p.PaymentID]; ok {
		return false, nil
	}
	f.rows[p.PaymentID] = p
	return true, nil
}

type fakeMailer struct {
	sent []clients.Email
	keys []string
}

func (f *fakeMailer) Send(ctx context.Context, e clients.Email, key string) error {
	f.sent = append(f.sent, e)
	f.keys = append(f.keys, key)
	return nil
}

func TestStockConsumer_RedeliveryAppliesOnce(t *testing.T) {
	products := &fakeProducts{}
	c := NewConsumer(ConsumerStock, newLedger(), ReduceStock(products), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Handle(ctx, delivery(completionBody)))
	}

	require.Len(t, products.calls, 1)
	assert.Equal(t, orders.ProductQuantity{ProductID: 11, Stock: 2}, products.calls[0].item)
	assert.Equal(t, "stock:cs_1:11", products.calls[0].key)
}

func TestConsumer_FailureIsRetriedOnRedelivery(t *testing.T) {
	products := &fakeProducts{err: errors.New("product api 503")}
	c := NewConsumer(ConsumerStock, newLedger(), ReduceStock(products), zaptest.NewLogger(t))
	ctx := context.Background()

	err := c.Handle(ctx, delivery(completionBody))
	require.Error(t, err)
	assert.NotErrorIs(t, err, broker.ErrMalformed)

	products.err = nil
	require.NoError(t, c.Handle(ctx, delivery(completionBody)))
	require.NoError(t, c.Handle(ctx, delivery(completionBody)))
	assert.Len(t, products.calls, 1)
}

func TestConsumer_InFlightClaimIsRequeuedUntilLeaseExpires(t *testing.T) {
	ledger, now := newClockedLedger()
	products := &fakeProducts{}
	c := NewConsumer(ConsumerStock, ledger, ReduceStock(products), zaptest.NewLogger(t))
	ctx := context.Background()

	// A worker claimed the payment and stopped before applying it.
	outcome, err := ledger.Claim(ctx, ConsumerStock, "cs_1")
	require.NoError(t, err)
	require.Equal(t, idempotency.Claimed, outcome)

	err = c.Handle(ctx, delivery(completionBody))
	assert.ErrorIs(t, err, broker.ErrRetryLater)
	assert.NotErrorIs(t, err, broker.ErrMalformed)
	assert.Empty(t, products.calls)

	*now = now.Add(time.Minute)
	require.NoError(t, c.Handle(ctx, delivery(completionBody)))
	require.NoError(t, c.Handle(ctx, delivery(completionBody)))
	require.Len(t, products.calls, 1)
	assert.Equal(t, "stock:cs_1:11", products.calls[0].key)
}

func TestReduceStock_PartialFailureResumes(t *testing.T) {
	body := `{
		"message": "complete transaction",
		"payment_id": "cs_1",
		"userID": 101,
		"products": [{"productId": 11, "stock": 2}, {"productId": 12, "stock": 1}]
	}`
	products := &fakeProducts{err: errors.New("product api 503"), failOn: 12}
	c := NewConsumer(ConsumerStock, newLedger(), ReduceStock(products), zaptest.NewLogger(t))
	ctx := context.Background()

	require.Error(t, c.Handle(ctx, delivery(body)))
	require.Len(t, products.calls, 1)

	products.err = nil
	require.NoError(t, c.Handle(ctx, delivery(body)))
	require.NoError(t, c.Handle(ctx, delivery(body)))

	var keys []string
	for _, call := range products.calls {
		keys = append(keys, call.key)
	}
	assert.Equal(t, []string{"stock:cs_1:11", "stock:cs_1:12"}, keys)
}

func TestConsumer_MalformedEvents(t *testing.T) {
	tests := map[string]string{
		"not json":          `{"message":`,
		"wrong message":     `{"message":"hello","payment_id":"cs_1","userID":1}`,
		"missing payment":   `{"message":"complete transaction","userID":1}`,
		"missing user":      `{"message":"complete transaction","payment_id":"cs_1"}`,
		"invalid stock row": `{"message":"complete transaction","payment_id":"cs_1","userID":1,"products":[{"productId":11,"stock":0}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			products := &fakeProducts{}
			c := NewConsumer(ConsumerStock, newLedger(), ReduceStock(products), zaptest.NewLogger(t))
			err := c.Handle(context.Background(), delivery(body))
			assert.ErrorIs(t, err, broker.ErrMalformed)
			assert.Empty(t, products.calls)
		})
	}
}

func TestConsumers_AreIndependent(t *testing.T) {
	ledger := newLedger()
	products := &fakeProducts{}
	carts := &fakeCarts{}
	stock := NewConsumer(ConsumerStock, ledger, ReduceStock(products), zaptest.NewLogger(t))
	cart := NewConsumer(ConsumerCart, ledger, ClearCart(carts), zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, cart.Handle(ctx, delivery(completionBody)))
	require.NoError(t, stock.Handle(ctx, delivery(completionBody)))
	require.NoError(t, cart.Handle(ctx, delivery(completionBody)))

	assert.Equal(t, []orders.UserID{"101"}, carts.cleared)
	assert.Len(t, products.calls, 1)
}

func TestBookDelivery_PublishesEmailTrigger(t *testing.T) {
	booker := &fakeDelivery{}
	pub := &fakePublisher{}
	origin := orders.Profile{UserID: "0", Address: "81 Victoria Street 188065"}
	c := NewConsumer(ConsumerDelivery, newLedger(), BookDelivery(booker, pub, origin), zaptest.NewLogger(t))

	require.NoError(t, c.Handle(context.Background(), delivery(completionBody)))

	require.Len(t, booker.receivers, 1)
	assert.Equal(t, "ada@example.com", booker.receivers[0].Email)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, broker.EmailExchange, pub.msgs[0].exchange)
	assert.Equal(t, broker.RoutingSendEmail, pub.msgs[0].key)

	var trigger orders.OrderEmail
	require.NoError(t, json.Unmarshal(pub.msgs[0].body, &trigger))
	assert.Equal(t, "cs_1", trigger.PaymentID)
	assert.JSONEq(t, `{"id":99}`, string(trigger.Delivery))
	assert.Equal(t, orders.CompletionMessage, trigger.Message)
}

func TestBookDelivery_PublishFailureIsRetried(t *testing.T) {
	booker := &fakeDelivery{}
	pub := &fakePublisher{err: errors.New("channel closed")}
	c := NewConsumer(ConsumerDelivery, newLedger(), BookDelivery(booker, pub, orders.Profile{}), zaptest.NewLogger(t))
	ctx := context.Background()

	require.Error(t, c.Handle(ctx, delivery(completionBody)))
	pub.err = nil
	require.NoError(t, c.Handle(ctx, delivery(completionBody)))
	require.NoError(t, c.Handle(ctx, delivery(completionBody)))

	assert.Len(t, booker.receivers, 1)
	require.Len(t, pub.msgs, 1)
	var trigger orders.OrderEmail
	require.NoError(t, json.Unmarshal(pub.msgs[0].body, &trigger))
	assert.JSONEq(t, `{"id":99}`, string(trigger.Delivery))
}

func TestRecordPurchase(t *testing.T) {
	repo := &fakeRepo{rows: map[string]purchases.Purchase{}}
	c := NewConsumer(ConsumerPurchases, newLedger(), RecordPurchase(repo, nil, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	require.NoError(t, c.Handle(context.Background(), delivery(completionBody)))
	require.Contains(t, repo.rows, "cs_1")
	assert.Equal(t, orders.UserID("101"), repo.rows["cs_1"].UserID)
}

func TestSendOrderEmail_OncePerPayment(t *testing.T) {
	mailer := &fakeMailer{}
	c := NewConsumer(ConsumerEmail, newLedger(), SendOrderEmail(mailer), zaptest.NewLogger(t))
	body := `{"message":"complete transaction","payment_id":"cs_1","user_details":{"profile":{"user_id":101,"name":"Ada","email":"ada@example.com"}},"cart":{},"delivery":{"id":99}}`
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, delivery(body)))
	require.NoError(t, c.Handle(ctx, delivery(body)))

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, clients.TemplateOrderConfirmation, mailer.sent[0].Template)
	assert.Equal(t, "ada@example.com", mailer.sent[0].To)
	assert.Equal(t, "email:cs_1", mailer.keys[0])

	err := c.Handle(ctx, delivery(`{"payment_id":"cs_2","user_details":{"profile":{}}}`))
	assert.ErrorIs(t, err, broker.ErrMalformed)
}

func TestNotifications(t *testing.T) {
	mailer := &fakeMailer{}
	n := NewNotifications(mailer, zaptest.NewLogger(t))
	ctx := context.Background()

	welcome := amqp.Delivery{RoutingKey: RoutingWelcome, MessageId: "m-9", Body: []byte(`{"email":"new@example.com","message":"Welcome!","data":{"name":"Lin"}}`)}
	require.NoError(t, n.Handle(ctx, welcome))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "Lin", mailer.sent[0].Name)
	assert.Equal(t, "email.welcome:m-9", mailer.keys[0])

	require.NoError(t, n.Handle(ctx, amqp.Delivery{RoutingKey: "email.verification", Body: []byte(`{}`)}))
	assert.Len(t, mailer.sent, 1)

	err := n.Handle(ctx, amqp.Delivery{RoutingKey: RoutingWelcome, Body: []byte(`{"message":"hi"}`)})
	assert.ErrorIs(t, err, broker.ErrMalformed)
}
