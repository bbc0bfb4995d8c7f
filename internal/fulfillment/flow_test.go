package fulfillment

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/aws/awstest"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/clients"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/idempotency"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/payments"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/rewards"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/saga"
)

type subscription struct {
	exchange, key string
	handle        broker.Handler
}

// bus delivers every publish synchronously to matching subscriptions and
// keeps the deliveries so they can be redelivered.
type bus struct {
	mu   sync.Mutex
	subs []subscription
	log  []amqp.Delivery
	errs []error
}

func (b *bus) subscribe(exchange, key string, h broker.Handler) {
	b.subs = append(b.subs, subscription{exchange, key, h})
}

func (b *bus) Publish(ctx context.Context, exchange, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	d := amqp.Delivery{Exchange: exchange, RoutingKey: key, MessageId: uuid.NewString(), Body: body}
	b.mu.Lock()
	b.log = append(b.log, d)
	b.mu.Unlock()
	b.deliver(ctx, d)
	return nil
}

func (b *bus) deliver(ctx context.Context, d amqp.Delivery) {
	for _, s := range b.subs {
		if s.exchange != d.Exchange || (s.key != "" && s.key != d.RoutingKey) {
			continue
		}
		if err := s.handle(ctx, d); err != nil {
			b.mu.Lock()
			b.errs = append(b.errs, err)
			b.mu.Unlock()
		}
	}
}

func (b *bus) published(exchange string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []amqp.Delivery
	for _, d := range b.log {
		if d.Exchange == exchange {
			out = append(out, d)
		}
	}
	return out
}

type stubCart struct{ resp clients.CartResponse }

func (s stubCart) Get(ctx context.Context, userID orders.UserID) (*clients.CartResponse, error) {
	r := s.resp
	return &r, nil
}

// sessionGateway serves the saga's payment call from the local session store.
type sessionGateway struct{ sessions *payments.Sessions }

func (g sessionGateway) CreateSession(ctx context.Context, req clients.PaymentRequest) (*clients.PaymentResponse, error) {
	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil {
		return nil, err
	}
	s, err := g.sessions.Create(ctx, payments.SessionRequest{UserID: req.UserID, Amount: amount, Currency: req.Currency, Cart: req.Cart})
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(s)
	return &clients.PaymentResponse{PaymentID: s.PaymentID, SessionURL: s.SessionURL, Raw: raw}, nil
}

type stubProfiles struct{}

func (stubProfiles) Profile(ctx context.Context, userID orders.UserID) (*orders.UserDetails, error) {
	return &orders.UserDetails{Profile: orders.Profile{
		UserID:  userID,
		Name:    "Ada",
		Email:   "ada@example.com",
		Address: "1 Jurong West 680456",
	}}, nil
}

type stubWallet struct{}

func (stubWallet) Credit(ctx context.Context, user orders.UserID, points int, key string) error {
	return nil
}

type recordingMissions struct{ updates []string }

func (m *recordingMissions) ShouldUpdate(ctx context.Context, user orders.UserID, eventType string) (bool, error) {
	return true, nil
}

func (m *recordingMissions) Update(ctx context.Context, user orders.UserID, eventType, key string) error {
	m.updates = append(m.updates, user.String()+"/"+eventType)
	return nil
}

func TestOrderFlow_EndToEnd(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	db := awstest.NewDynamo().
		WithTable("payments", "payment_id").
		WithTable("idempotency", "idempotency_key")
	ledger := idempotency.NewStore(db, "idempotency", time.Hour, 30*time.Second)
	store := payments.NewStore(db, "payments")
	b := &bus{}

	relay := payments.NewRelay(store, stubProfiles{}, b, 30*time.Second, logger)
	webhooks := payments.NewWebhooks(store, relay, b, logger)
	b.subscribe(broker.PaymentExchange, broker.RoutingPaymentSuccess, relay.HandleNotification)

	products := &fakeProducts{}
	carts := &fakeCarts{}
	booker := &fakeDelivery{}
	mailer := &fakeMailer{}
	missions := &recordingMissions{}
	orchestrator := rewards.NewOrchestrator(rewards.NewMemoryDeduper(0), stubWallet{}, missions, logger)
	b.subscribe(broker.PlaceOrderExchange, "", NewConsumer(ConsumerStock, ledger, ReduceStock(products), logger).Handle)
	b.subscribe(broker.PlaceOrderExchange, "", NewConsumer(ConsumerCart, ledger, ClearCart(carts), logger).Handle)
	b.subscribe(broker.PlaceOrderExchange, "", NewConsumer(ConsumerDelivery, ledger, BookDelivery(booker, b, orders.Profile{Address: "81 Victoria Street 188065"}), logger).Handle)
	b.subscribe(broker.PlaceOrderExchange, "", orchestrator.HandlePurchase)
	b.subscribe(broker.EmailExchange, broker.RoutingSendEmail, NewConsumer(ConsumerEmail, ledger, SendOrderEmail(mailer), logger).Handle)

	cart := clients.CartResponse{
		Code:       http.StatusOK,
		Cart:       orders.CartSnapshot{"11": json.RawMessage(`{"quantity":2,"price":10.0}`)},
		TotalPrice: decimal.RequireFromString("20.0"),
	}
	initiator := saga.NewInitiator(stubCart{cart}, sessionGateway{payments.NewSessions(store, "https://checkout.test")}, "SGD", logger)

	res := initiator.PlaceOrder(ctx, saga.PlaceOrderInput{UserID: "101"})
	require.Equal(t, http.StatusCreated, res.Code, res.Message)
	var session payments.Session
	require.NoError(t, json.Unmarshal(res.PaymentDetails, &session))
	rec, err := store.Get(ctx, session.PaymentID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "20.00", rec.Amount)
	assert.Equal(t, payments.StatusPending, rec.Status)
	assert.Empty(t, b.published(broker.PlaceOrderExchange), "placing an order publishes nothing")

	var completed payments.WebhookEvent
	require.NoError(t, json.Unmarshal([]byte(`{"type":"checkout.session.completed","data":{"object":{"id":"`+session.PaymentID+`"}}}`), &completed))
	require.NoError(t, webhooks.Handle(ctx, completed))
	require.NoError(t, webhooks.Handle(ctx, completed))

	require.Len(t, b.published(broker.PaymentExchange), 2)
	completions := b.published(broker.PlaceOrderExchange)
	require.Len(t, completions, 1, "duplicate confirmations publish one completion event")

	var ev orders.CompletionEvent
	require.NoError(t, json.Unmarshal(completions[0].Body, &ev))
	assert.Equal(t, session.PaymentID, ev.PaymentID)
	assert.Equal(t, []orders.ProductQuantity{{ProductID: 11, Stock: 2}}, ev.Products)

	// redeliver everything the fan-out carried
	for _, d := range append(completions, b.published(broker.EmailExchange)...) {
		b.deliver(ctx, d)
	}

	assert.Empty(t, b.errs)
	require.Len(t, products.calls, 1)
	assert.Equal(t, orders.ProductQuantity{ProductID: 11, Stock: 2}, products.calls[0].item)
	assert.Equal(t, []orders.UserID{"101"}, carts.cleared)
	assert.Len(t, booker.receivers, 1)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "ada@example.com", mailer.sent[0].To)
	assert.Equal(t, []string{"101/ECO_PURCHASE"}, missions.updates)

	rec, err = store.Get(ctx, session.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusSuccessful, rec.Status)
	assert.Equal(t, payments.CompletionPublished, rec.CompletionState)
}
