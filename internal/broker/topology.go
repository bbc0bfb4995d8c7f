package broker

import amqp "github.com/rabbitmq/amqp091-go"

// Exchange kinds.
const (
	KindFanout = amqp.ExchangeFanout
	KindTopic  = amqp.ExchangeTopic
	KindDirect = amqp.ExchangeDirect
)

// Exchange names.
const (
	PlaceOrderExchange   = "place_order_exchange"
	PaymentExchange      = "payment_exchange"
	EventsExchange       = "events.topic"
	NotificationExchange = "notification_exchange"
	EmailExchange        = "email_exchange"
)

// Queue names.
const (
	ProductQueue           = "product_queue"
	DeliveryQueue          = "delivery_place_order_queue"
	RecommendationQueue    = "recommendation_queue"
	CartClearQueue         = "cart_clear_queue"
	RewardPurchaseQueue    = "reward_orchestrator.purchase"
	PaymentQueue           = "payment_queue"
	RewardQueue            = "reward_orchestrator.queue"
	SendEmailQueue         = "send_email_queue"
	NotificationEmailQueue = "notification_email_queue"
)

// Routing keys.
const (
	RoutingPaymentSuccess   = "payment_success"
	RoutingSendEmail        = "send_email"
	RoutingAll              = "#"
	RoutingEmailPattern     = "email.*"
	RoutingTradeInSuccess   = "trade_in.success"
	RoutingEcoPurchase      = "eco.purchase"
	RoutingMissionCompleted = "mission.completed"
)

// Exchange names a durable exchange and its kind.
type Exchange struct {
	Name string
	Kind string
}

// Binding attaches a durable queue to the owning exchange with a routing key.
// Fanout exchanges ignore the key.
type Binding struct {
	Queue string
	Key   string
}

// Topology is an exchange plus the queues bound to it.
type Topology struct {
	Exchange Exchange
	Bindings []Binding
}

var (
	PlaceOrder = Topology{
		Exchange: Exchange{Name: PlaceOrderExchange, Kind: KindFanout},
		Bindings: []Binding{
			{Queue: ProductQueue},
			{Queue: DeliveryQueue},
			{Queue: RecommendationQueue},
			{Queue: CartClearQueue},
			{Queue: RewardPurchaseQueue},
		},
	}
	Payment = Topology{
		Exchange: Exchange{Name: PaymentExchange, Kind: KindTopic},
		Bindings: []Binding{{Queue: PaymentQueue, Key: RoutingPaymentSuccess}},
	}
	Events = Topology{
		Exchange: Exchange{Name: EventsExchange, Kind: KindTopic},
		Bindings: []Binding{{Queue: RewardQueue, Key: RoutingAll}},
	}
	Notification = Topology{
		Exchange: Exchange{Name: NotificationExchange, Kind: KindTopic},
		Bindings: []Binding{{Queue: NotificationEmailQueue, Key: RoutingEmailPattern}},
	}
	Email = Topology{
		Exchange: Exchange{Name: EmailExchange, Kind: KindDirect},
		Bindings: []Binding{{Queue: SendEmailQueue, Key: RoutingSendEmail}},
	}
)

// Only returns t's exchange with just the binding for queue, for a consumer
// that declares and binds its own queue. Unknown queues yield no binding.
func (t Topology) Only(queue string) Topology {
	out := Topology{Exchange: t.Exchange}
	for _, b := range t.Bindings {
		if b.Queue == queue {
			out.Bindings = append(out.Bindings, b)
		}
	}
	return out
}

// ExchangeOnly returns t without bindings.
func (t Topology) ExchangeOnly() Topology { return Topology{Exchange: t.Exchange} }

// All lists every exchange, queue and binding of the system.
func All() []Topology {
	return []Topology{PlaceOrder, Payment, Events, Notification, Email}
}
