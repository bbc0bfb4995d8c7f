// Package metrics exposes Prometheus counters for the saga and mirrors the
// saga totals to CloudWatch.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	ordersPlacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_orders_placed_total",
			Help: "place_order outcomes by result code",
		},
		[]string{"result"},
	)

	paymentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_payment_transitions_total",
			Help: "Payment records moved out of pending, by new status",
		},
		[]string{"status"},
	)

	completionEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_completion_events_published_total",
			Help: "Completion Events published to the fulfillment broadcaster",
		},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_deliveries_total",
			Help: "Settled broker deliveries by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	fulfillmentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_messages_total",
			Help: "Fulfillment consumer results by consumer and outcome",
		},
		[]string{"consumer", "outcome"},
	)

	rewardEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_events_total",
			Help: "Reward events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collaborator_circuit_state",
			Help: "Circuit breaker state per collaborator (0 closed, 1 open, 2 half open)",
		},
		[]string{"collaborator"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(ordersPlacedTotal)
	prometheus.MustRegister(paymentTransitionsTotal)
	prometheus.MustRegister(completionEventsTotal)
	prometheus.MustRegister(deliveriesTotal)
	prometheus.MustRegister(fulfillmentTotal)
	prometheus.MustRegister(rewardEventsTotal)
	prometheus.MustRegister(circuitState)
}

// tally keeps per-name deltas for the CloudWatch mirror.
var tally = struct {
	sync.Mutex
	counts map[string]float64
}{counts: map[string]float64{}}

func record(name string) {
	tally.Lock()
	tally.counts[name]++
	tally.Unlock()
}

// drain returns the deltas accumulated since the previous drain.
func drain() map[string]float64 {
	tally.Lock()
	defer tally.Unlock()
	out := tally.counts
	tally.counts = map[string]float64{}
	return out
}

// OrderPlaced counts a place_order result.
func OrderPlaced(code int) {
	ordersPlacedTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	record("OrdersPlaced" + strconv.Itoa(code))
}

// PaymentTransition counts a payment leaving pending.
func PaymentTransition(status string) {
	paymentTransitionsTotal.WithLabelValues(status).Inc()
	record("PaymentTransition_" + status)
}

// CompletionPublished counts a Completion Event.
func CompletionPublished() {
	completionEventsTotal.Inc()
	record("CompletionEventsPublished")
}

// ObserveDelivery matches broker.Observer.
func ObserveDelivery(queue, outcome string) {
	deliveriesTotal.WithLabelValues(queue, outcome).Inc()
}

// FulfillmentMessage counts a consumer result.
func FulfillmentMessage(consumer, outcome string) {
	fulfillmentTotal.WithLabelValues(consumer, outcome).Inc()
	if outcome == "failed" {
		record("FulfillmentFailures")
	}
}

// RewardEvent counts an orchestrator result.
func RewardEvent(eventType, outcome string) {
	rewardEventsTotal.WithLabelValues(eventType, outcome).Inc()
	if outcome == "dispatched" {
		record("RewardsDispatched")
	}
}

// CircuitState sets the breaker state gauge of a collaborator.
func CircuitState(collaborator string, state int) {
	circuitState.WithLabelValues(collaborator).Set(float64(state))
	if state == 1 {
		record("CircuitOpened")
	}
}

// Middleware records request counts and latency.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves /metrics.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
