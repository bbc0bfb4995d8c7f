// Package broker wraps the AMQP connection lifecycle: bounded connect, durable
// declarations, confirmed persistent JSON publishing and a reconnecting
// consume loop.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	// ErrBrokerUnavailable is returned when every connect attempt failed.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrQueueNotFound is returned when the consumed queue does not exist.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrPublishNacked is returned when the broker refuses a published message.
	ErrPublishNacked = errors.New("publish not confirmed by broker")
)

// Channel is the subset of *amqp.Channel the package uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Confirm(noWait bool) error
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Confirmation is the broker's pending answer to one publish on a channel in
// confirm mode. *amqp.DeferredConfirmation implements it.
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// Connection is the subset of *amqp.Connection the package uses.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a connection to the broker URL.
type Dialer func(url string) (Connection, error)

// Settings configures the broker client.
type Settings struct {
	Host          string
	Port          int
	User          string
	Password      string
	MaxRetries    int
	RetryInterval time.Duration
	Prefetch      int
}

// URL renders the AMQP URI for the settings.
func (s Settings) URL() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     s.Host,
		Port:     s.Port,
		Username: s.User,
		Password: s.Password,
		Vhost:    "/",
	}.String()
}

// Observer receives one call per settled delivery.
type Observer func(queue, outcome string)

// Delivery outcomes reported to the Observer.
const (
	OutcomeAcked        = "acked"
	OutcomeMalformed    = "malformed"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRejected     = "rejected"
	OutcomeRequeued     = "requeued"
)

// Client connects to the broker and runs consumers.
type Client struct {
	settings Settings
	dial     Dialer
	sleep    func(ctx context.Context, d time.Duration) error
	sink     DeadLetterSink
	observe  Observer
	logger   *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithDialer replaces amqp.Dial.
func WithDialer(d Dialer) Option { return func(c *Client) { c.dial = d } }

// WithSleep replaces the retry-interval wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithDeadLetterSink routes failed deliveries to sink before they are settled.
func WithDeadLetterSink(sink DeadLetterSink) Option { return func(c *Client) { c.sink = sink } }

// WithObserver registers a per-delivery outcome callback.
func WithObserver(o Observer) Option { return func(c *Client) { c.observe = o } }

// NewClient returns a Client for settings.
func NewClient(settings Settings, logger *zap.Logger, opts ...Option) *Client {
	if settings.MaxRetries < 1 {
		settings.MaxRetries = 1
	}
	c := &Client{
		settings: settings,
		dial:     dialAMQP,
		sleep:    sleepContext,
		observe:  func(string, string) {},
		logger:   logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Session is an open connection and channel.
type Session struct {
	conn   Connection
	ch     Channel
	logger *zap.Logger
	now    func() time.Time
}

// Connect opens a connection, retrying up to MaxRetries times with
// RetryInterval between attempts, then declares each topology: the exchange is
// durable, every bound queue is durable and bound with its routing key.
// Declarations are idempotent; an incompatible redeclaration surfaces the broker error.
func (c *Client) Connect(ctx context.Context, topologies ...Topology) (*Session, error) {
	url := c.settings.URL()
	var lastErr error
	for attempt := 1; attempt <= c.settings.MaxRetries; attempt++ {
		conn, err := c.dial(url)
		if err == nil {
			sess, err := c.open(conn, topologies)
			if err != nil {
				_ = conn.Close()
				return nil, err
			}
			c.logger.Info("connected to broker",
				zap.String("host", c.settings.Host),
				zap.Int("attempt", attempt),
			)
			return sess, nil
		}
		lastErr = err
		c.logger.Warn("broker connect failed",
			zap.String("host", c.settings.Host),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.settings.MaxRetries),
			zap.Error(err),
		)
		if attempt == c.settings.MaxRetries {
			break
		}
		if err := c.sleep(ctx, c.settings.RetryInterval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s:%d after %d attempts: %v", ErrBrokerUnavailable,
		c.settings.Host, c.settings.Port, c.settings.MaxRetries, lastErr)
}

func (c *Client) open(conn Connection, topologies []Topology) (*Session, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	for _, t := range topologies {
		if err := declare(ch, t); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}
	return &Session{conn: conn, ch: ch, logger: c.logger, now: time.Now}, nil
}

func declare(ch Channel, t Topology) error {
	ex := t.Exchange
	if err := ch.ExchangeDeclare(ex.Name, ex.Kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s (%s): %w", ex.Name, ex.Kind, err)
	}
	for _, b := range t.Bindings {
		if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.Queue, err)
		}
		if err := ch.QueueBind(b.Queue, b.Key, ex.Name, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s (%q): %w", b.Queue, ex.Name, b.Key, err)
		}
	}
	return nil
}

// DeclareTopology connects, declares topologies and disconnects.
func (c *Client) DeclareTopology(ctx context.Context, topologies ...Topology) error {
	sess, err := c.Connect(ctx, topologies...)
	if err != nil {
		return err
	}
	defer sess.Close()
	for _, t := range topologies {
		for _, b := range t.Bindings {
			c.logger.Info("declared binding",
				zap.String("exchange", t.Exchange.Name),
				zap.String("queue", b.Queue),
				zap.String("routing_key", b.Key),
			)
		}
	}
	return nil
}

// Close closes the channel and connection.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	_ = s.ch.Close()
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}

// Closed reports whether the underlying connection is gone.
func (s *Session) Closed() bool { return s == nil || s.conn.IsClosed() }

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
}

func (c amqpChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("channel is not in confirm mode")
	}
	return dc, nil
}

func dialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
