package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  map[string]string
	queues     map[string]bool
	bindings   []Binding
	published  []publishedMessage
	publishErr error
	confirming bool
	nack       bool
	deliveries chan amqp.Delivery
	notify     chan *amqp.Error
	prefetch   int
	closed     bool
}

func newFakeChannel(queues ...string) *fakeChannel {
	ch := &fakeChannel{
		exchanges:  map[string]string{},
		queues:     map[string]bool{},
		deliveries: make(chan amqp.Delivery, 8),
	}
	for _, q := range queues {
		ch.queues[q] = true
	}
	return ch
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !durable {
		return errors.New("exchange must be durable")
	}
	if existing, ok := f.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'type'"}
	}
	f.exchanges[name] = kind
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	f.queues[name] = true
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.queues[name] {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, Binding{Queue: name, Key: exchange + "/" + key})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("auto ack not allowed")
	}
	return f.deliveries, nil
}

func (f *fakeChannel) Confirm(noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirming = true
	return nil
}

func (f *fakeChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.confirming {
		return nil, errors.New("channel is not in confirm mode")
	}
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	if f.nack {
		return fakeConfirmation{ack: false}, nil
	}
	f.published = append(f.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return fakeConfirmation{ack: true}, nil
}

type fakeConfirmation struct {
	ack bool
}

func (c fakeConfirmation) WaitContext(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.ack, nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.notify = c
	return c
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeConnection struct {
	ch     *fakeChannel
	closed bool
}

func (f *fakeConnection) Channel() (Channel, error) { return f.ch, nil }
func (f *fakeConnection) IsClosed() bool            { return f.closed }
func (f *fakeConnection) Close() error {
	f.closed = true
	return nil
}

type ackRecorder struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	requeued []bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeued = append(a.requeued, requeue)
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *ackRecorder) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}

type recordingSink struct {
	mu     sync.Mutex
	queues []string
	causes []error
	err    error
}

func (r *recordingSink) Send(ctx context.Context, queue string, d amqp.Delivery, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues = append(r.queues, queue)
	r.causes = append(r.causes, cause)
	return r.err
}

func noSleep(context.Context, time.Duration) error { return nil }
