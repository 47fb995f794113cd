package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// exchangePrefix names the fanout exchange in front of each queue. Work
// consumers read the durable queue bound to it; observers bind their own
// exclusive queue so they never take deliveries away from the work consumer.
const exchangePrefix = "dialoguesim."

// amqpChannel is the subset of *amqp.Channel used by AMQPTransport.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type closer interface {
	Close() error
}

// AMQPTransport is a Transport over a single RabbitMQ connection and channel.
type AMQPTransport struct {
	conn closer
	ch   amqpChannel

	mu  sync.Mutex
	err error

	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

// DialAMQP connects to the broker at url and opens a channel. A broker that
// cannot be reached is a startup failure; there is no reconnect.
func DialAMQP(url string) (*AMQPTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: open amqp channel: %w", err)
	}
	t := newAMQPTransport(conn, ch)
	go t.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return t, nil
}

func newAMQPTransport(conn closer, ch amqpChannel) *AMQPTransport {
	return &AMQPTransport{conn: conn, ch: ch, done: make(chan struct{})}
}

// watch records a server-initiated connection close and stops all consumers.
func (t *AMQPTransport) watch(notify <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notify:
		if ok && amqpErr != nil {
			t.fail(fmt.Errorf("queue: amqp connection closed: %w", amqpErr))
		}
	case <-t.done:
	}
}

func (t *AMQPTransport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.stop()
}

func (t *AMQPTransport) stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *AMQPTransport) stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func exchangeName(queue string) string {
	return exchangePrefix + queue
}

// Declare idempotently declares each durable queue and its fanout exchange.
func (t *AMQPTransport) Declare(_ context.Context, names ...string) error {
	for _, name := range names {
		if err := validName(name); err != nil {
			return err
		}
		ex := exchangeName(name)
		if err := t.ch.ExchangeDeclare(ex, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue: declare exchange %q: %w", ex, err)
		}
		if _, err := t.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue: declare queue %q: %w", name, err)
		}
		if err := t.ch.QueueBind(name, "", ex, false, nil); err != nil {
			return fmt.Errorf("queue: bind queue %q: %w", name, err)
		}
	}
	return nil
}

func (t *AMQPTransport) Publish(ctx context.Context, queue string, body []byte) error {
	if err := t.Err(); err != nil {
		return err
	}
	if t.stopped() {
		return ErrClosed
	}
	err := t.ch.PublishWithContext(ctx, exchangeName(queue), "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("queue: publish to %q: %w", queue, err)
	}
	return nil
}

// Consume starts an auto-acknowledged work consumer on queue.
func (t *AMQPTransport) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if t.stopped() {
		return nil, ErrClosed
	}
	msgs, err := t.ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: consume %q: %w", queue, err)
	}
	return t.forward(ctx, queue, msgs), nil
}

// Observe binds a server-named, exclusive, auto-delete queue to queue's
// exchange and consumes copies from it.
func (t *AMQPTransport) Observe(ctx context.Context, queue string) (<-chan Delivery, error) {
	if t.stopped() {
		return nil, ErrClosed
	}
	tap, err := t.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: declare observer for %q: %w", queue, err)
	}
	if err := t.ch.QueueBind(tap.Name, "", exchangeName(queue), false, nil); err != nil {
		return nil, fmt.Errorf("queue: bind observer for %q: %w", queue, err)
	}
	msgs, err := t.ch.Consume(tap.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: observe %q: %w", queue, err)
	}
	return t.forward(ctx, queue, msgs), nil
}

func (t *AMQPTransport) forward(ctx context.Context, queue string, msgs <-chan amqp.Delivery) <-chan Delivery {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case m, ok := <-msgs:
				if !ok {
					if t.stopped() {
						return
					}
					t.fail(fmt.Errorf("queue: amqp delivery channel for %q closed", queue))
					return
				}
				select {
				case out <- Delivery{Queue: queue, Body: m.Body}:
				case <-ctx.Done():
					return
				case <-t.done:
					return
				}
			}
		}
	}()
	return out
}

func (t *AMQPTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close closes the channel and the connection. Only the first call does work.
func (t *AMQPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.stop()
		err = errors.Join(t.ch.Close(), t.conn.Close())
	})
	if err != nil {
		return fmt.Errorf("queue: close amqp: %w", err)
	}
	return nil
}
