package queue

import (
	"context"
	"fmt"
	"sync"
)

const defaultBufferSize = 64

// MemoryBroker is an in-process Transport. Each queue is a buffered FIFO
// channel shared by its work consumers; observers get their own buffered
// copy channel and drop copies when they fall behind.
type MemoryBroker struct {
	bufferSize int

	mu        sync.RWMutex
	queues    map[string]chan Delivery
	observers map[string]map[chan Delivery]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryBroker creates a broker whose queues buffer up to bufferSize
// deliveries. Publish blocks once a queue is full.
func NewMemoryBroker(bufferSize int) *MemoryBroker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &MemoryBroker{
		bufferSize: bufferSize,
		queues:     make(map[string]chan Delivery),
		observers:  make(map[string]map[chan Delivery]struct{}),
		done:       make(chan struct{}),
	}
}

func (b *MemoryBroker) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Declare creates the named queues. Declaring an existing queue is a no-op.
func (b *MemoryBroker) Declare(_ context.Context, names ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed() {
		return ErrClosed
	}
	for _, name := range names {
		if err := validName(name); err != nil {
			return err
		}
		if _, ok := b.queues[name]; ok {
			continue
		}
		b.queues[name] = make(chan Delivery, b.bufferSize)
		b.observers[name] = make(map[chan Delivery]struct{})
	}
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, queue string, body []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed() {
		return ErrClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("queue: %q not declared", queue)
	}

	d := Delivery{Queue: queue, Body: append([]byte(nil), body...)}
	for ch := range b.observers[queue] {
		select {
		case ch <- d:
		default:
		}
	}

	select {
	case q <- d:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	b.mu.RLock()
	q, ok := b.queues[queue]
	closed := b.closed()
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("queue: %q not declared", queue)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case d := <-q:
				select {
				case out <- d:
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *MemoryBroker) Observe(ctx context.Context, queue string) (<-chan Delivery, error) {
	out := make(chan Delivery, b.bufferSize)

	b.mu.Lock()
	if b.closed() {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := b.observers[queue]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("queue: %q not declared", queue)
	}
	set[out] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.removeObserver(queue, out)
	}()
	return out, nil
}

func (b *MemoryBroker) removeObserver(queue string, ch chan Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.observers[queue][ch]; ok {
		delete(b.observers[queue], ch)
		close(ch)
	}
}

// Err always returns nil; an in-process broker has no connection to lose.
func (b *MemoryBroker) Err() error { return nil }

// Close stops every consumer and observer. It is safe to call more than once.
func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, set := range b.observers {
			for ch := range set {
				delete(set, ch)
				close(ch)
			}
		}
	})
	return nil
}

// Connect returns a connection-scoped view of the broker. Closing the view
// ends only the consumers and observers opened through it, so components
// sharing one broker can each close their own connection.
func (b *MemoryBroker) Connect() *MemoryConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryConn{broker: b, ctx: ctx, cancel: cancel}
}

type MemoryConn struct {
	broker *MemoryBroker
	ctx    context.Context
	cancel context.CancelFunc
}

// bind derives a context that ends with either ctx or the connection.
func (c *MemoryConn) bind(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	context.AfterFunc(ctx, func() { stop() })
	return ctx
}

func (c *MemoryConn) Declare(ctx context.Context, names ...string) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	return c.broker.Declare(ctx, names...)
}

func (c *MemoryConn) Publish(ctx context.Context, queue string, body []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()
	return c.broker.Publish(ctx, queue, body)
}

func (c *MemoryConn) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	return c.broker.Consume(c.bind(ctx), queue)
}

func (c *MemoryConn) Observe(ctx context.Context, queue string) (<-chan Delivery, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	return c.broker.Observe(c.bind(ctx), queue)
}

func (c *MemoryConn) Err() error { return c.broker.Err() }

func (c *MemoryConn) Close() error {
	c.cancel()
	return nil
}
