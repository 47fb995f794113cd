package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// observedSuffix names the copy queue that Publish feeds for observers. A
// copy outlives its publish by at most a minute.
const (
	observedSuffix    = "-observed"
	observedRetention = "60"
)

// sqsAPI is the minimal SQS interface required by SQSTransport.
// *sqs.Client from aws-sdk-go-v2 satisfies this interface.
type sqsAPI interface {
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSTransport is a Transport over Amazon SQS standard queues. Every queue
// has a companion <name>-observed queue; Publish sends each message to both,
// work consumers read the queue itself and observers read the copy, so
// observation never delays or steals work. Both sides delete a message as
// soon as it is received.
//
// Standard queues do not guarantee FIFO order. The dialogue keeps at most one
// message in flight per queue, which is what preserves turn order here.
type SQSTransport struct {
	api         sqsAPI
	waitSeconds int32

	mu   sync.Mutex
	urls map[string]string
	err  error

	done      chan struct{}
	closeOnce sync.Once
}

type SQSOption func(*SQSTransport)

// WithWaitTime sets the long-poll duration of each ReceiveMessage call.
func WithWaitTime(seconds int32) SQSOption {
	return func(t *SQSTransport) {
		t.waitSeconds = seconds
	}
}

func NewSQSTransport(api sqsAPI, opts ...SQSOption) (*SQSTransport, error) {
	if api == nil {
		return nil, errors.New("queue: sqs api must not be nil")
	}
	t := &SQSTransport{
		api:         api,
		waitSeconds: 20,
		urls:        make(map[string]string),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *SQSTransport) stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func observedName(queue string) string {
	return queue + observedSuffix
}

// Declare creates each queue and its observed copy. CreateQueue is
// idempotent for an existing queue with the same attributes.
func (t *SQSTransport) Declare(ctx context.Context, names ...string) error {
	for _, name := range names {
		if err := validName(name); err != nil {
			return err
		}
		if err := t.create(ctx, name, nil); err != nil {
			return err
		}
		attrs := map[string]string{string(types.QueueAttributeNameMessageRetentionPeriod): observedRetention}
		if err := t.create(ctx, observedName(name), attrs); err != nil {
			return err
		}
	}
	return nil
}

func (t *SQSTransport) create(ctx context.Context, name string, attrs map[string]string) error {
	out, err := t.api.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name), Attributes: attrs})
	if err != nil {
		return fmt.Errorf("queue: create sqs queue %q: %w", name, err)
	}
	if out == nil || out.QueueUrl == nil {
		return fmt.Errorf("queue: create sqs queue %q: missing queue url", name)
	}
	t.mu.Lock()
	t.urls[name] = *out.QueueUrl
	t.mu.Unlock()
	return nil
}

func (t *SQSTransport) queueURL(name string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	url, ok := t.urls[name]
	if !ok {
		return "", fmt.Errorf("queue: %q not declared", name)
	}
	return url, nil
}

// Publish sends body to queue and then to its observed copy.
func (t *SQSTransport) Publish(ctx context.Context, queue string, body []byte) error {
	if t.stopped() {
		return ErrClosed
	}
	for _, name := range []string{queue, observedName(queue)} {
		url, err := t.queueURL(name)
		if err != nil {
			return err
		}
		_, err = t.api.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(url),
			MessageBody: aws.String(string(body)),
		})
		if err != nil {
			return fmt.Errorf("queue: send to %q: %w", name, err)
		}
	}
	return nil
}

func (t *SQSTransport) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	return t.poll(ctx, queue, queue)
}

// Observe reads the observed copy of queue. Copies are split between
// concurrent observers of one queue, so each queue should have one.
func (t *SQSTransport) Observe(ctx context.Context, queue string) (<-chan Delivery, error) {
	return t.poll(ctx, queue, observedName(queue))
}

// poll receives from source and reports deliveries as coming from queue.
func (t *SQSTransport) poll(ctx context.Context, queue, source string) (<-chan Delivery, error) {
	if t.stopped() {
		return nil, ErrClosed
	}
	url, err := t.queueURL(source)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-t.done:
		}
		cancel()
	}()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer cancel()
		for ctx.Err() == nil {
			res, err := t.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            aws.String(url),
				MaxNumberOfMessages: 10,
				WaitTimeSeconds:     t.waitSeconds,
			})
			if err != nil {
				if ctx.Err() == nil {
					t.fail(fmt.Errorf("queue: receive from %q: %w", source, err))
				}
				return
			}
			for _, m := range res.Messages {
				_, err := t.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      aws.String(url),
					ReceiptHandle: m.ReceiptHandle,
				})
				if err != nil {
					if ctx.Err() == nil {
						t.fail(fmt.Errorf("queue: delete message from %q: %w", source, err))
					}
					return
				}
				select {
				case out <- Delivery{Queue: queue, Body: []byte(aws.ToString(m.Body))}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *SQSTransport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *SQSTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close stops all pollers. SQS holds no connection, so there is nothing else
// to release.
func (t *SQSTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
