// Package queue carries envelopes between the three dialogue components. The
// substrate is at-least-once and nothing is ordered across queues. The memory
// and AMQP transports are FIFO per queue; SQS standard queues are not, and
// the dialogue relies on having at most one message in flight per queue.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"dialoguesim/internal/domain"
)

// Queue names shared by every component.
const (
	UserInput    = "user_input"
	SystemOutput = "system_output"
)

// Names lists both queues in declaration order.
var Names = []string{UserInput, SystemOutput}

// ErrClosed is returned by operations on a transport that has been closed.
var ErrClosed = errors.New("queue: transport closed")

// Delivery is a single message received from a queue. It is already
// acknowledged when it reaches the consumer.
type Delivery struct {
	Queue string
	Body  []byte
}

// Transport is a connection to the queue substrate.
//
// Consume attaches a work consumer: each delivery goes to exactly one
// consumer of the queue. Observe attaches a passive tap that receives a copy
// of traffic without taking it away from the work consumer. Both channels are
// closed when the context ends or the transport is closed; Err then reports
// the connection failure, if any.
type Transport interface {
	Publisher
	Declare(ctx context.Context, names ...string) error
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Observe(ctx context.Context, queue string) (<-chan Delivery, error)
	Err() error
	Close() error
}

// Publisher sends a raw payload to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Encode renders the wire payload {"message": text}.
func Encode(text string) ([]byte, error) {
	b, err := json.Marshal(domain.Envelope{Message: text})
	if err != nil {
		return nil, fmt.Errorf("queue: encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses a wire payload. A body that is not a single JSON object with
// a string "message" field is rejected.
func Decode(body []byte) (domain.Envelope, error) {
	var raw struct {
		Message *string `json:"message"`
	}
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(body)))
	if err := dec.Decode(&raw); err != nil {
		return domain.Envelope{}, fmt.Errorf("queue: decode envelope: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return domain.Envelope{}, errors.New("queue: decode envelope: multiple JSON values")
		}
		return domain.Envelope{}, fmt.Errorf("queue: decode envelope trailing data: %w", err)
	}
	if raw.Message == nil {
		return domain.Envelope{}, errors.New("queue: decode envelope: missing \"message\" field")
	}
	return domain.Envelope{Message: *raw.Message}, nil
}

// PublishText encodes text and publishes it to queue.
func PublishText(ctx context.Context, p Publisher, queue, text string) error {
	body, err := Encode(text)
	if err != nil {
		return err
	}
	return p.Publish(ctx, queue, body)
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("queue: queue name must not be empty")
	}
	return nil
}
