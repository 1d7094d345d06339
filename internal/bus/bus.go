package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devrev/weatherdb/internal/config"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when publishing on a closed bus
	ErrClosed = errors.New("bus is closed")
	// ErrQueueFull is returned when an in-memory queue has no room left
	ErrQueueFull = errors.New("queue is full")
)

// Message is one delivery on a named queue
type Message struct {
	Queue         string          `json:"-"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	Body          json.RawMessage `json:"body"`
}

// NewMessage encodes v as the body of a message for queue
func NewMessage(queue string, v interface{}) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode message for %s: %w", queue, err)
	}
	return Message{Queue: queue, Body: body}, nil
}

// WithReply tags the message with a correlation id and reply-to queue
func (m Message) WithReply(correlationID, replyTo string) Message {
	m.CorrelationID = correlationID
	m.ReplyTo = replyTo
	return m
}

// Decode unmarshals the body into v
func (m Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("failed to decode message from %s: %w", m.Queue, err)
	}
	return nil
}

// encodeEnvelope is the wire form used by transports that carry bytes
func encodeEnvelope(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func decodeEnvelope(queue string, data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("malformed envelope on %s: %w", queue, err)
	}
	m.Queue = queue
	return m, nil
}

// Handler processes one message. It is called sequentially per consumer.
type Handler func(ctx context.Context, msg Message)

// Bus is an at-most-once, non-durable set of named FIFO queues.
// Each message is delivered to one consumer of its queue.
type Bus interface {
	// Publish enqueues msg on msg.Queue
	Publish(ctx context.Context, msg Message) error
	// Consume delivers messages from queue to handler until ctx is done
	Consume(ctx context.Context, queue string, handler Handler) error
	Close() error
}

// Publish encodes v and publishes it on queue
func Publish(ctx context.Context, b Bus, queue string, v interface{}) error {
	msg, err := NewMessage(queue, v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, msg)
}

// New builds the bus selected by cfg.Driver
func New(cfg config.BusConfig, logger *zap.Logger) (Bus, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryBus(cfg.QueueBuffer), nil
	case "redis":
		return NewRedisBus(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}
