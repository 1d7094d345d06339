package bus

import (
	"context"
	"sync"
)

// MemoryBus keeps every queue as a buffered channel inside the process.
// Used for single-process clusters and tests.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[string]chan Message
	buffer int
	closed chan struct{}
	once   sync.Once
}

// NewMemoryBus creates an in-process bus whose queues hold up to buffer messages
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryBus{
		queues: make(map[string]chan Message),
		buffer: buffer,
		closed: make(chan struct{}),
	}
}

func (b *MemoryBus) queue(name string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = make(chan Message, b.buffer)
		b.queues[name] = q
	}
	return q
}

// Publish enqueues without blocking; a full queue drops the message
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	select {
	case b.queue(msg.Queue) <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume blocks, handing messages to handler until ctx is done or the bus
// is closed
func (b *MemoryBus) Consume(ctx context.Context, queue string, handler Handler) error {
	q := b.queue(queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.closed:
			return nil
		case msg := <-q:
			handler(ctx, msg)
		}
	}
}

// Len returns the number of undelivered messages on queue
func (b *MemoryBus) Len(queue string) int {
	return len(b.queue(queue))
}

// Drain removes and returns every undelivered message on queue
func (b *MemoryBus) Drain(queue string) []Message {
	q := b.queue(queue)
	var out []Message
	for {
		select {
		case msg := <-q:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Close stops all consumers
func (b *MemoryBus) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}
