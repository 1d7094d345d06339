package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/weatherdb/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "weatherdb:queue:"

// RedisBus maps each queue onto a Redis list: RPUSH to publish, BLPOP to
// consume. Delivery is at most once; a message popped by a consumer that
// then dies is lost.
type RedisBus struct {
	client      *redis.Client
	pollTimeout time.Duration
	logger      *zap.Logger
}

// NewRedisBus connects to Redis and verifies the connection
func NewRedisBus(cfg config.BusConfig, logger *zap.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Addr(), err)
	}

	return NewRedisBusFromClient(client, cfg.PollTimeout, logger), nil
}

// NewRedisBusFromClient wraps an existing client
func NewRedisBusFromClient(client *redis.Client, pollTimeout time.Duration, logger *zap.Logger) *RedisBus {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, pollTimeout: pollTimeout, logger: logger}
}

// Client exposes the connection so other Redis-backed stores can share it
func (b *RedisBus) Client() *redis.Client {
	return b.client
}

// Publish appends the envelope to the queue's list
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	data, err := encodeEnvelope(msg)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.client.RPush(ctx, keyPrefix+msg.Queue, data).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to publish on %s: %w", msg.Queue, err)
	}
	return nil
}

// Consume polls the queue's list with BLPOP until ctx is done
func (b *RedisBus) Consume(ctx context.Context, queue string, handler Handler) error {
	key := keyPrefix + queue
	for {
		if ctx.Err() != nil {
			return nil
		}

		result, err := b.client.BLPop(ctx, b.pollTimeout, key).Result()
		switch {
		case err == redis.Nil:
			continue
		case errors.Is(err, redis.ErrClosed):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("Queue poll failed",
				zap.String("queue", queue),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.pollTimeout):
			}
			continue
		}

		// result is [key, value]
		msg, err := decodeEnvelope(queue, []byte(result[1]))
		if err != nil {
			b.logger.Warn("Dropping malformed message", zap.String("queue", queue), zap.Error(err))
			continue
		}
		handler(ctx, msg)
	}
}

// Close closes the Redis client
func (b *RedisBus) Close() error {
	return b.client.Close()
}
