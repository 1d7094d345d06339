package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MemoryFileRegistry keeps the loaded-file set in process memory
type MemoryFileRegistry struct {
	mu    sync.Mutex
	files map[string]struct{}
}

// NewMemoryFileRegistry creates an empty registry
func NewMemoryFileRegistry() *MemoryFileRegistry {
	return &MemoryFileRegistry{files: make(map[string]struct{})}
}

func (r *MemoryFileRegistry) Add(ctx context.Context, file string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.files[file]; ok {
		return false, nil
	}
	r.files[file] = struct{}{}
	return true, nil
}

func (r *MemoryFileRegistry) Remove(ctx context.Context, file string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.files, file)
	return nil
}

func (r *MemoryFileRegistry) List(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.files))
	for f := range r.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryFileRegistry) Ping(ctx context.Context) error { return nil }

func (r *MemoryFileRegistry) Close() error { return nil }

const loadedFilesKey = "weatherdb:loaded_files"

// RedisFileRegistry keeps the loaded-file set as a Redis set so it survives
// a manager restart when the Redis bus is in use
type RedisFileRegistry struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewRedisFileRegistry wraps an existing client, usually the bus connection
func NewRedisFileRegistry(client *redis.Client, logger *zap.Logger) *RedisFileRegistry {
	return &RedisFileRegistry{
		client: client,
		key:    loadedFilesKey,
		logger: logger,
	}
}

// Add uses SADD, which reports how many members were new
func (r *RedisFileRegistry) Add(ctx context.Context, file string) (bool, error) {
	added, err := r.client.SAdd(ctx, r.key, file).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record loaded file: %w", err)
	}
	return added == 1, nil
}

func (r *RedisFileRegistry) Remove(ctx context.Context, file string) error {
	return r.client.SRem(ctx, r.key, file).Err()
}

func (r *RedisFileRegistry) List(ctx context.Context) ([]string, error) {
	files, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list loaded files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func (r *RedisFileRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close is a no-op; the client belongs to the bus
func (r *RedisFileRegistry) Close() error {
	return nil
}
