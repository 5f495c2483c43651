package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// IdempotencyStore remembers applied change record ids so re-delivered
// records are dropped instead of applied twice.
type IdempotencyStore interface {
	// MarkSeen records the id and reports whether this was its first
	// sighting.
	MarkSeen(ctx context.Context, id string) (bool, error)
	Close() error
}

// MemoryIdempotencyStore is the default in-process store with TTL expiry.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

// NewMemoryIdempotencyStore creates an in-memory idempotency store.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryIdempotencyStore{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// MarkSeen implements IdempotencyStore.
func (s *MemoryIdempotencyStore) MarkSeen(_ context.Context, id string) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.seen[id]; ok && now.Before(expiry) {
		return false, nil
	}
	s.seen[id] = now.Add(s.ttl)

	// Opportunistic sweep keeps the map bounded without a background
	// goroutine.
	if len(s.seen)%1024 == 0 {
		for k, exp := range s.seen {
			if now.After(exp) {
				delete(s.seen, k)
			}
		}
	}
	return true, nil
}

// Close implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Close() error { return nil }

// RedisIdempotencyStore shares applied-record ids across restarts via
// Redis SETNX with TTL.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store.
func NewRedisIdempotencyStore(host string, port int, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisIdempotencyStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	logger.Info("Redis idempotency store connected",
		zap.String("host", host), zap.Int("port", port))
	return &RedisIdempotencyStore{client: client, ttl: ttl, logger: logger}, nil
}

// MarkSeen implements IdempotencyStore.
func (s *RedisIdempotencyStore) MarkSeen(ctx context.Context, id string) (bool, error) {
	key := "lansync:applied:" + id
	first, err := s.client.SetNX(ctx, key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark record id: %w", err)
	}
	return first, nil
}

// Close implements IdempotencyStore.
func (s *RedisIdempotencyStore) Close() error {
	return s.client.Close()
}
