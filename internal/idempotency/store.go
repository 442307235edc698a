package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/assent/model"
)

// Store provides replay protection for instance mutations. The key format
// is "idem:{scope}:{key}" where scope ties the key to a specific instance
// or to instance creation.
type Store interface {
	// Check looks up a previous outcome by key. If the key exists and the
	// input hash matches, it returns the cached payload. If the key exists
	// but the hash differs, it returns a conflict error.
	Check(ctx context.Context, key string, inputHash string) (payload []byte, found bool, err error)

	// Store saves an outcome keyed by the idempotency key with a TTL.
	Store(ctx context.Context, key string, inputHash string, payload []byte, ttl time.Duration) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	InputHash string `json:"input_hash"`
	Payload   []byte `json:"payload"`
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

// Check looks up a cached outcome. Returns a conflict error if the input
// hash differs.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) ([]byte, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}
	return e.data.Payload, true, nil
}

// Store saves an outcome with TTL.
func (s *MemoryStore) Store(_ context.Context, key string, inputHash string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Payload: payload},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL, for multi-replica
// deployments where replay protection must be shared.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached outcome in Redis. Returns a conflict error if
// the input hash differs.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if e.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}
	return e.Payload, true, nil
}

// Store saves an outcome in Redis with TTL.
func (s *RedisStore) Store(ctx context.Context, key string, inputHash string, payload []byte, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatKey builds the standard idempotency key.
func FormatKey(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}
