package commitgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyStore is the shared idempotency key store. Implementations must provide
// atomic check-and-set semantics: concurrent PutIfAbsent calls for one key
// admit exactly one writer.
type KeyStore interface {
	// PutIfAbsent stores value under key with ttl if the key is absent.
	// Returns stored=false and the existing value when the key was present.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (existing []byte, stored bool, err error)

	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set unconditionally overwrites the value, preserving a fresh ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the key.
	Delete(ctx context.Context, key string) error
}

// RedisKeyStore is the production KeyStore.
type RedisKeyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisKeyStore creates a Redis-backed key store.
func NewRedisKeyStore(client *redis.Client, prefix string) *RedisKeyStore {
	if prefix == "" {
		prefix = "acf:"
	}
	return &RedisKeyStore{client: client, prefix: prefix + "idem:"}
}

// PutIfAbsent implements KeyStore.PutIfAbsent via SET NX.
func (s *RedisKeyStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	stored, err := s.client.SetNX(ctx, s.prefix+key, value, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("keystore put-if-absent: %w", err)
	}
	if stored {
		return nil, true, nil
	}
	existing, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// The prior holder expired between SETNX and GET; treat the key
			// as taken with no retrievable value.
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("keystore get after conflict: %w", err)
	}
	return existing, false, nil
}

// Get implements KeyStore.Get.
func (s *RedisKeyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("keystore get: %w", err)
	}
	return data, true, nil
}

// Set implements KeyStore.Set.
func (s *RedisKeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("keystore set: %w", err)
	}
	return nil
}

// Delete implements KeyStore.Delete.
func (s *RedisKeyStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("keystore delete: %w", err)
	}
	return nil
}

// MemoryKeyStore is an in-process KeyStore for tests.
type MemoryKeyStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryKeyStore creates an in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryKeyStore) live(key string) ([]byte, bool) {
	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e.data, true
}

// PutIfAbsent implements KeyStore.PutIfAbsent.
func (s *MemoryKeyStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.live(key); ok {
		return existing, false, nil
	}
	s.entries[key] = memoryEntry{data: value, expiresAt: time.Now().Add(ttl)}
	return nil, true, nil
}

// Get implements KeyStore.Get.
func (s *MemoryKeyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.live(key)
	return data, ok, nil
}

// Set implements KeyStore.Set.
func (s *MemoryKeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{data: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete implements KeyStore.Delete.
func (s *MemoryKeyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
