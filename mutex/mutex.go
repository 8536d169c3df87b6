package mutex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/types"
)

// SessionMutex is the distributed exclusive lock per SessionKey.
//
// Acquire blocks up to blockingTimeout and returns false on timeout; the
// caller treats false as "another turn in flight, fail fast". The lock must
// be held across the entire workflow, not released between steps.
type SessionMutex interface {
	Acquire(ctx context.Context, key types.SessionKey, ttl, blockingTimeout time.Duration) (bool, error)
	Extend(ctx context.Context, key types.SessionKey, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key types.SessionKey) error
}

// acquireRetryInterval is the poll cadence while blocking on a held lock.
const acquireRetryInterval = 50 * time.Millisecond

// releaseScript deletes the lock only if this process still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only if this process still holds the lock.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisMutex is the Redis-backed SessionMutex.
type RedisMutex struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	// tokens maps session keys to the random token of the lock this process
	// holds. Only the holder needs the token, so a process-local map is not
	// authoritative state: a crash loses it and the TTL reclaims the lock.
	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisMutex creates a Redis-backed session mutex.
func NewRedisMutex(client *redis.Client, prefix string, logger *zap.Logger) *RedisMutex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "acf:"
	}
	return &RedisMutex{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "session_mutex")),
		tokens: make(map[string]string),
	}
}

func (m *RedisMutex) lockKey(key types.SessionKey) string {
	return m.prefix + "mutex:" + key.String()
}

// Acquire implements SessionMutex.Acquire.
func (m *RedisMutex) Acquire(ctx context.Context, key types.SessionKey, ttl, blockingTimeout time.Duration) (bool, error) {
	token := uuid.NewString()
	lockKey := m.lockKey(key)
	deadline := time.Now().Add(blockingTimeout)

	for {
		ok, err := m.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("mutex acquire: %w", err)
		}
		if ok {
			m.mu.Lock()
			m.tokens[key.String()] = token
			m.mu.Unlock()
			m.logger.Debug("mutex acquired",
				zap.String("session_key", key.String()),
				zap.Duration("ttl", ttl),
			)
			return true, nil
		}

		if time.Now().After(deadline) {
			m.logger.Debug("mutex acquisition timed out",
				zap.String("session_key", key.String()),
				zap.Duration("blocking_timeout", blockingTimeout),
			)
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(acquireRetryInterval):
		}
	}
}

// Extend implements SessionMutex.Extend. Returns false when the lock is no
// longer held by this process.
func (m *RedisMutex) Extend(ctx context.Context, key types.SessionKey, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	token, held := m.tokens[key.String()]
	m.mu.Unlock()
	if !held {
		return false, nil
	}

	res, err := extendScript.Run(ctx, m.client, []string{m.lockKey(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("mutex extend: %w", err)
	}
	return res == 1, nil
}

// Release implements SessionMutex.Release. Releasing a lock this process
// does not hold is a no-op: the failure handler calls Release
// unconditionally.
func (m *RedisMutex) Release(ctx context.Context, key types.SessionKey) error {
	m.mu.Lock()
	token, held := m.tokens[key.String()]
	delete(m.tokens, key.String())
	m.mu.Unlock()
	if !held {
		return nil
	}

	res, err := releaseScript.Run(ctx, m.client, []string{m.lockKey(key)}, token).Int64()
	if err != nil {
		// TTL is the backstop here; log at the highest severity because a
		// stuck SessionKey blocks the whole conversation until expiry.
		m.logger.Error("mutex release failed, relying on TTL expiry",
			zap.String("session_key", key.String()),
			zap.Error(err),
		)
		return fmt.Errorf("mutex release: %w", err)
	}
	if res == 0 {
		m.logger.Warn("mutex already expired or taken over at release",
			zap.String("session_key", key.String()),
		)
	}
	return nil
}
