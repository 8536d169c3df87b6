package mutex

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// MemoryMutex is an in-process SessionMutex for tests and single-node use.
type MemoryMutex struct {
	mu    sync.Mutex
	locks map[string]time.Time // session key -> expiry
}

// NewMemoryMutex creates an in-memory session mutex.
func NewMemoryMutex() *MemoryMutex {
	return &MemoryMutex{locks: make(map[string]time.Time)}
}

func (m *MemoryMutex) tryAcquire(key string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, held := m.locks[key]; held && time.Now().Before(exp) {
		return false
	}
	m.locks[key] = time.Now().Add(ttl)
	return true
}

// Acquire implements SessionMutex.Acquire.
func (m *MemoryMutex) Acquire(ctx context.Context, key types.SessionKey, ttl, blockingTimeout time.Duration) (bool, error) {
	deadline := time.Now().Add(blockingTimeout)
	for {
		if m.tryAcquire(key.String(), ttl) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Extend implements SessionMutex.Extend.
func (m *MemoryMutex) Extend(ctx context.Context, key types.SessionKey, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, held := m.locks[key.String()]; !held || time.Now().After(exp) {
		return false, nil
	}
	m.locks[key.String()] = time.Now().Add(ttl)
	return true, nil
}

// Release implements SessionMutex.Release.
func (m *MemoryMutex) Release(ctx context.Context, key types.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key.String())
	return nil
}
