// Package redisclient manages the shared Redis client used by the session
// mutex, the idempotency key stores, the turn store and the accumulation
// notifier.
// This package is internal and should not be imported by external projects.
package redisclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/config"
)

// Manager owns the Redis client lifecycle: connection pool, boot-time ping
// and a background health-check loop.
type Manager struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
	stopCh chan struct{}
}

// New connects to Redis and verifies the connection.
func New(cfg config.RedisConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: logger.With(zap.String("component", "redisclient")),
		stopCh: make(chan struct{}),
	}
	go m.healthCheckLoop(30 * time.Second)

	m.logger.Info("redis client initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize),
	)
	return m, nil
}

// Client exposes the underlying client to fabric components.
func (m *Manager) Client() *redis.Client { return m.client }

// Prefix returns the configured key prefix for namespacing fabric keys.
func (m *Manager) Prefix() string { return m.prefix }

// Ping checks the connection.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("redis client is closed")
	}
	return m.client.Ping(ctx).Err()
}

// Close shuts the client down. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.logger.Info("closing redis client")
	return m.client.Close()
}

func (m *Manager) healthCheckLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.Ping(ctx); err != nil {
				m.logger.Error("redis health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}
