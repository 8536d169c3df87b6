package accumulate

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/types"
)

// Notifier wakes a suspended accumulation wait when a new message for the
// same SessionKey lands, possibly on another worker.
type Notifier interface {
	// Subscribe returns a signal channel for the key and a cancel func.
	// The channel receives one token per notification; tokens may be
	// coalesced while the waiter is busy.
	Subscribe(ctx context.Context, key types.SessionKey) (<-chan struct{}, func(), error)

	// Notify signals all current subscribers of the key.
	Notify(ctx context.Context, key types.SessionKey) error
}

// LocalNotifier signals within one process. Suitable for tests and
// deployments where the ingress and the accumulating worker share a
// process.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[string]map[int]chan struct{}
	next int
}

// NewLocalNotifier creates an in-process notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[int]chan struct{})}
}

// Subscribe implements Notifier.Subscribe.
func (n *LocalNotifier) Subscribe(ctx context.Context, key types.SessionKey) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	id := n.next
	n.next++
	if n.subs[key.String()] == nil {
		n.subs[key.String()] = make(map[int]chan struct{})
	}
	n.subs[key.String()][id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if m := n.subs[key.String()]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(n.subs, key.String())
			}
		}
	}
	return ch, cancel, nil
}

// Notify implements Notifier.Notify.
func (n *LocalNotifier) Notify(ctx context.Context, key types.SessionKey) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[key.String()] {
		select {
		case ch <- struct{}{}:
		default: // waiter already has a pending token
		}
	}
	return nil
}

// RedisNotifier signals across workers via Redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisNotifier creates a pub/sub backed notifier.
func NewRedisNotifier(client *redis.Client, prefix string, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "acf:"
	}
	return &RedisNotifier{
		client: client,
		prefix: prefix + "notify:",
		logger: logger.With(zap.String("component", "accumulate_notifier")),
	}
}

// Subscribe implements Notifier.Subscribe.
func (n *RedisNotifier) Subscribe(ctx context.Context, key types.SessionKey) (<-chan struct{}, func(), error) {
	pubsub := n.client.Subscribe(ctx, n.prefix+key.String())
	// Force the subscription to be established before returning so a
	// Notify racing with Subscribe is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	ch := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		if err := pubsub.Close(); err != nil {
			n.logger.Warn("failed to close pubsub subscription",
				zap.String("session_key", key.String()),
				zap.Error(err),
			)
		}
	}
	return ch, cancel, nil
}

// Notify implements Notifier.Notify.
func (n *RedisNotifier) Notify(ctx context.Context, key types.SessionKey) error {
	return n.client.Publish(ctx, n.prefix+key.String(), "m").Err()
}

var _ Notifier = (*LocalNotifier)(nil)
var _ Notifier = (*RedisNotifier)(nil)
