package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/internal/backoff"
	"github.com/BaSui01/agentfabric/types"
)

// Handler processes one event. A non-nil error triggers the subscription's
// retry policy.
type Handler func(ctx context.Context, event types.FabricEvent) error

// subscriptionCounter generates unique subscription ids.
var subscriptionCounter int64

const defaultQueueSize = 256

type subscription struct {
	id      string
	name    string
	pattern string
	handler Handler
	queue   chan types.FabricEvent
	done    chan struct{}
}

// Router fans events out to pattern subscribers.
type Router struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	retryer *backoff.Retryer
	logger  *zap.Logger

	pending  sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewRouter creates a router. retryPolicy may be nil to use defaults.
func NewRouter(retryPolicy *backoff.Policy, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "event_router"))
	return &Router{
		subs:    make(map[string]*subscription),
		retryer: backoff.New(retryPolicy, logger),
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Subscribe registers a handler for a pattern and returns the subscription
// id. name identifies the subscriber in logs.
func (r *Router) Subscribe(pattern, name string, handler Handler) string {
	sub := &subscription{
		id:      fmt.Sprintf("%s-%d", pattern, atomic.AddInt64(&subscriptionCounter, 1)),
		name:    name,
		pattern: pattern,
		handler: handler,
		queue:   make(chan types.FabricEvent, defaultQueueSize),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()

	go r.drain(sub)
	return sub.id
}

// Unsubscribe removes a subscription and stops its worker.
func (r *Router) Unsubscribe(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Publish delivers the event to every matching subscription. It never
// fails the emitting operation: enqueueing blocks only while a queue is
// full, and handler outcomes are the worker's problem.
func (r *Router) Publish(ctx context.Context, event types.FabricEvent) {
	r.mu.RLock()
	matched := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if Matches(sub.pattern, event.Type) {
			matched = append(matched, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range matched {
		r.pending.Add(1)
		select {
		case sub.queue <- event:
		case <-sub.done:
			r.pending.Done()
		case <-r.stopped:
			r.pending.Done()
			return
		}
	}
}

// drain is the per-subscription worker. A single FIFO queue preserves
// per-SessionKey emission order for this subscriber.
func (r *Router) drain(sub *subscription) {
	for {
		select {
		case event := <-sub.queue:
			r.deliver(sub, event)
			r.pending.Done()
		case <-sub.done:
			return
		case <-r.stopped:
			return
		}
	}
}

func (r *Router) deliver(sub *subscription, event types.FabricEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panicked",
				zap.String("subscriber", sub.name),
				zap.String("event_type", event.Type),
				zap.Any("recover", rec),
			)
		}
	}()

	err := r.retryer.Do(context.Background(), func() error {
		return sub.handler(context.Background(), event)
	})
	if err != nil {
		r.logger.Error("event delivery failed",
			zap.String("subscriber", sub.name),
			zap.String("event_type", event.Type),
			zap.String("session_key", event.SessionKey),
			zap.Error(err),
		)
	}
}

// Drain blocks until every queued event has been handled or the context is
// canceled. Useful at shutdown and in tests.
func (r *Router) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates all workers. Pending queue contents are dropped; call
// Drain first for a clean shutdown.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
	})
}

// Matches reports whether a subscription pattern matches an event type:
// exact match, category prefix ("tool.*"), or wildcard ("*").
func Matches(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}
