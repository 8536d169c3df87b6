package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentfabric/types"
)

// TestContext returns a context that expires with the test.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// SetupRedis starts a miniredis instance and a client against it, both torn
// down with the test.
func SetupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// Message builds a test message for the default test session.
func Message(content string) types.RawMessage {
	return types.NewRawMessage("tenant-1", "agent-1", "web", "user-1", content)
}

// MessageFor builds a test message for a specific customer.
func MessageFor(tenant, agent, channel, user, content string) types.RawMessage {
	return types.NewRawMessage(tenant, agent, channel, user, content)
}

// SessionKey returns the default test session key.
func SessionKey() types.SessionKey {
	return types.SessionKey{TenantID: "tenant-1", AgentID: "agent-1", CustomerID: "user-1", Channel: "web"}
}

// EventCapture collects events delivered through a router subscription.
type EventCapture struct {
	mu     sync.Mutex
	events []types.FabricEvent
}

// Handler returns the capture's subscription handler.
func (c *EventCapture) Handler() func(context.Context, types.FabricEvent) error {
	return func(ctx context.Context, event types.FabricEvent) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, event)
		return nil
	}
}

// Events returns a copy of the captured events in delivery order.
func (c *EventCapture) Events() []types.FabricEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.FabricEvent(nil), c.events...)
}

// Types returns the captured event types in order.
func (c *EventCapture) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

// Eventually polls cond until it is true or the deadline passes.
func Eventually(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
