package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentfabric/events"
	"github.com/BaSui01/agentfabric/persistence"
	"github.com/BaSui01/agentfabric/testutil"
	"github.com/BaSui01/agentfabric/types"
)

// memorySink is a minimal AuditSink for subscription tests.
type memorySink struct {
	mu     sync.Mutex
	events []types.FabricEvent
}

func (s *memorySink) Record(ctx context.Context, event types.FabricEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) Query(ctx context.Context, filter persistence.AuditFilter) ([]types.FabricEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.FabricEvent(nil), s.events...), nil
}

func (s *memorySink) Close(ctx context.Context) error { return nil }

func TestRegisterAuditSubscriber_RecordsEverything(t *testing.T) {
	router := events.NewRouter(nil, nil)
	t.Cleanup(router.Stop)
	sink := &memorySink{}
	RegisterAuditSubscriber(router, sink)
	ctx := context.Background()

	router.Publish(ctx, types.NewFabricEvent(types.EventTurnStarted, testutil.SessionKey(), "turn-1"))
	router.Publish(ctx, types.NewFabricEvent(types.EventToolExecuted, testutil.SessionKey(), "turn-1"))
	require.NoError(t, router.Drain(ctx))

	got, err := sink.Query(ctx, persistence.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRegisterSideEffectWriter_PersistsToolEvents(t *testing.T) {
	router := events.NewRouter(nil, nil)
	t.Cleanup(router.Stop)
	store := persistence.NewMemoryTurnStore()
	RegisterSideEffectWriter(router, store, nil)
	ctx := context.Background()

	turn := types.NewLogicalTurn(testutil.Message("cancel my order"))
	require.NoError(t, store.Save(ctx, &persistence.TurnSnapshot{
		Turn:       *turn,
		Checkpoint: persistence.CheckpointAccumulated,
	}))

	router.Publish(ctx, types.NewFabricEvent(types.EventToolExecuted, turn.SessionKey, turn.ID).
		WithPayload(map[string]any{
			"tool_name":    "cancel_order",
			"business_key": "order-42",
			"class":        string(types.SideEffectCompensatable),
			"status":       string(types.SideEffectExecuted),
		}))
	require.NoError(t, router.Drain(ctx))

	snap, err := store.Load(ctx, turn.ID)
	require.NoError(t, err)
	require.Len(t, snap.Turn.SideEffects, 1)
	assert.Equal(t, "cancel_order", snap.Turn.SideEffects[0].ToolName)
	assert.Equal(t, types.SideEffectExecuted, snap.Turn.SideEffects[0].Status)
	assert.True(t, snap.Turn.CommitPointReached)
}

func TestRegisterSideEffectWriter_ToleratesExpiredTurn(t *testing.T) {
	router := events.NewRouter(nil, nil)
	t.Cleanup(router.Stop)
	store := persistence.NewMemoryTurnStore()
	RegisterSideEffectWriter(router, store, nil)
	ctx := context.Background()

	// The turn fell out of retention before the event drained; delivery must
	// not spin in the retry loop.
	router.Publish(ctx, types.NewFabricEvent(types.EventToolExecuted, testutil.SessionKey(), "expired-turn").
		WithPayload(map[string]any{"tool_name": "lookup", "class": string(types.SideEffectPure)}))
	require.NoError(t, router.Drain(ctx))
}

func TestRegisterSideEffectWriter_IgnoresMalformedPayload(t *testing.T) {
	router := events.NewRouter(nil, nil)
	t.Cleanup(router.Stop)
	store := persistence.NewMemoryTurnStore()
	RegisterSideEffectWriter(router, store, nil)
	ctx := context.Background()

	router.Publish(ctx, types.NewFabricEvent(types.EventToolStarted, testutil.SessionKey(), "turn-1"))
	require.NoError(t, router.Drain(ctx))
}
