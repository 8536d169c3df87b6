package commitgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentfabric/config"
	"github.com/BaSui01/agentfabric/events"
	"github.com/BaSui01/agentfabric/testutil"
	"github.com/BaSui01/agentfabric/types"
)

func testGate(t *testing.T) (*Gate, *events.Router) {
	t.Helper()
	router := events.NewRouter(nil, nil)
	t.Cleanup(router.Stop)
	cfg := config.IdempotencyConfig{
		RequestTTL: 5 * time.Minute,
		TurnTTL:    time.Minute,
		ToolTTL:    24 * time.Hour,
	}
	return NewGate(NewMemoryKeyStore(), router, cfg, nil), router
}

func newTurn() *types.LogicalTurn {
	return types.NewLogicalTurn(testutil.Message("hello"))
}

func TestCheckRequest(t *testing.T) {
	gate, _ := testGate(t)
	ctx := context.Background()

	require.NoError(t, gate.CheckRequest(ctx, "tenant-1", "client-key-1"))

	err := gate.CheckRequest(ctx, "tenant-1", "client-key-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateRequest, types.CodeOf(err))

	// Different tenants never collide on the same client key.
	require.NoError(t, gate.CheckRequest(ctx, "tenant-2", "client-key-1"))

	// Empty key opts out of the layer entirely.
	require.NoError(t, gate.CheckRequest(ctx, "tenant-1", ""))
	require.NoError(t, gate.CheckRequest(ctx, "tenant-1", ""))
}

func TestBeginTurn(t *testing.T) {
	gate, _ := testGate(t)
	ctx := context.Background()

	turn := newTurn()
	require.NoError(t, gate.BeginTurn(ctx, turn))

	// Same message set: duplicate trigger rejected even with a new turn id.
	dup := newTurn()
	dup.RawMessages = turn.RawMessages
	err := gate.BeginTurn(ctx, dup)
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateTurn, types.CodeOf(err))

	// A different message set is a different turn.
	require.NoError(t, gate.BeginTurn(ctx, newTurn()))
}

func TestExecuteTool_RunsOncePerTurnGroup(t *testing.T) {
	gate, _ := testGate(t)
	ctx := context.Background()
	turn := newTurn()

	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return map[string]any{"refund_id": "r-1"}, nil
	}
	req := ToolRequest{ToolName: "refund", BusinessKey: "order-42", Class: types.SideEffectCompensatable}

	res, err := gate.ExecuteTool(ctx, turn, req, fn)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 1, calls)

	// A retry within the same turn group serves the cached result.
	res, err = gate.ExecuteTool(ctx, turn, req, fn)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, calls)

	// The superseding turn inherits the group: still no re-execution.
	successor := newTurn()
	successor.TurnGroupID = turn.TurnGroupID
	successor.ParentTurnID = turn.ID
	res, err = gate.ExecuteTool(ctx, successor, req, fn)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, calls)

	// A fresh turn group executes again.
	independent := newTurn()
	_, err = gate.ExecuteTool(ctx, independent, req, fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecuteTool_RecordsSideEffectAndCommitPoint(t *testing.T) {
	gate, router := testGate(t)
	capture := &testutil.EventCapture{}
	router.Subscribe("tool.*", "capture", capture.Handler())

	ctx := context.Background()
	turn := newTurn()

	_, err := gate.ExecuteTool(ctx, turn,
		ToolRequest{ToolName: "charge", BusinessKey: "order-1", Class: types.SideEffectIrreversible},
		func(ctx context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)

	assert.True(t, turn.CommitPointReached)
	assert.True(t, turn.HasIrreversibleSideEffect())
	require.Len(t, turn.SideEffects, 2, "started then executed")
	assert.Equal(t, types.SideEffectStarted, turn.SideEffects[0].Status)
	assert.Equal(t, types.SideEffectExecuted, turn.SideEffects[1].Status)

	require.NoError(t, router.Drain(ctx))
	assert.Equal(t, []string{types.EventToolStarted, types.EventToolExecuted}, capture.Types())
}

func TestExecuteTool_PureToolNeverRaisesCommitPoint(t *testing.T) {
	gate, _ := testGate(t)
	turn := newTurn()

	_, err := gate.ExecuteTool(context.Background(), turn,
		ToolRequest{ToolName: "lookup", BusinessKey: "order-1", Class: types.SideEffectPure},
		func(ctx context.Context) (any, error) { return "found", nil })
	require.NoError(t, err)
	assert.False(t, turn.CommitPointReached)
}

func TestExecuteTool_FailureRecordedAndFailedCompensatableBlocksRetry(t *testing.T) {
	gate, _ := testGate(t)
	ctx := context.Background()
	turn := newTurn()
	req := ToolRequest{ToolName: "refund", BusinessKey: "order-9", Class: types.SideEffectCompensatable}

	_, err := gate.ExecuteTool(ctx, turn, req, func(ctx context.Context) (any, error) {
		return nil, errors.New("gateway timeout")
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrToolExecutionFailure, types.CodeOf(err))

	// Retrying a failed COMPENSATABLE call needs compensation first.
	_, err = gate.ExecuteTool(ctx, turn, req, func(ctx context.Context) (any, error) {
		return "should not run", nil
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrToolExecutionFailure, types.CodeOf(err))
}

func TestExecuteTool_FailedIdempotentRetries(t *testing.T) {
	gate, _ := testGate(t)
	ctx := context.Background()
	turn := newTurn()
	req := ToolRequest{ToolName: "notify", BusinessKey: "user-1", Class: types.SideEffectIdempotent}

	_, err := gate.ExecuteTool(ctx, turn, req, func(ctx context.Context) (any, error) {
		return nil, errors.New("transient")
	})
	require.Error(t, err)

	res, err := gate.ExecuteTool(ctx, turn, req, func(ctx context.Context) (any, error) {
		return "delivered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "delivered", res.Result)
}

func TestExecuteTool_StaleStartedIsUnknownOutcome(t *testing.T) {
	router := events.NewRouter(nil, nil)
	t.Cleanup(router.Stop)
	keys := NewMemoryKeyStore()
	cfg := config.IdempotencyConfig{RequestTTL: time.Minute, TurnTTL: time.Minute, ToolTTL: time.Hour}
	gate := NewGate(keys, router, cfg, nil)
	ctx := context.Background()
	turn := newTurn()
	req := ToolRequest{ToolName: "charge", BusinessKey: "order-5", Class: types.SideEffectIrreversible}

	// Simulate a dead worker: a started envelope with no outcome.
	key := ToolKey(req.ToolName, req.BusinessKey, turn.TurnGroupID)
	_, stored, err := keys.PutIfAbsent(ctx, "tool:"+key,
		[]byte(`{"status":"started"}`), time.Hour)
	require.NoError(t, err)
	require.True(t, stored)

	_, err = gate.ExecuteTool(ctx, turn, req, func(ctx context.Context) (any, error) {
		t.Fatal("irreversible tool must not re-execute on unknown outcome")
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownOutcome, types.CodeOf(err))

	status, err := gate.Verify(ctx, req.ToolName, req.BusinessKey, turn.TurnGroupID)
	require.NoError(t, err)
	assert.Equal(t, types.SideEffectUnknown, status)
}

func TestExecuteTool_StaleStartedPureReExecutes(t *testing.T) {
	router := events.NewRouter(nil, nil)
	t.Cleanup(router.Stop)
	keys := NewMemoryKeyStore()
	cfg := config.IdempotencyConfig{RequestTTL: time.Minute, TurnTTL: time.Minute, ToolTTL: time.Hour}
	gate := NewGate(keys, router, cfg, nil)
	ctx := context.Background()
	turn := newTurn()
	req := ToolRequest{ToolName: "lookup", BusinessKey: "order-5", Class: types.SideEffectPure}

	// A stale started envelope is safe to overwrite for a read-only tool.
	key := ToolKey(req.ToolName, req.BusinessKey, turn.TurnGroupID)
	_, stored, err := keys.PutIfAbsent(ctx, "tool:"+key,
		[]byte(`{"status":"started"}`), time.Hour)
	require.NoError(t, err)
	require.True(t, stored)

	res, err := gate.ExecuteTool(ctx, turn, req, func(ctx context.Context) (any, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "fresh", res.Result)
}

func TestVerify_NoRecord(t *testing.T) {
	gate, _ := testGate(t)
	status, err := gate.Verify(context.Background(), "lookup", "b", "g")
	require.NoError(t, err)
	assert.Empty(t, status)
}
