package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/BaSui01/agentfabric/testutil"
	"github.com/BaSui01/agentfabric/types"
)

func setupAuditSink(t *testing.T) *GormAuditSink {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sink, err := NewGormAuditSink(db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close(context.Background()) })
	return sink
}

func auditEvent(eventType, turnID string) types.FabricEvent {
	return types.NewFabricEvent(eventType, testutil.SessionKey(), turnID)
}

func TestGormAuditSink_RecordAndQuery(t *testing.T) {
	sink := setupAuditSink(t)
	ctx := context.Background()

	event := auditEvent(types.EventTurnCompleted, "turn-1").WithPayload(map[string]any{
		"message_count": float64(3),
		"reason":        "window_elapsed",
	})
	require.NoError(t, sink.Record(ctx, event))

	got, err := sink.Query(ctx, AuditFilter{TenantID: "tenant-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, event.ID, got[0].ID)
	assert.Equal(t, types.EventTurnCompleted, got[0].Type)
	assert.Equal(t, "turn-1", got[0].LogicalTurnID)
	assert.Equal(t, "window_elapsed", got[0].Payload["reason"])
	assert.Equal(t, float64(3), got[0].Payload["message_count"])
}

func TestGormAuditSink_QueryFilters(t *testing.T) {
	sink := setupAuditSink(t)
	ctx := context.Background()

	require.NoError(t, sink.Record(ctx, auditEvent(types.EventTurnStarted, "turn-1")))
	require.NoError(t, sink.Record(ctx, auditEvent(types.EventToolExecuted, "turn-1")))
	require.NoError(t, sink.Record(ctx, auditEvent(types.EventTurnCompleted, "turn-2")))

	other := types.NewFabricEvent(types.EventTurnStarted,
		types.SessionKey{TenantID: "tenant-2", AgentID: "agent-1", CustomerID: "user-9", Channel: "web"},
		"turn-9")
	require.NoError(t, sink.Record(ctx, other))

	byTurn, err := sink.Query(ctx, AuditFilter{TurnID: "turn-1"})
	require.NoError(t, err)
	assert.Len(t, byTurn, 2)

	byType, err := sink.Query(ctx, AuditFilter{Type: types.EventToolExecuted})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "turn-1", byType[0].LogicalTurnID)

	byTenant, err := sink.Query(ctx, AuditFilter{TenantID: "tenant-2"})
	require.NoError(t, err)
	require.Len(t, byTenant, 1)
	assert.Equal(t, "turn-9", byTenant[0].LogicalTurnID)

	bySession, err := sink.Query(ctx, AuditFilter{SessionKey: testutil.SessionKey().String()})
	require.NoError(t, err)
	assert.Len(t, bySession, 3)
}

func TestGormAuditSink_QuerySinceAndLimit(t *testing.T) {
	sink := setupAuditSink(t)
	ctx := context.Background()

	old := auditEvent(types.EventTurnStarted, "turn-old")
	old.Timestamp = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, sink.Record(ctx, old))

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Record(ctx, auditEvent(types.EventMessageAppended, "turn-new")))
	}

	recent, err := sink.Query(ctx, AuditFilter{Since: time.Now().UTC().Add(-time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	limited, err := sink.Query(ctx, AuditFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "turn-old", limited[0].LogicalTurnID, "oldest first")
}

func TestGormAuditSink_DuplicateEventIDRejected(t *testing.T) {
	sink := setupAuditSink(t)
	ctx := context.Background()

	event := auditEvent(types.EventTurnStarted, "turn-1")
	require.NoError(t, sink.Record(ctx, event))
	require.Error(t, sink.Record(ctx, event), "event ids are unique")
}

func TestNopAuditSink(t *testing.T) {
	sink := NopAuditSink{}
	ctx := context.Background()

	require.NoError(t, sink.Record(ctx, auditEvent(types.EventTurnStarted, "turn-1")))
	got, err := sink.Query(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, sink.Close(ctx))
}
