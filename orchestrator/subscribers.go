package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/events"
	"github.com/BaSui01/agentfabric/persistence"
	"github.com/BaSui01/agentfabric/types"
)

// RegisterAuditSubscriber wires the audit sink behind a wildcard
// subscription. This is the sink's only write path.
func RegisterAuditSubscriber(router *events.Router, sink persistence.AuditSink) string {
	return router.Subscribe("*", "audit", func(ctx context.Context, event types.FabricEvent) error {
		return sink.Record(ctx, event)
	})
}

// RegisterSideEffectWriter persists tool lifecycle events onto the stored
// turn. The commit gate only mutates its in-memory turn; this subscription
// is the single path that writes side-effect records into the turn store.
func RegisterSideEffectWriter(router *events.Router, store persistence.TurnStore, logger *zap.Logger) string {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "side_effect_writer"))

	return router.Subscribe("tool.*", "side-effect-writer", func(ctx context.Context, event types.FabricEvent) error {
		rec := recordFromEvent(event)
		if rec.ToolName == "" {
			logger.Warn("tool event without tool_name payload",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
			)
			return nil
		}
		err := store.AppendSideEffect(ctx, event.LogicalTurnID, rec)
		if types.CodeOf(err) == types.ErrTurnNotFound {
			// The turn finished and fell out of retention before the event
			// drained; the idempotency envelope still has the record.
			return nil
		}
		return err
	})
}

func recordFromEvent(event types.FabricEvent) types.SideEffectRecord {
	str := func(key string) string {
		s, _ := event.Payload[key].(string)
		return s
	}
	return types.SideEffectRecord{
		ToolName:       str("tool_name"),
		BusinessKey:    str("business_key"),
		Class:          types.SideEffectClass(str("class")),
		Status:         types.SideEffectStatus(str("status")),
		IdempotencyKey: str("idempotency_key"),
		ResultSummary:  str("result_summary"),
		ExecutedAt:     event.Timestamp,
	}
}

// RegisterEscalationLogger surfaces fabric.escalation events in the service
// log at error level, the minimum viable escalation channel when no pager
// integration is configured.
func RegisterEscalationLogger(router *events.Router, logger *zap.Logger) string {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "escalation"))

	return router.Subscribe(types.EventEscalation, "escalation-log", func(ctx context.Context, event types.FabricEvent) error {
		logger.Error("fabric escalation",
			zap.String("session_key", event.SessionKey),
			zap.String("turn_id", event.LogicalTurnID),
			zap.Time("at", event.Timestamp),
			zap.Any("payload", event.Payload),
		)
		return nil
	})
}
