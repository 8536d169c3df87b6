package types

import (
	"time"

	"github.com/google/uuid"
)

// FabricEvent is the canonical envelope for everything that happens in the
// fabric. All cross-component and audit communication is expressed as
// events; no component writes another's persistence path directly.
type FabricEvent struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	TenantID      string         `json:"tenant_id"`
	AgentID       string         `json:"agent_id"`
	SessionKey    string         `json:"session_key"`
	LogicalTurnID string         `json:"logical_turn_id,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Event types emitted by the fabric itself. Pipelines may emit their own
// types; subscribers match by exact type, category prefix ("tool.*") or
// wildcard ("*").
const (
	EventTurnStarted      = "turn.started"
	EventTurnAccumulated  = "turn.accumulated"
	EventTurnProcessing   = "turn.processing"
	EventTurnCompleted    = "turn.completed"
	EventTurnSuperseded   = "turn.superseded"
	EventTurnQueued       = "turn.queued"
	EventMessageAppended  = "message.appended"
	EventMessagePending   = "message.pending"
	EventToolStarted      = "tool.started"
	EventToolExecuted     = "tool.executed"
	EventToolFailed       = "tool.failed"
	EventSupersedeDecided = "supersede.decided"
	EventWorkflowFailed   = "workflow.failed"
	EventEscalation       = "fabric.escalation"
)

// NewFabricEvent stamps an envelope for the given turn.
func NewFabricEvent(eventType string, key SessionKey, turnID string) FabricEvent {
	return FabricEvent{
		ID:            uuid.NewString(),
		Type:          eventType,
		TenantID:      key.TenantID,
		AgentID:       key.AgentID,
		SessionKey:    key.String(),
		LogicalTurnID: turnID,
		Timestamp:     time.Now().UTC(),
	}
}

// WithPayload returns a copy of the event carrying the given payload fields.
func (e FabricEvent) WithPayload(payload map[string]any) FabricEvent {
	e.Payload = payload
	return e
}
