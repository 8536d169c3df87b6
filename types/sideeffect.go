package types

import "time"

// SideEffectClass classifies how a tool touches the outside world.
type SideEffectClass string

const (
	// SideEffectPure has no external effect; safe to rerun freely.
	SideEffectPure SideEffectClass = "PURE"
	// SideEffectIdempotent may be retried; repeats converge to one outcome.
	SideEffectIdempotent SideEffectClass = "IDEMPOTENT"
	// SideEffectCompensatable changes the world but can be undone.
	SideEffectCompensatable SideEffectClass = "COMPENSATABLE"
	// SideEffectIrreversible cannot be undone once executed.
	SideEffectIrreversible SideEffectClass = "IRREVERSIBLE"
)

// SideEffectStatus is the execution state of a recorded side effect.
type SideEffectStatus string

const (
	SideEffectStarted  SideEffectStatus = "started"
	SideEffectExecuted SideEffectStatus = "executed"
	SideEffectFailed   SideEffectStatus = "failed"
	// SideEffectUnknown marks a record found in "started" state after the
	// worker that wrote it died; the real outcome needs verification.
	SideEffectUnknown SideEffectStatus = "unknown"
)

// SideEffectRecord is the append-only trace of one tool execution attempt.
// Records are never mutated in place once persisted; status updates write a
// replacing record through the event path.
type SideEffectRecord struct {
	ToolName       string           `json:"tool_name"`
	BusinessKey    string           `json:"business_key"`
	Class          SideEffectClass  `json:"class"`
	Status         SideEffectStatus `json:"status"`
	IdempotencyKey string           `json:"idempotency_key"`
	ExecutedAt     time.Time        `json:"executed_at"`
	ResultSummary  string           `json:"result_summary,omitempty"`
}
