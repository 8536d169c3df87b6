package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TurnStatus is the lifecycle state of a logical turn.
type TurnStatus string

const (
	TurnAccumulating TurnStatus = "ACCUMULATING"
	TurnProcessing   TurnStatus = "PROCESSING"
	TurnCommitting   TurnStatus = "COMMITTING"
	TurnComplete     TurnStatus = "COMPLETE"
	TurnSuperseded   TurnStatus = "SUPERSEDED"
)

// Terminal reports whether the status permits no further transitions.
func (s TurnStatus) Terminal() bool {
	return s == TurnComplete || s == TurnSuperseded
}

// statusRank orders the forward path. SUPERSEDED is reachable from any
// non-terminal state and is handled separately in CanTransition.
var statusRank = map[TurnStatus]int{
	TurnAccumulating: 0,
	TurnProcessing:   1,
	TurnCommitting:   2,
	TurnComplete:     3,
}

// CanTransition reports whether from -> to is a legal status transition.
// Transitions are monotonic along ACCUMULATING -> PROCESSING -> COMMITTING ->
// COMPLETE; SUPERSEDED is terminal and reachable from any non-terminal state.
func CanTransition(from, to TurnStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == TurnSuperseded {
		return true
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr == fr+1
}

// Artifact is a named pipeline product attached to a turn. The fingerprint
// lets an ABSORB rerun decide whether the artifact can be reused.
type Artifact struct {
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	Data        any       `json:"data,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// LogicalTurn is the atomic unit of conversational processing: one or more
// raw messages handled as a single pipeline invocation.
type LogicalTurn struct {
	ID          string     `json:"id"`
	SessionKey  SessionKey `json:"session_key"`
	Status      TurnStatus `json:"status"`
	TurnGroupID string     `json:"turn_group_id"`

	// ParentTurnID is the flat supersede-chain pointer: the turn this one
	// superseded or was queued after, if any.
	ParentTurnID string `json:"parent_turn_id,omitempty"`

	RawMessages     []RawMessage `json:"raw_messages"`
	PendingMessages []RawMessage `json:"pending_messages,omitempty"`

	FirstAt           time.Time `json:"first_at"`
	LastAt            time.Time `json:"last_at"`
	AggregationReason string    `json:"aggregation_reason,omitempty"`

	Artifacts   map[string]Artifact `json:"artifacts,omitempty"`
	SideEffects []SideEffectRecord  `json:"side_effects,omitempty"`

	// CommitPointReached is set the first time any non-PURE side effect is
	// recorded. After that, prior work must never be silently discarded.
	CommitPointReached bool `json:"commit_point_reached"`
}

// NewLogicalTurn starts a turn in ACCUMULATING with a fresh turn group.
func NewLogicalTurn(first RawMessage) *LogicalTurn {
	now := first.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return &LogicalTurn{
		ID:          uuid.NewString(),
		SessionKey:  first.SessionKey(),
		Status:      TurnAccumulating,
		TurnGroupID: uuid.NewString(),
		RawMessages: []RawMessage{first},
		FirstAt:     now,
		LastAt:      now,
		Artifacts:   map[string]Artifact{},
	}
}

// Transition moves the turn to the given status, rejecting illegal moves.
func (t *LogicalTurn) Transition(to TurnStatus) error {
	if !CanTransition(t.Status, to) {
		return NewError(ErrInvalidTransition,
			fmt.Sprintf("turn %s: illegal transition %s -> %s", t.ID, t.Status, to))
	}
	t.Status = to
	return nil
}

// Append adds a message to the turn during accumulation.
func (t *LogicalTurn) Append(msg RawMessage) error {
	if t.Status != TurnAccumulating {
		return NewError(ErrInvalidTransition,
			fmt.Sprintf("turn %s: cannot append in status %s", t.ID, t.Status))
	}
	t.RawMessages = append(t.RawMessages, msg)
	if msg.Timestamp.After(t.LastAt) {
		t.LastAt = msg.Timestamp
	}
	return nil
}

// AddPending records a message that arrived after accumulation closed. The
// supersede coordinator decides its fate.
func (t *LogicalTurn) AddPending(msg RawMessage) {
	t.PendingMessages = append(t.PendingMessages, msg)
}

// HasPendingMessages is the fact the fabric exposes to the pipeline.
func (t *LogicalTurn) HasPendingMessages() bool {
	return len(t.PendingMessages) > 0
}

// RecordSideEffect appends a record and raises the commit point for any
// non-PURE classification.
func (t *LogicalTurn) RecordSideEffect(rec SideEffectRecord) {
	t.SideEffects = append(t.SideEffects, rec)
	if rec.Class != SideEffectPure {
		t.CommitPointReached = true
	}
}

// HasIrreversibleSideEffect reports whether any recorded effect is
// IRREVERSIBLE, regardless of its execution status.
func (t *LogicalTurn) HasIrreversibleSideEffect() bool {
	for _, rec := range t.SideEffects {
		if rec.Class == SideEffectIrreversible {
			return true
		}
	}
	return false
}

// MessageIDs returns the ids of the accumulated messages in order.
func (t *LogicalTurn) MessageIDs() []string {
	ids := make([]string, len(t.RawMessages))
	for i, m := range t.RawMessages {
		ids[i] = m.ID
	}
	return ids
}
