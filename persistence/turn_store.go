package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// Checkpoint marks the last durably completed workflow step of a turn. A
// worker that finds a non-terminal checkpoint resumes at the next step.
type Checkpoint string

const (
	CheckpointMutexAcquired Checkpoint = "mutex_acquired"
	CheckpointAccumulated   Checkpoint = "accumulated"
	CheckpointPipelineDone  Checkpoint = "pipeline_done"
	CheckpointCommitted     Checkpoint = "committed"
)

// Terminal reports whether the checkpoint ends the workflow.
func (c Checkpoint) Terminal() bool { return c == CheckpointCommitted }

// TurnSnapshot is the minimum durable record of a logical turn: enough to
// resume any workflow step after a crash.
type TurnSnapshot struct {
	Turn       types.LogicalTurn `json:"turn"`
	Checkpoint Checkpoint        `json:"checkpoint"`

	// StagedResult is the serialized pipeline output, persisted at the
	// pipeline_done checkpoint so commit can run on a different worker.
	StagedResult json.RawMessage `json:"staged_result,omitempty"`

	// Version counts stored writes. Stores compare it on write so an
	// ingress append and a workflow save cannot silently overwrite each
	// other.
	Version int64 `json:"version"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TurnStore persists turn snapshots. The workflow worker holds the session
// mutex, but the append methods run from the ingress path without it, so
// implementations must serialize writes per turn: appends are atomic, and
// Save folds entries appended since the caller loaded its snapshot into the
// write (and into the caller's snapshot) instead of dropping them.
type TurnStore interface {
	// Save upserts the snapshot and maintains the active-turn index: a
	// non-terminal turn becomes the session's active turn, a terminal one
	// clears the index entry it owns. Scalar fields are taken from snap as
	// given; the append-only lists are merged with the stored turn, and
	// snap is updated in place with the merged result.
	Save(ctx context.Context, snap *TurnSnapshot) error

	// Load fetches a snapshot by turn id.
	Load(ctx context.Context, turnID string) (*TurnSnapshot, error)

	// ActiveTurn returns the session's active snapshot, or nil when idle.
	ActiveTurn(ctx context.Context, key types.SessionKey) (*TurnSnapshot, error)

	// AppendMessage appends to the turn's accumulated message list. Fails
	// with INVALID_TRANSITION once the turn left ACCUMULATING and with
	// TURN_NOT_FOUND on a terminal turn, so the ingress re-routes instead
	// of writing into a phase that will never read the message.
	AppendMessage(ctx context.Context, turnID string, msg types.RawMessage) error

	// AppendPending appends to the turn's pending message list. Fails with
	// INVALID_TRANSITION while the turn is still ACCUMULATING (the message
	// belongs in the raw list) and with TURN_NOT_FOUND on a terminal turn.
	AppendPending(ctx context.Context, turnID string, msg types.RawMessage) error

	// AppendSideEffect appends a side-effect record to the stored turn.
	// Called only by the event-router subscriber: events are the single
	// write path for side-effect state. Fails with TURN_NOT_FOUND on a
	// terminal turn.
	AppendSideEffect(ctx context.Context, turnID string, rec types.SideEffectRecord) error

	// ListResumable returns snapshots whose workflow did not reach a
	// terminal checkpoint, for crash recovery.
	ListResumable(ctx context.Context) ([]*TurnSnapshot, error)
}

// mergeConcurrent folds entries that reached the stored turn after the
// caller loaded its snapshot into next. Only the append-only lists merge;
// every other field keeps the caller's value. Messages are keyed by id and
// count as accounted for wherever they sit in next (raw or pending), so an
// absorb that promoted a pending message does not resurrect it.
func mergeConcurrent(next, stored *types.LogicalTurn) {
	seen := make(map[string]struct{}, len(next.RawMessages)+len(next.PendingMessages))
	for _, m := range next.RawMessages {
		seen[m.ID] = struct{}{}
	}
	for _, m := range next.PendingMessages {
		seen[m.ID] = struct{}{}
	}
	for _, m := range stored.RawMessages {
		if _, ok := seen[m.ID]; !ok {
			next.RawMessages = append(next.RawMessages, m)
			seen[m.ID] = struct{}{}
		}
	}
	for _, m := range stored.PendingMessages {
		if _, ok := seen[m.ID]; !ok {
			next.PendingMessages = append(next.PendingMessages, m)
			seen[m.ID] = struct{}{}
		}
	}

	// Side-effect records have no id of their own; the idempotency key
	// plus status identifies one lifecycle entry.
	effects := make(map[string]struct{}, len(next.SideEffects))
	for _, rec := range next.SideEffects {
		effects[rec.IdempotencyKey+"|"+string(rec.Status)] = struct{}{}
	}
	for _, rec := range stored.SideEffects {
		if _, ok := effects[rec.IdempotencyKey+"|"+string(rec.Status)]; !ok {
			next.SideEffects = append(next.SideEffects, rec)
			if rec.Class != types.SideEffectPure {
				next.CommitPointReached = true
			}
		}
	}
	if stored.CommitPointReached {
		next.CommitPointReached = true
	}
	if stored.LastAt.After(next.LastAt) {
		next.LastAt = stored.LastAt
	}
}

// applyMessageAppend implements the AppendMessage guard and mutation.
func applyMessageAppend(snap *TurnSnapshot, msg types.RawMessage) error {
	if snap.Turn.Status.Terminal() {
		return types.NewError(types.ErrTurnNotFound, "turn "+snap.Turn.ID+" already finished")
	}
	if snap.Turn.Status != types.TurnAccumulating {
		return types.NewError(types.ErrInvalidTransition,
			"turn "+snap.Turn.ID+" is "+string(snap.Turn.Status)+": message must go pending")
	}
	snap.Turn.RawMessages = append(snap.Turn.RawMessages, msg)
	if msg.Timestamp.After(snap.Turn.LastAt) {
		snap.Turn.LastAt = msg.Timestamp
	}
	return nil
}

// applyPendingAppend implements the AppendPending guard and mutation.
func applyPendingAppend(snap *TurnSnapshot, msg types.RawMessage) error {
	if snap.Turn.Status.Terminal() {
		return types.NewError(types.ErrTurnNotFound, "turn "+snap.Turn.ID+" already finished")
	}
	if snap.Turn.Status == types.TurnAccumulating {
		return types.NewError(types.ErrInvalidTransition,
			"turn "+snap.Turn.ID+" is still accumulating: message belongs in the raw list")
	}
	snap.Turn.PendingMessages = append(snap.Turn.PendingMessages, msg)
	return nil
}

// applySideEffectAppend implements the AppendSideEffect guard and mutation.
func applySideEffectAppend(snap *TurnSnapshot, rec types.SideEffectRecord) error {
	if snap.Turn.Status.Terminal() {
		return types.NewError(types.ErrTurnNotFound, "turn "+snap.Turn.ID+" already finished")
	}
	snap.Turn.SideEffects = append(snap.Turn.SideEffects, rec)
	if rec.Class != types.SideEffectPure {
		snap.Turn.CommitPointReached = true
	}
	return nil
}
