package orchestrator

import (
	"context"

	"github.com/BaSui01/agentfabric/commitgate"
	"github.com/BaSui01/agentfabric/events"
	"github.com/BaSui01/agentfabric/persistence"
	"github.com/BaSui01/agentfabric/types"
)

// Pipeline is the agent logic the fabric hosts. The fabric hands it one
// accumulated turn at a time and stages whatever it returns; nothing the
// pipeline produces becomes visible before the commit step.
//
// A pipeline that also implements supersede.Decider participates in
// interruption arbitration.
type Pipeline interface {
	Run(ctx context.Context, tc *TurnContext) (*PipelineResult, error)
}

// PipelineResult is the staged outcome of one pipeline run.
type PipelineResult struct {
	// ResponseSegments are the messages to deliver to the customer, in
	// order, at commit.
	ResponseSegments []string `json:"response_segments,omitempty"`

	// StagedMutations are session-state changes applied only at commit. A
	// nil value deletes the field.
	StagedMutations map[string]any `json:"staged_mutations,omitempty"`

	// Artifacts are named intermediate products kept on the turn so an
	// absorb rerun can reuse them.
	Artifacts map[string]types.Artifact `json:"artifacts,omitempty"`

	// ExpectsMoreInput hints that the pipeline is waiting on a required
	// field; the next turn's accumulation window extends accordingly.
	ExpectsMoreInput bool `json:"expects_more_input,omitempty"`
}

// TurnContext is the pipeline's window into the fabric for one run. Tool
// execution goes through the commit gate; events go through the router; the
// pipeline never touches stores directly.
type TurnContext struct {
	turn  *types.LogicalTurn
	state map[string]any

	store  persistence.TurnStore
	router *events.Router
	gate   *commitgate.Gate
}

// Turn returns the turn under processing, pending list included.
func (tc *TurnContext) Turn() *types.LogicalTurn { return tc.turn }

// SessionState is the session's committed state as of turn start. Mutating
// the map has no effect; changes go in PipelineResult.StagedMutations.
func (tc *TurnContext) SessionState() map[string]any { return tc.state }

// HasPendingMessages reloads the turn and reports whether new input arrived
// since processing began. Long-running pipelines poll this to bail out
// early instead of finishing work that arbitration may discard.
func (tc *TurnContext) HasPendingMessages(ctx context.Context) bool {
	snap, err := tc.store.Load(ctx, tc.turn.ID)
	if err != nil {
		return tc.turn.HasPendingMessages()
	}
	return snap.Turn.HasPendingMessages()
}

// ExecuteTool invokes a side-effecting tool through the commit gate's
// idempotency envelope.
func (tc *TurnContext) ExecuteTool(ctx context.Context, req commitgate.ToolRequest, fn commitgate.ToolFunc) (*commitgate.ToolResult, error) {
	return tc.gate.ExecuteTool(ctx, tc.turn, req, fn)
}

// EmitEvent publishes a pipeline-defined event on the fabric's router.
func (tc *TurnContext) EmitEvent(ctx context.Context, eventType string, payload map[string]any) {
	tc.router.Publish(ctx,
		types.NewFabricEvent(eventType, tc.turn.SessionKey, tc.turn.ID).WithPayload(payload))
}

// Responder delivers committed response segments to the customer's channel.
type Responder interface {
	Deliver(ctx context.Context, key types.SessionKey, turnID string, segments []string) error
}

// NopResponder discards responses; used in tests and for pipelines that
// deliver through their own channel adapters.
type NopResponder struct{}

func (NopResponder) Deliver(ctx context.Context, key types.SessionKey, turnID string, segments []string) error {
	return nil
}
