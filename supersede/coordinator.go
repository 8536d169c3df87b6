package supersede

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/events"
	"github.com/BaSui01/agentfabric/types"
)

// =============================================================================
// Decision capability
// =============================================================================

// DecisionRequest is what a deciding pipeline sees about the interruption.
type DecisionRequest struct {
	Turn           types.LogicalTurn    `json:"turn"`
	NewMessages    []types.RawMessage   `json:"new_messages"`
	InterruptPoint types.InterruptPoint `json:"interrupt_point"`
}

// Decider is the optional pipeline capability for supersede arbitration.
// Pipelines that understand their own conversation semantics implement it;
// the coordinator still screens every decision for safety.
type Decider interface {
	DecideSupersede(ctx context.Context, req DecisionRequest) (types.SupersedeDecision, error)
}

// =============================================================================
// Coordinator
// =============================================================================

// Policy names for the coordinator.
const (
	// PolicyConservative never consults the pipeline.
	PolicyConservative = "conservative"
	// PolicyPipeline delegates to the pipeline's Decider when present.
	PolicyPipeline = "pipeline"
)

// Coordinator resolves interruptions into a SupersedeDecision.
type Coordinator struct {
	policy string
	router *events.Router
	logger *zap.Logger
}

// New creates a coordinator with the given policy name.
func New(policy string, router *events.Router, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy != PolicyConservative && policy != PolicyPipeline {
		policy = PolicyConservative
	}
	return &Coordinator{
		policy: policy,
		router: router,
		logger: logger.With(zap.String("component", "supersede_coordinator")),
	}
}

// Resolve arbitrates one interruption. decider may be nil; it is consulted
// only under the pipeline policy. The returned decision has already passed
// the safety screen and can be acted on directly.
func (c *Coordinator) Resolve(ctx context.Context, turn *types.LogicalTurn, newMessages []types.RawMessage, point types.InterruptPoint, decider Decider) types.SupersedeDecision {
	decision, source := c.decide(ctx, turn, newMessages, point, decider)

	screened, overrideReason := screen(turn, point, decision)
	if overrideReason != "" {
		c.logger.Warn("supersede decision overridden",
			zap.String("turn_id", turn.ID),
			zap.String("requested_action", string(decision.Action)),
			zap.String("applied_action", string(screened.Action)),
			zap.String("reason", overrideReason),
		)
		source = source + "_overridden"
	}

	c.router.Publish(ctx, types.NewFabricEvent(types.EventSupersedeDecided, turn.SessionKey, turn.ID).
		WithPayload(map[string]any{
			"action":          string(screened.Action),
			"absorb_strategy": string(screened.AbsorbStrategy),
			"reason":          screened.Reason,
			"source":          source,
			"interrupt_point": string(point),
			"new_messages":    len(newMessages),
		}))
	return screened
}

func (c *Coordinator) decide(ctx context.Context, turn *types.LogicalTurn, newMessages []types.RawMessage, point types.InterruptPoint, decider Decider) (types.SupersedeDecision, string) {
	if len(newMessages) == 0 {
		return types.SupersedeDecision{
			Action: types.ActionForceComplete,
			Reason: "no_new_input",
		}, "fabric"
	}

	if c.policy == PolicyPipeline && decider != nil {
		decision, err := decider.DecideSupersede(ctx, DecisionRequest{
			Turn:           *turn,
			NewMessages:    newMessages,
			InterruptPoint: point,
		})
		if err != nil {
			c.logger.Warn("pipeline supersede decision failed, using conservative default",
				zap.String("turn_id", turn.ID),
				zap.Error(err),
			)
			return conservativeDefault(turn), "fabric"
		}
		if !validAction(decision.Action) {
			c.logger.Warn("pipeline returned unknown supersede action, using conservative default",
				zap.String("turn_id", turn.ID),
				zap.String("action", string(decision.Action)),
			)
			return conservativeDefault(turn), "fabric"
		}
		if decision.Action == types.ActionAbsorb && decision.AbsorbStrategy == "" {
			decision.AbsorbStrategy = types.AbsorbRestartWithMerged
		}
		return decision, "pipeline"
	}

	return conservativeDefault(turn), "fabric"
}

// conservativeDefault is the fabric's own arbitration: any sign of
// externally visible work means the current turn runs to completion and the
// new input becomes its own turn; otherwise the fresher input wins.
func conservativeDefault(turn *types.LogicalTurn) types.SupersedeDecision {
	if turn.CommitPointReached || len(turn.SideEffects) > 0 {
		return types.SupersedeDecision{
			Action: types.ActionQueue,
			Reason: "side_effects_present",
		}
	}
	return types.SupersedeDecision{
		Action: types.ActionSupersede,
		Reason: "no_commit_point",
	}
}

// screen enforces the safety rules on any decision, whatever produced it.
// It returns the decision to apply and a non-empty reason when it had to
// override.
func screen(turn *types.LogicalTurn, point types.InterruptPoint, decision types.SupersedeDecision) (types.SupersedeDecision, string) {
	if turn.HasIrreversibleSideEffect() && decision.DiscardsWork() {
		return types.SupersedeDecision{
			Action: types.ActionQueue,
			Reason: "irreversible_side_effect",
		}, "irreversible side effect forbids discarding work"
	}
	if point == types.InterruptDuringCommit &&
		(decision.Action == types.ActionSupersede || decision.Action == types.ActionAbsorb) {
		return types.SupersedeDecision{
			Action: types.ActionQueue,
			Reason: "interrupted_during_commit",
		}, "commit in progress forbids supersede and absorb"
	}
	return decision, ""
}

func validAction(a types.SupersedeAction) bool {
	switch a {
	case types.ActionSupersede, types.ActionAbsorb, types.ActionQueue, types.ActionForceComplete:
		return true
	}
	return false
}
