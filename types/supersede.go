package types

// SupersedeAction is the closed set of outcomes when new input arrives while
// a turn is mid-flight. There is no "do nothing": that case is expressed as
// ActionForceComplete with Reason "no_new_input".
type SupersedeAction string

const (
	// ActionSupersede cancels the in-flight work and restarts with the full
	// message set; the successor inherits the turn group.
	ActionSupersede SupersedeAction = "SUPERSEDE"
	// ActionAbsorb folds the new message into the current turn.
	ActionAbsorb SupersedeAction = "ABSORB"
	// ActionQueue finishes the current turn and processes the new message as
	// an independent turn with a fresh turn group.
	ActionQueue SupersedeAction = "QUEUE"
	// ActionForceComplete ignores the interruption and finishes the current
	// turn as-is.
	ActionForceComplete SupersedeAction = "FORCE_COMPLETE"
)

// AbsorbStrategy refines ActionAbsorb.
type AbsorbStrategy string

const (
	// AbsorbRestartWithMerged discards partial work and reruns from scratch
	// with the merged message set.
	AbsorbRestartWithMerged AbsorbStrategy = "RESTART_WITH_MERGED"
	// AbsorbContinueWithAppended keeps computed work and only appends the new
	// messages as context.
	AbsorbContinueWithAppended AbsorbStrategy = "CONTINUE_WITH_APPENDED"
)

// InterruptPoint tells the decision maker where the turn was interrupted.
type InterruptPoint string

const (
	InterruptDuringProcessing InterruptPoint = "PROCESSING"
	InterruptDuringCommit     InterruptPoint = "COMMITTING"
)

// SupersedeDecision is the arbitration result for one interruption.
type SupersedeDecision struct {
	Action         SupersedeAction `json:"action"`
	AbsorbStrategy AbsorbStrategy  `json:"absorb_strategy,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// DiscardsWork reports whether the decision would throw away in-flight work.
// Forbidden once an IRREVERSIBLE side effect has been recorded.
func (d SupersedeDecision) DiscardsWork() bool {
	switch d.Action {
	case ActionSupersede:
		return true
	case ActionAbsorb:
		return d.AbsorbStrategy != AbsorbContinueWithAppended
	default:
		return false
	}
}
