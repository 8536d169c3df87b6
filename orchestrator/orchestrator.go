package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/agentfabric/accumulate"
	"github.com/BaSui01/agentfabric/commitgate"
	"github.com/BaSui01/agentfabric/config"
	"github.com/BaSui01/agentfabric/events"
	"github.com/BaSui01/agentfabric/internal/backoff"
	"github.com/BaSui01/agentfabric/mutex"
	"github.com/BaSui01/agentfabric/persistence"
	"github.com/BaSui01/agentfabric/supersede"
	"github.com/BaSui01/agentfabric/types"
)

// awaitingFieldStateKey is the reserved session-state field carrying the
// pipeline's expects-more-input hint into the next turn's window.
const awaitingFieldStateKey = "_awaiting_more_input"

// Submit outcomes.
const (
	// OutcomeCompleted means a full workflow ran and the turn committed.
	OutcomeCompleted = "completed"
	// OutcomeJoined means the message joined a turn still accumulating.
	OutcomeJoined = "joined_turn"
	// OutcomePending means the message landed on an in-flight turn's
	// pending list; arbitration decides its fate.
	OutcomePending = "pending_arbitration"
)

// SubmitResult tells the ingress what happened to one message.
type SubmitResult struct {
	Outcome  string   `json:"outcome"`
	TurnID   string   `json:"turn_id"`
	Segments []string `json:"segments,omitempty"`
}

// Orchestrator wires the fabric's components into the durable workflow.
type Orchestrator struct {
	cfg       *config.Config
	mutex     mutex.SessionMutex
	store     persistence.TurnStore
	state     persistence.SessionStateStore
	acc       *accumulate.Accumulator
	gate      *commitgate.Gate
	coord     *supersede.Coordinator
	router    *events.Router
	pipeline  Pipeline
	responder Responder
	policies  *config.PolicyResolver
	sem       *semaphore.Weighted
	retryer   *backoff.Retryer
	logger    *zap.Logger

	// cancels maps an in-flight turn id to its pipeline cancel func so a
	// pending arrival can abort speculative work on this worker.
	cancels sync.Map
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Mutex     mutex.SessionMutex
	Store     persistence.TurnStore
	State     persistence.SessionStateStore
	Acc       *accumulate.Accumulator
	Gate      *commitgate.Gate
	Coord     *supersede.Coordinator
	Router    *events.Router
	Pipeline  Pipeline
	Responder Responder
}

// New creates an orchestrator.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Responder == nil {
		deps.Responder = NopResponder{}
	}
	retryPolicy := &backoff.Policy{
		MaxRetries:   cfg.Workflow.StoreRetryMax,
		InitialDelay: cfg.Workflow.StoreRetryBase,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
	return &Orchestrator{
		cfg:       cfg,
		mutex:     deps.Mutex,
		store:     deps.Store,
		state:     deps.State,
		acc:       deps.Acc,
		gate:      deps.Gate,
		coord:     deps.Coord,
		router:    deps.Router,
		pipeline:  deps.Pipeline,
		responder: deps.Responder,
		policies:  config.NewPolicyResolver(cfg.Accumulate),
		sem:       semaphore.NewWeighted(cfg.Workflow.MaxConcurrentTurns),
		retryer:   backoff.New(retryPolicy, logger),
		logger:    logger.With(zap.String("component", "orchestrator")),
	}
}

// Submit is the single entry point for inbound messages. clientKey is the
// client-supplied idempotency key; empty opts out of request dedup.
func (o *Orchestrator) Submit(ctx context.Context, msg types.RawMessage, clientKey string) (*SubmitResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if err := o.gate.CheckRequest(ctx, msg.TenantID, clientKey); err != nil {
		return nil, err
	}
	key := msg.SessionKey()

	// Join an in-flight turn without taking the mutex: appends are atomic
	// and the workflow worker holds the lock. The store rejects an append
	// aimed at a phase the turn already left, so a reload re-routes the
	// message instead of losing it.
	for attempt := 0; attempt < 3; attempt++ {
		snap, err := o.store.ActiveTurn(ctx, key)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			break
		}
		res, ok, err := o.join(ctx, snap, msg)
		if err != nil {
			if types.CodeOf(err) == types.ErrInvalidTransition {
				continue
			}
			return nil, err
		}
		if ok {
			return res, nil
		}
		// Turn went terminal underneath us: run a fresh workflow.
		break
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.sem.Release(1)
	return o.runWorkflow(ctx, msg)
}

// join attaches a message to an active turn. Returns ok=false when the turn
// went terminal underneath us and a fresh workflow is needed.
func (o *Orchestrator) join(ctx context.Context, snap *persistence.TurnSnapshot, msg types.RawMessage) (*SubmitResult, bool, error) {
	switch snap.Turn.Status {
	case types.TurnAccumulating:
		if err := o.acc.Append(ctx, snap, msg); err != nil {
			if types.CodeOf(err) == types.ErrTurnNotFound {
				return nil, false, nil
			}
			return nil, false, err
		}
		return &SubmitResult{Outcome: OutcomeJoined, TurnID: snap.Turn.ID}, true, nil

	case types.TurnProcessing, types.TurnCommitting:
		if err := o.store.AppendPending(ctx, snap.Turn.ID, msg); err != nil {
			if types.CodeOf(err) == types.ErrTurnNotFound {
				return nil, false, nil
			}
			return nil, false, err
		}
		o.router.Publish(ctx, types.NewFabricEvent(types.EventMessagePending, snap.Turn.SessionKey, snap.Turn.ID).
			WithPayload(map[string]any{"message_id": msg.ID}))
		o.maybeInterrupt(ctx, snap.Turn.ID)
		return &SubmitResult{Outcome: OutcomePending, TurnID: snap.Turn.ID}, true, nil
	}
	return nil, false, nil
}

// maybeInterrupt aborts a pipeline running on this worker when nothing
// externally visible has happened yet. Past the commit point the run always
// finishes and arbitration happens at the boundary.
func (o *Orchestrator) maybeInterrupt(ctx context.Context, turnID string) {
	snap, err := o.store.Load(ctx, turnID)
	if err != nil || snap.Turn.CommitPointReached {
		return
	}
	if cancel, ok := o.cancels.Load(turnID); ok {
		cancel.(context.CancelFunc)()
	}
}

// runWorkflow drives a full turn workflow for an idle session.
func (o *Orchestrator) runWorkflow(ctx context.Context, msg types.RawMessage) (*SubmitResult, error) {
	key := msg.SessionKey()

	acquired, err := o.mutex.Acquire(ctx, key, o.cfg.Mutex.TTL, o.cfg.Mutex.BlockingTimeout)
	if err != nil {
		return nil, types.WrapError(types.ErrMutexAcquisitionFailed, "session mutex acquire failed", err).
			WithRetryable().WithHTTPStatus(http.StatusServiceUnavailable)
	}
	if !acquired {
		return nil, types.NewError(types.ErrMutexAcquisitionFailed,
			"another turn is in flight for this session").
			WithRetryable().WithHTTPStatus(http.StatusConflict)
	}

	return o.driveLocked(ctx, key, func(ctx context.Context) (*persistence.TurnSnapshot, error) {
		// Re-check under the mutex: a dead worker may have left an orphan
		// this workflow now adopts.
		snap, err := o.store.ActiveTurn(ctx, key)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return o.acc.Start(ctx, msg)
		}
		if snap.Turn.Status == types.TurnAccumulating {
			err = o.store.AppendMessage(ctx, snap.Turn.ID, msg)
		} else {
			err = o.store.AppendPending(ctx, snap.Turn.ID, msg)
		}
		if err != nil {
			if types.CodeOf(err) == types.ErrTurnNotFound {
				// The index pointed at a finished turn; start fresh.
				return o.acc.Start(ctx, msg)
			}
			return nil, err
		}
		return o.store.Load(ctx, snap.Turn.ID)
	})
}

// driveLocked runs the workflow steps while holding the session mutex. The
// failure handler releases the mutex unconditionally; the TTL backs up a
// crashed holder.
func (o *Orchestrator) driveLocked(ctx context.Context, key types.SessionKey, load func(context.Context) (*persistence.TurnSnapshot, error)) (result *SubmitResult, err error) {
	extendCtx, stopExtend := context.WithCancel(context.Background())
	go o.keepAlive(extendCtx, key)

	defer func() {
		stopExtend()
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if relErr := o.mutex.Release(releaseCtx, key); relErr != nil && err == nil {
			// Already logged by the mutex; the workflow outcome stands.
			o.logger.Warn("mutex release failed after workflow",
				zap.String("session_key", key.String()))
		}
	}()

	snap, err := load(ctx)
	if err != nil {
		return nil, err
	}
	result, err = o.advance(ctx, snap)
	if err != nil {
		return nil, o.failWorkflow(ctx, snap, err)
	}
	return result, nil
}

// advance drives a snapshot from its checkpoint to completion, looping when
// arbitration spawns a successor turn.
func (o *Orchestrator) advance(ctx context.Context, snap *persistence.TurnSnapshot) (*SubmitResult, error) {
	for {
		var err error
		switch snap.Checkpoint {
		case persistence.CheckpointMutexAcquired:
			snap, err = o.stepAccumulate(ctx, snap)

		case persistence.CheckpointAccumulated:
			snap, err = o.stepPipeline(ctx, snap)

		case persistence.CheckpointPipelineDone:
			var successor *persistence.TurnSnapshot
			var result *SubmitResult
			successor, result, err = o.stepCommit(ctx, snap)
			if err == nil && successor == nil {
				return result, nil
			}
			snap = successor

		case persistence.CheckpointCommitted:
			return &SubmitResult{Outcome: OutcomeCompleted, TurnID: snap.Turn.ID}, nil

		default:
			err = types.NewError(types.ErrInternalError,
				"unknown workflow checkpoint "+string(snap.Checkpoint))
		}
		if err != nil {
			return nil, err
		}
	}
}

// =============================================================================
// Step 2: accumulate
// =============================================================================

func (o *Orchestrator) stepAccumulate(ctx context.Context, snap *persistence.TurnSnapshot) (*persistence.TurnSnapshot, error) {
	key := snap.Turn.SessionKey
	policy := o.policies.Resolve(key, nil)

	awaiting := false
	if state, err := o.state.Get(ctx, key); err == nil {
		awaiting, _ = state[awaitingFieldStateKey].(bool)
	}

	snap, err := o.acc.Run(ctx, snap.Turn.ID, policy, awaiting)
	if err != nil {
		return nil, types.WrapError(types.ErrAccumulationAborted, "accumulation failed", err)
	}

	if err := o.gate.BeginTurn(ctx, &snap.Turn); err != nil {
		return nil, err
	}
	return snap, nil
}

// =============================================================================
// Step 3: run pipeline
// =============================================================================

func (o *Orchestrator) stepPipeline(ctx context.Context, snap *persistence.TurnSnapshot) (*persistence.TurnSnapshot, error) {
	key := snap.Turn.SessionKey
	o.router.Publish(ctx, types.NewFabricEvent(types.EventTurnProcessing, key, snap.Turn.ID).
		WithPayload(map[string]any{"message_count": len(snap.Turn.RawMessages)}))

	state, err := o.state.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(ctx)
	o.cancels.Store(snap.Turn.ID, cancel)
	defer func() {
		o.cancels.Delete(snap.Turn.ID)
		cancel()
	}()

	tc := &TurnContext{
		turn:   &snap.Turn,
		state:  state,
		store:  o.store,
		router: o.router,
		gate:   o.gate,
	}
	result, runErr := o.pipeline.Run(pctx, tc)

	if runErr != nil {
		// An interrupt cancel is not a pipeline failure: arbitration
		// decides what happens to the half-done turn.
		if errors.Is(pctx.Err(), context.Canceled) && ctx.Err() == nil {
			return o.arbitrateInterrupted(ctx, snap)
		}
		return nil, types.WrapError(types.ErrPipelineError, "pipeline run failed", runErr)
	}

	for name, artifact := range result.Artifacts {
		if snap.Turn.Artifacts == nil {
			snap.Turn.Artifacts = map[string]types.Artifact{}
		}
		snap.Turn.Artifacts[name] = artifact
	}

	staged, err := json.Marshal(result)
	if err != nil {
		return nil, types.WrapError(types.ErrInternalError, "marshal staged result", err)
	}

	snap.StagedResult = staged
	snap.Checkpoint = persistence.CheckpointPipelineDone
	// Save folds in pending messages that landed while the pipeline ran,
	// so the commit step arbitrates against the full set.
	if err := o.saveRetry(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// arbitrateInterrupted handles a pipeline aborted mid-run by a pending
// arrival. No result was staged; the decision restarts work in some shape.
func (o *Orchestrator) arbitrateInterrupted(ctx context.Context, snap *persistence.TurnSnapshot) (*persistence.TurnSnapshot, error) {
	fresh, err := o.store.Load(ctx, snap.Turn.ID)
	if err != nil {
		return nil, err
	}
	snap.Turn.PendingMessages = fresh.Turn.PendingMessages

	decision := o.coord.Resolve(ctx, &snap.Turn, snap.Turn.PendingMessages,
		types.InterruptDuringProcessing, o.decider())

	switch decision.Action {
	case types.ActionSupersede:
		return o.spawnSuperseding(ctx, snap, decision)

	case types.ActionAbsorb:
		if decision.AbsorbStrategy != types.AbsorbContinueWithAppended {
			snap.Turn.Artifacts = map[string]types.Artifact{}
		}
		o.mergePending(&snap.Turn)
		snap.Checkpoint = persistence.CheckpointAccumulated
		if err := o.saveRetry(ctx, snap); err != nil {
			return nil, err
		}
		return snap, nil

	default:
		// QUEUE or FORCE_COMPLETE with no staged work: rerun as-is and let
		// the commit boundary arbitrate again.
		snap.Checkpoint = persistence.CheckpointAccumulated
		if err := o.saveRetry(ctx, snap); err != nil {
			return nil, err
		}
		return snap, nil
	}
}

// =============================================================================
// Step 4: commit and respond
// =============================================================================

// stepCommit arbitrates any pending input, then commits the staged result.
// It returns a successor snapshot to drive next, or the final result.
func (o *Orchestrator) stepCommit(ctx context.Context, snap *persistence.TurnSnapshot) (*persistence.TurnSnapshot, *SubmitResult, error) {
	if fresh, err := o.store.Load(ctx, snap.Turn.ID); err == nil {
		snap.Turn.PendingMessages = fresh.Turn.PendingMessages
	}

	if snap.Turn.HasPendingMessages() {
		decision := o.coord.Resolve(ctx, &snap.Turn, snap.Turn.PendingMessages,
			types.InterruptDuringProcessing, o.decider())

		switch decision.Action {
		case types.ActionSupersede:
			successor, err := o.spawnSuperseding(ctx, snap, decision)
			return successor, nil, err

		case types.ActionAbsorb:
			if decision.AbsorbStrategy != types.AbsorbContinueWithAppended {
				snap.Turn.Artifacts = map[string]types.Artifact{}
			}
			o.mergePending(&snap.Turn)
			snap.StagedResult = nil
			snap.Checkpoint = persistence.CheckpointAccumulated
			if err := o.saveRetry(ctx, snap); err != nil {
				return nil, nil, err
			}
			return snap, nil, nil

		case types.ActionQueue:
			result, err := o.commit(ctx, snap)
			if err != nil {
				return nil, nil, err
			}
			successor, err := o.spawnQueued(ctx, snap)
			if err != nil {
				return nil, nil, err
			}
			if successor == nil {
				return nil, result, nil
			}
			return successor, nil, nil

		case types.ActionForceComplete:
			if len(snap.Turn.PendingMessages) > 0 {
				o.logger.Warn("force-complete discards pending messages",
					zap.String("turn_id", snap.Turn.ID),
					zap.Int("pending", len(snap.Turn.PendingMessages)),
					zap.String("reason", decision.Reason),
				)
			}
		}
	}

	// Everything pending at this point has been arbitrated (or there was
	// nothing). Messages that land during commit itself are folded back
	// into snap by the terminal save; they were never arbitrated, so they
	// queue behind the finished turn instead of vanishing.
	settled := make(map[string]struct{}, len(snap.Turn.PendingMessages))
	for _, m := range snap.Turn.PendingMessages {
		settled[m.ID] = struct{}{}
	}

	result, err := o.commit(ctx, snap)
	if err != nil {
		return nil, nil, err
	}
	successor, err := o.spawnLate(ctx, snap, settled)
	if err != nil {
		return nil, nil, err
	}
	if successor != nil {
		return successor, nil, nil
	}
	return nil, result, nil
}

// commit applies staged mutations, delivers the response and finalizes the
// turn.
func (o *Orchestrator) commit(ctx context.Context, snap *persistence.TurnSnapshot) (*SubmitResult, error) {
	key := snap.Turn.SessionKey

	if err := snap.Turn.Transition(types.TurnCommitting); err != nil {
		return nil, err
	}
	if err := o.saveRetry(ctx, snap); err != nil {
		return nil, err
	}

	var result PipelineResult
	if len(snap.StagedResult) > 0 {
		if err := json.Unmarshal(snap.StagedResult, &result); err != nil {
			return nil, types.WrapError(types.ErrInternalError, "decode staged result", err)
		}
	}

	mutations := make(map[string]any, len(result.StagedMutations)+1)
	for k, v := range result.StagedMutations {
		mutations[k] = v
	}
	if result.ExpectsMoreInput {
		mutations[awaitingFieldStateKey] = true
	} else {
		mutations[awaitingFieldStateKey] = nil
	}
	if err := o.state.Apply(ctx, key, mutations); err != nil {
		return nil, err
	}

	if err := o.responder.Deliver(ctx, key, snap.Turn.ID, result.ResponseSegments); err != nil {
		return nil, types.WrapError(types.ErrInternalError, "response delivery failed", err).WithRetryable()
	}

	if err := snap.Turn.Transition(types.TurnComplete); err != nil {
		return nil, err
	}
	snap.Checkpoint = persistence.CheckpointCommitted
	if err := o.saveRetry(ctx, snap); err != nil {
		return nil, err
	}

	o.router.Publish(ctx, types.NewFabricEvent(types.EventTurnCompleted, key, snap.Turn.ID).
		WithPayload(map[string]any{
			"segments":      len(result.ResponseSegments),
			"side_effects":  len(snap.Turn.SideEffects),
			"turn_group_id": snap.Turn.TurnGroupID,
		}))
	return &SubmitResult{
		Outcome:  OutcomeCompleted,
		TurnID:   snap.Turn.ID,
		Segments: result.ResponseSegments,
	}, nil
}

// =============================================================================
// Successor turns
// =============================================================================

// spawnSuperseding terminates the current turn and builds its replacement
// with the full merged message set. The successor inherits the turn group,
// so tool idempotency spans the chain.
func (o *Orchestrator) spawnSuperseding(ctx context.Context, snap *persistence.TurnSnapshot, decision types.SupersedeDecision) (*persistence.TurnSnapshot, error) {
	if err := snap.Turn.Transition(types.TurnSuperseded); err != nil {
		return nil, err
	}
	if err := o.saveRetry(ctx, snap); err != nil {
		return nil, err
	}
	o.router.Publish(ctx, types.NewFabricEvent(types.EventTurnSuperseded, snap.Turn.SessionKey, snap.Turn.ID).
		WithPayload(map[string]any{"reason": decision.Reason}))

	// The terminal save folded in any message that raced it onto the
	// pending list, so the merged set below is complete.
	merged := append(append([]types.RawMessage{}, snap.Turn.RawMessages...), snap.Turn.PendingMessages...)
	successor := types.NewLogicalTurn(merged[0])
	successor.RawMessages = merged
	successor.TurnGroupID = snap.Turn.TurnGroupID
	successor.ParentTurnID = snap.Turn.ID
	for _, m := range merged {
		if m.Timestamp.After(successor.LastAt) {
			successor.LastAt = m.Timestamp
		}
	}

	next := &persistence.TurnSnapshot{
		Turn:       *successor,
		Checkpoint: persistence.CheckpointMutexAcquired,
	}
	if err := o.saveRetry(ctx, next); err != nil {
		return nil, err
	}
	o.router.Publish(ctx, types.NewFabricEvent(types.EventTurnStarted, successor.SessionKey, successor.ID).
		WithPayload(map[string]any{"parent_turn_id": snap.Turn.ID, "superseding": true}))
	return next, nil
}

// spawnQueued builds an independent successor from the pending messages,
// with a fresh turn group. Returns nil when there is nothing to queue.
func (o *Orchestrator) spawnQueued(ctx context.Context, snap *persistence.TurnSnapshot) (*persistence.TurnSnapshot, error) {
	if len(snap.Turn.PendingMessages) == 0 {
		return nil, nil
	}
	successor := types.NewLogicalTurn(snap.Turn.PendingMessages[0])
	for _, m := range snap.Turn.PendingMessages[1:] {
		if err := successor.Append(m); err != nil {
			return nil, err
		}
	}
	successor.ParentTurnID = snap.Turn.ID

	next := &persistence.TurnSnapshot{
		Turn:       *successor,
		Checkpoint: persistence.CheckpointMutexAcquired,
	}
	if err := o.saveRetry(ctx, next); err != nil {
		return nil, err
	}
	o.router.Publish(ctx, types.NewFabricEvent(types.EventTurnQueued, successor.SessionKey, successor.ID).
		WithPayload(map[string]any{"parent_turn_id": snap.Turn.ID, "messages": len(successor.RawMessages)}))
	return next, nil
}

// spawnLate queues messages that reached the pending list during commit,
// after arbitration had already run. Messages in settled were arbitrated
// (possibly discarded) and stay put.
func (o *Orchestrator) spawnLate(ctx context.Context, snap *persistence.TurnSnapshot, settled map[string]struct{}) (*persistence.TurnSnapshot, error) {
	var late []types.RawMessage
	for _, m := range snap.Turn.PendingMessages {
		if _, ok := settled[m.ID]; !ok {
			late = append(late, m)
		}
	}
	if len(late) == 0 {
		return nil, nil
	}
	queued := *snap
	queued.Turn.PendingMessages = late
	return o.spawnQueued(ctx, &queued)
}

// mergePending moves pending messages into the accumulated set.
func (o *Orchestrator) mergePending(turn *types.LogicalTurn) {
	turn.RawMessages = append(turn.RawMessages, turn.PendingMessages...)
	for _, m := range turn.PendingMessages {
		if m.Timestamp.After(turn.LastAt) {
			turn.LastAt = m.Timestamp
		}
	}
	turn.PendingMessages = nil
}

// =============================================================================
// Failure handling
// =============================================================================

// failWorkflow is the single failure path: it emits workflow.failed,
// escalates unknown outcomes, and abandons turns whose error is not
// retryable so they cannot poison the recovery loop.
func (o *Orchestrator) failWorkflow(ctx context.Context, snap *persistence.TurnSnapshot, err error) error {
	key := snap.Turn.SessionKey
	code := types.CodeOf(err)

	o.logger.Error("turn workflow failed",
		zap.String("turn_id", snap.Turn.ID),
		zap.String("session_key", key.String()),
		zap.String("code", string(code)),
		zap.Error(err),
	)
	o.router.Publish(ctx, types.NewFabricEvent(types.EventWorkflowFailed, key, snap.Turn.ID).
		WithPayload(map[string]any{
			"code":      string(code),
			"error":     err.Error(),
			"retryable": types.IsRetryable(err),
		}))

	if code == types.ErrUnknownOutcome {
		o.router.Publish(ctx, types.NewFabricEvent(types.EventEscalation, key, snap.Turn.ID).
			WithPayload(map[string]any{
				"code":   string(code),
				"error":  err.Error(),
				"action": "verify_side_effects",
			}))
	}

	if !types.IsRetryable(err) {
		if fresh, loadErr := o.store.Load(ctx, snap.Turn.ID); loadErr == nil && !fresh.Turn.Status.Terminal() {
			if trErr := fresh.Turn.Transition(types.TurnSuperseded); trErr == nil {
				if saveErr := o.store.Save(ctx, fresh); saveErr != nil {
					o.logger.Error("failed to abandon turn",
						zap.String("turn_id", snap.Turn.ID), zap.Error(saveErr))
				}
			}
		}
	}
	return err
}

// =============================================================================
// Helpers
// =============================================================================

// keepAlive refreshes the mutex TTL while the workflow runs.
func (o *Orchestrator) keepAlive(ctx context.Context, key types.SessionKey) {
	interval := o.cfg.Mutex.ExtendInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := o.mutex.Extend(ctx, key, o.cfg.Mutex.TTL)
			if err != nil {
				o.logger.Warn("mutex extend failed",
					zap.String("session_key", key.String()), zap.Error(err))
			} else if !ok {
				o.logger.Error("mutex lost mid-workflow",
					zap.String("session_key", key.String()))
				return
			}
		}
	}
}

// saveRetry persists a snapshot with the workflow's store retry policy.
func (o *Orchestrator) saveRetry(ctx context.Context, snap *persistence.TurnSnapshot) error {
	return o.retryer.Do(ctx, func() error {
		return o.store.Save(ctx, snap)
	})
}

// decider surfaces the pipeline's optional supersede capability.
func (o *Orchestrator) decider() supersede.Decider {
	if d, ok := o.pipeline.(supersede.Decider); ok {
		return d
	}
	return nil
}
