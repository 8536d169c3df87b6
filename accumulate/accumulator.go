package accumulate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/events"
	"github.com/BaSui01/agentfabric/persistence"
	"github.com/BaSui01/agentfabric/types"
)

// Accumulator owns the accumulation phase of a turn: starting the turn on
// the first message, appending the rest of the burst, and waiting out the
// adaptive window before handing the turn to the pipeline.
type Accumulator struct {
	store    persistence.TurnStore
	notifier Notifier
	cadence  *CadenceTracker
	router   *events.Router
	logger   *zap.Logger
}

// New creates an accumulator. cadence may be nil to disable the cadence
// signal.
func New(store persistence.TurnStore, notifier Notifier, cadence *CadenceTracker, router *events.Router, logger *zap.Logger) *Accumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accumulator{
		store:    store,
		notifier: notifier,
		cadence:  cadence,
		router:   router,
		logger:   logger.With(zap.String("component", "accumulator")),
	}
}

// Start creates a new turn from the first message of a burst and persists
// it. The caller must hold the session mutex.
func (a *Accumulator) Start(ctx context.Context, msg types.RawMessage) (*persistence.TurnSnapshot, error) {
	turn := types.NewLogicalTurn(msg)
	snap := &persistence.TurnSnapshot{
		Turn:       *turn,
		Checkpoint: persistence.CheckpointMutexAcquired,
	}
	if err := a.store.Save(ctx, snap); err != nil {
		return nil, err
	}

	a.router.Publish(ctx, types.NewFabricEvent(types.EventTurnStarted, turn.SessionKey, turn.ID).
		WithPayload(map[string]any{"message_id": msg.ID, "channel": msg.Channel}))
	a.logger.Debug("turn started",
		zap.String("turn_id", turn.ID),
		zap.String("session_key", turn.SessionKey.String()),
	)
	return snap, nil
}

// Append adds a message to a turn that is still ACCUMULATING and wakes the
// waiting worker. Called from the ingress path, which does not hold the
// session mutex; the store's append is atomic.
func (a *Accumulator) Append(ctx context.Context, snap *persistence.TurnSnapshot, msg types.RawMessage) error {
	key := snap.Turn.SessionKey
	if a.cadence != nil {
		gap := msg.Timestamp.Sub(snap.Turn.LastAt)
		if err := a.cadence.Observe(ctx, key, gap); err != nil {
			a.logger.Warn("cadence update failed",
				zap.String("session_key", key.String()),
				zap.Error(err),
			)
		}
	}

	if err := a.store.AppendMessage(ctx, snap.Turn.ID, msg); err != nil {
		return err
	}

	a.router.Publish(ctx, types.NewFabricEvent(types.EventMessageAppended, key, snap.Turn.ID).
		WithPayload(map[string]any{"message_id": msg.ID}))

	if err := a.notifier.Notify(ctx, key); err != nil {
		// The waiter's timer still fires; the window just loses one
		// early wake-up.
		a.logger.Warn("accumulation notify failed",
			zap.String("session_key", key.String()),
			zap.Error(err),
		)
	}
	return nil
}

// Run waits out the adaptive window for the turn, then transitions it to
// PROCESSING and persists the accumulated checkpoint. awaitingField carries
// the pipeline hint from the previous turn. The caller must hold the
// session mutex.
func (a *Accumulator) Run(ctx context.Context, turnID string, policy types.ChannelPolicy, awaitingField bool) (*persistence.TurnSnapshot, error) {
	key, snap, err := a.subscribeKey(ctx, turnID)
	if err != nil {
		return nil, err
	}

	notifyCh, cancel, err := a.notifier.Subscribe(ctx, key)
	if err != nil {
		return nil, err
	}
	defer cancel()

	// Windows anchor on local arrival time, not message timestamps, so a
	// skewed client clock cannot stretch or collapse the wait.
	anchor := time.Now()
	msgCount := len(snap.Turn.RawMessages)

	for {
		window := a.window(ctx, policy, snap, awaitingField)
		wait := time.Until(anchor.Add(window))
		if wait <= 0 {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notifyCh:
			timer.Stop()
		case <-timer.C:
		}

		snap, err = a.store.Load(ctx, turnID)
		if err != nil {
			return nil, err
		}
		if n := len(snap.Turn.RawMessages); n > msgCount {
			msgCount = n
			anchor = time.Now()
		}
	}

	return a.close(ctx, snap.Turn.ID, policy)
}

func (a *Accumulator) subscribeKey(ctx context.Context, turnID string) (types.SessionKey, *persistence.TurnSnapshot, error) {
	snap, err := a.store.Load(ctx, turnID)
	if err != nil {
		return types.SessionKey{}, nil, err
	}
	return snap.Turn.SessionKey, snap, nil
}

func (a *Accumulator) window(ctx context.Context, policy types.ChannelPolicy, snap *persistence.TurnSnapshot, awaitingField bool) time.Duration {
	sig := WindowSignals{AwaitingField: awaitingField}
	if n := len(snap.Turn.RawMessages); n > 0 {
		sig.LastMessage = snap.Turn.RawMessages[n-1]
	}
	if a.cadence != nil {
		expected, ok, err := a.cadence.Expected(ctx, snap.Turn.SessionKey)
		if err != nil {
			a.logger.Warn("cadence read failed",
				zap.String("session_key", snap.Turn.SessionKey.String()),
				zap.Error(err),
			)
		} else if ok {
			sig.ExpectedGap = expected
			sig.HasCadence = true
		}
	}
	return ComputeWindow(policy, sig)
}

// close seals accumulation: a final reload catches messages that landed
// after the last timer fired, then the turn moves to PROCESSING.
func (a *Accumulator) close(ctx context.Context, turnID string, policy types.ChannelPolicy) (*persistence.TurnSnapshot, error) {
	snap, err := a.store.Load(ctx, turnID)
	if err != nil {
		return nil, err
	}

	reason := "window_elapsed"
	if policy.AggregationMode == types.AggregationOff {
		reason = "aggregation_off"
	}
	snap.Turn.AggregationReason = reason

	if err := snap.Turn.Transition(types.TurnProcessing); err != nil {
		return nil, err
	}
	snap.Checkpoint = persistence.CheckpointAccumulated
	if err := a.store.Save(ctx, snap); err != nil {
		return nil, err
	}

	a.router.Publish(ctx, types.NewFabricEvent(types.EventTurnAccumulated, snap.Turn.SessionKey, snap.Turn.ID).
		WithPayload(map[string]any{
			"message_count": len(snap.Turn.RawMessages),
			"reason":        reason,
		}))
	a.logger.Debug("accumulation closed",
		zap.String("turn_id", snap.Turn.ID),
		zap.Int("message_count", len(snap.Turn.RawMessages)),
		zap.String("reason", reason),
	)
	return snap, nil
}
