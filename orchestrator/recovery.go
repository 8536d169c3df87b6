package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/persistence"
	"github.com/BaSui01/agentfabric/types"
)

// recoverAcquireTimeout bounds how long the scanner waits for a turn's
// mutex. A held mutex means a live worker owns the turn; skip it.
const recoverAcquireTimeout = 500 * time.Millisecond

// RecoverOnce scans for turns whose workflow stopped at a non-terminal
// checkpoint and resumes each from the step after it. Returns how many
// turns were resumed.
func (o *Orchestrator) RecoverOnce(ctx context.Context) (int, error) {
	snaps, err := o.store.ListResumable(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, snap := range snaps {
		if snap.Turn.Status.Terminal() {
			continue
		}
		if err := o.recoverTurn(ctx, snap); err != nil {
			o.logger.Warn("turn recovery failed",
				zap.String("turn_id", snap.Turn.ID),
				zap.Error(err),
			)
			continue
		}
		resumed++
	}
	return resumed, nil
}

func (o *Orchestrator) recoverTurn(ctx context.Context, snap *persistence.TurnSnapshot) error {
	key := snap.Turn.SessionKey

	acquired, err := o.mutex.Acquire(ctx, key, o.cfg.Mutex.TTL, recoverAcquireTimeout)
	if err != nil {
		return err
	}
	if !acquired {
		// A live worker still owns the session.
		return nil
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.mutex.Release(releaseCtx, key)
		return err
	}
	defer o.sem.Release(1)

	o.verifyStaleEffects(ctx, snap)

	o.logger.Info("resuming orphaned turn",
		zap.String("turn_id", snap.Turn.ID),
		zap.String("session_key", key.String()),
		zap.String("checkpoint", string(snap.Checkpoint)),
	)

	_, err = o.driveLocked(ctx, key, func(ctx context.Context) (*persistence.TurnSnapshot, error) {
		return o.store.Load(ctx, snap.Turn.ID)
	})
	return err
}

// verifyStaleEffects resolves side effects the dead worker left in started
// state. PURE and IDEMPOTENT tools re-execute safely under the gate;
// COMPENSATABLE and IRREVERSIBLE ones with no recorded outcome escalate for
// out-of-band verification.
func (o *Orchestrator) verifyStaleEffects(ctx context.Context, snap *persistence.TurnSnapshot) {
	for _, rec := range snap.Turn.SideEffects {
		if rec.Status != types.SideEffectStarted {
			continue
		}
		status, err := o.gate.Verify(ctx, rec.ToolName, rec.BusinessKey, snap.Turn.TurnGroupID)
		if err != nil {
			o.logger.Warn("side-effect verification failed",
				zap.String("turn_id", snap.Turn.ID),
				zap.String("tool", rec.ToolName),
				zap.Error(err),
			)
			continue
		}
		if status != types.SideEffectUnknown {
			continue
		}
		if rec.Class == types.SideEffectCompensatable || rec.Class == types.SideEffectIrreversible {
			o.router.Publish(ctx, types.NewFabricEvent(types.EventEscalation, snap.Turn.SessionKey, snap.Turn.ID).
				WithPayload(map[string]any{
					"code":         string(types.ErrUnknownOutcome),
					"tool_name":    rec.ToolName,
					"business_key": rec.BusinessKey,
					"class":        string(rec.Class),
					"action":       "verify_side_effects",
				}))
		}
	}
}

// RunRecoveryLoop scans on an interval until the context ends. Run it once
// at startup and keep it running to catch turns orphaned by other workers.
func (o *Orchestrator) RunRecoveryLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := o.RecoverOnce(ctx); err != nil {
			o.logger.Warn("recovery scan failed", zap.Error(err))
		} else if n > 0 {
			o.logger.Info("recovery scan resumed turns", zap.Int("resumed", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
