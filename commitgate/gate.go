package commitgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/config"
	"github.com/BaSui01/agentfabric/events"
	"github.com/BaSui01/agentfabric/types"
)

// ToolRequest describes one side-effecting tool invocation.
type ToolRequest struct {
	ToolName    string
	BusinessKey string
	Class       types.SideEffectClass
}

// ToolFunc performs the actual external call.
type ToolFunc func(ctx context.Context) (any, error)

// ToolResult is the outcome of ExecuteTool.
type ToolResult struct {
	Result any  `json:"result"`
	Cached bool `json:"cached"`
}

// toolEnvelope is the persisted state behind a tool idempotency key.
type toolEnvelope struct {
	Status     types.SideEffectStatus `json:"status"`
	Result     json.RawMessage        `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ExecutedAt time.Time              `json:"executed_at"`
}

// Gate is the commit gate: it tracks irreversible side effects and enforces
// at-most-once execution per (tool, business key, turn group).
type Gate struct {
	keys   KeyStore
	router *events.Router
	cfg    config.IdempotencyConfig
	logger *zap.Logger
}

// NewGate creates a commit gate.
func NewGate(keys KeyStore, router *events.Router, cfg config.IdempotencyConfig, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		keys:   keys,
		router: router,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "commit_gate")),
	}
}

// =============================================================================
// Request layer
// =============================================================================

// CheckRequest admits an inbound submission exactly once per client-supplied
// idempotency key. An empty clientKey skips the layer: the client opted out.
func (g *Gate) CheckRequest(ctx context.Context, tenantID, clientKey string) error {
	if clientKey == "" {
		return nil
	}
	key := "request:" + tenantID + ":" + clientKey
	_, stored, err := g.keys.PutIfAbsent(ctx, key, []byte("1"), g.cfg.RequestTTL)
	if err != nil {
		return types.WrapError(types.ErrStoreUnavailable, "request idempotency check failed", err).WithRetryable()
	}
	if !stored {
		return types.NewError(types.ErrDuplicateRequest,
			fmt.Sprintf("duplicate submission for idempotency key %q", clientKey))
	}
	return nil
}

// =============================================================================
// Turn layer
// =============================================================================

// TurnFingerprint hashes the sorted message ids of a turn.
func TurnFingerprint(messageIDs []string) string {
	ids := append([]string(nil), messageIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])
}

// BeginTurn admits a logical turn for processing exactly once. A duplicate
// accumulation trigger for the same message set is rejected.
func (g *Gate) BeginTurn(ctx context.Context, turn *types.LogicalTurn) error {
	key := fmt.Sprintf("turn:%s:%s:%s",
		turn.SessionKey.TenantID, turn.SessionKey.String(), TurnFingerprint(turn.MessageIDs()))
	_, stored, err := g.keys.PutIfAbsent(ctx, key, []byte(turn.ID), g.cfg.TurnTTL)
	if err != nil {
		return types.WrapError(types.ErrStoreUnavailable, "turn idempotency check failed", err).WithRetryable()
	}
	if !stored {
		return types.NewError(types.ErrDuplicateTurn,
			fmt.Sprintf("turn %s already admitted for this message set", turn.ID))
	}
	return nil
}

// =============================================================================
// Tool layer
// =============================================================================

// ToolKey builds the tool-layer idempotency key. It scopes by turn group,
// not turn id: a supersede chain is one conversation attempt.
func ToolKey(toolName, businessKey, turnGroupID string) string {
	return fmt.Sprintf("%s:%s:turn_group:%s", toolName, businessKey, turnGroupID)
}

// ExecuteTool runs fn at most once per (tool, business key, turn group).
//
// The gate writes a started record before invoking fn and finalizes it
// afterward. Concurrent callers race on an atomic put-if-absent, so exactly
// one executes; the rest observe the envelope. A started envelope from a
// dead worker means unknown outcome: PURE and IDEMPOTENT tools re-execute,
// COMPENSATABLE and IRREVERSIBLE tools surface ErrUnknownOutcome for the
// caller's compensation or verification policy.
func (g *Gate) ExecuteTool(ctx context.Context, turn *types.LogicalTurn, req ToolRequest, fn ToolFunc) (*ToolResult, error) {
	key := ToolKey(req.ToolName, req.BusinessKey, turn.TurnGroupID)

	started := toolEnvelope{Status: types.SideEffectStarted, ExecutedAt: time.Now().UTC()}
	startedData, err := json.Marshal(started)
	if err != nil {
		return nil, types.WrapError(types.ErrInternalError, "marshal tool envelope", err)
	}

	existing, stored, err := g.keys.PutIfAbsent(ctx, "tool:"+key, startedData, g.cfg.ToolTTL)
	if err != nil {
		return nil, types.WrapError(types.ErrStoreUnavailable, "tool idempotency reservation failed", err).WithRetryable()
	}
	if !stored {
		return g.resolveExisting(ctx, turn, req, key, existing, fn)
	}

	return g.execute(ctx, turn, req, key, fn)
}

// resolveExisting handles the duplicate-caller path.
func (g *Gate) resolveExisting(ctx context.Context, turn *types.LogicalTurn, req ToolRequest, key string, existing []byte, fn ToolFunc) (*ToolResult, error) {
	var env toolEnvelope
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &env); err != nil {
			return nil, types.WrapError(types.ErrInternalError, "decode tool envelope", err)
		}
	}

	switch env.Status {
	case types.SideEffectExecuted:
		g.logger.Debug("tool result served from idempotency cache",
			zap.String("tool", req.ToolName),
			zap.String("idempotency_key", key),
		)
		var result any
		if len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, &result); err != nil {
				return nil, types.WrapError(types.ErrInternalError, "decode cached tool result", err)
			}
		}
		return &ToolResult{Result: result, Cached: true}, nil

	case types.SideEffectStarted, types.SideEffectFailed, "":
		if req.Class == types.SideEffectPure || req.Class == types.SideEffectIdempotent {
			// Safe to run again; overwrite the stale envelope.
			return g.execute(ctx, turn, req, key, fn)
		}
		if env.Status == types.SideEffectFailed {
			return nil, types.NewError(types.ErrToolExecutionFailure,
				fmt.Sprintf("tool %s previously failed for key %s; compensation required before retry", req.ToolName, key))
		}
		return nil, types.NewError(types.ErrUnknownOutcome,
			fmt.Sprintf("tool %s has an unresolved started record for key %s", req.ToolName, key))

	default:
		return nil, types.NewError(types.ErrInternalError,
			fmt.Sprintf("tool envelope for key %s has unexpected status %q", key, env.Status))
	}
}

// execute runs the tool and finalizes the envelope and the turn record.
func (g *Gate) execute(ctx context.Context, turn *types.LogicalTurn, req ToolRequest, key string, fn ToolFunc) (*ToolResult, error) {
	record := types.SideEffectRecord{
		ToolName:       req.ToolName,
		BusinessKey:    req.BusinessKey,
		Class:          req.Class,
		Status:         types.SideEffectStarted,
		IdempotencyKey: key,
		ExecutedAt:     time.Now().UTC(),
	}
	turn.RecordSideEffect(record)
	g.publish(ctx, types.EventToolStarted, turn, record)

	result, execErr := fn(ctx)

	if execErr != nil {
		env := toolEnvelope{Status: types.SideEffectFailed, Error: execErr.Error(), ExecutedAt: time.Now().UTC()}
		g.finalize(ctx, key, env)

		record.Status = types.SideEffectFailed
		record.ResultSummary = execErr.Error()
		turn.RecordSideEffect(record)
		g.publish(ctx, types.EventToolFailed, turn, record)

		return nil, types.WrapError(types.ErrToolExecutionFailure,
			fmt.Sprintf("tool %s failed", req.ToolName), execErr)
	}

	resultData, err := json.Marshal(result)
	if err != nil {
		return nil, types.WrapError(types.ErrInternalError, "marshal tool result", err)
	}
	env := toolEnvelope{Status: types.SideEffectExecuted, Result: resultData, ExecutedAt: time.Now().UTC()}
	g.finalize(ctx, key, env)

	record.Status = types.SideEffectExecuted
	record.ResultSummary = summarize(resultData)
	turn.RecordSideEffect(record)
	g.publish(ctx, types.EventToolExecuted, turn, record)

	return &ToolResult{Result: result}, nil
}

// finalize overwrites the envelope. Failure here is logged, not fatal: the
// tool already ran, and failing the call would invite a duplicate retry.
func (g *Gate) finalize(ctx context.Context, key string, env toolEnvelope) {
	data, err := json.Marshal(env)
	if err == nil {
		err = g.keys.Set(ctx, "tool:"+key, data, g.cfg.ToolTTL)
	}
	if err != nil {
		g.logger.Error("failed to finalize tool envelope",
			zap.String("idempotency_key", key),
			zap.String("status", string(env.Status)),
			zap.Error(err),
		)
	}
}

// Verify reports the recorded outcome for a tool key. A started record is
// surfaced as unknown: only the worker that wrote it could know more, and
// that worker is gone.
func (g *Gate) Verify(ctx context.Context, toolName, businessKey, turnGroupID string) (types.SideEffectStatus, error) {
	data, found, err := g.keys.Get(ctx, "tool:"+ToolKey(toolName, businessKey, turnGroupID))
	if err != nil {
		return "", types.WrapError(types.ErrStoreUnavailable, "tool envelope lookup failed", err).WithRetryable()
	}
	if !found {
		return "", nil
	}
	var env toolEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", types.WrapError(types.ErrInternalError, "decode tool envelope", err)
	}
	if env.Status == types.SideEffectStarted {
		return types.SideEffectUnknown, nil
	}
	return env.Status, nil
}

func (g *Gate) publish(ctx context.Context, eventType string, turn *types.LogicalTurn, rec types.SideEffectRecord) {
	if g.router == nil {
		return
	}
	event := types.NewFabricEvent(eventType, turn.SessionKey, turn.ID).WithPayload(map[string]any{
		"tool_name":       rec.ToolName,
		"business_key":    rec.BusinessKey,
		"class":           string(rec.Class),
		"status":          string(rec.Status),
		"idempotency_key": rec.IdempotencyKey,
		"result_summary":  rec.ResultSummary,
		"turn_group_id":   turn.TurnGroupID,
	})
	g.router.Publish(ctx, event)
}

func summarize(data []byte) string {
	const max = 256
	s := string(data)
	if len(s) > max {
		return s[:max]
	}
	return s
}
