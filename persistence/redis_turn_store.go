package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/types"
)

// casAttempts bounds the optimistic-lock retry loop. A conflict means
// another writer landed between our read and write; with the small number
// of writers a turn can have (one workflow worker plus ingress appends),
// contention resolves within a couple of rounds.
const casAttempts = 5

// saveScript writes a snapshot only if the stored version still matches the
// one the caller read, and maintains the active/resumable indexes in the
// same atomic step. Returns 1 on success, -1 on a version conflict.
var saveScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local snap = cjson.decode(current)
	local version = tonumber(snap['version']) or 0
	if version ~= tonumber(ARGV[1]) then
		return -1
	end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', tonumber(ARGV[3]))
if ARGV[5] == '1' then
	redis.call('SREM', KEYS[3], ARGV[4])
	if redis.call('GET', KEYS[2]) == ARGV[4] then
		redis.call('DEL', KEYS[2])
	end
else
	redis.call('SET', KEYS[2], ARGV[4], 'PX', tonumber(ARGV[3]))
	redis.call('SADD', KEYS[3], ARGV[4])
end
return 1
`)

// RedisTurnStore is the production TurnStore. Snapshots live under
// "{prefix}turn:{id}", the active index under "{prefix}active:{session}",
// and resumable turn ids in the set "{prefix}resumable".
//
// The workflow worker holds the session mutex, but ingress appends do not,
// so every write goes through an optimistic version lock: read the
// snapshot, merge the append-only lists, write with a Lua compare-and-set
// and retry on conflict.
type RedisTurnStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	// retention bounds how long terminal snapshots stay queryable.
	retention time.Duration
}

// NewRedisTurnStore creates a Redis-backed turn store.
func NewRedisTurnStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisTurnStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "acf:"
	}
	return &RedisTurnStore{
		client:    client,
		prefix:    prefix,
		logger:    logger.With(zap.String("component", "turn_store")),
		retention: 7 * 24 * time.Hour,
	}
}

func (s *RedisTurnStore) turnKey(id string) string            { return s.prefix + "turn:" + id }
func (s *RedisTurnStore) activeKey(k types.SessionKey) string { return s.prefix + "active:" + k.String() }
func (s *RedisTurnStore) resumableKey() string                { return s.prefix + "resumable" }

// casWrite stores the snapshot at version expected+1, guarded on the stored
// version still being expected. Returns false on a conflict.
func (s *RedisTurnStore) casWrite(ctx context.Context, snap *TurnSnapshot, expected int64) (bool, error) {
	snap.Version = expected + 1
	snap.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(snap)
	if err != nil {
		return false, types.WrapError(types.ErrInternalError, "marshal turn snapshot", err)
	}

	terminal := "0"
	if snap.Turn.Status.Terminal() {
		terminal = "1"
	}
	keys := []string{
		s.turnKey(snap.Turn.ID),
		s.activeKey(snap.Turn.SessionKey),
		s.resumableKey(),
	}
	res, err := saveScript.Run(ctx, s.client, keys,
		expected, data, s.retention.Milliseconds(), snap.Turn.ID, terminal).Int()
	if err != nil {
		return false, types.WrapError(types.ErrStoreUnavailable, "save turn snapshot", err).WithRetryable()
	}
	return res == 1, nil
}

// Save implements TurnStore.Save.
func (s *RedisTurnStore) Save(ctx context.Context, snap *TurnSnapshot) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var expected int64
		stored, err := s.Load(ctx, snap.Turn.ID)
		switch {
		case err == nil:
			mergeConcurrent(&snap.Turn, &stored.Turn)
			expected = stored.Version
		case types.CodeOf(err) == types.ErrTurnNotFound:
			// First write of this turn.
		default:
			return err
		}

		ok, err := s.casWrite(ctx, snap, expected)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return types.NewError(types.ErrStoreUnavailable,
		"turn "+snap.Turn.ID+": snapshot version conflict not resolved").WithRetryable()
}

// Load implements TurnStore.Load.
func (s *RedisTurnStore) Load(ctx context.Context, turnID string) (*TurnSnapshot, error) {
	data, err := s.client.Get(ctx, s.turnKey(turnID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, types.NewError(types.ErrTurnNotFound, "turn "+turnID+" not found")
		}
		return nil, types.WrapError(types.ErrStoreUnavailable, "load turn snapshot", err).WithRetryable()
	}
	var snap TurnSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, types.WrapError(types.ErrInternalError, "decode turn snapshot", err)
	}
	return &snap, nil
}

// ActiveTurn implements TurnStore.ActiveTurn.
func (s *RedisTurnStore) ActiveTurn(ctx context.Context, key types.SessionKey) (*TurnSnapshot, error) {
	id, err := s.client.Get(ctx, s.activeKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, types.WrapError(types.ErrStoreUnavailable, "load active turn index", err).WithRetryable()
	}
	snap, err := s.Load(ctx, id)
	if err != nil {
		if types.CodeOf(err) == types.ErrTurnNotFound {
			// Stale index entry: snapshot expired first.
			return nil, nil
		}
		return nil, err
	}
	return snap, nil
}

func (s *RedisTurnStore) update(ctx context.Context, turnID string, fn func(*TurnSnapshot) error) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		snap, err := s.Load(ctx, turnID)
		if err != nil {
			return err
		}
		expected := snap.Version
		if err := fn(snap); err != nil {
			return err
		}
		ok, err := s.casWrite(ctx, snap, expected)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return types.NewError(types.ErrStoreUnavailable,
		"turn "+turnID+": snapshot version conflict not resolved").WithRetryable()
}

// AppendMessage implements TurnStore.AppendMessage.
func (s *RedisTurnStore) AppendMessage(ctx context.Context, turnID string, msg types.RawMessage) error {
	return s.update(ctx, turnID, func(snap *TurnSnapshot) error {
		return applyMessageAppend(snap, msg)
	})
}

// AppendPending implements TurnStore.AppendPending.
func (s *RedisTurnStore) AppendPending(ctx context.Context, turnID string, msg types.RawMessage) error {
	return s.update(ctx, turnID, func(snap *TurnSnapshot) error {
		return applyPendingAppend(snap, msg)
	})
}

// AppendSideEffect implements TurnStore.AppendSideEffect.
func (s *RedisTurnStore) AppendSideEffect(ctx context.Context, turnID string, rec types.SideEffectRecord) error {
	return s.update(ctx, turnID, func(snap *TurnSnapshot) error {
		return applySideEffectAppend(snap, rec)
	})
}

// ListResumable implements TurnStore.ListResumable.
func (s *RedisTurnStore) ListResumable(ctx context.Context) ([]*TurnSnapshot, error) {
	ids, err := s.client.SMembers(ctx, s.resumableKey()).Result()
	if err != nil {
		return nil, types.WrapError(types.ErrStoreUnavailable, "list resumable turns", err).WithRetryable()
	}
	out := make([]*TurnSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.Load(ctx, id)
		if err != nil {
			if types.CodeOf(err) == types.ErrTurnNotFound {
				// Snapshot expired; drop the dangling set member.
				if remErr := s.client.SRem(ctx, s.resumableKey(), id).Err(); remErr != nil {
					s.logger.Warn("failed to prune resumable set", zap.String("turn_id", id), zap.Error(remErr))
				}
				continue
			}
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

var _ TurnStore = (*RedisTurnStore)(nil)
var _ TurnStore = (*MemoryTurnStore)(nil)

// String implements fmt.Stringer for debug logs.
func (s *RedisTurnStore) String() string {
	return fmt.Sprintf("RedisTurnStore(prefix=%s)", s.prefix)
}
