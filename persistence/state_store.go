package persistence

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/agentfabric/types"
)

// SessionStateStore holds the conversation state a pipeline reads at the
// start of a turn and mutates at commit. Mutations are staged in the turn
// snapshot and applied only by the commit step; a superseded turn's staged
// mutations are never applied.
type SessionStateStore interface {
	// Get returns the session's state map, empty when none exists.
	Get(ctx context.Context, key types.SessionKey) (map[string]any, error)

	// Apply merges the mutations into the state. A nil value deletes the
	// field.
	Apply(ctx context.Context, key types.SessionKey, mutations map[string]any) error
}

// MemorySessionStateStore keeps state in process memory.
type MemorySessionStateStore struct {
	mu     sync.RWMutex
	states map[string]map[string]any
}

// NewMemorySessionStateStore creates an in-memory state store.
func NewMemorySessionStateStore() *MemorySessionStateStore {
	return &MemorySessionStateStore{states: make(map[string]map[string]any)}
}

func (s *MemorySessionStateStore) Get(ctx context.Context, key types.SessionKey) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.states[key.String()]))
	for k, v := range s.states[key.String()] {
		out[k] = v
	}
	return out, nil
}

func (s *MemorySessionStateStore) Apply(ctx context.Context, key types.SessionKey, mutations map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[key.String()]
	if state == nil {
		state = make(map[string]any)
		s.states[key.String()] = state
	}
	for k, v := range mutations {
		if v == nil {
			delete(state, k)
			continue
		}
		state[k] = v
	}
	return nil
}

// RedisSessionStateStore stores each session's state as a Redis hash with
// JSON-encoded field values.
type RedisSessionStateStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionStateStore creates a Redis-backed state store.
func NewRedisSessionStateStore(client *redis.Client, prefix string) *RedisSessionStateStore {
	if prefix == "" {
		prefix = "acf:"
	}
	return &RedisSessionStateStore{client: client, prefix: prefix + "state:"}
}

func (s *RedisSessionStateStore) Get(ctx context.Context, key types.SessionKey) (map[string]any, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+key.String()).Result()
	if err != nil {
		return nil, types.WrapError(types.ErrStoreUnavailable, "load session state", err).WithRetryable()
	}
	state := make(map[string]any, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw // tolerate legacy unencoded values
		}
		state[k] = v
	}
	return state, nil
}

func (s *RedisSessionStateStore) Apply(ctx context.Context, key types.SessionKey, mutations map[string]any) error {
	if len(mutations) == 0 {
		return nil
	}
	sets := make(map[string]any, len(mutations))
	var dels []string
	for k, v := range mutations {
		if v == nil {
			dels = append(dels, k)
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return types.WrapError(types.ErrInternalError, "encode session state field", err)
		}
		sets[k] = string(data)
	}

	pipe := s.client.TxPipeline()
	if len(sets) > 0 {
		pipe.HSet(ctx, s.prefix+key.String(), sets)
	}
	if len(dels) > 0 {
		pipe.HDel(ctx, s.prefix+key.String(), dels...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return types.WrapError(types.ErrStoreUnavailable, "apply session state", err).WithRetryable()
	}
	return nil
}

var _ SessionStateStore = (*MemorySessionStateStore)(nil)
var _ SessionStateStore = (*RedisSessionStateStore)(nil)
