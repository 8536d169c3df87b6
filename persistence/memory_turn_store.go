package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// MemoryTurnStore is an in-process TurnStore for tests and single-node use.
type MemoryTurnStore struct {
	mu     sync.RWMutex
	turns  map[string]*TurnSnapshot // turn id -> snapshot
	active map[string]string        // session key -> turn id
}

// NewMemoryTurnStore creates an in-memory turn store.
func NewMemoryTurnStore() *MemoryTurnStore {
	return &MemoryTurnStore{
		turns:  make(map[string]*TurnSnapshot),
		active: make(map[string]string),
	}
}

// clone round-trips through JSON so callers never share memory with the
// store, matching the behavior of the Redis implementation.
func clone(snap *TurnSnapshot) *TurnSnapshot {
	data, _ := json.Marshal(snap)
	var out TurnSnapshot
	_ = json.Unmarshal(data, &out)
	return &out
}

// Save implements TurnStore.Save. Entries appended to the stored turn since
// the caller loaded its snapshot are merged into snap rather than dropped.
func (s *MemoryTurnStore) Save(ctx context.Context, snap *TurnSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.turns[snap.Turn.ID]; ok {
		mergeConcurrent(&snap.Turn, &existing.Turn)
		snap.Version = existing.Version + 1
	} else {
		snap.Version = 1
	}
	snap.UpdatedAt = time.Now().UTC()
	stored := clone(snap)
	s.turns[snap.Turn.ID] = stored

	sessionKey := snap.Turn.SessionKey.String()
	if snap.Turn.Status.Terminal() {
		if s.active[sessionKey] == snap.Turn.ID {
			delete(s.active, sessionKey)
		}
	} else {
		s.active[sessionKey] = snap.Turn.ID
	}
	return nil
}

// Load implements TurnStore.Load.
func (s *MemoryTurnStore) Load(ctx context.Context, turnID string) (*TurnSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.turns[turnID]
	if !ok {
		return nil, types.NewError(types.ErrTurnNotFound, "turn "+turnID+" not found")
	}
	return clone(snap), nil
}

// ActiveTurn implements TurnStore.ActiveTurn.
func (s *MemoryTurnStore) ActiveTurn(ctx context.Context, key types.SessionKey) (*TurnSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[key.String()]
	if !ok {
		return nil, nil
	}
	snap, ok := s.turns[id]
	if !ok {
		return nil, nil
	}
	return clone(snap), nil
}

func (s *MemoryTurnStore) update(turnID string, fn func(*TurnSnapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.turns[turnID]
	if !ok {
		return types.NewError(types.ErrTurnNotFound, "turn "+turnID+" not found")
	}
	if err := fn(snap); err != nil {
		return err
	}
	snap.Version++
	snap.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendMessage implements TurnStore.AppendMessage.
func (s *MemoryTurnStore) AppendMessage(ctx context.Context, turnID string, msg types.RawMessage) error {
	return s.update(turnID, func(snap *TurnSnapshot) error {
		return applyMessageAppend(snap, msg)
	})
}

// AppendPending implements TurnStore.AppendPending.
func (s *MemoryTurnStore) AppendPending(ctx context.Context, turnID string, msg types.RawMessage) error {
	return s.update(turnID, func(snap *TurnSnapshot) error {
		return applyPendingAppend(snap, msg)
	})
}

// AppendSideEffect implements TurnStore.AppendSideEffect.
func (s *MemoryTurnStore) AppendSideEffect(ctx context.Context, turnID string, rec types.SideEffectRecord) error {
	return s.update(turnID, func(snap *TurnSnapshot) error {
		return applySideEffectAppend(snap, rec)
	})
}

// ListResumable implements TurnStore.ListResumable.
func (s *MemoryTurnStore) ListResumable(ctx context.Context) ([]*TurnSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TurnSnapshot
	for _, snap := range s.turns {
		if !snap.Checkpoint.Terminal() && !snap.Turn.Status.Terminal() {
			out = append(out, clone(snap))
		}
	}
	return out, nil
}
