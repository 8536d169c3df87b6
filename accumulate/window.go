package accumulate

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/agentfabric/types"
)

// ewmaAlpha weights the newest inter-message gap in the cadence average.
// 0.3 tracks a typing-style change within three or four messages without
// letting one outlier dominate.
const ewmaAlpha = 0.3

// cadenceRetention caps how long a customer's cadence survives silence.
const cadenceRetention = 24 * time.Hour

// CadenceStore persists the per-customer EWMA of inter-message gaps.
type CadenceStore interface {
	// Load returns the current average gap, or ok=false when the customer
	// has no cadence history yet.
	Load(ctx context.Context, key types.SessionKey) (time.Duration, bool, error)

	// Store replaces the average gap.
	Store(ctx context.Context, key types.SessionKey, avg time.Duration) error
}

// MemoryCadenceStore keeps cadence in process memory.
type MemoryCadenceStore struct {
	mu   sync.RWMutex
	avgs map[string]time.Duration
}

// NewMemoryCadenceStore creates an in-memory cadence store.
func NewMemoryCadenceStore() *MemoryCadenceStore {
	return &MemoryCadenceStore{avgs: make(map[string]time.Duration)}
}

func (s *MemoryCadenceStore) Load(ctx context.Context, key types.SessionKey) (time.Duration, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	avg, ok := s.avgs[key.String()]
	return avg, ok, nil
}

func (s *MemoryCadenceStore) Store(ctx context.Context, key types.SessionKey, avg time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avgs[key.String()] = avg
	return nil
}

// RedisCadenceStore shares cadence across workers.
type RedisCadenceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCadenceStore creates a Redis-backed cadence store.
func NewRedisCadenceStore(client *redis.Client, prefix string) *RedisCadenceStore {
	if prefix == "" {
		prefix = "acf:"
	}
	return &RedisCadenceStore{client: client, prefix: prefix + "cadence:"}
}

func (s *RedisCadenceStore) Load(ctx context.Context, key types.SessionKey) (time.Duration, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key.String()).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, nil // unreadable value, start fresh
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

func (s *RedisCadenceStore) Store(ctx context.Context, key types.SessionKey, avg time.Duration) error {
	return s.client.Set(ctx, s.prefix+key.String(),
		strconv.FormatInt(avg.Milliseconds(), 10), cadenceRetention).Err()
}

// CadenceTracker maintains the EWMA of a customer's inter-message gaps and
// turns it into a window adjustment.
type CadenceTracker struct {
	store CadenceStore
}

// NewCadenceTracker wraps a cadence store.
func NewCadenceTracker(store CadenceStore) *CadenceTracker {
	return &CadenceTracker{store: store}
}

// Observe folds a new inter-message gap into the average. Non-positive gaps
// are ignored. Store failures are returned but callers treat cadence as a
// best-effort signal.
func (t *CadenceTracker) Observe(ctx context.Context, key types.SessionKey, gap time.Duration) error {
	if gap <= 0 {
		return nil
	}
	avg, ok, err := t.store.Load(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		avg = gap
	} else {
		avg = time.Duration(ewmaAlpha*float64(gap) + (1-ewmaAlpha)*float64(avg))
	}
	return t.store.Store(ctx, key, avg)
}

// Expected returns the average gap, or ok=false without history.
func (t *CadenceTracker) Expected(ctx context.Context, key types.SessionKey) (time.Duration, bool, error) {
	return t.store.Load(ctx, key)
}

// WindowSignals are the inputs the window computation reacts to beyond the
// resolved channel policy.
type WindowSignals struct {
	// LastMessage is the most recent accumulated message.
	LastMessage types.RawMessage

	// ExpectedGap is the customer's cadence average; HasCadence gates it.
	ExpectedGap time.Duration
	HasCadence  bool

	// AwaitingField is the pipeline hint that a required field is still
	// outstanding from the previous turn.
	AwaitingField bool
}

// ComputeWindow derives the wait window from the policy and signals. The
// result is always clamped to the policy's [MinWindow, MaxWindow]; in off
// mode it is zero.
func ComputeWindow(policy types.ChannelPolicy, sig WindowSignals) time.Duration {
	switch policy.AggregationMode {
	case types.AggregationOff:
		return 0
	case types.AggregationFixed:
		return policy.ClampWindow(policy.DefaultWindow)
	}

	w := policy.DefaultWindow
	if looksIncomplete(sig.LastMessage.Content) {
		w += policy.IncompleteExtend
	}
	// A rapid sender likely has more of the thought coming: stretch the
	// window to cover one and a half expected gaps. Slow senders (average
	// beyond the max window) keep the base so the turn closes promptly.
	if sig.HasCadence && sig.ExpectedGap > 0 && sig.ExpectedGap <= policy.MaxWindow {
		if cadenced := sig.ExpectedGap * 3 / 2; cadenced > w {
			w = cadenced
		}
	}
	if sig.AwaitingField {
		w += policy.AwaitingFieldExtend
	}
	return policy.ClampWindow(w)
}

// trailingPunctuation ends a message that is probably mid-thought.
var trailingPunctuation = []string{",", "-", "...", "…", ":"}

// danglingWords as the final word signal an unfinished clause.
var danglingWords = map[string]struct{}{
	"and": {}, "but": {}, "or": {}, "so": {}, "because": {}, "the": {}, "a": {},
}

// greetings alone rarely carry the request; more text usually follows.
var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "yo": {}, "hiya": {},
	"good morning": {}, "good afternoon": {}, "good evening": {},
}

// looksIncomplete reports whether the text reads as an unfinished message.
func looksIncomplete(text string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(text))
	if trimmed == "" {
		return false
	}
	if _, ok := greetings[strings.TrimRight(trimmed, "!.")]; ok {
		return true
	}
	for _, suffix := range trailingPunctuation {
		if strings.HasSuffix(trimmed, suffix) {
			return true
		}
	}
	words := strings.Fields(trimmed)
	if len(words) > 0 {
		if _, ok := danglingWords[words[len(words)-1]]; ok {
			return true
		}
	}
	return false
}
