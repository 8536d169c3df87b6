package accumulate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentfabric/testutil"
	"github.com/BaSui01/agentfabric/types"
)

func testPolicy() types.ChannelPolicy {
	return types.ChannelPolicy{
		AggregationMode:     types.AggregationAdaptive,
		DefaultWindow:       800 * time.Millisecond,
		MinWindow:           200 * time.Millisecond,
		MaxWindow:           5 * time.Second,
		IncompleteExtend:    700 * time.Millisecond,
		AwaitingFieldExtend: 1500 * time.Millisecond,
	}
}

func TestComputeWindow_Modes(t *testing.T) {
	policy := testPolicy()
	msg := testutil.Message("a complete sentence.")

	policy.AggregationMode = types.AggregationOff
	assert.Equal(t, time.Duration(0), ComputeWindow(policy, WindowSignals{LastMessage: msg}))

	policy.AggregationMode = types.AggregationFixed
	assert.Equal(t, 800*time.Millisecond, ComputeWindow(policy, WindowSignals{LastMessage: msg}))

	policy.AggregationMode = types.AggregationAdaptive
	assert.Equal(t, 800*time.Millisecond, ComputeWindow(policy, WindowSignals{LastMessage: msg}))
}

func TestComputeWindow_IncompleteExtends(t *testing.T) {
	policy := testPolicy()
	w := ComputeWindow(policy, WindowSignals{LastMessage: testutil.Message("I want to order,")})
	assert.Equal(t, 1500*time.Millisecond, w)
}

func TestComputeWindow_AwaitingFieldExtends(t *testing.T) {
	policy := testPolicy()
	w := ComputeWindow(policy, WindowSignals{
		LastMessage:   testutil.Message("sure"),
		AwaitingField: true,
	})
	assert.Equal(t, 2300*time.Millisecond, w)
}

func TestComputeWindow_AlwaysClamped(t *testing.T) {
	policy := testPolicy()
	policy.MaxWindow = time.Second

	w := ComputeWindow(policy, WindowSignals{
		LastMessage:   testutil.Message("and then,"),
		AwaitingField: true,
		HasCadence:    true,
		ExpectedGap:   900 * time.Millisecond,
	})
	assert.Equal(t, policy.MaxWindow, w)

	policy.MinWindow = 300 * time.Millisecond
	policy.DefaultWindow = 100 * time.Millisecond
	w = ComputeWindow(policy, WindowSignals{LastMessage: testutil.Message("done.")})
	assert.Equal(t, policy.MinWindow, w)
}

func TestComputeWindow_CadenceStretchesForFastSenders(t *testing.T) {
	policy := testPolicy()

	// A fast sender with a 1s average gap gets 1.5 gaps of slack.
	w := ComputeWindow(policy, WindowSignals{
		LastMessage: testutil.Message("first part."),
		HasCadence:  true,
		ExpectedGap: time.Second,
	})
	assert.Equal(t, 1500*time.Millisecond, w)

	// A slow sender (gap beyond the max window) keeps the base window.
	w = ComputeWindow(policy, WindowSignals{
		LastMessage: testutil.Message("first part."),
		HasCadence:  true,
		ExpectedGap: time.Minute,
	})
	assert.Equal(t, 800*time.Millisecond, w)
}

func TestLooksIncomplete(t *testing.T) {
	incomplete := []string{"hi", "Hello!", "I want to,", "because", "so", "wait -", "hmm..."}
	for _, text := range incomplete {
		assert.True(t, looksIncomplete(text), "%q should look incomplete", text)
	}
	complete := []string{"what is my order status?", "cancel it.", "yes", ""}
	for _, text := range complete {
		assert.False(t, looksIncomplete(text), "%q should look complete", text)
	}
}

func TestCadenceTracker_EWMA(t *testing.T) {
	tracker := NewCadenceTracker(NewMemoryCadenceStore())
	ctx := context.Background()
	key := testutil.SessionKey()

	_, ok, err := tracker.Expected(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tracker.Observe(ctx, key, time.Second))
	avg, ok, err := tracker.Expected(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Second, avg, "first observation seeds the average")

	require.NoError(t, tracker.Observe(ctx, key, 2*time.Second))
	avg, _, err = tracker.Expected(ctx, key)
	require.NoError(t, err)
	// 0.3*2s + 0.7*1s = 1.3s
	assert.InDelta(t, float64(1300*time.Millisecond), float64(avg), float64(time.Millisecond))

	// Non-positive gaps are ignored.
	require.NoError(t, tracker.Observe(ctx, key, -time.Second))
	after, _, err := tracker.Expected(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, avg, after)
}

func TestRedisCadenceStore_RoundTrip(t *testing.T) {
	_, client := testutil.SetupRedis(t)
	store := NewRedisCadenceStore(client, "acf:")
	ctx := context.Background()
	key := testutil.SessionKey()

	_, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Store(ctx, key, 1234*time.Millisecond))
	avg, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1234*time.Millisecond, avg)
}
