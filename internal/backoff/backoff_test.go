package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quickPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryer_SucceedsFirstAttempt(t *testing.T) {
	r := New(quickPolicy(3), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetriesUntilSuccess(t *testing.T) {
	r := New(quickPolicy(3), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryer_Exhaustion(t *testing.T) {
	r := New(quickPolicy(2), nil)
	boom := errors.New("still down")

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestRetryer_NonRetryableStopsImmediately(t *testing.T) {
	transient := errors.New("transient")
	fatal := errors.New("fatal")

	policy := quickPolicy(5)
	policy.RetryableErrors = []error{transient}
	r := New(policy, nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRetryer_ContextCancelStopsWaiting(t *testing.T) {
	policy := quickPolicy(3)
	policy.InitialDelay = time.Second
	r := New(policy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.Do(ctx, func() error {
		calls++
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancel lands during the first wait")
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	policy := quickPolicy(2)
	var attempts []int
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := New(policy, nil)

	_ = r.Do(context.Background(), func() error { return errors.New("transient") })
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetryer_DelayGrowsAndCaps(t *testing.T) {
	r := New(&Policy{
		MaxRetries:   5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Multiplier:   2.0,
	}, nil)

	assert.Equal(t, 10*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 20*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 40*time.Millisecond, r.calculateDelay(3))
	assert.Equal(t, 40*time.Millisecond, r.calculateDelay(5), "capped at max delay")
}

func TestRetryer_JitterStaysBounded(t *testing.T) {
	r := New(&Policy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}, nil)

	for i := 0; i < 50; i++ {
		d := r.calculateDelay(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond, "never below the initial delay")
		assert.LessOrEqual(t, d, 250*time.Millisecond, "200ms base plus 25 percent jitter")
	}
}

func TestNew_NormalizesPolicy(t *testing.T) {
	r := New(&Policy{MaxRetries: -1, Multiplier: 0.5}, nil)
	assert.Equal(t, 0, r.policy.MaxRetries)
	assert.Equal(t, 2.0, r.policy.Multiplier)
	assert.Equal(t, 100*time.Millisecond, r.policy.InitialDelay)

	defaulted := New(nil, nil)
	assert.Equal(t, 3, defaulted.policy.MaxRetries)
}
