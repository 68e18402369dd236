package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	result, err := Do(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestDoAbortsOnNonRetryablePredicate(t *testing.T) {
	calls := 0
	policy := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return false },
	}
	_, err := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoAbortsOnNonRetryableSentinel(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, ErrNonRetryable
	})
	require.ErrorIs(t, err, ErrNonRetryable)
	assert.Equal(t, 1, calls)
}

func TestDoReturnsLastErrorOnExhaustion(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	errBoom := errors.New("boom")
	_, err := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		return 0, errBoom
	})
	require.ErrorIs(t, err, errBoom)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}
	_, err := Do(ctx, policy, func(ctx context.Context) (int, error) {
		return 0, errors.New("should not run")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDelayIsBoundedByMaxDelay(t *testing.T) {
	policy := Policy{BaseDelay: time.Second, MaxDelay: 2 * time.Second, BackoffFactor: 2, JitterRatio: 0.25}
	d := policy.Delay(10) // would be enormous without the cap
	assert.LessOrEqual(t, d, 2*time.Second+2*time.Second*25/100)
}
