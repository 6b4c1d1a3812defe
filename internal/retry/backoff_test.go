package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/aiclient/goproxy/types"
)

func testPolicy() *Policy {
	return &Policy{MaxRetries: 3, InitialDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2.0}
}

func TestRetryer_SucceedsFirstTryWithoutDelay(t *testing.T) {
	r := New(testPolicy(), zap.NewNop())
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetriesRetryableErrorUntilSuccess(t *testing.T) {
	r := New(testPolicy(), zap.NewNop())
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return types.NewError(types.ErrUpstream5xx, "temporary").WithRetryable(true)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryer_DoesNotRetryNonRetryableError(t *testing.T) {
	r := New(testPolicy(), zap.NewNop())
	calls := 0
	sentinel := errors.New("permanent")
	err := r.Do(context.Background(), func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestRetryer_StopsAfterMaxRetries(t *testing.T) {
	policy := testPolicy()
	policy.MaxRetries = 1
	r := New(policy, zap.NewNop())
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrUpstream5xx, "down").WithRetryable(true)
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls) // initial attempt + 1 retry
}

func TestRetryer_RespectsContextCancellation(t *testing.T) {
	r := New(testPolicy(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.Do(ctx, func() error {
		calls++
		return types.NewError(types.ErrUpstream5xx, "down").WithRetryable(true)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
