package writequeue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQueue_DropsOldestOnOverflow(t *testing.T) {
	q := New(Config{MaxSize: 2, MaxRetries: 1}, zap.NewNop())

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, q.Enqueue(func(ctx context.Context) error {
			order = append(order, i)
			return nil
		}))
	}
	assert.Equal(t, 2, q.Len())
	assert.EqualValues(t, 1, q.Dropped())

	q.Replay(context.Background())
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ReplayIsNonReentrant(t *testing.T) {
	q := New(Config{MaxSize: 10, MaxRetries: 1}, zap.NewNop())
	started := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, q.Enqueue(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan struct{})
	go func() {
		q.Replay(context.Background())
		close(done)
	}()

	<-started
	q.Replay(context.Background()) // should return immediately, not double-drain
	close(release)
	<-done
}

func TestQueue_RetriesThenKeepsFailedEntry(t *testing.T) {
	q := New(Config{MaxSize: 10, MaxRetries: 2, RetryDelay: 0}, zap.NewNop())

	attempts := 0
	require.NoError(t, q.Enqueue(func(ctx context.Context) error {
		attempts++
		return errors.New("still unreachable")
	}))

	q.Replay(context.Background())
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, q.Len())
}
