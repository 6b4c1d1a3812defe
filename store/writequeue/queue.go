// Package writequeue implements the Write Queue (C2): a bounded FIFO of
// deferred store writes, used while the backing store is unreachable so
// mutations are not silently lost. Overflow drops the oldest entry rather
// than rejecting the newest, on the assumption that recent state matters
// more than stale state once the queue is full.
package writequeue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Op is a single deferred write, captured as a closure over whatever
// arguments it needs.
type Op func(ctx context.Context) error

type entry struct {
	op       Op
	attempts int
	queuedAt time.Time
}

// Config bounds the queue's size and retry behaviour.
type Config struct {
	MaxSize    int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns the spec's default bounds (max 1000 entries, 3
// retries per entry).
func DefaultConfig() Config {
	return Config{MaxSize: 1000, MaxRetries: 3, RetryDelay: time.Second}
}

// Queue is a bounded, drop-oldest FIFO of deferred store writes.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	logger  *zap.Logger
	items   []entry
	dropped int64

	replaying bool
}

// New creates a Write Queue.
func New(cfg Config, logger *zap.Logger) *Queue {
	return &Queue{cfg: cfg, logger: logger.With(zap.String("component", "writequeue"))}
}

// Enqueue appends op, dropping the oldest queued entry if the queue is full.
func (q *Queue) Enqueue(op Op) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.cfg.MaxSize {
		q.items = q.items[1:]
		q.dropped++
		q.logger.Warn("write queue full, dropped oldest entry", zap.Int64("totalDropped", q.dropped))
	}
	q.items = append(q.items, entry{op: op, queuedAt: time.Now()})
	return nil
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports the total number of entries dropped for overflow.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Replay drains the queue against the now-reachable backend, retrying each
// entry up to MaxRetries times with RetryDelay between attempts before
// giving up on it. Replay is idempotent and non-reentrant: a Replay call
// that finds one already in progress returns immediately without draining
// twice.
func (q *Queue) Replay(ctx context.Context) {
	q.mu.Lock()
	if q.replaying {
		q.mu.Unlock()
		return
	}
	q.replaying = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.replaying = false
		q.mu.Unlock()
	}()

	var failed []entry
	for i, e := range pending {
		ok := false
		cancelled := false
		for e.attempts < q.cfg.MaxRetries {
			e.attempts++
			if err := e.op(ctx); err != nil {
				q.logger.Warn("write queue replay attempt failed",
					zap.Int("attempt", e.attempts), zap.Error(err))
				select {
				case <-ctx.Done():
					cancelled = true
				case <-time.After(q.cfg.RetryDelay):
				}
				if cancelled {
					break
				}
				continue
			}
			ok = true
			break
		}
		if !ok {
			failed = append(failed, e)
		}
		if cancelled {
			failed = append(failed, pending[i+1:]...)
			break
		}
	}

	if len(failed) > 0 {
		q.mu.Lock()
		q.items = append(failed, q.items...)
		q.mu.Unlock()
		q.logger.Error("write queue replay left entries unresolved", zap.Int("count", len(failed)))
	}
}
