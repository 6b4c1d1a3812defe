package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/internal/pool"
	"github.com/aiclient/goproxy/store"
)

// Refresher performs the actual token exchange for one account; adapters
// implement this per protocol family.
type Refresher interface {
	RefreshToken(ctx context.Context, acc *account.Account, cred *account.TokenCredential) (*account.TokenCredential, error)
}

// failureRecorder is the slice of Manager the refresh pipeline needs to push
// an account into the health state machine once it gives up retrying.
// Manager satisfies this directly.
type failureRecorder interface {
	RecordFailure(ctx context.Context, pt account.ProviderType, uuid string, immediate bool, maxErrorCount int, recoverAfter time.Duration, message string) HealthState
}

// refreshPipeline is the two-stage token-refresh queue from spec §4.3: a
// buffer stage coalesces near-simultaneous refresh triggers for the same
// account (so a burst of 429s doesn't fire ten refreshes for one account),
// then hands off to an execute stage bounded by per-type and global
// concurrency caps.
type refreshPipeline struct {
	st       store.Store
	logger   *zap.Logger
	cfg      RefreshConfig
	recorder failureRecorder

	bufferDelay time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer // account key -> debounce timer

	global    *pool.GoroutinePool
	perType   map[account.ProviderType]*pool.GoroutinePool
	perTypeMu sync.Mutex

	group singleflight.Group

	refreshers map[account.ProviderType]Refresher
}

// RefreshConfig bounds the refresh pipeline's concurrency and retry limits.
type RefreshConfig struct {
	BufferDelay      time.Duration
	PerProviderLimit int
	GlobalLimit      int
	MaxAttempts      int
	// MaxRefreshCount caps how many times an account may exhaust
	// MaxAttempts before it's moved to UnhealthyImmediate for good, rather
	// than retrying forever on a permanently revoked refresh token.
	MaxRefreshCount int
}

// newRefreshPipeline constructs the refresh pipeline. refreshers maps each
// providerType to the adapter capable of exchanging its refresh token.
func newRefreshPipeline(st store.Store, cfg RefreshConfig, refreshers map[account.ProviderType]Refresher, recorder failureRecorder, logger *zap.Logger) *refreshPipeline {
	global := pool.NewGoroutinePool(pool.GoroutinePoolConfig{MaxWorkers: cfg.GlobalLimit, QueueSize: 256})
	return &refreshPipeline{
		st:          st,
		logger:      logger.With(zap.String("component", "pool.refresh")),
		cfg:         cfg,
		recorder:    recorder,
		bufferDelay: cfg.BufferDelay,
		pending:     make(map[string]*time.Timer),
		global:      global,
		perType:     make(map[account.ProviderType]*pool.GoroutinePool),
		refreshers:  refreshers,
	}
}

func (r *refreshPipeline) perTypePool(pt account.ProviderType) *pool.GoroutinePool {
	r.perTypeMu.Lock()
	defer r.perTypeMu.Unlock()
	p, ok := r.perType[pt]
	if !ok {
		p = pool.NewGoroutinePool(pool.GoroutinePoolConfig{MaxWorkers: r.cfg.PerProviderLimit, QueueSize: 64})
		r.perType[pt] = p
	}
	return p
}

// Trigger enqueues a debounced refresh for acc. Calling Trigger repeatedly
// within BufferDelay for the same account resets the timer rather than
// queuing multiple executions.
func (r *refreshPipeline) Trigger(pt account.ProviderType, acc *account.Account) {
	key := string(pt) + ":" + acc.UUID

	r.mu.Lock()
	if t, ok := r.pending[key]; ok {
		t.Stop()
	}
	r.pending[key] = time.AfterFunc(r.bufferDelay, func() {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
		r.execute(pt, acc)
	})
	r.mu.Unlock()
}

func (r *refreshPipeline) execute(pt account.ProviderType, acc *account.Account) {
	dedupKey := string(pt) + ":" + acc.UUID
	submit := func(ctx context.Context) error {
		_, err, _ := r.group.Do(dedupKey, func() (interface{}, error) {
			return nil, r.global.SubmitWait(ctx, func(ctx context.Context) error {
				return r.doRefresh(ctx, pt, acc)
			})
		})
		return err
	}
	if err := r.perTypePool(pt).Submit(context.Background(), submit); err != nil {
		r.logger.Warn("refresh submit rejected", zap.String("uuid", acc.UUID), zap.Error(err))
	}
}

func (r *refreshPipeline) doRefresh(ctx context.Context, pt account.ProviderType, acc *account.Account) error {
	refresher, ok := r.refreshers[pt]
	if !ok {
		return nil
	}

	cred, err := r.st.GetTokenCredential(ctx, pt, acc.UUID)
	if err != nil {
		r.logger.Warn("refresh: load credential failed", zap.String("uuid", acc.UUID), zap.Error(err))
		return err
	}

	var newCred *account.TokenCredential
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		newCred, lastErr = refresher.RefreshToken(ctx, acc, cred)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		acc.RefreshCount++
		acc.NeedsRefresh = true
		_ = r.st.UpdateAccount(ctx, pt, acc)
		r.logger.Error("refresh exhausted attempts", zap.String("uuid", acc.UUID), zap.Error(lastErr))

		// An account that keeps exhausting MaxAttempts has a dead refresh
		// token, not a transient upstream blip; stop retrying it forever
		// and move it to UnhealthyImmediate (spec §4.3).
		if r.cfg.MaxRefreshCount > 0 && acc.RefreshCount >= r.cfg.MaxRefreshCount && r.recorder != nil {
			r.recorder.RecordFailure(ctx, pt, acc.UUID, true, 0, 0, "Maximum refresh count reached")
		}
		return lastErr
	}

	// CAS against the refresh token read above; a concurrent refresh that
	// already landed wins and this one is discarded rather than clobbering
	// fresher data (spec §8: CAS success and conflict are mutually exclusive).
	var ttl time.Duration
	if newCred.ExpiresAt > 0 {
		ttl = time.Until(time.UnixMilli(newCred.ExpiresAt))
	}
	if casErr := r.st.AtomicTokenUpdate(ctx, pt, acc.UUID, newCred, cred.RefreshToken, ttl); casErr != nil && casErr != store.ErrCASMismatch {
		return casErr
	}

	acc.NeedsRefresh = false
	acc.RefreshCount = 0
	return r.st.UpdateAccount(ctx, pt, acc)
}
