// Package tasks implements the Periodic Tasks (C9): a health-check sweep,
// a per-request-throttled scheduled-recovery check, a near-expiry refresh
// enqueue, and a startup-and-periodic warmup — each its own goroutine under
// one errgroup, the same fan-out-and-collect shape the teacher's guardrail
// chain uses for independent concurrent work.
package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/internal/metrics"
	"github.com/aiclient/goproxy/pool"
	"github.com/aiclient/goproxy/providers"
	"github.com/aiclient/goproxy/store"
)

// Config bounds every periodic task's cadence (spec.md §4.9).
type Config struct {
	// HealthSweepInterval is how often the health-check sweep runs; an
	// account is skipped if it errored more recently than this, so it also
	// doubles as the per-account probe's own cooldown.
	HealthSweepInterval time.Duration

	// NearExpiryWindow: accounts whose token expires within this window of
	// now get a refresh enqueued.
	NearExpiryWindow   time.Duration
	NearExpiryInterval time.Duration

	WarmupTarget   int
	WarmupInterval time.Duration
}

// Runner owns the background goroutines. Start blocks until ctx is
// cancelled; callers run it in its own goroutine from main.
type Runner struct {
	pm       *pool.Manager
	st       store.Store
	adapters map[account.ProviderType]providers.Adapter
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector

	recoveryLimiter *rate.Limiter
}

// New constructs a Runner. adapters is the same map the router dispatches
// through; the health sweep and near-expiry probes reuse it rather than
// opening a second adapter registry.
func New(pm *pool.Manager, st store.Store, adapters map[account.ProviderType]providers.Adapter, cfg Config, logger *zap.Logger) *Runner {
	return &Runner{
		pm:              pm,
		st:              st,
		adapters:        adapters,
		cfg:             cfg,
		logger:          logger.With(zap.String("component", "tasks")),
		recoveryLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
}

// SetMetrics wires a Collector into the runner; the health sweep reports
// per-provider pool size and healthy count against it after each pass.
// Optional: a nil Collector means metrics are simply not recorded.
func (r *Runner) SetMetrics(c *metrics.Collector) {
	r.metrics = c
}

// CheckRecoveries runs the scheduled-recovery sweep, throttled to 1 Hz
// (spec.md §4.9). It is meant to be called from the request path on every
// request; router.Router accepts anything satisfying this one method as an
// optional hook, so calling it costs nothing beyond the token-bucket check
// on requests that land inside the same second as the last sweep.
func (r *Runner) CheckRecoveries(ctx context.Context) {
	if !r.recoveryLimiter.Allow() {
		return
	}
	r.pm.CheckScheduledRecoveries(ctx)
}

// Start launches the health sweep, near-expiry refresh, and warmup loops,
// plus one immediate warmup pass before the periodic one — spec.md §4.9
// calls out startup warmup separately from the recurring kind. It returns
// once ctx is cancelled or one loop returns a non-nil error.
func (r *Runner) Start(ctx context.Context) error {
	r.pm.Warmup(r.cfg.WarmupTarget)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.healthSweepLoop(gctx) })
	g.Go(func() error { return r.nearExpiryLoop(gctx) })
	g.Go(func() error { return r.warmupLoop(gctx) })
	return g.Wait()
}

func (r *Runner) healthSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HealthSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.healthSweep(ctx)
		}
	}
}

// healthSweep runs the §4.3 probe for every account that hasn't errored
// more recently than HealthSweepInterval — a cheap pre-check that avoids
// hammering an account already known to be down.
func (r *Runner) healthSweep(ctx context.Context) {
	now := time.Now()
	for pt, adapter := range r.adapters {
		accounts := r.pm.Snapshot(pt)
		healthy := 0
		for _, acc := range accounts {
			if acc.LastErrorTime != nil && now.Sub(*acc.LastErrorTime) < r.cfg.HealthSweepInterval {
				if acc.IsHealthy {
					healthy++
				}
				continue
			}
			cred, err := r.st.GetTokenCredential(ctx, pt, acc.UUID)
			if err != nil {
				continue
			}
			status := adapter.HealthCheck(ctx, acc, cred)
			if status.Healthy {
				r.pm.RecordSuccess(ctx, pt, acc.UUID)
				healthy++
			} else {
				r.pm.RecordFailure(ctx, pt, acc.UUID, false, 1, 0, "health sweep probe failed")
				if r.metrics != nil {
					r.metrics.RecordAccountError(string(pt))
				}
			}
		}
		if r.metrics != nil {
			r.metrics.RecordAccountPool(string(pt), healthy, len(accounts))
		}
	}
}

func (r *Runner) nearExpiryLoop(ctx context.Context) error {
	interval := r.cfg.NearExpiryInterval
	if interval <= 0 {
		interval = r.cfg.HealthSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.nearExpirySweep(ctx)
		}
	}
}

// nearExpirySweep enqueues a refresh for every account whose credential
// expires within NearExpiryWindow, so the two-stage refresh pipeline fires
// ahead of the token actually lapsing rather than reacting to a 401.
func (r *Runner) nearExpirySweep(ctx context.Context) {
	now := time.Now()
	for pt := range r.adapters {
		for _, acc := range r.pm.Snapshot(pt) {
			cred, err := r.st.GetTokenCredential(ctx, pt, acc.UUID)
			if err != nil {
				continue
			}
			if cred.IsExpiryNear(now, r.cfg.NearExpiryWindow) {
				r.pm.TriggerRefresh(pt, acc)
				if r.metrics != nil {
					r.metrics.RecordRefreshTriggered(string(pt), "near_expiry")
				}
			}
		}
	}
}

func (r *Runner) warmupLoop(ctx context.Context) error {
	if r.cfg.WarmupInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.cfg.WarmupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pm.Warmup(r.cfg.WarmupTarget)
		}
	}
}
