// Package pool implements the Provider Pool Manager (C3): per-providerType
// account pools, LRU+usage+sequence scored selection with an anti-repeat
// window, a health state machine with scheduled recovery, same-protocol
// fallback chains layered with cross-protocol model-fallback mapping, and
// the two-stage token-refresh pipeline. Selection never takes a per-type
// lock: fairness is emergent from the scoring formula and the anti-repeat
// window, not from serializing callers against one another.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/store"
)

// antiRepeatWindow is the minimum gap before the same account can be
// selected twice in a row, preventing a thundering herd from piling onto
// whichever account briefly scores lowest (spec §4.3).
const antiRepeatWindow = 100 * time.Millisecond

// Manager owns the in-memory view of every provider pool, synced from the
// store on load and mutated in place as selections and health updates
// happen. It holds one RWMutex for the whole manager rather than one per
// providerType: the spec's redesign notes explicitly forbid per-type
// selection mutexes, since they serialize concurrent callers against each
// other for no consistency benefit the scoring function doesn't already
// provide.
type Manager struct {
	st     store.Store
	logger *zap.Logger

	mu    sync.RWMutex
	pools map[account.ProviderType][]*account.Account
	// lastSelected tracks (providerType, uuid) -> time of last selection for
	// the anti-repeat window, independent of persisted LastUsed.
	lastSelected map[string]time.Time

	fallback account.FallbackConfiguration

	sequenceBase int64 // processStartEpochMs * 1000
	seqCounter   int64

	refresh *refreshPipeline
	batcher *usageBatcher
}

// New constructs a Manager. It does not load pools from the store; call
// LoadAll before serving selections.
func New(st store.Store, fallback account.FallbackConfiguration, logger *zap.Logger) *Manager {
	m := &Manager{
		st:           st,
		logger:       logger.With(zap.String("component", "pool")),
		pools:        make(map[account.ProviderType][]*account.Account),
		lastSelected: make(map[string]time.Time),
		fallback:     fallback,
		sequenceBase: time.Now().UnixMilli() * 1000,
	}
	return m
}

// EnableRefresh wires the two-stage token-refresh pipeline into the
// manager. refreshers maps each providerType to the adapter capable of
// exchanging that type's refresh token.
func (m *Manager) EnableRefresh(cfg RefreshConfig, refreshers map[account.ProviderType]Refresher) {
	m.refresh = newRefreshPipeline(m.st, cfg, refreshers, m, m.logger)
}

// EnableUsageBatching starts the adaptive usage-batch flush loop.
func (m *Manager) EnableUsageBatching(ctx context.Context, cfg BatchConfig) {
	m.batcher = newUsageBatcher(m.st, cfg, m.logger)
	m.batcher.Start(ctx)
}

// RecordUsage defers a usage-count increment to the batcher if one is
// configured, else applies it directly.
func (m *Manager) RecordUsage(ctx context.Context, pt account.ProviderType, uuid string, delta int64) {
	if m.batcher != nil {
		m.batcher.RecordUsage(pt, uuid, delta)
		return
	}
	if err := m.st.IncrementUsage(ctx, pt, uuid, delta); err != nil {
		m.logger.Warn("usage increment failed", zap.String("uuid", uuid), zap.Error(err))
	}
}

// TriggerRefresh schedules a debounced token refresh for acc, if a refresh
// pipeline is configured and acc's provider type needs re-authentication.
func (m *Manager) TriggerRefresh(pt account.ProviderType, acc *account.Account) {
	if m.refresh != nil {
		m.refresh.Trigger(pt, acc)
	}
}

// LoadAll populates every providerType's in-memory pool from the store.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pt := range account.AllProviderTypes {
		accounts, err := m.st.GetProviderPool(ctx, pt)
		if err != nil && err != store.ErrNotFound {
			return fmt.Errorf("load pool %s: %w", pt, err)
		}
		m.pools[pt] = accounts
	}
	return nil
}

func (m *Manager) nextSeq() int64 {
	m.seqCounter++
	return m.sequenceBase + m.seqCounter
}

// score implements spec §4.3 step 5's selection formula: lower scores are
// selected first. A never-used account counts as last used at now-24h, so
// it ranks ahead of an account used more recently than that with the same
// usage count and selection sequence.
func score(a *account.Account, now time.Time) int64 {
	lastUsedMs := now.Add(-24 * time.Hour).UnixMilli()
	if a.LastUsed != nil {
		lastUsedMs = a.LastUsed.UnixMilli()
	}
	return lastUsedMs + a.UsageCount*10000 + a.SelectionSeq()*1000
}

// SelectAccount picks the best available account for pt, honouring the
// anti-repeat window and model support filter. It does not walk fallback
// chains; use SelectWithFallback for that.
func (m *Manager) SelectAccount(pt account.ProviderType, model string) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var best *account.Account
	var bestScore int64

	for _, a := range m.pools[pt] {
		if !a.Selectable() || !a.SupportsModel(model) {
			continue
		}
		if last, ok := m.lastSelected[repeatKey(pt, a.UUID)]; ok && now.Sub(last) < antiRepeatWindow {
			continue
		}
		s := score(a, now)
		if best == nil || s < bestScore {
			best, bestScore = a, s
		}
	}

	// Every candidate was excluded only by the anti-repeat window: fall
	// back to ignoring it rather than returning no provider at all, since
	// the window exists to spread load, not to ever starve a single-account
	// pool.
	if best == nil {
		for _, a := range m.pools[pt] {
			if !a.Selectable() || !a.SupportsModel(model) {
				continue
			}
			s := score(a, now)
			if best == nil || s < bestScore {
				best, bestScore = a, s
			}
		}
	}

	if best == nil {
		return nil, fmt.Errorf("no selectable account for %s: %w", pt, errNoProviderAvailable)
	}

	best.SetSelectionSeq(m.nextSeq())
	m.lastSelected[repeatKey(pt, best.UUID)] = now
	return best, nil
}

func repeatKey(pt account.ProviderType, uuid string) string {
	return string(pt) + ":" + uuid
}

var errNoProviderAvailable = fmt.Errorf("no provider available")

// SelectWithFallback selects from pt; on exhaustion it walks the
// same-protocol fallback chain, then (only once, per spec §9 Open Question
// one) the cross-protocol model-fallback mapping for model.
func (m *Manager) SelectWithFallback(pt account.ProviderType, model string) (account.ProviderType, *account.Account, string, error) {
	if acc, err := m.SelectAccount(pt, model); err == nil {
		return pt, acc, model, nil
	}

	m.mu.RLock()
	chain := append([]account.ProviderType{}, m.fallback.ProviderFallbackChain[pt]...)
	m.mu.RUnlock()

	for _, next := range chain {
		if acc, err := m.SelectAccount(next, model); err == nil {
			return next, acc, model, nil
		}
	}

	m.mu.RLock()
	modelFallback, ok := m.fallback.ModelFallbackMapping[model]
	m.mu.RUnlock()
	if ok {
		if acc, err := m.SelectAccount(modelFallback.TargetProviderType, modelFallback.TargetModel); err == nil {
			return modelFallback.TargetProviderType, acc, modelFallback.TargetModel, nil
		}
	}

	return "", nil, "", fmt.Errorf("%s (model=%s): %w", pt, model, errNoProviderAvailable)
}

// HealthState is the account health state machine's named states
// (spec §4.3).
type HealthState int

const (
	Healthy HealthState = iota
	UnhealthyImmediate
	UnhealthyScheduled
	Disabled
)

// RecordSuccess clears error state and marks the account healthy again.
func (m *Manager) RecordSuccess(ctx context.Context, pt account.ProviderType, uuid string) {
	m.mu.Lock()
	var acc *account.Account
	for _, a := range m.pools[pt] {
		if a.UUID == uuid {
			acc = a
			a.IsHealthy = true
			a.ErrorCount = 0
			a.ScheduledRecoveryTime = nil
			now := time.Now()
			a.LastUsed = &now
			break
		}
	}
	m.mu.Unlock()

	if acc == nil {
		return
	}
	if err := m.st.UpdateAccount(ctx, pt, acc); err != nil {
		m.logger.Warn("persist success failed", zap.String("uuid", uuid), zap.Error(err))
	}
}

// RecordFailure applies the health state machine transition for a failed
// call. immediate marks the account unhealthy right away (e.g. 401/403);
// otherwise it only counts toward maxErrorCount before transitioning.
// recoverAfter, if non-zero, schedules recovery instead of leaving the
// account disabled indefinitely (e.g. a 429 with a Retry-After header).
func (m *Manager) RecordFailure(ctx context.Context, pt account.ProviderType, uuid string, immediate bool, maxErrorCount int, recoverAfter time.Duration, message string) HealthState {
	m.mu.Lock()
	var acc *account.Account
	var state HealthState
	for _, a := range m.pools[pt] {
		if a.UUID != uuid {
			continue
		}
		acc = a
		now := time.Now()
		a.ErrorCount++
		a.LastErrorTime = &now
		a.LastErrorMessage = message

		switch {
		case recoverAfter > 0:
			recovery := now.Add(recoverAfter)
			a.IsHealthy = false
			a.ScheduledRecoveryTime = &recovery
			state = UnhealthyScheduled
		case immediate || a.ErrorCount >= maxErrorCount:
			a.IsHealthy = false
			a.ScheduledRecoveryTime = nil
			state = UnhealthyImmediate
		default:
			state = Healthy
		}
		break
	}
	m.mu.Unlock()

	if acc == nil {
		return Healthy
	}
	if err := m.st.UpdateAccount(ctx, pt, acc); err != nil {
		m.logger.Warn("persist failure failed", zap.String("uuid", uuid), zap.Error(err))
	}
	return state
}

// CheckScheduledRecoveries re-enables any account whose scheduled recovery
// time has passed. Called from the periodic-tasks sweep at 1 Hz.
func (m *Manager) CheckScheduledRecoveries(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	var toRestore []*account.Account
	var ptByAccount = map[string]account.ProviderType{}
	for pt, accounts := range m.pools {
		for _, a := range accounts {
			if a.ScheduledRecoveryTime != nil && !now.Before(*a.ScheduledRecoveryTime) {
				a.IsHealthy = true
				a.ScheduledRecoveryTime = nil
				toRestore = append(toRestore, a)
				ptByAccount[a.UUID] = pt
			}
		}
	}
	m.mu.Unlock()

	for _, a := range toRestore {
		if err := m.st.UpdateAccount(ctx, ptByAccount[a.UUID], a); err != nil {
			m.logger.Warn("persist scheduled recovery failed", zap.String("uuid", a.UUID), zap.Error(err))
		}
	}
}

// Warmup pre-selects up to target accounts per provider type so their first
// real request doesn't pay a cold-selection penalty, and enqueues a refresh
// for any account sitting out selection with NeedsRefresh set so it rejoins
// the warm pool instead of waiting on the next near-expiry sweep; spec §4.9
// ties both to the periodic warmup task rather than request time.
func (m *Manager) Warmup(target int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for pt, accounts := range m.pools {
		selectable := make([]*account.Account, 0, len(accounts))
		for _, a := range accounts {
			if a.Selectable() {
				selectable = append(selectable, a)
				continue
			}
			if a.NeedsRefresh && !a.IsDisabled {
				m.TriggerRefresh(pt, a)
			}
		}
		sort.Slice(selectable, func(i, j int) bool {
			return score(selectable[i], now) < score(selectable[j], now)
		})
		n := target
		if n > len(selectable) {
			n = len(selectable)
		}
		for i := 0; i < n; i++ {
			selectable[i].SetSelectionSeq(m.nextSeq())
		}
	}
}

// Snapshot returns a copy of the current pool for pt, used by /provider_health.
func (m *Manager) Snapshot(pt account.ProviderType) []*account.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*account.Account, len(m.pools[pt]))
	copy(out, m.pools[pt])
	return out
}
