package pool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/store"
)

func newTestManager(t *testing.T) (*miniredis.Miniredis, *Manager) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg := store.DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0
	st, err := store.NewRedisStore(cfg, zap.NewNop(), nil)
	require.NoError(t, err)

	m := New(st, account.FallbackConfiguration{}, zap.NewNop())
	return mr, m
}

func TestSelectAccount_NeverReturnsUnselectable(t *testing.T) {
	mr, m := newTestManager(t)
	defer mr.Close()

	m.pools[account.ClaudeKiroOAuth] = []*account.Account{
		{UUID: "disabled", IsHealthy: true, IsDisabled: true},
		{UUID: "unhealthy", IsHealthy: false},
		{UUID: "needsrefresh", IsHealthy: true, NeedsRefresh: true},
		{UUID: "ok", IsHealthy: true},
	}

	acc, err := m.SelectAccount(account.ClaudeKiroOAuth, "")
	require.NoError(t, err)
	assert.Equal(t, "ok", acc.UUID)
}

func TestSelectAccount_PrefersNeverUsedOverHeavilyUsed(t *testing.T) {
	mr, m := newTestManager(t)
	defer mr.Close()

	now := time.Now()
	used := &account.Account{UUID: "used", IsHealthy: true, LastUsed: &now, UsageCount: 1}
	fresh := &account.Account{UUID: "fresh", IsHealthy: true}
	m.pools[account.ClaudeKiroOAuth] = []*account.Account{used, fresh}

	acc, err := m.SelectAccount(account.ClaudeKiroOAuth, "")
	require.NoError(t, err)
	assert.Equal(t, "fresh", acc.UUID)
}

func TestSelectAccount_AntiRepeatWindowExcludesJustSelected(t *testing.T) {
	mr, m := newTestManager(t)
	defer mr.Close()

	a1 := &account.Account{UUID: "a1", IsHealthy: true}
	a2 := &account.Account{UUID: "a2", IsHealthy: true}
	m.pools[account.ClaudeKiroOAuth] = []*account.Account{a1, a2}

	first, err := m.SelectAccount(account.ClaudeKiroOAuth, "")
	require.NoError(t, err)

	second, err := m.SelectAccount(account.ClaudeKiroOAuth, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.UUID, second.UUID, "anti-repeat window should steer away from the account just selected")
}

func TestSelectWithFallback_WalksSameProtocolChain(t *testing.T) {
	mr, m := newTestManager(t)
	defer mr.Close()

	m.pools[account.ClaudeKiroOAuth] = []*account.Account{{UUID: "primary", IsHealthy: false}}
	m.pools[account.ClaudeCustom] = []*account.Account{{UUID: "fallback", IsHealthy: true}}
	m.fallback.ProviderFallbackChain = map[account.ProviderType][]account.ProviderType{
		account.ClaudeKiroOAuth: {account.ClaudeCustom},
	}

	pt, acc, _, err := m.SelectWithFallback(account.ClaudeKiroOAuth, "")
	require.NoError(t, err)
	assert.Equal(t, account.ClaudeCustom, pt)
	assert.Equal(t, "fallback", acc.UUID)
}

func TestRecordFailure_ScheduledRecoveryThenRestored(t *testing.T) {
	mr, m := newTestManager(t)
	defer mr.Close()

	ctx := context.Background()
	acc := &account.Account{UUID: "a1", ProviderType: account.ClaudeKiroOAuth, IsHealthy: true}
	m.pools[account.ClaudeKiroOAuth] = []*account.Account{acc}
	require.NoError(t, m.st.SetProviderPool(ctx, account.ClaudeKiroOAuth, m.pools[account.ClaudeKiroOAuth]))

	state := m.RecordFailure(ctx, account.ClaudeKiroOAuth, "a1", false, 5, 10*time.Millisecond, "quota exhausted")
	assert.Equal(t, UnhealthyScheduled, state)
	assert.False(t, acc.IsHealthy)

	time.Sleep(20 * time.Millisecond)
	m.CheckScheduledRecoveries(ctx)
	assert.True(t, acc.IsHealthy)
}

func TestRecordFailure_ImmediateOnAuthError(t *testing.T) {
	mr, m := newTestManager(t)
	defer mr.Close()

	ctx := context.Background()
	acc := &account.Account{UUID: "a1", ProviderType: account.ClaudeKiroOAuth, IsHealthy: true}
	m.pools[account.ClaudeKiroOAuth] = []*account.Account{acc}
	require.NoError(t, m.st.SetProviderPool(ctx, account.ClaudeKiroOAuth, m.pools[account.ClaudeKiroOAuth]))

	state := m.RecordFailure(ctx, account.ClaudeKiroOAuth, "a1", true, 5, 0, "unauthorized")
	assert.Equal(t, UnhealthyImmediate, state)
	assert.False(t, acc.IsHealthy)
	assert.Nil(t, acc.ScheduledRecoveryTime)
}
