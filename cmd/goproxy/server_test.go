package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/config"
	"github.com/aiclient/goproxy/store"
)

func TestBuildAdapters_RegistersEveryNativeProviderType(t *testing.T) {
	doc := &config.ProviderPoolsFile{
		Providers: map[account.ProviderType]config.AdapterSettings{
			account.OpenAICustom: {BaseURL: "https://example.test/v1"},
		},
	}
	adapters := buildAdapters(doc, zap.NewNop())

	for _, pt := range []account.ProviderType{
		account.ClaudeCustom, account.ClaudeOrchidsOAuth,
		account.GeminiCLIOAuth, account.GeminiAntigravity,
		account.OpenAICustom, account.OpenAICustomResponses,
		account.OpenAIIFlow, account.OpenAICodexOAuth, account.OpenAIQwenOAuth,
	} {
		a, ok := adapters[pt]
		require.True(t, ok, "missing adapter for %s", pt)
		assert.Equal(t, pt, a.ProviderType())
	}

	// forward-api and claude-kiro-oauth are dispatched directly by the
	// router and never get an adapter entry.
	_, hasForward := adapters[account.ForwardAPI]
	_, hasKiro := adapters[account.ClaudeKiroOAuth]
	assert.False(t, hasForward)
	assert.False(t, hasKiro)
}

func TestBuildRefreshers_OnlyOAuthProviderTypesRegistered(t *testing.T) {
	adapters := buildAdapters(&config.ProviderPoolsFile{}, zap.NewNop())
	refreshers := buildRefreshers(adapters)

	for _, pt := range []account.ProviderType{
		account.GeminiCLIOAuth, account.GeminiAntigravity,
		account.OpenAIQwenOAuth, account.OpenAICodexOAuth, account.ClaudeOrchidsOAuth,
	} {
		_, ok := refreshers[pt]
		assert.True(t, ok, "expected a refresher for %s", pt)
	}

	for _, pt := range []account.ProviderType{
		account.ClaudeCustom, account.OpenAICustom,
		account.OpenAICustomResponses, account.OpenAIIFlow,
	} {
		_, ok := refreshers[pt]
		assert.False(t, ok, "did not expect a refresher for %s", pt)
	}
}

func newTestStore(t *testing.T) store.Store {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := store.DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0
	st, err := store.NewRedisStore(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSeedStore_MergesAccountsWithoutDuplicating(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	existing := []*account.Account{{UUID: "acc-1", ProviderType: account.OpenAICustom, IsHealthy: true}}
	require.NoError(t, st.SetProviderPool(ctx, account.OpenAICustom, existing))

	fresh := map[account.ProviderType][]*account.Account{
		account.OpenAICustom: {
			{UUID: "acc-1", ProviderType: account.OpenAICustom},
			{UUID: "acc-2", ProviderType: account.OpenAICustom},
		},
	}
	creds := map[string]*account.TokenCredential{
		"acc-2": {AccessToken: "token-2"},
	}

	require.NoError(t, seedStore(ctx, st, fresh, creds))

	pool, err := st.GetProviderPool(ctx, account.OpenAICustom)
	require.NoError(t, err)
	assert.Len(t, pool, 2)

	cred, err := st.GetTokenCredential(ctx, account.OpenAICustom, "acc-2")
	require.NoError(t, err)
	assert.Equal(t, "token-2", cred.AccessToken)
}

func TestSeedStore_DoesNotOverwriteExistingCredential(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AtomicTokenUpdate(ctx, account.OpenAICustom, "acc-1", &account.TokenCredential{AccessToken: "already-refreshed"}, "", 0))

	fresh := map[account.ProviderType][]*account.Account{
		account.OpenAICustom: {{UUID: "acc-1", ProviderType: account.OpenAICustom}},
	}
	creds := map[string]*account.TokenCredential{
		"acc-1": {AccessToken: "stale-seed-value"},
	}

	require.NoError(t, seedStore(ctx, st, fresh, creds))

	cred, err := st.GetTokenCredential(ctx, account.OpenAICustom, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "already-refreshed", cred.AccessToken)
}
