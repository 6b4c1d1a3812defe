package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
)

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0

	s, err := NewRedisStore(cfg, zap.NewNop(), nil)
	require.NoError(t, err)

	return mr, s
}

func TestRedisStore_ProviderPoolRoundTrip(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()
	defer s.Close()

	ctx := context.Background()
	accounts := []*account.Account{
		{UUID: "a1", ProviderType: account.ClaudeKiroOAuth, IsHealthy: true},
		{UUID: "a2", ProviderType: account.ClaudeKiroOAuth, IsHealthy: false},
	}
	require.NoError(t, s.SetProviderPool(ctx, account.ClaudeKiroOAuth, accounts))

	got, err := s.GetProviderPool(ctx, account.ClaudeKiroOAuth)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].UUID)
}

func TestRedisStore_IncrementUsage(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()
	defer s.Close()

	ctx := context.Background()
	accounts := []*account.Account{{UUID: "a1", ProviderType: account.ClaudeKiroOAuth}}
	require.NoError(t, s.SetProviderPool(ctx, account.ClaudeKiroOAuth, accounts))

	require.NoError(t, s.IncrementUsage(ctx, account.ClaudeKiroOAuth, "a1", 3))
	require.NoError(t, s.IncrementUsage(ctx, account.ClaudeKiroOAuth, "a1", 2))

	got, err := s.GetProviderPool(ctx, account.ClaudeKiroOAuth)
	require.NoError(t, err)
	assert.EqualValues(t, 5, got[0].UsageCount)
}

func TestRedisStore_AtomicTokenUpdate_CASSuccessAndConflictAreExclusive(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()
	defer s.Close()

	ctx := context.Background()
	cred := &account.TokenCredential{AccessToken: "v1", RefreshToken: "r1"}

	// First write: the key doesn't exist yet, so the expected refresh token
	// is the empty string.
	err := s.AtomicTokenUpdate(ctx, account.ClaudeKiroOAuth, "a1", cred, "", 0)
	require.NoError(t, err)

	// Conflicting update: wrong expected refresh token must fail without writing.
	err = s.AtomicTokenUpdate(ctx, account.ClaudeKiroOAuth, "a1", &account.TokenCredential{AccessToken: "v2-conflict", RefreshToken: "r2"}, "stale", 0)
	assert.ErrorIs(t, err, ErrCASMismatch)

	stored, err := s.GetTokenCredential(ctx, account.ClaudeKiroOAuth, "a1")
	require.NoError(t, err)
	assert.Equal(t, "v1", stored.AccessToken)

	// Correct expected refresh token succeeds.
	err = s.AtomicTokenUpdate(ctx, account.ClaudeKiroOAuth, "a1", &account.TokenCredential{AccessToken: "v2", RefreshToken: "r2"}, "r1", time.Minute)
	require.NoError(t, err)

	stored, err = s.GetTokenCredential(ctx, account.ClaudeKiroOAuth, "a1")
	require.NoError(t, err)
	assert.Equal(t, "v2", stored.AccessToken)
}

func TestRedisStore_LockMutualExclusion(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()
	defer s.Close()

	ctx := context.Background()
	id1, err := s.AcquireLock(ctx, "refresh:a1", 2*time.Second)
	require.NoError(t, err)

	_, err = s.AcquireLock(ctx, "refresh:a1", 2*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, s.ReleaseLock(ctx, "refresh:a1", id1))

	_, err = s.AcquireLock(ctx, "refresh:a1", 2*time.Second)
	assert.NoError(t, err)
}

func TestRedisStore_KiroTokenIndexDedup(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SetKiroTokenIndex(ctx, "hash1", "account-uuid-1"))

	uuid, found, err := s.LookupKiroTokenIndex(ctx, "hash1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "account-uuid-1", uuid)

	require.NoError(t, s.DeleteKiroTokenIndex(ctx, "hash1"))
	_, found, err = s.LookupKiroTokenIndex(ctx, "hash1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_KiroRoundRobinIncrements(t *testing.T) {
	mr, s := setupTestStore(t)
	defer mr.Close()
	defer s.Close()

	ctx := context.Background()
	first, err := s.NextKiroRoundRobin(ctx)
	require.NoError(t, err)
	second, err := s.NextKiroRoundRobin(ctx)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
}

func TestRedisStore_MirrorServesReadsDuringOutage(t *testing.T) {
	mr, s := setupTestStore(t)
	defer s.Close()

	ctx := context.Background()
	accounts := []*account.Account{{UUID: "a1", ProviderType: account.ClaudeKiroOAuth}}
	require.NoError(t, s.SetProviderPool(ctx, account.ClaudeKiroOAuth, accounts))

	mr.Close() // simulate outage
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	got, err := s.GetProviderPool(ctx, account.ClaudeKiroOAuth)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
