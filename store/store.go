// Package store implements the Storage Adapter (C1): a key-value backend
// (Redis) with an atomic compare-and-swap primitive for token credentials,
// TTL'd distributed locks, a Kiro refresh-token dedup index, session and
// usage-cache persistence, and a short-TTL in-memory mirror that survives a
// backend outage. A filesystem backend covers the no-Redis deployment case.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aiclient/goproxy/account"
)

// ErrNotFound is returned when a key has no value in the backing store.
var ErrNotFound = errors.New("store: key not found")

// ErrLockHeld is returned by AcquireLock when another holder owns the lock.
var ErrLockHeld = errors.New("store: lock already held")

// ErrCASMismatch is returned by AtomicTokenUpdate when the stored value
// changed between read and write (spec §8: CAS success/conflict are mutually
// exclusive — never both, never neither).
var ErrCASMismatch = errors.New("store: compare-and-swap mismatch")

// KeyPrefix is the namespace every key in this store lives under
// (spec §6: "aiclient:" prefix).
const KeyPrefix = "aiclient"

// Store is the full Storage Adapter contract. Both backends (Redis, file)
// implement it identically so the pool manager and router never branch on
// which one is active.
type Store interface {
	// Pool / account CRUD.
	GetProviderPool(ctx context.Context, pt account.ProviderType) ([]*account.Account, error)
	SetProviderPool(ctx context.Context, pt account.ProviderType, accounts []*account.Account) error
	UpdateAccount(ctx context.Context, pt account.ProviderType, acc *account.Account) error

	// Usage counters are updated far more often than the rest of an account
	// record, so they get their own atomic increments rather than a full
	// UpdateAccount read-modify-write.
	IncrementUsage(ctx context.Context, pt account.ProviderType, uuid string, delta int64) error
	IncrementError(ctx context.Context, pt account.ProviderType, uuid string, delta int) error
	UpdateHealthStatus(ctx context.Context, pt account.ProviderType, uuid string, healthy bool, scheduledRecovery *time.Time) error

	// Token credentials, with CAS so two racing refreshes can't silently
	// clobber one another's result. The CAS key is the refresh token itself
	// (spec §4.1's atomicTokenUpdate(type, uuid, newToken, expectedRefreshToken,
	// ttl?)): a caller reads the current credential, then writes the new one
	// only if the stored refreshToken still matches what it read. ttl, when
	// non-zero, re-arms the credential's expiry on a successful write.
	GetTokenCredential(ctx context.Context, pt account.ProviderType, uuid string) (*account.TokenCredential, error)
	AtomicTokenUpdate(ctx context.Context, pt account.ProviderType, uuid string, newCred *account.TokenCredential, expectedRefreshToken string, ttl time.Duration) error

	// Distributed lock around a single account's refresh-in-flight window.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (lockID string, err error)
	ReleaseLock(ctx context.Context, key string, lockID string) error

	// Kiro refresh-token dedup index: sha256(refreshToken)[0:32] -> account uuid.
	SetKiroTokenIndex(ctx context.Context, tokenHash string, accountUUID string) error
	LookupKiroTokenIndex(ctx context.Context, tokenHash string) (accountUUID string, found bool, err error)
	DeleteKiroTokenIndex(ctx context.Context, tokenHash string) error

	// Round-robin counter for Kiro's lock-free account selection (INCR mod N).
	NextKiroRoundRobin(ctx context.Context) (int64, error)

	// Session tokens, keyed by sha256 of the raw token.
	SetSessionToken(ctx context.Context, tokenHash string, sess *account.SessionToken) error
	GetSessionToken(ctx context.Context, tokenHash string) (*account.SessionToken, error)
	DeleteSessionToken(ctx context.Context, tokenHash string) error

	// Usage cache snapshot, read by /provider_health and billing reports.
	SetUsageCache(ctx context.Context, cache *account.UsageCache) error
	GetUsageCache(ctx context.Context) (*account.UsageCache, error)

	// Opaque metadata bag (fallback config version, warmup markers, etc).
	GetMetadata(ctx context.Context, field string) (string, bool, error)
	SetMetadataField(ctx context.Context, field string, value string) error

	Ping(ctx context.Context) error
	Close() error
}

// key builds a namespaced store key: aiclient:<parts joined by ':'>.
func key(parts ...string) string {
	out := KeyPrefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func accountKey(pt account.ProviderType, uuid string) string {
	return key("account", string(pt), uuid)
}

func poolKey(pt account.ProviderType) string {
	return key("pool", string(pt))
}

func tokenKey(pt account.ProviderType, uuid string) string {
	return key("token", string(pt), uuid)
}

func lockKey(k string) string {
	return key("lock", k)
}

func kiroIndexKey(tokenHash string) string {
	return key("kiro", "index", tokenHash)
}

func kiroRoundRobinKey() string {
	return key("kiro", "rr")
}

func sessionKey(tokenHash string) string {
	return key("session", tokenHash)
}

func usageCacheKey() string {
	return key("usage", "cache")
}

func metadataKey(field string) string {
	return key("meta", field)
}
