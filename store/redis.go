package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
)

// RedisConfig configures the Redis-backed Store.
type RedisConfig struct {
	Addr         string
	URL          string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int

	// MirrorTTL is the short-lived in-memory mirror window (spec §4.1:
	// "becomes authoritative with no expiry" once the backend disconnects).
	MirrorTTL time.Duration

	HealthCheckInterval time.Duration
}

// DefaultRedisConfig returns sane defaults for the Redis backend.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		MaxRetries:          3,
		PoolSize:            20,
		MinIdleConns:        4,
		MirrorTTL:           5 * time.Second,
		HealthCheckInterval: 10 * time.Second,
	}
}

// RedisStore is the Redis-backed implementation of Store. It keeps a short
// TTL in-memory mirror of every read so that a disconnect degrades reads
// gracefully instead of failing outright; once disconnected the mirror's
// entries stop expiring until the connection recovers (spec §4.1).
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
	logger *zap.Logger

	mu         sync.RWMutex
	mirror     map[string]mirrorEntry
	connected  bool
	queue      WriteQueue
	closed     bool
	stopHealth chan struct{}
}

type mirrorEntry struct {
	value   []byte
	expires time.Time
}

// WriteQueue is the narrow interface RedisStore needs from the Write Queue
// (C2): it enqueues a write that failed against the backend so it can be
// replayed once connectivity returns.
type WriteQueue interface {
	Enqueue(op func(ctx context.Context) error) error
}

// NewRedisStore dials Redis and returns a Store. queue may be nil; if
// provided, writes made while disconnected are handed to it instead of
// failing immediately.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger, queue WriteQueue) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	connected := client.Ping(ctx).Err() == nil

	s := &RedisStore{
		client:     client,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "store.redis")),
		mirror:     make(map[string]mirrorEntry),
		connected:  connected,
		queue:      queue,
		stopHealth: make(chan struct{}),
	}

	if cfg.HealthCheckInterval > 0 {
		go s.healthCheckLoop()
	}

	return s, nil
}

func (s *RedisStore) healthCheckLoop() {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopHealth:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := s.client.Ping(ctx).Err()
			cancel()

			s.mu.Lock()
			wasConnected := s.connected
			s.connected = err == nil
			s.mu.Unlock()

			if err != nil {
				s.logger.Warn("redis unreachable, serving from mirror", zap.Error(err))
			} else if !wasConnected {
				s.logger.Info("redis connection recovered")
			}
		}
	}
}

func (s *RedisStore) mirrorGet(k string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.mirror[k]
	if !ok {
		return nil, false
	}
	if !s.connected {
		// Outage: the mirror becomes authoritative and does not expire.
		return e.value, true
	}
	if time.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (s *RedisStore) mirrorSet(k string, v []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror[k] = mirrorEntry{value: v, expires: time.Now().Add(s.cfg.MirrorTTL)}
}

func (s *RedisStore) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// degradeOrQueue enqueues op onto the write queue when disconnected and a
// queue is configured; otherwise it returns the original error.
func (s *RedisStore) degradeOrQueue(err error, op func(ctx context.Context) error) error {
	if err == nil {
		return nil
	}
	if s.queue != nil && !s.isConnected() {
		if qerr := s.queue.Enqueue(op); qerr != nil {
			return fmt.Errorf("redis unavailable and write queue rejected op: %w", qerr)
		}
		return nil
	}
	return err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stopHealth)
	return s.client.Close()
}

// --- pool / account CRUD -----------------------------------------------

func (s *RedisStore) GetProviderPool(ctx context.Context, pt account.ProviderType) ([]*account.Account, error) {
	k := poolKey(pt)
	data, err := s.client.Get(ctx, k).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			if mv, ok := s.mirrorGet(k); ok {
				return decodeAccounts(mv)
			}
			return nil, ErrNotFound
		}
		if mv, ok := s.mirrorGet(k); ok {
			return decodeAccounts(mv)
		}
		return nil, fmt.Errorf("get provider pool: %w", err)
	}
	s.mirrorSet(k, data)
	return decodeAccounts(data)
}

func decodeAccounts(data []byte) ([]*account.Account, error) {
	var accounts []*account.Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("decode provider pool: %w", err)
	}
	return accounts, nil
}

func (s *RedisStore) SetProviderPool(ctx context.Context, pt account.ProviderType, accounts []*account.Account) error {
	k := poolKey(pt)
	data, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("encode provider pool: %w", err)
	}
	s.mirrorSet(k, data)
	err = s.client.Set(ctx, k, data, 0).Err()
	return s.degradeOrQueue(err, func(ctx context.Context) error {
		return s.client.Set(ctx, k, data, 0).Err()
	})
}

func (s *RedisStore) UpdateAccount(ctx context.Context, pt account.ProviderType, acc *account.Account) error {
	pool, err := s.GetProviderPool(ctx, pt)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	replaced := false
	for i, a := range pool {
		if a.UUID == acc.UUID {
			pool[i] = acc
			replaced = true
			break
		}
	}
	if !replaced {
		pool = append(pool, acc)
	}
	return s.SetProviderPool(ctx, pt, pool)
}

// --- usage / error / health increments ----------------------------------

// incrUsageScript atomically bumps usageCount and lastUsed on the JSON blob
// stored per account, so concurrent batch flushes from different workers
// never lose an increment to a read-modify-write race.
var incrUsageScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return redis.error_reply('not found') end
local obj = cjson.decode(v)
obj.usageCount = (obj.usageCount or 0) + tonumber(ARGV[1])
obj.lastUsed = ARGV[2]
local out = cjson.encode(obj)
redis.call('SET', KEYS[1], out)
return out
`)

var incrErrorScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return redis.error_reply('not found') end
local obj = cjson.decode(v)
obj.errorCount = (obj.errorCount or 0) + tonumber(ARGV[1])
obj.lastErrorTime = ARGV[2]
local out = cjson.encode(obj)
redis.call('SET', KEYS[1], out)
return out
`)

func (s *RedisStore) IncrementUsage(ctx context.Context, pt account.ProviderType, uuid string, delta int64) error {
	k := accountKey(pt, uuid)
	err := incrUsageScript.Run(ctx, s.client, []string{k}, delta, time.Now().UTC().Format(time.RFC3339Nano)).Err()
	return s.degradeOrQueue(err, func(ctx context.Context) error {
		return incrUsageScript.Run(ctx, s.client, []string{k}, delta, time.Now().UTC().Format(time.RFC3339Nano)).Err()
	})
}

func (s *RedisStore) IncrementError(ctx context.Context, pt account.ProviderType, uuid string, delta int) error {
	k := accountKey(pt, uuid)
	err := incrErrorScript.Run(ctx, s.client, []string{k}, delta, time.Now().UTC().Format(time.RFC3339Nano)).Err()
	return s.degradeOrQueue(err, func(ctx context.Context) error {
		return incrErrorScript.Run(ctx, s.client, []string{k}, delta, time.Now().UTC().Format(time.RFC3339Nano)).Err()
	})
}

func (s *RedisStore) UpdateHealthStatus(ctx context.Context, pt account.ProviderType, uuid string, healthy bool, scheduledRecovery *time.Time) error {
	pool, err := s.GetProviderPool(ctx, pt)
	if err != nil {
		return err
	}
	for _, a := range pool {
		if a.UUID == uuid {
			a.IsHealthy = healthy
			a.ScheduledRecoveryTime = scheduledRecovery
			return s.SetProviderPool(ctx, pt, pool)
		}
	}
	return ErrNotFound
}

// --- token credentials + CAS ---------------------------------------------

// storedCredential is the on-disk/on-wire shape for a token credential
// record. The CAS key is the credential's own refreshToken field (spec
// §4.1's atomicTokenUpdate(type, uuid, newToken, expectedRefreshToken,
// ttl?)), so no separate version counter is kept.
type storedCredential struct {
	Credential *account.TokenCredential `json:"credential"`
}

func (s *RedisStore) GetTokenCredential(ctx context.Context, pt account.ProviderType, uuid string) (*account.TokenCredential, error) {
	k := tokenKey(pt, uuid)
	data, err := s.client.Get(ctx, k).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			if mv, ok := s.mirrorGet(k); ok {
				var sc storedCredential
				if uerr := json.Unmarshal(mv, &sc); uerr == nil {
					return sc.Credential, nil
				}
			}
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get token credential: %w", err)
	}
	s.mirrorSet(k, data)
	var sc storedCredential
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode token credential: %w", err)
	}
	return sc.Credential, nil
}

// atomicTokenCASScript implements the compare-and-swap: it only writes the
// new value if the stored credential's refreshToken matches ARGV[1], the
// value the caller read before deciding to write. ARGV[3], when non-zero,
// re-arms the key's TTL in milliseconds on a successful write.
var atomicTokenCASScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
local curToken = ""
if v then
  local obj = cjson.decode(v)
  if obj.credential and obj.credential.refreshToken then
    curToken = obj.credential.refreshToken
  end
end
if curToken ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
local ttlMs = tonumber(ARGV[3])
if ttlMs and ttlMs > 0 then
  redis.call('PEXPIRE', KEYS[1], ttlMs)
end
return 1
`)

// AtomicTokenUpdate performs the spec §4.1 compare-and-swap on a token
// credential: it succeeds only if the stored credential's refreshToken
// equals expectedRefreshToken, returning ErrCASMismatch otherwise. Success
// and conflict are mutually exclusive outcomes (spec §8 invariant). A
// non-zero ttl re-arms the key's expiry on a successful write.
func (s *RedisStore) AtomicTokenUpdate(ctx context.Context, pt account.ProviderType, uuid string, newCred *account.TokenCredential, expectedRefreshToken string, ttl time.Duration) error {
	k := tokenKey(pt, uuid)
	payload, err := json.Marshal(storedCredential{Credential: newCred})
	if err != nil {
		return fmt.Errorf("encode token credential: %w", err)
	}

	res, err := atomicTokenCASScript.Run(ctx, s.client, []string{k}, expectedRefreshToken, payload, ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("atomic token update: %w", err)
	}
	success, _ := res.(int64)
	if success != 1 {
		return ErrCASMismatch
	}
	s.mirrorSet(k, payload)
	return nil
}

// --- distributed locks ----------------------------------------------------

func (s *RedisStore) AcquireLock(ctx context.Context, k string, ttl time.Duration) (string, error) {
	lockID, err := randomHex(16)
	if err != nil {
		return "", err
	}
	ok, err := s.client.SetNX(ctx, lockKey(k), lockID, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return "", ErrLockHeld
	}
	return lockID, nil
}

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *RedisStore) ReleaseLock(ctx context.Context, k string, lockID string) error {
	return releaseLockScript.Run(ctx, s.client, []string{lockKey(k)}, lockID).Err()
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// --- Kiro dedup index + round robin ---------------------------------------

func (s *RedisStore) SetKiroTokenIndex(ctx context.Context, tokenHash string, accountUUID string) error {
	return s.client.Set(ctx, kiroIndexKey(tokenHash), accountUUID, 0).Err()
}

func (s *RedisStore) LookupKiroTokenIndex(ctx context.Context, tokenHash string) (string, bool, error) {
	v, err := s.client.Get(ctx, kiroIndexKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup kiro token index: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) DeleteKiroTokenIndex(ctx context.Context, tokenHash string) error {
	return s.client.Del(ctx, kiroIndexKey(tokenHash)).Err()
}

func (s *RedisStore) NextKiroRoundRobin(ctx context.Context) (int64, error) {
	return s.client.Incr(ctx, kiroRoundRobinKey()).Result()
}

// --- session tokens ---------------------------------------------------------

func (s *RedisStore) SetSessionToken(ctx context.Context, tokenHash string, sess *account.SessionToken) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := time.Until(sess.ExpiryTime)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.client.Set(ctx, sessionKey(tokenHash), data, ttl).Err()
}

func (s *RedisStore) GetSessionToken(ctx context.Context, tokenHash string) (*account.SessionToken, error) {
	data, err := s.client.Get(ctx, sessionKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session token: %w", err)
	}
	var sess account.SessionToken
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session token: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) DeleteSessionToken(ctx context.Context, tokenHash string) error {
	return s.client.Del(ctx, sessionKey(tokenHash)).Err()
}

// --- usage cache + metadata -------------------------------------------------

func (s *RedisStore) SetUsageCache(ctx context.Context, cache *account.UsageCache) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, usageCacheKey(), data, 0).Err()
}

func (s *RedisStore) GetUsageCache(ctx context.Context) (*account.UsageCache, error) {
	data, err := s.client.Get(ctx, usageCacheKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage cache: %w", err)
	}
	var cache account.UsageCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("decode usage cache: %w", err)
	}
	return &cache, nil
}

func (s *RedisStore) GetMetadata(ctx context.Context, field string) (string, bool, error) {
	v, err := s.client.Get(ctx, metadataKey(field)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) SetMetadataField(ctx context.Context, field string, value string) error {
	return s.client.Set(ctx, metadataKey(field), value, 0).Err()
}

var _ Store = (*RedisStore)(nil)
