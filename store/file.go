package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
)

// FileStore is the no-Redis deployment backend: every key maps to one JSON
// file under a root directory. The counter, health, CAS, lock and
// round-robin operations are serialised by a single process-wide mutex;
// plain reads and writes, and UpdateAccount, do not take it. It
// exists for single-instance deployments that don't want a Redis
// dependency; distributed locking degrades to in-process locking only.
type FileStore struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]fileLock
}

type fileLock struct {
	id      string
	expires time.Time
}

// NewFileStore creates a filesystem-backed Store rooted at dir.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{
		root:   dir,
		logger: logger.With(zap.String("component", "store.file")),
		locks:  make(map[string]fileLock),
	}, nil
}

func (s *FileStore) path(k string) string {
	return filepath.Join(s.root, k+".json")
}

func (s *FileStore) readJSON(k string, dest interface{}) error {
	data, err := os.ReadFile(s.path(k))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", k, err)
	}
	return json.Unmarshal(data, dest)
}

func (s *FileStore) writeJSON(k string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	p := s.path(k)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", k, err)
	}
	return os.Rename(tmp, p)
}

func (s *FileStore) GetProviderPool(ctx context.Context, pt account.ProviderType) ([]*account.Account, error) {
	var accounts []*account.Account
	if err := s.readJSON(poolKey(pt), &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *FileStore) SetProviderPool(ctx context.Context, pt account.ProviderType, accounts []*account.Account) error {
	return s.writeJSON(poolKey(pt), accounts)
}

func (s *FileStore) UpdateAccount(ctx context.Context, pt account.ProviderType, acc *account.Account) error {
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

func (s *FileStore) IncrementUsage(ctx context.Context, pt account.ProviderType, uuid string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, err := s.GetProviderPool(ctx, pt)
	if err != nil {
		return err
	}
	for _, a := range pool {
		if a.UUID == uuid {
			a.UsageCount += delta
			now := time.Now()
			a.LastUsed = &now
			return s.SetProviderPool(ctx, pt, pool)
		}
	}
	return ErrNotFound
}

func (s *FileStore) IncrementError(ctx context.Context, pt account.ProviderType, uuid string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, err := s.GetProviderPool(ctx, pt)
	if err != nil {
		return err
	}
	for _, a := range pool {
		if a.UUID == uuid {
			a.ErrorCount += delta
			now := time.Now()
			a.LastErrorTime = &now
			return s.SetProviderPool(ctx, pt, pool)
		}
	}
	return ErrNotFound
}

func (s *FileStore) UpdateHealthStatus(ctx context.Context, pt account.ProviderType, uuid string, healthy bool, scheduledRecovery *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *FileStore) GetTokenCredential(ctx context.Context, pt account.ProviderType, uuid string) (*account.TokenCredential, error) {
	var sc storedCredential
	if err := s.readJSON(tokenKey(pt, uuid), &sc); err != nil {
		return nil, err
	}
	return sc.Credential, nil
}

// AtomicTokenUpdate performs the spec §4.1 compare-and-swap keyed on the
// stored credential's refreshToken rather than a version counter, matching
// the Redis backend's contract. ttl is accepted for interface parity but
// otherwise unused: the file backend has no key-expiry mechanism, so a
// refreshed credential simply lives until the next write.
func (s *FileStore) AtomicTokenUpdate(ctx context.Context, pt account.ProviderType, uuid string, newCred *account.TokenCredential, expectedRefreshToken string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := tokenKey(pt, uuid)
	var cur storedCredential
	err := s.readJSON(k, &cur)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	var curToken string
	if cur.Credential != nil {
		curToken = cur.Credential.RefreshToken
	}
	if curToken != expectedRefreshToken {
		return ErrCASMismatch
	}
	return s.writeJSON(k, storedCredential{Credential: newCred})
}

func (s *FileStore) AcquireLock(ctx context.Context, k string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.locks[k]; ok && time.Now().Before(existing.expires) {
		return "", ErrLockHeld
	}
	id, err := randomHex(16)
	if err != nil {
		return "", err
	}
	s.locks[k] = fileLock{id: id, expires: time.Now().Add(ttl)}
	return id, nil
}

func (s *FileStore) ReleaseLock(ctx context.Context, k string, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[k]; ok && existing.id == lockID {
		delete(s.locks, k)
	}
	return nil
}

func (s *FileStore) SetKiroTokenIndex(ctx context.Context, tokenHash string, accountUUID string) error {
	return s.writeJSON(kiroIndexKey(tokenHash), accountUUID)
}

func (s *FileStore) LookupKiroTokenIndex(ctx context.Context, tokenHash string) (string, bool, error) {
	var uuid string
	err := s.readJSON(kiroIndexKey(tokenHash), &uuid)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return uuid, true, nil
}

func (s *FileStore) DeleteKiroTokenIndex(ctx context.Context, tokenHash string) error {
	err := os.Remove(s.path(kiroIndexKey(tokenHash)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) NextKiroRoundRobin(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counter int64
	_ = s.readJSON(kiroRoundRobinKey(), &counter)
	counter++
	if err := s.writeJSON(kiroRoundRobinKey(), counter); err != nil {
		return 0, err
	}
	return counter, nil
}

func (s *FileStore) SetSessionToken(ctx context.Context, tokenHash string, sess *account.SessionToken) error {
	return s.writeJSON(sessionKey(tokenHash), sess)
}

func (s *FileStore) GetSessionToken(ctx context.Context, tokenHash string) (*account.SessionToken, error) {
	var sess account.SessionToken
	if err := s.readJSON(sessionKey(tokenHash), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *FileStore) DeleteSessionToken(ctx context.Context, tokenHash string) error {
	err := os.Remove(s.path(sessionKey(tokenHash)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) SetUsageCache(ctx context.Context, cache *account.UsageCache) error {
	return s.writeJSON(usageCacheKey(), cache)
}

func (s *FileStore) GetUsageCache(ctx context.Context) (*account.UsageCache, error) {
	var cache account.UsageCache
	if err := s.readJSON(usageCacheKey(), &cache); err != nil {
		return nil, err
	}
	return &cache, nil
}

func (s *FileStore) GetMetadata(ctx context.Context, field string) (string, bool, error) {
	var v string
	err := s.readJSON(metadataKey(field), &v)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *FileStore) SetMetadataField(ctx context.Context, field string, value string) error {
	return s.writeJSON(metadataKey(field), value)
}

func (s *FileStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.root)
	return err
}

func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
