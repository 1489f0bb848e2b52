package cache

import (
	"context"
	"sync"
	"time"

	"github.com/lokus-ai/lokus-auth/internal/domain/credential"
	"github.com/lokus-ai/lokus-auth/internal/repository"
)

const sweepInterval = time.Minute

// MemoryCredentialStore keeps credentials in process memory. It backs local
// development and tests; records do not survive a restart and cannot be
// shared across instances, so production deployments use Redis instead.
// A background sweep evicts expired records for memory hygiene only;
// single-use and expiry guarantees come from Consume and lookup-time checks.
type MemoryCredentialStore struct {
	codes   bucket[credential.AuthorizationCode]
	access  bucket[credential.AccessToken]
	refresh bucket[credential.RefreshToken]
	done    chan struct{}
	once    sync.Once
}

var (
	_ repository.CodeStore         = (*MemoryCredentialStore)(nil)
	_ repository.AccessTokenStore  = (*MemoryCredentialStore)(nil)
	_ repository.RefreshTokenStore = (*MemoryCredentialStore)(nil)
)

// NewMemoryCredentialStore constructs the store and starts its sweeper.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	s := &MemoryCredentialStore{
		codes:   newBucket[credential.AuthorizationCode](),
		access:  newBucket[credential.AccessToken](),
		refresh: newBucket[credential.RefreshToken](),
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Close stops the background sweeper. Idempotent.
func (s *MemoryCredentialStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryCredentialStore) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.codes.evictExpired(now)
			s.access.evictExpired(now)
			s.refresh.evictExpired(now)
		}
	}
}

// SaveCode stores an authorization code record, stamping its expiry.
func (s *MemoryCredentialStore) SaveCode(_ context.Context, code credential.AuthorizationCode, ttl time.Duration) error {
	code.ExpiresAt = time.Now().Add(ttl)
	s.codes.put(code.Code, code, code.ExpiresAt)
	return nil
}

// GetCode loads an authorization code record, nil when absent.
func (s *MemoryCredentialStore) GetCode(_ context.Context, code string) (*credential.AuthorizationCode, error) {
	return s.codes.get(code), nil
}

// ConsumeCode atomically removes and returns the code record.
func (s *MemoryCredentialStore) ConsumeCode(_ context.Context, code string) (*credential.AuthorizationCode, error) {
	return s.codes.consume(code), nil
}

// DeleteCode removes the code record; no-op when absent.
func (s *MemoryCredentialStore) DeleteCode(_ context.Context, code string) error {
	s.codes.delete(code)
	return nil
}

// SaveAccessToken stores a bearer token record, stamping its expiry.
func (s *MemoryCredentialStore) SaveAccessToken(_ context.Context, token credential.AccessToken, ttl time.Duration) error {
	token.ExpiresAt = time.Now().Add(ttl)
	s.access.put(token.Token, token, token.ExpiresAt)
	return nil
}

// GetAccessToken loads an access token record, nil when absent.
func (s *MemoryCredentialStore) GetAccessToken(_ context.Context, token string) (*credential.AccessToken, error) {
	return s.access.get(token), nil
}

// DeleteAccessToken removes the token record; no-op when absent.
func (s *MemoryCredentialStore) DeleteAccessToken(_ context.Context, token string) error {
	s.access.delete(token)
	return nil
}

// SaveRefreshToken stores a refresh token record, stamping its expiry.
func (s *MemoryCredentialStore) SaveRefreshToken(_ context.Context, token credential.RefreshToken, ttl time.Duration) error {
	token.ExpiresAt = time.Now().Add(ttl)
	s.refresh.put(token.Token, token, token.ExpiresAt)
	return nil
}

// GetRefreshToken loads a refresh token record, nil when absent.
func (s *MemoryCredentialStore) GetRefreshToken(_ context.Context, token string) (*credential.RefreshToken, error) {
	return s.refresh.get(token), nil
}

// ConsumeRefreshToken atomically removes and returns the token record.
func (s *MemoryCredentialStore) ConsumeRefreshToken(_ context.Context, token string) (*credential.RefreshToken, error) {
	return s.refresh.consume(token), nil
}

// DeleteRefreshToken removes the token record; no-op when absent.
func (s *MemoryCredentialStore) DeleteRefreshToken(_ context.Context, token string) error {
	s.refresh.delete(token)
	return nil
}

type entry[T any] struct {
	record    T
	expiresAt time.Time
}

type bucket[T any] struct {
	mu    *sync.Mutex
	items map[string]entry[T]
}

func newBucket[T any]() bucket[T] {
	return bucket[T]{mu: &sync.Mutex{}, items: make(map[string]entry[T])}
}

func (b bucket[T]) put(key string, record T, expiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[key] = entry[T]{record: record, expiresAt: expiresAt}
}

func (b bucket[T]) get(key string) *T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if item, ok := b.items[key]; ok {
		record := item.record
		return &record
	}
	return nil
}

func (b bucket[T]) consume(key string) *T {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.items[key]
	if !ok {
		return nil
	}
	delete(b.items, key)
	record := item.record
	return &record
}

func (b bucket[T]) delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, key)
}

func (b bucket[T]) evictExpired(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, item := range b.items {
		if now.After(item.expiresAt) {
			delete(b.items, key)
		}
	}
}
