package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lokus-ai/lokus-auth/internal/domain/credential"
	"github.com/lokus-ai/lokus-auth/internal/repository"
)

// Key prefixes keep the three credential namespaces disjoint even when
// token and code values collide.
const (
	codePrefix    = "oauth:code:"
	accessPrefix  = "oauth:access:"
	refreshPrefix = "oauth:refresh:"
)

// RedisCredentialStore implements the credential stores backed by Redis.
// Native key TTLs handle memory hygiene; callers still check ExpiresAt at
// lookup time. Consume maps onto GETDEL so a code or refresh token can be
// claimed by at most one in-flight request.
type RedisCredentialStore struct {
	client redis.UniversalClient
}

var (
	_ repository.CodeStore         = (*RedisCredentialStore)(nil)
	_ repository.AccessTokenStore  = (*RedisCredentialStore)(nil)
	_ repository.RefreshTokenStore = (*RedisCredentialStore)(nil)
)

// NewRedisCredentialStore constructs a Redis-backed credential store.
func NewRedisCredentialStore(client redis.UniversalClient) *RedisCredentialStore {
	return &RedisCredentialStore{client: client}
}

// SaveCode stores an authorization code record, stamping its expiry.
func (s *RedisCredentialStore) SaveCode(ctx context.Context, code credential.AuthorizationCode, ttl time.Duration) error {
	code.ExpiresAt = time.Now().Add(ttl)
	return s.save(ctx, codePrefix+code.Code, code, ttl)
}

// GetCode loads an authorization code record, nil when absent.
func (s *RedisCredentialStore) GetCode(ctx context.Context, code string) (*credential.AuthorizationCode, error) {
	var record credential.AuthorizationCode
	found, err := s.load(ctx, codePrefix+code, &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// ConsumeCode atomically removes and returns the code record.
func (s *RedisCredentialStore) ConsumeCode(ctx context.Context, code string) (*credential.AuthorizationCode, error) {
	var record credential.AuthorizationCode
	found, err := s.consume(ctx, codePrefix+code, &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// DeleteCode removes the code record; no-op when absent.
func (s *RedisCredentialStore) DeleteCode(ctx context.Context, code string) error {
	return s.delete(ctx, codePrefix+code)
}

// SaveAccessToken stores a bearer token record, stamping its expiry.
func (s *RedisCredentialStore) SaveAccessToken(ctx context.Context, token credential.AccessToken, ttl time.Duration) error {
	token.ExpiresAt = time.Now().Add(ttl)
	return s.save(ctx, accessPrefix+token.Token, token, ttl)
}

// GetAccessToken loads an access token record, nil when absent.
func (s *RedisCredentialStore) GetAccessToken(ctx context.Context, token string) (*credential.AccessToken, error) {
	var record credential.AccessToken
	found, err := s.load(ctx, accessPrefix+token, &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// DeleteAccessToken removes the token record; no-op when absent.
func (s *RedisCredentialStore) DeleteAccessToken(ctx context.Context, token string) error {
	return s.delete(ctx, accessPrefix+token)
}

// SaveRefreshToken stores a refresh token record, stamping its expiry.
func (s *RedisCredentialStore) SaveRefreshToken(ctx context.Context, token credential.RefreshToken, ttl time.Duration) error {
	token.ExpiresAt = time.Now().Add(ttl)
	return s.save(ctx, refreshPrefix+token.Token, token, ttl)
}

// GetRefreshToken loads a refresh token record, nil when absent.
func (s *RedisCredentialStore) GetRefreshToken(ctx context.Context, token string) (*credential.RefreshToken, error) {
	var record credential.RefreshToken
	found, err := s.load(ctx, refreshPrefix+token, &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// ConsumeRefreshToken atomically removes and returns the token record.
func (s *RedisCredentialStore) ConsumeRefreshToken(ctx context.Context, token string) (*credential.RefreshToken, error) {
	var record credential.RefreshToken
	found, err := s.consume(ctx, refreshPrefix+token, &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// DeleteRefreshToken removes the token record; no-op when absent.
func (s *RedisCredentialStore) DeleteRefreshToken(ctx context.Context, token string) error {
	return s.delete(ctx, refreshPrefix+token)
}

func (s *RedisCredentialStore) save(ctx context.Context, key string, record any, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

func (s *RedisCredentialStore) load(ctx context.Context, key string, record any) (bool, error) {
	payload, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("load credential: %w", err)
	}
	if err := json.Unmarshal(payload, record); err != nil {
		return false, fmt.Errorf("decode credential: %w", err)
	}
	return true, nil
}

func (s *RedisCredentialStore) consume(ctx context.Context, key string, record any) (bool, error) {
	payload, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("consume credential: %w", err)
	}
	if err := json.Unmarshal(payload, record); err != nil {
		return false, fmt.Errorf("decode credential: %w", err)
	}
	return true, nil
}

func (s *RedisCredentialStore) delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
