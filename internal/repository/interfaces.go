package repository

import (
	"context"
	"time"

	"github.com/lokus-ai/lokus-auth/internal/domain/credential"
)

// CodeStore persists single-use authorization codes. Get returns (nil, nil)
// when the code is absent. Consume atomically removes and returns the record;
// two concurrent consumers of the same code must not both receive it.
type CodeStore interface {
	SaveCode(ctx context.Context, code credential.AuthorizationCode, ttl time.Duration) error
	GetCode(ctx context.Context, code string) (*credential.AuthorizationCode, error)
	ConsumeCode(ctx context.Context, code string) (*credential.AuthorizationCode, error)
	DeleteCode(ctx context.Context, code string) error
}

// AccessTokenStore persists bearer access tokens.
type AccessTokenStore interface {
	SaveAccessToken(ctx context.Context, token credential.AccessToken, ttl time.Duration) error
	GetAccessToken(ctx context.Context, token string) (*credential.AccessToken, error)
	DeleteAccessToken(ctx context.Context, token string) error
}

// RefreshTokenStore persists refresh tokens. Consume has the same atomic
// semantics as CodeStore.ConsumeCode and backs refresh token rotation.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token credential.RefreshToken, ttl time.Duration) error
	GetRefreshToken(ctx context.Context, token string) (*credential.RefreshToken, error)
	ConsumeRefreshToken(ctx context.Context, token string) (*credential.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, token string) error
}
