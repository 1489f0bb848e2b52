package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lokus-ai/lokus-auth/internal/adapter/cache"
	"github.com/lokus-ai/lokus-auth/internal/adapter/identity"
	"github.com/lokus-ai/lokus-auth/internal/config"
)

const (
	testClientID = "lokus-desktop"
	testRedirect = "http://localhost:8899/cb"
	testVerifier = "verifier123"
)

func testChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

type fakeIdentity struct {
	user *identity.User
	err  error
}

func (f *fakeIdentity) CurrentUser(_ context.Context, sessionToken string) (*identity.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	if sessionToken == "" || f.user == nil {
		return nil, identity.ErrNoSession
	}
	return f.user, nil
}

type testHarness struct {
	service  *OAuthService
	store    *cache.MemoryCredentialStore
	identity *fakeIdentity
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	store := cache.NewMemoryCredentialStore()
	t.Cleanup(store.Close)

	provider := &fakeIdentity{user: &identity.User{
		ID:        "user-123",
		Email:     "ada@example.com",
		Name:      "Ada Lovelace",
		AvatarURL: "https://img.example.com/ada.png",
	}}
	cfg := config.Config{
		DesktopClientID:   testClientID,
		RedirectURIPrefix: "http://localhost:",
		DefaultScope:      "read write",
		AuthCodeTTL:       10 * time.Minute,
		AccessTokenTTL:    time.Hour,
		RefreshTokenTTL:   30 * 24 * time.Hour,
		TokenBytes:        32,
	}
	svc := NewOAuthService(store, store, store, provider, cfg, zap.NewNop())
	return &testHarness{service: svc, store: store, identity: provider}
}

func validAuthorizeRequest() AuthorizeRequest {
	return AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            testClientID,
		RedirectURI:         testRedirect,
		State:               "xyz",
		CodeChallenge:       testChallenge(testVerifier),
		CodeChallengeMethod: "S256",
	}
}

func (h *testHarness) mintCode(t *testing.T) *AuthorizationGrant {
	t.Helper()
	params, oauthErr := h.service.ValidateAuthorizeRequest(validAuthorizeRequest())
	require.Nil(t, oauthErr)
	grant, err := h.service.CompleteAuthorization(context.Background(), "session-token", *params)
	require.NoError(t, err)
	return grant
}

func validTokenRequest(code string) TokenRequest {
	return TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     testClientID,
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: testVerifier,
	}
}

func requireOAuthError(t *testing.T, err error, code string) *OAuthError {
	t.Helper()
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, code, oauthErr.Code)
	return oauthErr
}

func TestValidateAuthorizeRequest(t *testing.T) {
	h := newTestHarness(t)

	tests := []struct {
		name    string
		mutate  func(*AuthorizeRequest)
		errCode string
	}{
		{"wrong response_type", func(r *AuthorizeRequest) { r.ResponseType = "token" }, "invalid_request"},
		{"unknown client", func(r *AuthorizeRequest) { r.ClientID = "other-app" }, "invalid_client"},
		{"missing redirect_uri", func(r *AuthorizeRequest) { r.RedirectURI = "" }, "invalid_request"},
		{"non-loopback redirect_uri", func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example/cb" }, "invalid_request"},
		{"missing state", func(r *AuthorizeRequest) { r.State = "" }, "invalid_request"},
		{"missing code_challenge", func(r *AuthorizeRequest) { r.CodeChallenge = "" }, "invalid_request"},
		{"plain challenge method", func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" }, "invalid_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := validAuthorizeRequest()
			tc.mutate(&req)
			params, oauthErr := h.service.ValidateAuthorizeRequest(req)
			require.Nil(t, params)
			require.NotNil(t, oauthErr)
			require.Equal(t, tc.errCode, oauthErr.Code)
		})
	}

	t.Run("missing pkce description", func(t *testing.T) {
		req := validAuthorizeRequest()
		req.CodeChallenge = ""
		_, oauthErr := h.service.ValidateAuthorizeRequest(req)
		require.NotNil(t, oauthErr)
		require.Equal(t, "Missing PKCE parameters", oauthErr.Description)
	})

	t.Run("scope defaults", func(t *testing.T) {
		params, oauthErr := h.service.ValidateAuthorizeRequest(validAuthorizeRequest())
		require.Nil(t, oauthErr)
		require.Equal(t, "read write", params.Scope)
	})
}

func TestCompleteAuthorization(t *testing.T) {
	h := newTestHarness(t)
	grant := h.mintCode(t)
	require.NotEmpty(t, grant.Code)
	require.Equal(t, "xyz", grant.State)
	require.Equal(t, testRedirect, grant.RedirectURI)

	stored, err := h.store.GetCode(context.Background(), grant.Code)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, "user-123", stored.UserID)
	require.Equal(t, "ada@example.com", stored.Email)
	require.Equal(t, "Ada Lovelace", stored.Name)
	require.Equal(t, testChallenge(testVerifier), stored.CodeChallenge)
	require.Equal(t, "read write", stored.Scope)
	require.WithinDuration(t, time.Now().Add(10*time.Minute), stored.ExpiresAt, 5*time.Second)
}

func TestCompleteAuthorization_NameAndAvatarFallback(t *testing.T) {
	h := newTestHarness(t)
	h.identity.user = &identity.User{ID: "user-456", Email: "grace@example.com"}

	grant := h.mintCode(t)
	stored, err := h.store.GetCode(context.Background(), grant.Code)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, "grace", stored.Name)
	require.Contains(t, stored.AvatarURL, "grace@example.com")
}

func TestCompleteAuthorization_NoSession(t *testing.T) {
	h := newTestHarness(t)
	params, oauthErr := h.service.ValidateAuthorizeRequest(validAuthorizeRequest())
	require.Nil(t, oauthErr)

	_, err := h.service.CompleteAuthorization(context.Background(), "", *params)
	require.ErrorIs(t, err, identity.ErrNoSession)
}

func TestExchangeCode_HappyPath(t *testing.T) {
	h := newTestHarness(t)
	grant := h.mintCode(t)

	resp, err := h.service.ExchangeCode(context.Background(), validTokenRequest(grant.Code))
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
	require.Equal(t, "Bearer", resp.TokenType)
	require.Equal(t, 3600, resp.ExpiresIn)
	require.Equal(t, "user-123", resp.UserID)
	require.Equal(t, "read write", resp.Scope)

	access, err := h.store.GetAccessToken(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, access)
	require.Equal(t, "ada@example.com", access.Email)

	refresh, err := h.store.GetRefreshToken(context.Background(), resp.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, refresh)
	require.Equal(t, "read write", refresh.Scope)
}

func TestExchangeCode_SingleUse(t *testing.T) {
	h := newTestHarness(t)
	grant := h.mintCode(t)

	_, err := h.service.ExchangeCode(context.Background(), validTokenRequest(grant.Code))
	require.NoError(t, err)

	_, err = h.service.ExchangeCode(context.Background(), validTokenRequest(grant.Code))
	requireOAuthError(t, err, "invalid_grant")
}

func TestExchangeCode_UnsupportedGrantType(t *testing.T) {
	h := newTestHarness(t)
	req := validTokenRequest("whatever")
	req.GrantType = "password"
	_, err := h.service.ExchangeCode(context.Background(), req)
	requireOAuthError(t, err, "unsupported_grant_type")
}

func TestExchangeCode_WrongClient(t *testing.T) {
	h := newTestHarness(t)
	grant := h.mintCode(t)
	req := validTokenRequest(grant.Code)
	req.ClientID = "other-app"
	_, err := h.service.ExchangeCode(context.Background(), req)
	requireOAuthError(t, err, "invalid_client")
}

func TestExchangeCode_UnknownCode(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.service.ExchangeCode(context.Background(), validTokenRequest("no-such-code"))
	oauthErr := requireOAuthError(t, err, "invalid_grant")
	require.Equal(t, "Invalid or expired authorization code", oauthErr.Description)
}

func TestExchangeCode_Expired(t *testing.T) {
	h := newTestHarness(t)
	grant := h.mintCode(t)

	h.service.now = func() time.Time { return time.Now().Add(601 * time.Second) }

	_, err := h.service.ExchangeCode(context.Background(), validTokenRequest(grant.Code))
	oauthErr := requireOAuthError(t, err, "invalid_grant")
	require.Equal(t, "Authorization code has expired", oauthErr.Description)

	stored, err := h.store.GetCode(context.Background(), grant.Code)
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestExchangeCode_MissingVerifier(t *testing.T) {
	h := newTestHarness(t)
	grant := h.mintCode(t)
	req := validTokenRequest(grant.Code)
	req.CodeVerifier = ""
	_, err := h.service.ExchangeCode(context.Background(), req)
	oauthErr := requireOAuthError(t, err, "invalid_request")
	require.Equal(t, "Missing code_verifier", oauthErr.Description)
}

func TestExchangeCode_VerifierMismatch(t *testing.T) {
	h := newTestHarness(t)
	grant := h.mintCode(t)
	req := validTokenRequest(grant.Code)
	req.CodeVerifier = "not-the-verifier"

	_, err := h.service.ExchangeCode(context.Background(), req)
	oauthErr := requireOAuthError(t, err, "invalid_grant")
	require.Equal(t, "Invalid code_verifier", oauthErr.Description)

	// The failed proof burns the code.
	stored, err := h.store.GetCode(context.Background(), grant.Code)
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestExchangeCode_RedirectMismatch(t *testing.T) {
	h := newTestHarness(t)
	grant := h.mintCode(t)
	req := validTokenRequest(grant.Code)
	req.RedirectURI = testRedirect + "/"

	_, err := h.service.ExchangeCode(context.Background(), req)
	oauthErr := requireOAuthError(t, err, "invalid_grant")
	require.Equal(t, "Redirect URI mismatch", oauthErr.Description)
}

func TestRefreshTokens_Rotation(t *testing.T) {
	h := newTestHarness(t)
	grant := h.mintCode(t)
	first, err := h.service.ExchangeCode(context.Background(), validTokenRequest(grant.Code))
	require.NoError(t, err)

	second, err := h.service.RefreshTokens(context.Background(), RefreshRequest{
		GrantType:    "refresh_token",
		ClientID:     testClientID,
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)
	require.NotEmpty(t, second.AccessToken)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.Equal(t, "read write", second.Scope)

	// The rotated-out token is gone for good.
	_, err = h.service.RefreshTokens(context.Background(), RefreshRequest{
		GrantType:    "refresh_token",
		ClientID:     testClientID,
		RefreshToken: first.RefreshToken,
	})
	requireOAuthError(t, err, "invalid_grant")

	// The replacement works exactly once.
	third, err := h.service.RefreshTokens(context.Background(), RefreshRequest{
		GrantType:    "refresh_token",
		ClientID:     testClientID,
		RefreshToken: second.RefreshToken,
	})
	require.NoError(t, err)
	require.NotEmpty(t, third.RefreshToken)

	_, err = h.service.RefreshTokens(context.Background(), RefreshRequest{
		GrantType:    "refresh_token",
		ClientID:     testClientID,
		RefreshToken: second.RefreshToken,
	})
	requireOAuthError(t, err, "invalid_grant")
}

func TestRefreshTokens_WrongClientAndGrant(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.service.RefreshTokens(context.Background(), RefreshRequest{
		GrantType:    "authorization_code",
		ClientID:     testClientID,
		RefreshToken: "x",
	})
	requireOAuthError(t, err, "unsupported_grant_type")

	_, err = h.service.RefreshTokens(context.Background(), RefreshRequest{
		GrantType:    "refresh_token",
		ClientID:     "other-app",
		RefreshToken: "x",
	})
	requireOAuthError(t, err, "invalid_client")
}

func TestRefreshTokens_Expired(t *testing.T) {
	h := newTestHarness(t)
	grant := h.mintCode(t)
	first, err := h.service.ExchangeCode(context.Background(), validTokenRequest(grant.Code))
	require.NoError(t, err)

	h.service.now = func() time.Time { return time.Now().Add(30*24*time.Hour + time.Second) }

	_, err = h.service.RefreshTokens(context.Background(), RefreshRequest{
		GrantType:    "refresh_token",
		ClientID:     testClientID,
		RefreshToken: first.RefreshToken,
	})
	requireOAuthError(t, err, "invalid_grant")

	stored, err := h.store.GetRefreshToken(context.Background(), first.RefreshToken)
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestProfile(t *testing.T) {
	h := newTestHarness(t)
	grant := h.mintCode(t)
	resp, err := h.service.ExchangeCode(context.Background(), validTokenRequest(grant.Code))
	require.NoError(t, err)

	profile, err := h.service.Profile(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "user-123", profile.ID)
	require.Equal(t, "ada@example.com", profile.Email)
	require.Equal(t, "Ada Lovelace", profile.Name)
	require.NotEmpty(t, profile.AvatarURL)
}

func TestProfile_ExpiredTokenLazilyDeleted(t *testing.T) {
	h := newTestHarness(t)
	grant := h.mintCode(t)
	resp, err := h.service.ExchangeCode(context.Background(), validTokenRequest(grant.Code))
	require.NoError(t, err)

	h.service.now = func() time.Time { return time.Now().Add(time.Hour + time.Second) }

	_, err = h.service.Profile(context.Background(), resp.AccessToken)
	oauthErr := requireOAuthError(t, err, "invalid_token")
	require.Equal(t, 401, oauthErr.Status)

	stored, err := h.store.GetAccessToken(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestProfile_UnknownToken(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.service.Profile(context.Background(), "garbage")
	oauthErr := requireOAuthError(t, err, "invalid_token")
	require.Equal(t, 401, oauthErr.Status)
}

func TestCompleteAuthorization_IdentityFailure(t *testing.T) {
	h := newTestHarness(t)
	h.identity.err = errors.New("identity provider down")
	params, oauthErr := h.service.ValidateAuthorizeRequest(validAuthorizeRequest())
	require.Nil(t, oauthErr)

	_, err := h.service.CompleteAuthorization(context.Background(), "session-token", *params)
	require.Error(t, err)
	require.NotErrorIs(t, err, identity.ErrNoSession)
}
