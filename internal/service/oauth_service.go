package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lokus-ai/lokus-auth/internal/adapter/identity"
	"github.com/lokus-ai/lokus-auth/internal/config"
	"github.com/lokus-ai/lokus-auth/internal/domain/credential"
	"github.com/lokus-ai/lokus-auth/internal/repository"
)

// OAuthError standardizes OAuth compliant errors.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newOAuthError(code, desc string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: desc, Status: status}
}

// TokenResponse is the token and refresh endpoint success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	UserID       string `json:"user_id,omitempty"`
	Scope        string `json:"scope"`
}

// Profile is the bearer-authenticated user view.
type Profile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// AuthorizeRequest carries the raw query parameters of an authorization request.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeParams is a validated authorization request with defaults applied.
type AuthorizeParams struct {
	RedirectURI   string
	Scope         string
	State         string
	CodeChallenge string
}

// AuthorizationGrant is the outcome of completing an authorization: the
// minted code plus where to send the user agent.
type AuthorizationGrant struct {
	Code        string
	State       string
	RedirectURI string
}

// TokenRequest carries the token endpoint form body.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// RefreshRequest carries the refresh endpoint form body.
type RefreshRequest struct {
	GrantType    string
	ClientID     string
	RefreshToken string
}

// OAuthService implements the authorization code + PKCE flow for the single
// registered desktop client.
type OAuthService struct {
	codes    repository.CodeStore
	access   repository.AccessTokenStore
	refresh  repository.RefreshTokenStore
	identity identity.Provider
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewOAuthService wires dependencies.
func NewOAuthService(codes repository.CodeStore, access repository.AccessTokenStore, refresh repository.RefreshTokenStore, provider identity.Provider, cfg config.Config, logger *zap.Logger) *OAuthService {
	return &OAuthService{
		codes:    codes,
		access:   access,
		refresh:  refresh,
		identity: provider,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/lokus-ai/lokus-auth/internal/service"),
		now:      time.Now,
	}
}

// ValidateAuthorizeRequest checks the static shape of an authorization
// request before the user is involved. No state is created here.
func (s *OAuthService) ValidateAuthorizeRequest(req AuthorizeRequest) (*AuthorizeParams, *OAuthError) {
	if req.ResponseType != "code" {
		return nil, newOAuthError("invalid_request", "response_type must be code.", http.StatusBadRequest)
	}
	if req.ClientID != s.cfg.DesktopClientID {
		return nil, newOAuthError("invalid_client", "Unknown client.", http.StatusBadRequest)
	}
	redirect := strings.TrimSpace(req.RedirectURI)
	if redirect == "" || !strings.HasPrefix(redirect, s.cfg.RedirectURIPrefix) {
		return nil, newOAuthError("invalid_request", "redirect_uri must be a localhost loopback URI.", http.StatusBadRequest)
	}
	if strings.TrimSpace(req.State) == "" || strings.TrimSpace(req.CodeChallenge) == "" || req.CodeChallengeMethod != "S256" {
		return nil, newOAuthError("invalid_request", "Missing PKCE parameters", http.StatusBadRequest)
	}

	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		scope = s.cfg.DefaultScope
	}

	return &AuthorizeParams{
		RedirectURI:   redirect,
		Scope:         scope,
		State:         req.State,
		CodeChallenge: strings.TrimSpace(req.CodeChallenge),
	}, nil
}

// CompleteAuthorization converts an authenticated browser session into a
// single-use authorization code bound to the PKCE challenge and redirect URI.
// identity.ErrNoSession is returned unwrapped so the caller can send the user
// to the login page instead.
func (s *OAuthService) CompleteAuthorization(ctx context.Context, sessionToken string, params AuthorizeParams) (*AuthorizationGrant, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.CompleteAuthorization")
	defer span.End()

	user, err := s.identity.CurrentUser(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, identity.ErrNoSession) {
			return nil, err
		}
		span.RecordError(err)
		return nil, fmt.Errorf("resolve session user: %w", err)
	}

	record := credential.AuthorizationCode{
		Code:          uuid.NewString(),
		CodeChallenge: params.CodeChallenge,
		RedirectURI:   params.RedirectURI,
		State:         params.State,
		UserID:        user.ID,
		Email:         user.Email,
		Name:          displayName(user),
		AvatarURL:     avatarURL(user),
		Scope:         params.Scope,
	}

	if err := s.codes.SaveCode(ctx, record, s.cfg.AuthCodeTTL); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist authorization code: %w", err)
	}

	s.audit("authorization_code.issued", "user_id", user.ID, "client_id", s.cfg.DesktopClientID)
	return &AuthorizationGrant{
		Code:        record.Code,
		State:       params.State,
		RedirectURI: params.RedirectURI,
	}, nil
}

// ExchangeCode redeems a one-time authorization code for a token pair.
func (s *OAuthService) ExchangeCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.ExchangeCode")
	defer span.End()

	if req.GrantType != "authorization_code" {
		return nil, newOAuthError("unsupported_grant_type", "grant_type must be authorization_code.", http.StatusBadRequest)
	}
	if req.ClientID != s.cfg.DesktopClientID {
		return nil, newOAuthError("invalid_client", "Unknown client.", http.StatusBadRequest)
	}

	code, err := s.codes.GetCode(ctx, req.Code)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load authorization code: %w", err)
	}
	if code == nil {
		return nil, newOAuthError("invalid_grant", "Invalid or expired authorization code", http.StatusBadRequest)
	}
	if code.Expired(s.now()) {
		s.deleteCode(ctx, req.Code)
		return nil, newOAuthError("invalid_grant", "Authorization code has expired", http.StatusBadRequest)
	}
	if strings.TrimSpace(req.CodeVerifier) == "" {
		return nil, newOAuthError("invalid_request", "Missing code_verifier", http.StatusBadRequest)
	}
	// A failed proof burns the code: retrying the verifier would otherwise be
	// possible for the rest of the code's lifetime.
	if subtle.ConstantTimeCompare([]byte(pkceChallenge(req.CodeVerifier)), []byte(code.CodeChallenge)) != 1 {
		s.deleteCode(ctx, req.Code)
		return nil, newOAuthError("invalid_grant", "Invalid code_verifier", http.StatusBadRequest)
	}
	if req.RedirectURI != code.RedirectURI {
		return nil, newOAuthError("invalid_grant", "Redirect URI mismatch", http.StatusBadRequest)
	}

	// Claim the code. A concurrent exchange may have won the race between the
	// lookup above and this point; only the consumer that gets the record back
	// may issue tokens.
	consumed, err := s.codes.ConsumeCode(ctx, req.Code)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	if consumed == nil {
		return nil, newOAuthError("invalid_grant", "Invalid or expired authorization code", http.StatusBadRequest)
	}

	resp, err := s.issueTokens(ctx, consumed.UserID, consumed.Email, consumed.Name, consumed.AvatarURL, consumed.Scope)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	resp.UserID = consumed.UserID

	s.audit("authorization_code.exchanged", "user_id", consumed.UserID, "client_id", req.ClientID)
	return resp, nil
}

// RefreshTokens rotates an access/refresh token pair. The old refresh token
// is consumed up front so it cannot be replayed, even by a concurrent caller.
func (s *OAuthService) RefreshTokens(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.RefreshTokens")
	defer span.End()

	if req.GrantType != "refresh_token" {
		return nil, newOAuthError("unsupported_grant_type", "grant_type must be refresh_token.", http.StatusBadRequest)
	}
	if req.ClientID != s.cfg.DesktopClientID {
		return nil, newOAuthError("invalid_client", "Unknown client.", http.StatusBadRequest)
	}

	token, err := s.refresh.ConsumeRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}
	if token == nil {
		return nil, newOAuthError("invalid_grant", "Invalid or expired refresh token", http.StatusBadRequest)
	}
	if token.Expired(s.now()) {
		return nil, newOAuthError("invalid_grant", "Refresh token has expired", http.StatusBadRequest)
	}

	resp, err := s.issueTokens(ctx, token.UserID, token.Email, token.Name, token.AvatarURL, token.Scope)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.audit("refresh_token.rotated", "user_id", token.UserID, "client_id", req.ClientID)
	return resp, nil
}

// Profile resolves the user behind a bearer access token. Expired tokens are
// deleted on lookup and reported as absent.
func (s *OAuthService) Profile(ctx context.Context, bearer string) (*Profile, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.Profile")
	defer span.End()

	if strings.TrimSpace(bearer) == "" {
		return nil, newOAuthError("invalid_token", "Access token required.", http.StatusUnauthorized)
	}
	token, err := s.access.GetAccessToken(ctx, bearer)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load access token: %w", err)
	}
	if token == nil {
		return nil, newOAuthError("invalid_token", "Invalid or expired access token.", http.StatusUnauthorized)
	}
	if token.Expired(s.now()) {
		if err := s.access.DeleteAccessToken(ctx, bearer); err != nil {
			s.log().Warn("failed to delete expired access token", zap.Error(err))
		}
		return nil, newOAuthError("invalid_token", "Invalid or expired access token.", http.StatusUnauthorized)
	}

	return &Profile{
		ID:        token.UserID,
		Email:     token.Email,
		Name:      token.Name,
		AvatarURL: token.AvatarURL,
	}, nil
}

func (s *OAuthService) issueTokens(ctx context.Context, userID, email, name, avatarURL, scope string) (*TokenResponse, error) {
	accessValue := randomToken(s.cfg.TokenBytes)
	refreshValue := randomToken(s.cfg.TokenBytes)

	if err := s.access.SaveAccessToken(ctx, credential.AccessToken{
		Token:     accessValue,
		UserID:    userID,
		Email:     email,
		Name:      name,
		AvatarURL: avatarURL,
	}, s.cfg.AccessTokenTTL); err != nil {
		return nil, fmt.Errorf("persist access token: %w", err)
	}

	if err := s.refresh.SaveRefreshToken(ctx, credential.RefreshToken{
		Token:     refreshValue,
		UserID:    userID,
		Email:     email,
		Name:      name,
		AvatarURL: avatarURL,
		Scope:     scope,
	}, s.cfg.RefreshTokenTTL); err != nil {
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}

	return &TokenResponse{
		AccessToken:  accessValue,
		RefreshToken: refreshValue,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:        scope,
	}, nil
}

func (s *OAuthService) deleteCode(ctx context.Context, code string) {
	if err := s.codes.DeleteCode(ctx, code); err != nil {
		s.log().Warn("failed to delete authorization code", zap.Error(err))
	}
}

func (s *OAuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *OAuthService) audit(event string, attrs ...any) {
	logger := s.log()
	if logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}

func (s *OAuthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func displayName(user *identity.User) string {
	if name := strings.TrimSpace(user.Name); name != "" {
		return name
	}
	if at := strings.Index(user.Email, "@"); at > 0 {
		return user.Email[:at]
	}
	return user.Email
}

func avatarURL(user *identity.User) string {
	if avatar := strings.TrimSpace(user.AvatarURL); avatar != "" {
		return avatar
	}
	seed := user.Email
	if seed == "" {
		seed = user.ID
	}
	return "https://api.dicebear.com/7.x/initials/svg?seed=" + strings.ToLower(seed)
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomToken(n int) string {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
